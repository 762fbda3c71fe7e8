package service

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/spec-kit/redmine-bridge/internal/domain"
	"github.com/spec-kit/redmine-bridge/internal/redmine"
	"github.com/spec-kit/redmine-bridge/internal/repository"
)

// CustomFieldCatalog caches Redmine issue custom fields and serves them per tracker.
// The catalog is fetched once and kept until Invalidate is called.
type CustomFieldCatalog struct {
	transport RedmineTransport
	shared    repository.CustomFieldCache
	logger    *zap.Logger

	loadMu sync.Mutex
	mu     sync.RWMutex
	all    []domain.CustomFieldDescriptor
	loaded bool
	gen    uint64

	byTracker sync.Map // int -> *trackerFields
}

type trackerFields struct {
	fields      []domain.CustomFieldDescriptor
	nameToID    map[string]int
	requiredIDs []int
}

// NewCustomFieldCatalog builds a catalog. shared may be nil.
func NewCustomFieldCatalog(transport RedmineTransport, shared repository.CustomFieldCache, logger *zap.Logger) *CustomFieldCatalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CustomFieldCatalog{transport: transport, shared: shared, logger: logger}
}

// FieldsForTracker returns the issue custom fields enabled for the tracker.
func (c *CustomFieldCatalog) FieldsForTracker(ctx context.Context, rc domain.RequestContext, trackerID int) ([]domain.CustomFieldDescriptor, error) {
	tf, err := c.tracker(ctx, rc, trackerID)
	if err != nil {
		return nil, err
	}
	return tf.fields, nil
}

// NameToIDForTracker maps normalized field names to ids for the tracker.
func (c *CustomFieldCatalog) NameToIDForTracker(ctx context.Context, rc domain.RequestContext, trackerID int) (map[string]int, error) {
	tf, err := c.tracker(ctx, rc, trackerID)
	if err != nil {
		return nil, err
	}
	return tf.nameToID, nil
}

// RequiredIDsForTracker lists the required field ids for the tracker.
func (c *CustomFieldCatalog) RequiredIDsForTracker(ctx context.Context, rc domain.RequestContext, trackerID int) ([]int, error) {
	tf, err := c.tracker(ctx, rc, trackerID)
	if err != nil {
		return nil, err
	}
	return tf.requiredIDs, nil
}

// Invalidate drops every cached entry, including the shared copy.
func (c *CustomFieldCatalog) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	c.gen++
	c.all = nil
	c.loaded = false
	c.byTracker.Range(func(key, _ any) bool {
		c.byTracker.Delete(key)
		return true
	})
	c.mu.Unlock()
	if c.shared != nil {
		return c.shared.Clear(ctx)
	}
	return nil
}

func (c *CustomFieldCatalog) tracker(ctx context.Context, rc domain.RequestContext, trackerID int) (*trackerFields, error) {
	if cached, ok := c.byTracker.Load(trackerID); ok {
		return cached.(*trackerFields), nil
	}
	all, gen, err := c.allFields(ctx, rc)
	if err != nil {
		return nil, err
	}

	tf := &trackerFields{nameToID: map[string]int{}}
	for _, field := range all {
		if !field.AppliesTo(trackerID) {
			continue
		}
		tf.fields = append(tf.fields, field)
		if key := NormalizeFieldName(field.Name); key != "" {
			if _, exists := tf.nameToID[key]; !exists {
				tf.nameToID[key] = field.ID
			}
		}
		if field.Required {
			tf.requiredIDs = append(tf.requiredIDs, field.ID)
		}
	}
	// Entries computed from a catalog that was invalidated meanwhile are not kept.
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.gen != gen {
		return tf, nil
	}
	actual, _ := c.byTracker.LoadOrStore(trackerID, tf)
	return actual.(*trackerFields), nil
}

func (c *CustomFieldCatalog) allFields(ctx context.Context, rc domain.RequestContext) ([]domain.CustomFieldDescriptor, uint64, error) {
	c.mu.RLock()
	if c.loaded {
		all, gen := c.all, c.gen
		c.mu.RUnlock()
		return all, gen, nil
	}
	c.mu.RUnlock()

	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	c.mu.RLock()
	if c.loaded {
		all, gen := c.all, c.gen
		c.mu.RUnlock()
		return all, gen, nil
	}
	gen := c.gen
	c.mu.RUnlock()

	all, err := c.fetch(ctx, rc)
	if err != nil {
		return nil, 0, err
	}

	c.mu.Lock()
	if c.gen == gen {
		c.all = all
		c.loaded = true
	}
	c.mu.Unlock()
	return all, gen, nil
}

func (c *CustomFieldCatalog) fetch(ctx context.Context, rc domain.RequestContext) ([]domain.CustomFieldDescriptor, error) {
	if c.shared != nil {
		fields, ok, err := c.shared.Load(ctx)
		if err != nil {
			c.logger.Warn("redmine.custom_fields.shared_cache_unavailable", zap.Error(err))
		} else if ok {
			return fields, nil
		}
	}

	resp, err := c.transport.Do(ctx, rc.WithoutImpersonation(), redmine.Request{Method: http.MethodGet, Path: "/custom_fields.json"})
	if err != nil {
		return nil, fmt.Errorf("fetch custom fields: %w", err)
	}
	fields := parseCustomFields(resp)
	c.logger.Info("redmine.custom_fields.loaded",
		zap.Int("count", len(fields)),
		zap.String("correlation_id", rc.CorrelationID))

	if c.shared != nil {
		if err := c.shared.Store(ctx, fields); err != nil {
			c.logger.Warn("redmine.custom_fields.shared_cache_store_failed", zap.Error(err))
		}
	}
	return fields, nil
}

func parseCustomFields(resp map[string]any) []domain.CustomFieldDescriptor {
	var out []domain.CustomFieldDescriptor
	for _, raw := range redmine.Maps(resp["custom_fields"]) {
		if redmine.String(raw["customized_type"]) != "issue" {
			continue
		}
		id := redmine.Int(raw["id"])
		if id <= 0 {
			continue
		}
		out = append(out, domain.CustomFieldDescriptor{
			ID:             id,
			Name:           redmine.String(raw["name"]),
			Required:       redmine.Bool(raw["is_required"]),
			Multiple:       redmine.Bool(raw["multiple"]),
			PossibleValues: parsePossibleValues(raw["possible_values"]),
			TrackerIDs:     parseTrackerIDs(raw["trackers"]),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func parseTrackerIDs(v any) []int {
	var ids []int
	for _, item := range redmine.Slice(v) {
		var id int
		if m := redmine.Map(item); m != nil {
			id = redmine.Int(m["id"])
		} else {
			id = redmine.Int(item)
		}
		if id > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

func parsePossibleValues(v any) []string {
	var values []string
	for _, item := range redmine.Slice(v) {
		var value string
		if m := redmine.Map(item); m != nil {
			value = redmine.String(m["value"])
		} else {
			value = redmine.String(item)
		}
		if value != "" {
			values = append(values, value)
		}
	}
	return values
}

var (
	nonAlnumRun = regexp.MustCompile(`[^a-z0-9]+`)
	ligatures   = strings.NewReplacer("ß", "ss", "æ", "ae", "Æ", "AE", "œ", "oe", "Œ", "OE", "ø", "o", "Ø", "O", "đ", "d", "Đ", "D", "ł", "l", "Ł", "L")
)

// NormalizeFieldName builds the lookup key for a custom field name:
// ASCII transliteration, lowercase, non-alphanumeric runs collapsed to "_".
func NormalizeFieldName(name string) string {
	stripAccents := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	ascii, _, err := transform.String(stripAccents, ligatures.Replace(name))
	if err != nil {
		ascii = name
	}
	key := nonAlnumRun.ReplaceAllString(strings.ToLower(ascii), "_")
	return strings.Trim(key, "_")
}
