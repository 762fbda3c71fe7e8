package repository

import (
	"context"
	"sync"
	"time"

	"github.com/spec-kit/redmine-bridge/internal/domain"
)

// IdempotencyRepository stores the outcome of idempotent operations.
// Save is first-write-wins: a second save for the same (operation, key) with the
// same request hash is a no-op, with a different hash it fails with
// domain.ErrIdempotencyConflict.
type IdempotencyRepository interface {
	Find(ctx context.Context, operation, key string) (*domain.IdempotencyRecord, error)
	Save(ctx context.Context, record domain.IdempotencyRecord) error
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

type idempotencyKey struct {
	operation string
	key       string
}

type memoryIdempotencyRepository struct {
	mu      sync.RWMutex
	records map[idempotencyKey]domain.IdempotencyRecord
}

// NewMemoryIdempotencyRepository keeps records in process memory.
func NewMemoryIdempotencyRepository() IdempotencyRepository {
	return &memoryIdempotencyRepository{records: make(map[idempotencyKey]domain.IdempotencyRecord)}
}

func (r *memoryIdempotencyRepository) Find(_ context.Context, operation, key string) (*domain.IdempotencyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[idempotencyKey{operation, key}]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (r *memoryIdempotencyRepository) Save(_ context.Context, record domain.IdempotencyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := idempotencyKey{record.Operation, record.Key}
	if existing, ok := r.records[k]; ok {
		return compareHash(existing, record)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	r.records[k] = record
	return nil
}

func (r *memoryIdempotencyRepository) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed int64
	for k, record := range r.records {
		if record.CreatedAt.Before(olderThan) {
			delete(r.records, k)
			removed++
		}
	}
	return removed, nil
}

func compareHash(existing, incoming domain.IdempotencyRecord) error {
	if existing.RequestHash != incoming.RequestHash {
		return domain.ErrIdempotencyConflict
	}
	return nil
}
