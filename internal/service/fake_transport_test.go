package service

import (
	"context"
	"strings"
	"sync"

	"github.com/spec-kit/redmine-bridge/internal/domain"
	"github.com/spec-kit/redmine-bridge/internal/redmine"
)

type transportCall struct {
	RC  domain.RequestContext
	Req redmine.Request
}

func (c transportCall) path() string {
	path, _, _ := strings.Cut(c.Req.Path, "?")
	return path
}

func (c transportCall) body() map[string]any {
	m, _ := c.Req.Body.(map[string]any)
	return m
}

type fakeTransport struct {
	mu     sync.Mutex
	calls  []transportCall
	handle func(call transportCall) (map[string]any, error)
	raw    func(call transportCall) ([]byte, error)
}

func (f *fakeTransport) Do(_ context.Context, rc domain.RequestContext, req redmine.Request) (map[string]any, error) {
	call := f.record(rc, req)
	if f.handle == nil {
		return map[string]any{}, nil
	}
	return f.handle(call)
}

func (f *fakeTransport) DoRaw(_ context.Context, rc domain.RequestContext, req redmine.Request) ([]byte, error) {
	call := f.record(rc, req)
	if f.raw == nil {
		return nil, nil
	}
	return f.raw(call)
}

func (f *fakeTransport) record(rc domain.RequestContext, req redmine.Request) transportCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := transportCall{RC: rc, Req: req}
	f.calls = append(f.calls, call)
	return call
}

func (f *fakeTransport) callsTo(method, path string) []transportCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transportCall
	for _, c := range f.calls {
		if c.Req.Method == method && c.path() == path {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// customFieldsResponse is a /custom_fields.json body with issue fields for tracker 7.
func customFieldsResponse(fields ...map[string]any) map[string]any {
	items := make([]any, 0, len(fields))
	for _, f := range fields {
		if _, ok := f["customized_type"]; !ok {
			f["customized_type"] = "issue"
		}
		if _, ok := f["trackers"]; !ok {
			f["trackers"] = []any{map[string]any{"id": 7}}
		}
		items = append(items, f)
	}
	return map[string]any{"custom_fields": items}
}
