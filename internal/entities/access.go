package entities

import (
	"context"
	"encoding/json"
	"sync"

	"driftline/internal/api"
	"driftline/internal/model"
)

// EntityHandle is the single-entity access point: a pure Get over the store
// plus an explicit EnsureFresh that may fetch. Fetch status (loading, error,
// unauthorized/forbidden) is scoped to the handle, not the table.
type EntityHandle struct {
	store *Store
	kind  model.Kind
	id    string
	fetch EntityFetchFn

	mu      sync.Mutex
	loading bool
	err     error
}

// NewEntityHandle binds (kind, id) to a fetch function.
func NewEntityHandle(store *Store, kind model.Kind, id string, fetch EntityFetchFn) *EntityHandle {
	return &EntityHandle{store: store, kind: kind, id: id, fetch: fetch}
}

// Get is a pure read.
func (h *EntityHandle) Get() (model.Record, bool) {
	return h.store.GetEntity(h.kind, h.id)
}

// EnsureFresh fetches only when no record is cached.
func (h *EntityHandle) EnsureFresh(ctx context.Context) error {
	if _, ok := h.Get(); ok {
		return nil
	}
	return h.Refetch(ctx)
}

// Refetch always fetches. A validation failure fails the whole call for a
// single-entity fetch; nothing is partially stored.
func (h *EntityHandle) Refetch(ctx context.Context) error {
	h.mu.Lock()
	if h.loading {
		h.mu.Unlock()
		return nil
	}
	h.loading = true
	h.mu.Unlock()

	raw, err := h.fetch(ctx)
	if err == nil {
		var groups map[model.Kind][]model.Record
		_, groups, err = Normalize(h.kind, raw)
		if err == nil {
			h.store.mu.Lock()
			h.store.mergeGroupsLocked(groups)
			h.store.mu.Unlock()
		}
	}

	h.mu.Lock()
	h.loading = false
	h.err = err
	h.mu.Unlock()
	return err
}

// Loading reports whether a fetch is in flight.
func (h *EntityHandle) Loading() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loading
}

// Err returns the last fetch error, nil after a success.
func (h *EntityHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// IsUnauthorized reports a 401 on the last fetch, surfaced distinctly so the
// caller can redirect to re-authentication.
func (h *EntityHandle) IsUnauthorized() bool { return api.IsUnauthorized(h.Err()) }

// IsForbidden reports a 403 on the last fetch, e.g. a blocked-by relation.
func (h *EntityHandle) IsForbidden() bool { return api.IsForbidden(h.Err()) }

// ListHandle is the paginated-list access point over one (kind, key).
type ListHandle struct {
	store *Store
	kind  model.Kind
	key   string
	fetch FetchFn
}

// NewListHandle binds (kind, key) to its base page fetch function.
func NewListHandle(store *Store, kind model.Kind, key string, fetch FetchFn) *ListHandle {
	return &ListHandle{store: store, kind: kind, key: key, fetch: fetch}
}

// Entities resolves the list's records, dangling ids filtered.
func (h *ListHandle) Entities() []model.Record { return h.store.Resolve(h.kind, h.key) }

// State is a pure read of the list state.
func (h *ListHandle) State() ListState { return h.store.GetList(h.kind, h.key) }

// EnsureFresh fetches the first page when the list was never fetched, was
// invalidated, or aged past the staleness policy. Stale ids stay visible
// until the refetch lands (stale-while-revalidate).
func (h *ListHandle) EnsureFresh(ctx context.Context) error {
	if !h.store.NeedsFetch(h.kind, h.key) {
		return nil
	}
	return h.store.FetchPage(ctx, h.kind, h.key, h.fetch, PositionEnd, true)
}

// Refetch replaces the list with a fresh first page regardless of age.
func (h *ListHandle) Refetch(ctx context.Context) error {
	return h.store.FetchPage(ctx, h.kind, h.key, h.fetch, PositionEnd, true)
}

// FetchNextPage appends the next page using the stored cursor. No-op when
// there is no next page.
func (h *ListHandle) FetchNextPage(ctx context.Context) error {
	st := h.store.GetList(h.kind, h.key)
	if st.Next == nil {
		return nil
	}
	return h.store.FetchPage(ctx, h.kind, h.key, st.Next, PositionEnd, false)
}

// FetchPreviousPage prepends the previous page using the stored cursor.
func (h *ListHandle) FetchPreviousPage(ctx context.Context) error {
	st := h.store.GetList(h.kind, h.key)
	if st.Prev == nil {
		return nil
	}
	return h.store.FetchPage(ctx, h.kind, h.key, st.Prev, PositionStart, false)
}

// HasNextPage reports whether a next cursor is stored.
func (h *ListHandle) HasNextPage() bool { return h.State().Next != nil }

// HasPreviousPage reports whether a previous cursor is stored.
func (h *ListHandle) HasPreviousPage() bool { return h.State().Prev != nil }

// Count returns the server-reported total when known, else the resolved
// entity count.
func (h *ListHandle) Count() int {
	st := h.store.GetList(h.kind, h.key)
	if st.TotalCount != nil {
		return *st.TotalCount
	}
	return len(h.Entities())
}

// Invalidate forces the next EnsureFresh to refetch.
func (h *ListHandle) Invalidate() { h.store.Invalidate(h.kind, h.key) }

// LookupHandle finds a cached record by predicate, falling back to a single
// fetch whose result is held on the handle only. The fallback never enters
// the global table and is ignored as soon as a table record matches.
type LookupHandle struct {
	store *Store
	kind  model.Kind
	match func(model.Record) bool
	fetch EntityFetchFn

	mu       sync.Mutex
	fallback model.Record
	err      error
}

// NewLookupHandle binds a predicate lookup to a fallback fetch.
func NewLookupHandle(store *Store, kind model.Kind, match func(model.Record) bool, fetch EntityFetchFn) *LookupHandle {
	return &LookupHandle{store: store, kind: kind, match: match, fetch: fetch}
}

// Get prefers a matching table record over the handle's fallback.
func (l *LookupHandle) Get() (model.Record, bool) {
	if rec, ok := l.store.Find(l.kind, l.match); ok {
		return rec, true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fallback != nil {
		return l.fallback, true
	}
	return nil, false
}

// EnsureFresh fetches the fallback once if nothing matches yet.
func (l *LookupHandle) EnsureFresh(ctx context.Context) error {
	if _, ok := l.Get(); ok {
		return nil
	}
	raw, err := l.fetch(ctx)
	if err == nil {
		var rec model.Record
		rec, _, err = Normalize(l.kind, raw)
		if err == nil {
			l.mu.Lock()
			l.fallback = rec
			l.mu.Unlock()
		}
	}
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
	return err
}

// Err returns the last fallback-fetch error.
func (l *LookupHandle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// FetchMissing hydrates records for the given ids in one batched request,
// fetching only the ids without a cached record of kind. Invalid items in
// the batch are dropped individually.
func (s *Store) FetchMissing(ctx context.Context, kind model.Kind, ids []string, fetch func(ctx context.Context, ids []string) ([]json.RawMessage, error)) error {
	missing := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.GetEntity(kind, id); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	raws, err := fetch(ctx, missing)
	if err != nil {
		return err
	}
	s.MergeRaw(kind, raws...)
	return nil
}

// Create runs the mutation, parses the confirmed entity against its normal
// shape, merges it immediately, and hands the merged record to onSuccess.
func (s *Store) Create(ctx context.Context, kind model.Kind, mutate api.MutateFn, onSuccess func(model.Record)) (model.Record, error) {
	raw, err := mutate(ctx)
	if err != nil {
		return nil, err
	}
	rec, groups, err := Normalize(kind, raw)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.mergeGroupsLocked(groups)
	s.mu.Unlock()
	if onSuccess != nil {
		onSuccess(rec)
	}
	return rec, nil
}

// Delete removes the record only after the server confirms the deletion.
// There is no optimistic removal: a failed delete must not resurrect the id
// in lists that still reference it.
func (s *Store) Delete(ctx context.Context, kind model.Kind, id string, del api.DeleteFn) error {
	if err := del(ctx); err != nil {
		return err
	}
	s.Remove(kind, id)
	return nil
}
