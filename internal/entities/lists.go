package entities

import (
	"context"
	"encoding/json"
	"time"

	"driftline/internal/api"
	"driftline/internal/metrics"
	"driftline/internal/model"
)

// FetchFn and EntityFetchFn are re-exported so list state and call sites
// read naturally without importing the contracts package.
type (
	FetchFn       = api.FetchFn
	EntityFetchFn = api.EntityFetchFn
)

// Well-known list keys shared by the fetch path and the streaming path.
const (
	ListKeyNotifications = "notifications"
	ListKeyConversations = "conversations"
	ListKeyChats         = "chats"
)

// Position says where a fetched page's ids are merged into a list.
type Position int

const (
	PositionEnd Position = iota
	PositionStart
)

func (s *Store) listsLocked(kind model.Kind) map[string]*ListState {
	m, ok := s.lists[kind]
	if !ok {
		m = make(map[string]*ListState)
		s.lists[kind] = m
	}
	return m
}

// Created lazily on first access.
func (s *Store) ensureListLocked(kind model.Kind, key string) *ListState {
	m := s.listsLocked(kind)
	ls, ok := m[key]
	if !ok {
		ls = &ListState{}
		m[key] = ls
	}
	return ls
}

// GetList is a pure read of the list state. The returned value is a copy;
// its IDs slice is detached from the stored one.
func (s *Store) GetList(kind model.Kind, key string) ListState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := s.ensureListLocked(kind, key)
	out := *ls
	out.IDs = append([]string(nil), ls.IDs...)
	return out
}

// Resolve returns the list's records in id order, skipping ids whose record
// is absent from the table. The stored id sequence is not rewritten.
func (s *Store) Resolve(kind model.Kind, key string) []model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.lists[kind][key]
	if !ok {
		return nil
	}
	t := s.tables[kind]
	out := make([]model.Record, 0, len(ls.IDs))
	for _, id := range ls.IDs {
		if rec, ok := t[id]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// Invalidate marks the list so the next EnsureFresh refetches regardless of
// age. Existing ids stay visible until the refetch lands.
func (s *Store) Invalidate(kind model.Kind, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureListLocked(kind, key).Invalid = true
	s.notifyLocked(kind)
}

// InvalidateKind invalidates every list of a kind.
func (s *Store) InvalidateKind(kind model.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ls := range s.lists[kind] {
		ls.Invalid = true
	}
	s.notifyLocked(kind)
}

// NeedsFetch reports whether the list was never fetched, was invalidated, or
// has aged past the staleness policy.
func (s *Store) NeedsFetch(kind model.Kind, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.lists[kind][key]
	if !ok || !ls.Fetched {
		return true
	}
	if ls.Invalid {
		return true
	}
	return !s.now().Before(ls.LastFetchedAt.Add(s.staleAfter))
}

// FetchPage runs one page fetch for (kind, key). The fetching flag is read
// from the authoritative state under the lock, so rapid repeated calls get
// at most one in-flight request per list key; a second call while one is
// outstanding is a no-op. On success the page is normalized, merged, and
// its ids folded into the list at pos (or the whole list replaced when
// overwrite is set). On failure the error is recorded and existing ids are
// left untouched.
func (s *Store) FetchPage(ctx context.Context, kind model.Kind, key string, fetch FetchFn, pos Position, overwrite bool) error {
	s.mu.Lock()
	ls := s.ensureListLocked(kind, key)
	if ls.Fetching {
		s.mu.Unlock()
		return nil
	}
	ls.Fetching = true
	s.mu.Unlock()

	start := time.Now()
	page, err := fetch(ctx)
	metrics.ObserveFetchDuration(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	// Reset may have replaced the list map while the request was in flight.
	ls = s.ensureListLocked(kind, key)
	ls.Fetching = false
	if err != nil {
		ls.Err = err
		metrics.Fetches.WithLabelValues(string(kind), "error").Inc()
		s.notifyLocked(kind)
		return err
	}

	ids := s.mergeRawLocked(kind, page.Items)
	switch {
	case overwrite:
		ls.IDs = mergeIDs(ids, nil)
		ls.Next = page.Next
		ls.Prev = page.Prev
	case pos == PositionStart:
		ls.IDs = mergeIDs(ids, ls.IDs)
		ls.Prev = page.Prev
	default:
		ls.IDs = mergeIDs(ls.IDs, ids)
		ls.Next = page.Next
	}
	if page.TotalCount != nil {
		ls.TotalCount = page.TotalCount
	}
	ls.Fetched = true
	ls.Err = nil
	ls.Invalid = false
	ls.LastFetchedAt = s.now()
	metrics.Fetches.WithLabelValues(string(kind), "ok").Inc()
	s.notifyLocked(kind)
	return nil
}

// AddToList folds ids into a list outside the fetch path, e.g. from a
// stream event, with the same dedup rules as a fetched page.
func (s *Store) AddToList(kind model.Kind, key string, pos Position, ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := s.ensureListLocked(kind, key)
	if pos == PositionStart {
		ls.IDs = mergeIDs(ids, ls.IDs)
	} else {
		ls.IDs = mergeIDs(ls.IDs, ids)
	}
	s.notifyLocked(kind)
}

func (s *Store) mergeRawLocked(kind model.Kind, raws []json.RawMessage) []string {
	ids := make([]string, 0, len(raws))
	groups := make(map[model.Kind][]model.Record)
	for _, raw := range raws {
		rec, g, err := Normalize(kind, raw)
		if err != nil {
			metrics.InvalidDropped.WithLabelValues(string(kind)).Inc()
			continue
		}
		ids = append(ids, rec.RecordID())
		for k, recs := range g {
			groups[k] = append(groups[k], recs...)
		}
	}
	s.mergeGroupsLocked(groups)
	return ids
}

// mergeIDs concatenates first then second, keeping the first occurrence of
// each id. Insertion order is preserved; duplicates from the second slice
// are dropped.
func mergeIDs(first, second []string) []string {
	out := make([]string, 0, len(first)+len(second))
	seen := make(map[string]bool, len(first)+len(second))
	for _, id := range first {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range second {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
