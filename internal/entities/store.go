// Package entities is the normalized client-side cache: one record table per
// entity kind plus per-key paginated list state, shared by the fetch path and
// the streaming path. All mutation goes through the merge/remove primitives;
// stored records are treated as immutable and always replaced whole.
package entities

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"driftline/internal/metrics"
	"driftline/internal/model"
)

// ListState is the pagination/staleness state of one (kind, key) list.
// IDs may reference records that were since removed; resolution filters
// dangling ids at read time instead of rewriting the sequence.
type ListState struct {
	IDs           []string
	Fetching      bool
	Fetched       bool
	Err           error
	Invalid       bool
	LastFetchedAt time.Time
	Next          FetchFn
	Prev          FetchFn
	TotalCount    *int
}

// Subscription delivers a signal per entity kind whose table or lists
// changed. Signals are dropped, never blocked on, if the consumer lags;
// consumers re-read through the store on each signal.
type Subscription struct {
	ID uuid.UUID
	C  <-chan model.Kind
}

// Store is the process-wide entity cache. Every mutation primitive holds one
// mutex, so merges are atomic with respect to each other and no reader ever
// observes a half-applied batch.
type Store struct {
	mu         sync.Mutex
	now        func() time.Time
	staleAfter time.Duration
	tables     map[model.Kind]map[string]model.Record
	lists      map[model.Kind]map[string]*ListState
	subs       map[uuid.UUID]chan model.Kind
}

// NewStore creates an empty store. staleAfter is the staleness policy input:
// a list older than this is refetched on next EnsureFresh.
func NewStore(staleAfter time.Duration) *Store {
	return &Store{
		now:        time.Now,
		staleAfter: staleAfter,
		tables:     make(map[model.Kind]map[string]model.Record),
		lists:      make(map[model.Kind]map[string]*ListState),
		subs:       make(map[uuid.UUID]chan model.Kind),
	}
}

type partialRecord interface{ PartialRecord() bool }

func (s *Store) tableLocked(kind model.Kind) map[string]model.Record {
	t, ok := s.tables[kind]
	if !ok {
		t = make(map[string]model.Record)
		s.tables[kind] = t
	}
	return t
}

// A partial payload (e.g. a mention embedded in a status) never clobbers a
// previously stored full record; everything else is last-write-wins.
func (s *Store) mergeLocked(rec model.Record) {
	t := s.tableLocked(rec.RecordKind())
	id := rec.RecordID()
	if p, ok := rec.(partialRecord); ok && p.PartialRecord() {
		if _, exists := t[id]; exists {
			return
		}
	}
	t[id] = rec
	metrics.Merges.Inc()
}

func (s *Store) mergeGroupsLocked(groups map[model.Kind][]model.Record) {
	for kind, recs := range groups {
		for _, rec := range recs {
			s.mergeLocked(rec)
		}
		metrics.RecordsResident.WithLabelValues(string(kind)).Set(float64(len(s.tables[kind])))
		s.notifyLocked(kind)
	}
}

// Merge upserts already-normalized records.
func (s *Store) Merge(records ...model.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.mergeLocked(rec)
		s.notifyLocked(rec.RecordKind())
	}
}

// MergeRaw normalizes raw payloads of the given kind, merges the flattened
// records and every nested related entity, and returns the ids of the
// top-level records in payload order. Invalid items are dropped.
func (s *Store) MergeRaw(kind model.Kind, raws ...json.RawMessage) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergeRawLocked(kind, raws)
}

// Remove deletes the record. Lists referencing the id keep it in their
// stored sequence; it simply stops resolving.
func (s *Store) Remove(kind model.Kind, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tableLocked(kind), id)
	metrics.RecordsResident.WithLabelValues(string(kind)).Set(float64(len(s.tables[kind])))
	s.notifyLocked(kind)
}

// GetEntity is a pure read; it never triggers I/O.
func (s *Store) GetEntity(kind model.Kind, id string) (model.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tables[kind][id]
	return rec, ok
}

// Find returns the first cached record of kind matching the predicate.
// Iteration order over the table is unspecified.
func (s *Store) Find(kind model.Kind, match func(model.Record) bool) (model.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.tables[kind] {
		if match(rec) {
			return rec, true
		}
	}
	return nil, false
}

// Reset wipes every table, list and subscription. Used on logout/session
// switch; the store starts over empty.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind := range s.tables {
		metrics.RecordsResident.WithLabelValues(string(kind)).Set(0)
	}
	s.tables = make(map[model.Kind]map[string]model.Record)
	s.lists = make(map[model.Kind]map[string]*ListState)
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

// Subscribe registers a change listener.
func (s *Store) Subscribe() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	ch := make(chan model.Kind, 16)
	s.subs[id] = ch
	return &Subscription{ID: id, C: ch}
}

// Unsubscribe removes a listener and closes its channel.
func (s *Store) Unsubscribe(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[id]; ok {
		close(ch)
		delete(s.subs, id)
	}
}

func (s *Store) notifyLocked(kind model.Kind) {
	for _, ch := range s.subs {
		select {
		case ch <- kind:
		default:
		}
	}
}
