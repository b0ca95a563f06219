package entities

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"driftline/internal/api"
	"driftline/internal/model"
)

func pageOf(next, prev FetchFn, ids ...string) *api.Page {
	items := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		items = append(items, statusJSON(id, "a1"))
	}
	return &api.Page{Items: items, Next: next, Prev: prev}
}

func staticPage(ids ...string) FetchFn {
	return func(ctx context.Context) (*api.Page, error) { return pageOf(nil, nil, ids...), nil }
}

func TestFetchPageAppendOrder(t *testing.T) {
	s := NewStore(time.Minute)
	ctx := context.Background()

	require.NoError(t, s.FetchPage(ctx, model.KindStatus, "home", staticPage("1", "2", "3"), PositionEnd, false))
	require.NoError(t, s.FetchPage(ctx, model.KindStatus, "home", staticPage("4", "5", "6"), PositionEnd, false))
	require.Equal(t, []string{"1", "2", "3", "4", "5", "6"}, s.GetList(model.KindStatus, "home").IDs)
}

func TestFetchPagePrependDedup(t *testing.T) {
	s := NewStore(time.Minute)
	ctx := context.Background()

	require.NoError(t, s.FetchPage(ctx, model.KindStatus, "home", staticPage("3", "4", "5"), PositionEnd, false))
	require.NoError(t, s.FetchPage(ctx, model.KindStatus, "home", staticPage("1", "2", "3"), PositionStart, false))
	// New ids first, then old, first occurrence wins.
	require.Equal(t, []string{"1", "2", "3", "4", "5"}, s.GetList(model.KindStatus, "home").IDs)
}

func TestFetchPageOverwrite(t *testing.T) {
	s := NewStore(time.Minute)
	ctx := context.Background()

	require.NoError(t, s.FetchPage(ctx, model.KindStatus, "home", staticPage("1", "2"), PositionEnd, false))
	require.NoError(t, s.FetchPage(ctx, model.KindStatus, "home", staticPage("9"), PositionEnd, true))
	require.Equal(t, []string{"9"}, s.GetList(model.KindStatus, "home").IDs)
}

func TestAtMostOneInFlight(t *testing.T) {
	s := NewStore(time.Minute)
	ctx := context.Background()

	block := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	var calls int32
	fetch := func(ctx context.Context) (*api.Page, error) {
		atomic.AddInt32(&calls, 1)
		once.Do(func() { close(started) })
		<-block
		return pageOf(nil, nil, "s1"), nil
	}

	done := make(chan error, 1)
	go func() { done <- s.FetchPage(ctx, model.KindStatus, "home", fetch, PositionEnd, false) }()
	<-started

	// Second call while the first is outstanding is a no-op.
	require.NoError(t, s.FetchPage(ctx, model.KindStatus, "home", fetch, PositionEnd, false))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	require.True(t, s.GetList(model.KindStatus, "home").Fetching)

	close(block)
	require.NoError(t, <-done)
	st := s.GetList(model.KindStatus, "home")
	require.False(t, st.Fetching)
	require.Equal(t, []string{"s1"}, st.IDs)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFetchErrorKeepsExistingIDs(t *testing.T) {
	s := NewStore(time.Minute)
	ctx := context.Background()

	require.NoError(t, s.FetchPage(ctx, model.KindStatus, "home", staticPage("1", "2"), PositionEnd, false))

	boom := func(ctx context.Context) (*api.Page, error) { return nil, context.DeadlineExceeded }
	require.Error(t, s.FetchPage(ctx, model.KindStatus, "home", boom, PositionEnd, true))

	st := s.GetList(model.KindStatus, "home")
	require.Equal(t, []string{"1", "2"}, st.IDs)
	require.Error(t, st.Err)
	require.True(t, st.Fetched)
}

func TestStalenessBoundary(t *testing.T) {
	stale := time.Minute
	s := NewStore(stale)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	ctx := context.Background()

	require.True(t, s.NeedsFetch(model.KindStatus, "home"), "never fetched")
	require.NoError(t, s.FetchPage(ctx, model.KindStatus, "home", staticPage("1"), PositionEnd, true))

	s.now = func() time.Time { return base.Add(stale - time.Millisecond) }
	require.False(t, s.NeedsFetch(model.KindStatus, "home"))

	s.now = func() time.Time { return base.Add(stale + time.Millisecond) }
	require.True(t, s.NeedsFetch(model.KindStatus, "home"))
}

func TestInvalidateForcesRefetchKeepsIDs(t *testing.T) {
	s := NewStore(time.Hour)
	ctx := context.Background()

	require.NoError(t, s.FetchPage(ctx, model.KindStatus, "home", staticPage("1"), PositionEnd, true))
	require.False(t, s.NeedsFetch(model.KindStatus, "home"))

	s.Invalidate(model.KindStatus, "home")
	require.True(t, s.NeedsFetch(model.KindStatus, "home"))
	// Stale data stays visible until the refetch lands.
	require.Equal(t, []string{"1"}, s.GetList(model.KindStatus, "home").IDs)

	require.NoError(t, s.FetchPage(ctx, model.KindStatus, "home", staticPage("2"), PositionEnd, true))
	st := s.GetList(model.KindStatus, "home")
	require.False(t, st.Invalid)
	require.Equal(t, []string{"2"}, st.IDs)
}

func TestInvalidItemsDroppedFromBatch(t *testing.T) {
	s := NewStore(time.Minute)
	ctx := context.Background()

	fetch := func(ctx context.Context) (*api.Page, error) {
		return &api.Page{Items: []json.RawMessage{
			statusJSON("1", "a1"),
			json.RawMessage(`{"content":"no id"}`),
			statusJSON("2", "a1"),
		}}, nil
	}
	require.NoError(t, s.FetchPage(ctx, model.KindStatus, "home", fetch, PositionEnd, true))
	require.Equal(t, []string{"1", "2"}, s.GetList(model.KindStatus, "home").IDs)
}

func TestListHandleEndToEnd(t *testing.T) {
	s := NewStore(time.Minute)
	ctx := context.Background()

	next := func(ctx context.Context) (*api.Page, error) { return pageOf(nil, nil, "s3"), nil }
	first := func(ctx context.Context) (*api.Page, error) { return pageOf(next, nil, "s1", "s2"), nil }

	h := NewListHandle(s, model.KindStatus, "home", first)
	require.NoError(t, h.EnsureFresh(ctx))

	st := h.State()
	require.Equal(t, []string{"s1", "s2"}, st.IDs)
	require.False(t, st.Fetching)
	require.True(t, st.Fetched)
	require.True(t, h.HasNextPage())
	require.Len(t, h.Entities(), 2)

	// Fresh list: EnsureFresh again does not refetch.
	require.NoError(t, h.EnsureFresh(ctx))
	require.Equal(t, []string{"s1", "s2"}, h.State().IDs)

	require.NoError(t, h.FetchNextPage(ctx))
	st = h.State()
	require.Equal(t, []string{"s1", "s2", "s3"}, st.IDs)
	require.False(t, h.HasNextPage())
	require.Equal(t, 3, h.Count())

	// No next cursor left: another call is a no-op.
	require.NoError(t, h.FetchNextPage(ctx))
	require.Equal(t, []string{"s1", "s2", "s3"}, h.State().IDs)
}

func TestListHandleCountPrefersServerTotal(t *testing.T) {
	s := NewStore(time.Minute)
	ctx := context.Background()
	total := 42
	fetch := func(ctx context.Context) (*api.Page, error) {
		p := pageOf(nil, nil, "1")
		p.TotalCount = &total
		return p, nil
	}
	h := NewListHandle(s, model.KindStatus, "home", fetch)
	require.NoError(t, h.EnsureFresh(ctx))
	require.Equal(t, 42, h.Count())
}
