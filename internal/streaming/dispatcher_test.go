package streaming

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"driftline/internal/entities"
	"driftline/internal/model"
)

type fakeConn struct {
	frames chan Frame
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan Frame, 32), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame() (Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return Frame{}, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct{ conns chan Conn }

func (d *fakeDialer) Dial(ctx context.Context, topic string) (Conn, error) {
	select {
	case c := <-d.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newDispatcher(t *testing.T, store *entities.Store) (*Dispatcher, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	dialer := &fakeDialer{conns: make(chan Conn, 1)}
	dialer.conns <- conn
	d := New(store, dialer, zap.NewNop(), WithBackoff(time.Millisecond, 10*time.Millisecond))
	return d, conn
}

const statusPayload = `{"id":"s1","content":"hello","created_at":"2025-06-01T10:00:00Z","account":{"id":"a1","username":"alice","acct":"alice","created_at":"2020-01-01T00:00:00Z"}}`

func TestStreamFetchEquivalence(t *testing.T) {
	viaFetch := entities.NewStore(time.Minute)
	viaFetch.MergeRaw(model.KindStatus, json.RawMessage(statusPayload))

	viaStream := entities.NewStore(time.Minute)
	d, conn := newDispatcher(t, viaStream)
	d.Subscribe("user", TopicOptions{})
	defer d.Shutdown()

	conn.frames <- Frame{Event: "update", Payload: statusPayload}
	require.Eventually(t, func() bool {
		_, ok := viaStream.GetEntity(model.KindStatus, "s1")
		return ok
	}, time.Second, time.Millisecond)

	for _, kind := range []model.Kind{model.KindStatus, model.KindAccount} {
		want, ok := viaFetch.GetEntity(kind, recID(kind))
		require.True(t, ok)
		got, ok := viaStream.GetEntity(kind, recID(kind))
		require.True(t, ok)
		require.Equal(t, want, got)
	}
}

func recID(kind model.Kind) string {
	if kind == model.KindAccount {
		return "a1"
	}
	return "s1"
}

func TestUpdatePrependsToBoundList(t *testing.T) {
	store := entities.NewStore(time.Minute)
	store.AddToList(model.KindStatus, "timeline:home", entities.PositionEnd, "s0")
	store.MergeRaw(model.KindStatus, json.RawMessage(`{"id":"s0","content":"old","created_at":"2025-06-01T09:00:00Z"}`))

	d, conn := newDispatcher(t, store)
	d.Subscribe("user", TopicOptions{ListKey: "timeline:home"})
	defer d.Shutdown()

	conn.frames <- Frame{Event: "update", Payload: statusPayload}
	require.Eventually(t, func() bool {
		ids := store.GetList(model.KindStatus, "timeline:home").IDs
		return len(ids) == 2 && ids[0] == "s1" && ids[1] == "s0"
	}, time.Second, time.Millisecond)
}

func TestDeleteEventRemovesRecord(t *testing.T) {
	store := entities.NewStore(time.Minute)
	store.MergeRaw(model.KindStatus, json.RawMessage(statusPayload))

	d, conn := newDispatcher(t, store)
	d.Subscribe("user", TopicOptions{})
	defer d.Shutdown()

	conn.frames <- Frame{Event: "delete", Payload: `"s1"`}
	require.Eventually(t, func() bool {
		_, ok := store.GetEntity(model.KindStatus, "s1")
		return !ok
	}, time.Second, time.Millisecond)
}

func TestNotificationEventFeedsList(t *testing.T) {
	store := entities.NewStore(time.Minute)
	d, conn := newDispatcher(t, store)
	d.Subscribe("user", TopicOptions{})
	defer d.Shutdown()

	payload := `{"id":"n1","type":"favourite","created_at":"2025-06-01T10:00:00Z","account":{"id":"a1","username":"alice","acct":"alice","created_at":"2020-01-01T00:00:00Z"},"status":` + statusPayload + `}`
	conn.frames <- Frame{Event: "notification", Payload: payload}

	require.Eventually(t, func() bool {
		return len(store.Resolve(model.KindNotification, entities.ListKeyNotifications)) == 1
	}, time.Second, time.Millisecond)

	rec, ok := store.GetEntity(model.KindNotification, "n1")
	require.True(t, ok)
	n := rec.(model.Notification)
	require.Equal(t, "a1", n.AccountID)
	require.Equal(t, "s1", n.StatusID)
	_, ok = store.GetEntity(model.KindStatus, "s1")
	require.True(t, ok)
}

func TestFramesProcessedInArrivalOrder(t *testing.T) {
	store := entities.NewStore(time.Minute)
	d, conn := newDispatcher(t, store)
	d.Subscribe("user", TopicOptions{ListKey: "timeline:home"})
	defer d.Shutdown()

	for _, id := range []string{"s1", "s2", "s3"} {
		conn.frames <- Frame{Event: "update", Payload: `{"id":"` + id + `","content":"x","created_at":"2025-06-01T10:00:00Z"}`}
	}
	require.Eventually(t, func() bool {
		return len(store.GetList(model.KindStatus, "timeline:home").IDs) == 3
	}, time.Second, time.Millisecond)
	// Each update prepends, so arrival order reverses into the list.
	require.Equal(t, []string{"s3", "s2", "s1"}, store.GetList(model.KindStatus, "timeline:home").IDs)
}

func TestMarkerEventStoresPerTimeline(t *testing.T) {
	store := entities.NewStore(time.Minute)
	d, conn := newDispatcher(t, store)
	d.Subscribe("user", TopicOptions{})
	defer d.Shutdown()

	conn.frames <- Frame{Event: "marker", Payload: `{"home":{"last_read_id":"s9","version":3}}`}
	require.Eventually(t, func() bool {
		rec, ok := store.GetEntity(model.KindMarker, "home")
		return ok && rec.(model.Marker).LastReadID == "s9"
	}, time.Second, time.Millisecond)
}

func TestAnnouncementReactionUpdatesTally(t *testing.T) {
	store := entities.NewStore(time.Minute)
	store.MergeRaw(model.KindAnnouncement, json.RawMessage(`{"id":"ann1","content":"hi","reactions":[{"name":"👍","count":1}]}`))

	d, conn := newDispatcher(t, store)
	d.Subscribe("user", TopicOptions{})
	defer d.Shutdown()

	conn.frames <- Frame{Event: "announcement.reaction", Payload: `{"name":"👍","count":4,"announcement_id":"ann1"}`}
	require.Eventually(t, func() bool {
		rec, ok := store.GetEntity(model.KindAnnouncement, "ann1")
		return ok && rec.(model.Announcement).Reactions[0].Count == 4
	}, time.Second, time.Millisecond)
}

func TestConnectDisconnectCallbacksAndReconnect(t *testing.T) {
	store := entities.NewStore(time.Minute)
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	dialer := &fakeDialer{conns: make(chan Conn, 2)}
	dialer.conns <- conn1
	dialer.conns <- conn2

	var mu sync.Mutex
	connects, disconnects, polls := 0, 0, 0
	d := New(store, dialer, zap.NewNop(), WithBackoff(time.Millisecond, 2*time.Millisecond))
	d.Subscribe("user", TopicOptions{
		OnConnect:    func(string) { mu.Lock(); connects++; mu.Unlock() },
		OnDisconnect: func(string) { mu.Lock(); disconnects++; mu.Unlock() },
		Poll:         func(context.Context) error { mu.Lock(); polls++; mu.Unlock(); return nil },
	})
	defer d.Shutdown()

	require.Eventually(t, func() bool { return d.TopicState("user") == StateConnected }, time.Second, time.Millisecond)

	// Drop the first connection; the dispatcher polls and reconnects.
	conn1.Close()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connects == 2 && disconnects == 1 && polls == 1
	}, time.Second, time.Millisecond)
}

func TestCloseIsTerminal(t *testing.T) {
	store := entities.NewStore(time.Minute)
	d, _ := newDispatcher(t, store)
	d.Subscribe("user", TopicOptions{})

	require.Eventually(t, func() bool { return d.TopicState("user") == StateConnected }, time.Second, time.Millisecond)
	d.Close("user")
	require.Equal(t, StateClosed, d.TopicState("user"))
}
