// Package streaming owns the push-event side of the cache: one logical
// connection per topic, frames decoded and folded into the entity store
// through the same merge path a completed fetch uses.
package streaming

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"driftline/internal/entities"
	"driftline/internal/metrics"
)

// State of one topic's connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// TopicOptions bind a topic to cache state and consumer callbacks.
type TopicOptions struct {
	// ListKey, when set, is the timeline list new statuses from this topic
	// are prepended to.
	ListKey string
	// OnConnect/OnDisconnect let a consumer mark a timeline live or stale.
	OnConnect    func(topic string)
	OnDisconnect func(topic string)
	// Poll approximates missed updates while the topic is disconnected; it
	// runs once per disconnect before the reconnect backoff.
	Poll func(ctx context.Context) error
}

// Dispatcher multiplexes stream topics over one store.
type Dispatcher struct {
	store      *entities.Store
	dialer     Dialer
	log        *zap.Logger
	minBackoff time.Duration
	maxBackoff time.Duration

	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	name   string
	opts   TopicOptions
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithBackoff bounds the reconnect backoff.
func WithBackoff(min, max time.Duration) Option {
	return func(d *Dispatcher) {
		d.minBackoff = min
		d.maxBackoff = max
	}
}

// New builds a dispatcher over the store.
func New(store *entities.Store, dialer Dialer, log *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		dialer:     dialer,
		log:        log,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
		topics:     make(map[string]*topic),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Subscribe starts the connection loop for a topic. Subscribing an already
// live topic is a no-op; subscribing a closed topic starts a fresh one.
func (d *Dispatcher) Subscribe(name string, opts TopicOptions) {
	d.mu.Lock()
	if t, ok := d.topics[name]; ok && t.state != StateClosed {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &topic{name: name, opts: opts, state: StateConnecting, cancel: cancel, done: make(chan struct{})}
	d.topics[name] = t
	d.mu.Unlock()

	go d.run(ctx, t)
}

// TopicState returns the connection state of a topic.
func (d *Dispatcher) TopicState(name string) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.topics[name]; ok {
		return t.state
	}
	return StateDisconnected
}

// Close tears a topic down. The topic ends in the terminal Closed state.
func (d *Dispatcher) Close(name string) {
	d.mu.Lock()
	t, ok := d.topics[name]
	d.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	<-t.done
}

// Shutdown closes every topic.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	ts := make([]*topic, 0, len(d.topics))
	for _, t := range d.topics {
		ts = append(ts, t)
	}
	d.mu.Unlock()
	for _, t := range ts {
		t.cancel()
		<-t.done
	}
}

func (d *Dispatcher) setState(t *topic, s State) {
	d.mu.Lock()
	t.state = s
	d.mu.Unlock()
	d.log.Debug("stream state", zap.String("topic", t.name), zap.String("state", s.String()))
}

func (d *Dispatcher) run(ctx context.Context, t *topic) {
	defer close(t.done)
	backoff := d.minBackoff
	for {
		d.setState(t, StateConnecting)
		conn, err := d.dialer.Dial(ctx, t.name)
		if err != nil {
			if ctx.Err() != nil {
				d.setState(t, StateClosed)
				return
			}
			d.log.Warn("stream dial failed", zap.String("topic", t.name), zap.Error(err))
			d.setState(t, StateDisconnected)
			if !d.wait(ctx, &backoff) {
				d.setState(t, StateClosed)
				return
			}
			continue
		}

		backoff = d.minBackoff
		d.setState(t, StateConnected)
		if t.opts.OnConnect != nil {
			t.opts.OnConnect(t.name)
		}

		// Closing the conn unblocks the read loop when the topic is torn down.
		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		err = d.readLoop(t, conn)
		stop()
		_ = conn.Close()

		if ctx.Err() != nil {
			d.setState(t, StateClosed)
			return
		}
		d.log.Warn("stream disconnected", zap.String("topic", t.name), zap.Error(err))
		d.setState(t, StateDisconnected)
		if t.opts.OnDisconnect != nil {
			t.opts.OnDisconnect(t.name)
		}
		if t.opts.Poll != nil {
			if perr := t.opts.Poll(ctx); perr != nil {
				d.log.Warn("poll fallback failed", zap.String("topic", t.name), zap.Error(perr))
			}
		}
		if !d.wait(ctx, &backoff) {
			d.setState(t, StateClosed)
			return
		}
	}
}

// Frames are handled one at a time in arrival order; no reordering or
// coalescing happens at this level.
func (d *Dispatcher) readLoop(t *topic, conn Conn) error {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		d.handle(t, f)
	}
}

// wait sleeps the current backoff with +/-20% jitter and doubles it up to
// the bound. Returns false when the context ended first.
func (d *Dispatcher) wait(ctx context.Context, backoff *time.Duration) bool {
	metrics.StreamReconnects.Inc()
	wait := *backoff
	jitter := time.Duration(float64(wait) * 0.2)
	if jitter > 0 {
		wait = wait - jitter + time.Duration(rand.Int63n(int64(2*jitter)))
	}
	*backoff *= 2
	if *backoff > d.maxBackoff {
		*backoff = d.maxBackoff
	}
	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	}
}
