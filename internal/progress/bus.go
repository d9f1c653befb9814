package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/metrics"
)

// DefaultBacklog is how many undelivered events a subscriber may
// accumulate before the bus drops it.
const DefaultBacklog = 1024

// finishedRetention matches the drift monitor's active window: drift
// alerts may still be published for an analysis this long after it
// finishes, and its sequence counter must survive until then.
const finishedRetention = 24 * time.Hour

// Forwarder receives every published event, after in-process fan-out.
type Forwarder interface {
	Forward(evt Event)
}

// Subscriber is one reader of an analysis's event stream. Events are
// delivered in publish order; a subscriber that falls more than the
// backlog behind is dropped and its channel closed.
type Subscriber struct {
	id         string
	analysisID string // empty for firehose subscribers
	ch         chan Event
	bus        *Bus
}

// Events returns the delivery channel. It is closed when the analysis
// finishes, the subscriber is dropped, or the bus shuts down.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Unsubscribe detaches the subscriber. Safe to call more than once.
func (s *Subscriber) Unsubscribe() {
	s.bus.remove(s)
}

// Bus fans analysis events out to subscribers. Delivery is FIFO per
// analysis with no ordering between analyses; one writer per analysis
// is assumed.
type Bus struct {
	mu       sync.Mutex
	backlog  int
	fwd      Forwarder
	seq      map[string]uint64
	subs     map[string]map[string]*Subscriber
	globals  map[string]*Subscriber
	finished map[string]time.Time
	closed   bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithBacklog overrides the per-subscriber backlog.
func WithBacklog(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.backlog = n
		}
	}
}

// WithForwarder attaches a forwarder, typically the NATS bridge.
func WithForwarder(f Forwarder) Option {
	return func(b *Bus) { b.fwd = f }
}

// NewBus creates an event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		backlog:  DefaultBacklog,
		seq:      make(map[string]uint64),
		subs:     make(map[string]map[string]*Subscriber),
		globals:  make(map[string]*Subscriber),
		finished: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish stamps the event with its per-analysis sequence and delivers
// it to the analysis's subscribers and the firehose. Slow subscribers
// are dropped rather than blocking the publisher.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.seq[evt.AnalysisID]++
	evt.Sequence = b.seq[evt.AnalysisID]

	b.deliverLocked(b.subs[evt.AnalysisID], evt)
	b.deliverLocked(b.globals, evt)
	fwd := b.fwd
	b.mu.Unlock()

	metrics.RecordProgressEvent(evt.Kind)
	if fwd != nil {
		fwd.Forward(evt)
	}
}

func (b *Bus) deliverLocked(pool map[string]*Subscriber, evt Event) {
	for id, sub := range pool {
		select {
		case sub.ch <- evt:
		default:
			delete(pool, id)
			close(sub.ch)
			metrics.ProgressSubscribers.Dec()
			metrics.ProgressSubscribersDropped.Inc()
			log.Warn().
				Str("analysis_id", evt.AnalysisID).
				Str("subscriber", id).
				Int("backlog", b.backlog).
				Msg("subscriber fell behind, dropping")
		}
	}
}

// Subscribe attaches a reader to one analysis, receiving events from
// now on. Subscribing stays possible after the analysis finishes:
// drift alerts are still published under its id for the active window,
// and a late subscriber sees those. A closed bus yields an
// already-closed channel.
func (b *Bus) Subscribe(analysisID string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		id:         uuid.New().String(),
		analysisID: analysisID,
		ch:         make(chan Event, b.backlog),
		bus:        b,
	}
	if b.closed {
		close(sub.ch)
		return sub
	}
	if b.subs[analysisID] == nil {
		b.subs[analysisID] = make(map[string]*Subscriber)
	}
	b.subs[analysisID][sub.id] = sub
	metrics.ProgressSubscribers.Inc()
	return sub
}

// SubscribeAll attaches a firehose reader that sees every analysis's
// events. Used by the audit archiver and the status API.
func (b *Bus) SubscribeAll() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		id:  uuid.New().String(),
		ch:  make(chan Event, b.backlog),
		bus: b,
	}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.globals[sub.id] = sub
	metrics.ProgressSubscribers.Inc()
	return sub
}

// Finish marks an analysis complete: its subscribers drain what is
// buffered and then see a closed channel, ending their run stream.
// Drift alerts may still be published afterwards; they reach the
// firehose, the forwarder, and anyone who subscribed after the finish.
func (b *Bus) Finish(analysisID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs[analysisID] {
		close(sub.ch)
		metrics.ProgressSubscribers.Dec()
	}
	delete(b.subs, analysisID)
	b.finished[analysisID] = time.Now()

	cutoff := time.Now().Add(-finishedRetention)
	for id, at := range b.finished {
		if at.Before(cutoff) {
			delete(b.finished, id)
			delete(b.seq, id)
		}
	}
}

// Close shuts the bus down, closing every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for _, pool := range b.subs {
		for _, sub := range pool {
			close(sub.ch)
			metrics.ProgressSubscribers.Dec()
		}
	}
	for _, sub := range b.globals {
		close(sub.ch)
		metrics.ProgressSubscribers.Dec()
	}
	b.subs = make(map[string]map[string]*Subscriber)
	b.globals = make(map[string]*Subscriber)
}

func (b *Bus) remove(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pool := b.globals
	if sub.analysisID != "" {
		pool = b.subs[sub.analysisID]
	}
	if _, ok := pool[sub.id]; !ok {
		return
	}
	delete(pool, sub.id)
	close(sub.ch)
	metrics.ProgressSubscribers.Dec()
	if sub.analysisID != "" && len(b.subs[sub.analysisID]) == 0 {
		delete(b.subs, sub.analysisID)
	}
}
