// Package bus provides the typed publish/subscribe fabric for agent events.
//
// Dispatch is synchronous in emission order: the subscriber list is
// snapshotted under a short critical section and handlers are invoked outside
// it, so events sharing a correlation id reach every subscriber in the order
// they were published. Handlers that need to do slow work must copy the event
// and hand it off; a handler panic is logged and swallowed, never propagated
// to the emitter.
package bus

import (
	"log/slog"
	"sync"

	"github.com/loomhq/loom/pkg/models"
)

// Handler receives published events. The event value is shared read-only
// state; handlers must not retain mutable references into it.
type Handler func(models.Event)

// Bus routes events to subscribers filtered by event kind.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
	closed bool
	logger *slog.Logger
}

type subscription struct {
	id      int
	kinds   map[models.EventKind]struct{} // nil means all kinds
	handler Handler
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for swallowed subscriber failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[int]*subscription),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for the given kinds. With no kinds the
// handler receives every event. The returned cancel func is safe to call at
// any time, including concurrently with Publish.
func (b *Bus) Subscribe(handler Handler, kinds ...models.EventKind) (cancel func()) {
	if handler == nil {
		return func() {}
	}

	sub := &subscription{handler: handler}
	if len(kinds) > 0 {
		sub.kinds = make(map[models.EventKind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, sub.id)
		b.mu.Unlock()
	}
}

// SubscribeName registers a handler by the string alias of an event kind.
// The alias mapping is the EventKind string itself and is stable.
func (b *Bus) SubscribeName(name string, handler Handler) (cancel func(), ok bool) {
	kind, known := KindForName(name)
	if !known {
		return func() {}, false
	}
	return b.Subscribe(handler, kind), true
}

// Publish delivers the event to every matching subscriber, in registration
// order, synchronously. Subscriber panics are recovered and logged.
func (b *Bus) Publish(event models.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	snapshot := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		snapshot = append(snapshot, sub)
	}
	b.mu.Unlock()

	// Stable order: registration id.
	sortSubs(snapshot)

	for _, sub := range snapshot {
		if sub.kinds != nil {
			if _, want := sub.kinds[event.Kind]; !want {
				continue
			}
		}
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub *subscription, event models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				"kind", event.Kind,
				"event_id", event.ID,
				"panic", r,
			)
		}
	}()
	sub.handler(event)
}

// Close drops all subscribers and rejects further publishes. Safe to call
// more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]*subscription)
}

// KindForName resolves the string alias of an event kind. The mapping is the
// identity on the catalog's kind strings.
func KindForName(name string) (models.EventKind, bool) {
	kind := models.EventKind(name)
	if _, ok := catalog[kind]; ok {
		return kind, true
	}
	return "", false
}

// Kinds returns the full event catalog.
func Kinds() []models.EventKind {
	out := make([]models.EventKind, 0, len(catalog))
	for k := range catalog {
		out = append(out, k)
	}
	return out
}

var catalog = map[models.EventKind]struct{}{
	models.EventToolCallRequested:   {},
	models.EventToolCallCompleted:   {},
	models.EventStepCompleted:       {},
	models.EventTaskCompleted:       {},
	models.EventEvaluationCompleted: {},
	models.EventErrorOccurred:       {},
	models.EventRateLimitHit:        {},
	models.EventRetryRequested:      {},
	models.EventFailoverOccurred:    {},
	models.EventRecoveryCompleted:   {},
	models.EventSubAgentLaunched:    {},
	models.EventSubAgentProgress:    {},
	models.EventSubAgentCompleted:   {},
	models.EventControlYielded:      {},
	models.EventControlResumed:      {},
}

func sortSubs(subs []*subscription) {
	// Insertion sort: subscriber counts are small.
	for i := 1; i < len(subs); i++ {
		for j := i; j > 0 && subs[j-1].id > subs[j].id; j-- {
			subs[j-1], subs[j] = subs[j], subs[j-1]
		}
	}
}

// Recorder is a subscriber that stores every event it receives. It is used
// by tests and by exporters that replay event history.
type Recorder struct {
	mu     sync.Mutex
	events []models.Event
}

// NewRecorder creates a recorder subscribed to the given kinds on the bus.
func NewRecorder(b *Bus, kinds ...models.EventKind) *Recorder {
	r := &Recorder{}
	b.Subscribe(r.record, kinds...)
	return r
}

func (r *Recorder) record(event models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events in delivery order.
func (r *Recorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByKind returns recorded events of one kind, in delivery order.
func (r *Recorder) ByKind(kind models.EventKind) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// ByCorrelation returns recorded events sharing a correlation id, in
// delivery order.
func (r *Recorder) ByCorrelation(id string) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, e := range r.events {
		if e.CorrelationID == id {
			out = append(out, e)
		}
	}
	return out
}
