// Package bus is the in-process publish/subscribe fabric wiring the board,
// router, fleet, and API stream together.
//
// Topics are dotted strings ("task.completed"). Subscriptions take a glob
// pattern where "*" matches exactly one segment and a bare "*" matches every
// topic. Each async subscriber owns a bounded FIFO queue drained by its own
// goroutine; when the queue is full the oldest event is dropped and an
// eventbus.overflow event is published. Publications from a single goroutine
// reach every subscriber in publication order. The bus also keeps a ring of
// recent events so late consumers can catch up by sequence number.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// subscriberQueueCap bounds each async subscriber's backlog.
	subscriberQueueCap = 1024
	// historyCap bounds the replay ring.
	historyCap = 10000
)

// Event is one publication.
type Event struct {
	Seq         int64          `json:"seq"`
	Topic       string         `json:"topic"`
	Payload     map[string]any `json:"payload,omitempty"`
	PublishedAt time.Time      `json:"published_at"`
}

// Handler consumes events. Async handlers run on the subscriber's dispatch
// goroutine; sync handlers run inline on the publisher's goroutine and must
// return quickly.
type Handler func(Event)

type subscriber struct {
	id      int64
	pattern string
	handler Handler
	sync    bool

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
}

// Bus routes events from publishers to pattern-matched subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int64]*subscriber
	nextID int64
	closed bool

	wg      sync.WaitGroup
	dropped atomic.Int64

	histMu  sync.Mutex
	seq     int64
	history []Event
	histPos int
}

// New returns a ready bus. Dispatch goroutines are created per async
// subscriber, so a fresh bus runs nothing in the background.
func New() *Bus {
	return &Bus{
		subs:    make(map[int64]*subscriber),
		history: make([]Event, 0, historyCap),
	}
}

// Subscribe registers an async subscriber for every topic matching pattern.
// The returned function removes the subscription and stops its dispatcher.
func (b *Bus) Subscribe(pattern string, h Handler) (unsubscribe func()) {
	return b.subscribe(pattern, h, false)
}

// SubscribeSync registers a subscriber invoked inline on the publisher's
// goroutine. Reserved for cheap handlers that need publication ordering
// relative to the publisher, such as loop wake-ups.
func (b *Bus) SubscribeSync(pattern string, h Handler) (unsubscribe func()) {
	return b.subscribe(pattern, h, true)
}

func (b *Bus) subscribe(pattern string, h Handler, inline bool) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	b.nextID++
	sub := &subscriber{
		id:      b.nextID,
		pattern: pattern,
		handler: h,
		sync:    inline,
	}
	sub.cond = sync.NewCond(&sub.mu)
	b.subs[sub.id] = sub

	if !sub.sync {
		b.wg.Add(1)
		go b.dispatch(sub)
	}

	id := sub.id
	return func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id int64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	sub.closed = true
	sub.cond.Broadcast()
	sub.mu.Unlock()
}

// Publish delivers payload under topic to every matching subscriber and
// records the event in the replay ring. Safe for concurrent use; a publisher
// goroutine's events are enqueued in call order.
func (b *Bus) Publish(topic string, payload map[string]any) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	matched := make([]*subscriber, 0, 8)
	for _, sub := range b.subs {
		if MatchTopic(sub.pattern, topic) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	ev := Event{
		Topic:       topic,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	}
	b.record(&ev)

	var overflowed []string
	for _, sub := range matched {
		if sub.sync {
			b.invoke(sub, ev)
			continue
		}
		if b.enqueue(sub, ev) {
			overflowed = append(overflowed, sub.pattern)
		}
	}

	// Overflow notifications recurse through Publish once at most: an
	// overflow while delivering eventbus.overflow only bumps the counter.
	if topic != TopicBusOverflow {
		for _, pattern := range overflowed {
			b.Publish(TopicBusOverflow, map[string]any{
				"subscriber_pattern": pattern,
				"dropped_topic":      topic,
			})
		}
	}
}

// enqueue appends ev to the subscriber queue, dropping the oldest entry when
// the queue is at capacity. Reports whether a drop happened.
func (b *Bus) enqueue(sub *subscriber, ev Event) (dropped bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return false
	}
	if len(sub.queue) >= subscriberQueueCap {
		sub.queue = sub.queue[1:]
		b.dropped.Add(1)
		dropped = true
	}
	sub.queue = append(sub.queue, ev)
	sub.cond.Signal()
	return dropped
}

func (b *Bus) dispatch(sub *subscriber) {
	defer b.wg.Done()
	for {
		sub.mu.Lock()
		for len(sub.queue) == 0 && !sub.closed {
			sub.cond.Wait()
		}
		if len(sub.queue) == 0 {
			sub.mu.Unlock()
			return
		}
		ev := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		b.invoke(sub, ev)
	}
}

// invoke isolates handler panics so one subscriber cannot take down a
// publisher or its own dispatcher.
func (b *Bus) invoke(sub *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event handler panicked",
				"pattern", sub.pattern,
				"topic", ev.Topic,
				"panic", r)
		}
	}()
	sub.handler(ev)
}

// record assigns the sequence number and appends to the ring under one lock,
// keeping the ring in ascending sequence order.
func (b *Bus) record(ev *Event) {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	b.seq++
	ev.Seq = b.seq
	if len(b.history) < historyCap {
		b.history = append(b.history, *ev)
		return
	}
	b.history[b.histPos] = *ev
	b.histPos = (b.histPos + 1) % historyCap
}

// History returns up to limit of the most recent events matching pattern, in
// ascending sequence order. limit <= 0 means no limit.
func (b *Bus) History(pattern string, limit int) []Event {
	return b.HistorySince(pattern, 0, limit)
}

// HistorySince behaves like History but only returns events with a sequence
// strictly greater than since.
func (b *Bus) HistorySince(pattern string, since int64, limit int) []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	out := make([]Event, 0, 64)
	n := len(b.history)
	for i := 0; i < n; i++ {
		ev := b.history[(b.histPos+i)%n]
		if ev.Seq > since && MatchTopic(pattern, ev.Topic) {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Dropped returns the number of events discarded by full subscriber queues.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops accepting publications, lets every dispatcher drain its queue,
// and waits for them to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[int64]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		sub.closed = true
		sub.cond.Broadcast()
		sub.mu.Unlock()
	}
	b.wg.Wait()
}

// MatchTopic reports whether a dotted topic matches a glob pattern. "*"
// matches one segment; the bare pattern "*" matches any topic.
func MatchTopic(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	pseg := strings.Split(pattern, ".")
	tseg := strings.Split(topic, ".")
	if len(pseg) != len(tseg) {
		return false
	}
	for i := range pseg {
		if pseg[i] != "*" && pseg[i] != tseg[i] {
			return false
		}
	}
	return true
}
