package events

import (
	"log/slog"
	"sync"
)

// Sink receives every published event. Sinks must not block; a sink that
// cannot keep up drops events on its own side.
type Sink interface {
	Deliver(ev Event)
}

// Subscription is a live feed of one session's events.
type Subscription struct {
	C      <-chan Event
	cancel func()
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancel()
}

type subscriber struct {
	id int
	ch chan Event
}

// Publisher fans published events out to per-session subscribers and
// optional global sinks. Publish never blocks the caller: a subscriber
// whose buffer is full loses the event (logged), which keeps the turn
// loop decoupled from observer speed. Per-session delivery order matches
// publish order for every subscriber that keeps up.
type Publisher struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string][]*subscriber
	sinks  []Sink
	buffer int
}

// NewPublisher creates a publisher with the given per-subscriber buffer.
func NewPublisher(buffer int) *Publisher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Publisher{
		subs:   make(map[string][]*subscriber),
		buffer: buffer,
	}
}

// AddSink registers a global sink (e.g. the Kafka mirror).
func (p *Publisher) AddSink(s Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks = append(p.sinks, s)
}

// Publish delivers the event to all subscribers of its session and to all
// sinks. Fire-and-forget: failures are logged and dropped. The non-blocking
// sends happen under the read lock so a concurrent Cancel cannot close a
// channel mid-send.
func (p *Publisher) Publish(ev Event) {
	p.mu.RLock()
	for _, sub := range p.subs[ev.SessionID] {
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("dropping event for slow subscriber",
				"session", ev.SessionID, "seq", ev.Seq, "kind", ev.Kind)
		}
	}
	sinks := p.sinks
	p.mu.RUnlock()

	// Sinks may block on I/O; never under the lock.
	for _, s := range sinks {
		s.Deliver(ev)
	}
}

// Subscribe attaches a live subscriber to a session's event feed.
func (p *Publisher) Subscribe(sessionID string) *Subscription {
	p.mu.Lock()
	p.nextID++
	sub := &subscriber{id: p.nextID, ch: make(chan Event, p.buffer)}
	p.subs[sessionID] = append(p.subs[sessionID], sub)
	p.mu.Unlock()

	var once sync.Once
	return &Subscription{
		C: sub.ch,
		cancel: func() {
			once.Do(func() {
				p.mu.Lock()
				list := p.subs[sessionID]
				for i, cand := range list {
					if cand.id == sub.id {
						p.subs[sessionID] = append(list[:i], list[i+1:]...)
						break
					}
				}
				if len(p.subs[sessionID]) == 0 {
					delete(p.subs, sessionID)
				}
				// Closed under the write lock: Publish holds the read
				// lock while sending, so the channel is never closed
				// out from under an in-flight send.
				close(sub.ch)
				p.mu.Unlock()
			})
		},
	}
}

// SubscriberCount returns the number of live subscribers for a session.
func (p *Publisher) SubscriberCount(sessionID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs[sessionID])
}
