package bus

import (
	"sync"
)

// Handler receives events for one subscription. It runs on the
// subscription's dedicated worker goroutine (§5: "the message bus uses
// dedicated per-subscription worker threads"), so a slow handler only
// backs up its own queue, never other subscribers.
type Handler func(Event)

// Bus is the process-wide typed pub/sub singleton (§9: owned by the
// top-level Node handle, passed explicitly rather than held in package
// globals).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]*subscription
	bufferCap   int
}

// New creates a Bus whose per-subscriber pending queues hold at most
// bufferCap events before the oldest pending event is dropped (§4.2).
// bufferCap <= 0 defaults to 256.
func New(bufferCap int) *Bus {
	if bufferCap <= 0 {
		bufferCap = 256
	}
	return &Bus{
		subscribers: make(map[EventType][]*subscription),
		bufferCap:   bufferCap,
	}
}

type subscription struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	cap     int
	closed  bool
	handler Handler
}

func newSubscription(cap int, h Handler) *subscription {
	s := &subscription{cap: cap, handler: h}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *subscription) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.handler(ev)
	}
}

// enqueue appends ev, dropping the oldest pending event first if the
// subscriber's buffer is already at capacity. Publishers never block here.
func (s *subscription) enqueue(ev Event) {
	s.mu.Lock()
	if len(s.queue) >= s.cap {
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Signal()
}

// Subscription is an opaque handle returned by Subscribe; pass it to
// Unsubscribe to stop the subscriber's worker goroutine.
type Subscription struct {
	eventType EventType
	sub       *subscription
}

// Subscribe registers h to receive every event of the given type,
// published in per-publisher FIFO order (§4.2: no global ordering is
// promised across publishers).
func (b *Bus) Subscribe(eventType EventType, h Handler) *Subscription {
	sub := newSubscription(b.bufferCap, h)
	b.mu.Lock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	b.mu.Unlock()
	return &Subscription{eventType: eventType, sub: sub}
}

// Unsubscribe stops delivering events to the subscription and terminates
// its worker goroutine once its queue drains.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	subs := b.subscribers[s.eventType]
	for i, sub := range subs {
		if sub == s.sub {
			b.subscribers[s.eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	s.sub.close()
}

// Publish delivers ev to every current subscriber of ev.Type. It never
// blocks on a subscriber's handler; it only acquires each subscriber's
// short enqueue lock.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subscribers[ev.Type]...)
	b.mu.RUnlock()

	for _, s := range subs {
		s.enqueue(ev)
	}
}
