package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe_FIFOPerPublisher(t *testing.T) {
	b := New(16)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	var closeOnce sync.Once

	b.Subscribe(EventFieldValueSet, func(ev Event) {
		mu.Lock()
		got = append(got, ev.Payload.(int))
		n := len(got)
		mu.Unlock()
		if n == 5 {
			closeOnce.Do(func() { close(done) })
		}
	})

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: EventFieldValueSet, Payload: i})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := New(2)

	release := make(chan struct{})
	var mu sync.Mutex
	var seen []int

	b.Subscribe(EventAtomCreated, func(ev Event) {
		<-release
		mu.Lock()
		seen = append(seen, ev.Payload.(int))
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: EventAtomCreated, Payload: i})
	}
	close(release)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, len(seen), 3)
}
