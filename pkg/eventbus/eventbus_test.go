package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFIFOOrder(t *testing.T) {
	bus := New[int](zap.NewNop(), 8)
	for i := 0; i < 5; i++ {
		bus.Publish(i)
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, i, <-bus.Events())
	}
}

func TestEventsSharesOneQueue(t *testing.T) {
	bus := New[int](zap.NewNop(), 8)
	require.True(t, bus.Events() == bus.Events())

	bus.Publish(42)
	// A second receive handle drains the same queue, it does not get
	// its own copy.
	<-bus.Events()
	select {
	case v := <-bus.Events():
		t.Fatalf("unexpected duplicate event %d", v)
	default:
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := New[int](zap.NewNop(), 2)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(i)
		}
		close(done)
	}()
	<-done

	// The queue kept only what fit; the overflow was dropped.
	assert.Equal(t, 0, <-bus.Events())
	assert.Equal(t, 1, <-bus.Events())
	select {
	case v := <-bus.Events():
		t.Fatalf("unexpected event %d", v)
	default:
	}
}

func TestCompetingConsumers(t *testing.T) {
	bus := New[int](zap.NewNop(), 100)
	for i := 0; i < 100; i++ {
		bus.Publish(i)
	}

	var (
		mu   sync.Mutex
		seen = make(map[int]int)
		wg   sync.WaitGroup
	)
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case v := <-bus.Events():
					mu.Lock()
					seen[v]++
					mu.Unlock()
				default:
					return
				}
			}
		}()
	}
	wg.Wait()

	// Every event was delivered to exactly one consumer.
	require.Len(t, seen, 100)
	for v, n := range seen {
		assert.Equalf(t, 1, n, "event %d delivered %d times", v, n)
	}
}
