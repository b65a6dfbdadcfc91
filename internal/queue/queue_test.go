package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnboundedPreservesOrder(t *testing.T) {
	q := NewUnbounded[int]()
	for i := 0; i < 10; i++ {
		q.In() <- i
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, i, <-q.Out())
	}
}

func TestUnboundedSendNeverBlocksOnReader(t *testing.T) {
	q := NewUnbounded[int]()
	// Nobody is draining Out; a bounded channel of any fixed capacity
	// would eventually block this loop. 10000 is comfortably more than
	// any reasonable fixed channel capacity this stack would pick.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			q.In() <- i
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("send on In blocked: queue is not actually unbounded")
	}

	for i := 0; i < 10000; i++ {
		require.Equal(t, i, <-q.Out())
	}
}

func TestUnboundedCloseDrainsBufferedThenCloses(t *testing.T) {
	q := NewUnbounded[int]()
	q.In() <- 1
	q.In() <- 2
	time.Sleep(10 * time.Millisecond) // let the relay goroutine buffer both
	q.Close()

	assert.Equal(t, 1, <-q.Out())
	assert.Equal(t, 2, <-q.Out())

	_, ok := <-q.Out()
	assert.False(t, ok, "Out should close once buffered values are drained")
}

func TestUnboundedMultipleProducers(t *testing.T) {
	q := NewUnbounded[int]()
	const producers = 8
	const perProducer = 200

	for p := 0; p < producers; p++ {
		go func(base int) {
			for i := 0; i < perProducer; i++ {
				q.In() <- base + i
			}
		}(p * perProducer)
	}

	seen := make(map[int]bool)
	for i := 0; i < producers*perProducer; i++ {
		v := <-q.Out()
		require.False(t, seen[v], "duplicate value %d delivered", v)
		seen[v] = true
	}
	assert.Len(t, seen, producers*perProducer)
}
