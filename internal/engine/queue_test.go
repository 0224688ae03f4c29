package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalQueue_FIFO(t *testing.T) {
	q := newSignalQueue()

	q.Enqueue(SignalOnline)
	q.Enqueue(SignalForeground)
	q.Enqueue(SignalManual)

	for _, want := range []Signal{SignalOnline, SignalForeground, SignalManual} {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestSignalQueue_WaitCoalesces(t *testing.T) {
	q := newSignalQueue()

	q.Enqueue(SignalManual)
	q.Enqueue(SignalManual)

	select {
	case <-q.Wait():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("wait did not fire")
	}
	select {
	case <-q.Wait():
		t.Fatal("second wakeup should have coalesced")
	default:
	}
	assert.Equal(t, 2, q.Len())
}

func TestSignalQueue_Close(t *testing.T) {
	q := newSignalQueue()
	q.Close()
	q.Close()

	assert.True(t, q.Closed())
	assert.False(t, q.Enqueue(SignalManual), "enqueue after close should return false")

	select {
	case <-q.Wait():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("close did not wake waiters")
	}
}

func TestSignalQueue_ThreadSafe(t *testing.T) {
	q := newSignalQueue()

	const producers = 10
	const perProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(SignalManual)
			}
		}()
	}
	wg.Wait()

	n := 0
	for {
		if _, ok := q.TryDequeue(); !ok {
			break
		}
		n++
	}
	assert.Equal(t, producers*perProducer, n)
}

func TestSignal_String(t *testing.T) {
	assert.Equal(t, "online", SignalOnline.String())
	assert.Equal(t, "offline", SignalOffline.String())
	assert.Equal(t, "foreground", SignalForeground.String())
	assert.Equal(t, "manual", SignalManual.String())
	assert.Equal(t, "unknown", Signal(0).String())
}
