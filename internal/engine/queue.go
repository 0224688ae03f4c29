package engine

import (
	"sync"
)

// Signal is a sync trigger delivered to the Run loop.
type Signal int

const (
	// SignalOnline reports that connectivity is available.
	SignalOnline Signal = iota + 1
	// SignalOffline reports that connectivity was lost.
	SignalOffline
	// SignalForeground reports that the app returned to the foreground.
	SignalForeground
	// SignalManual is an explicit user-requested sync.
	SignalManual
)

// String returns the signal name used in logs.
func (s Signal) String() string {
	switch s {
	case SignalOnline:
		return "online"
	case SignalOffline:
		return "offline"
	case SignalForeground:
		return "foreground"
	case SignalManual:
		return "manual"
	default:
		return "unknown"
	}
}

// signalQueue is a thread-safe FIFO of signals.
//
// Producers (connectivity watchers, the status API, the UI) enqueue from
// any goroutine; only the Run loop dequeues. The signal channel has a
// buffer of one so bursts of enqueues coalesce into one wakeup.
type signalQueue struct {
	mu      sync.Mutex
	signals []Signal
	closed  bool
	signal  chan struct{}
}

func newSignalQueue() *signalQueue {
	return &signalQueue{
		signals: make([]Signal, 0, 8),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue adds s to the back of the queue. Returns false once closed.
func (q *signalQueue) Enqueue(s Signal) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.signals = append(q.signals, s)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front signal without blocking.
func (q *signalQueue) TryDequeue() (Signal, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.signals) == 0 {
		return 0, false
	}
	s := q.signals[0]
	if len(q.signals) == 1 {
		q.signals = q.signals[:0]
	} else {
		q.signals = q.signals[1:]
	}
	return s, true
}

// Wait returns a channel that fires when signals may be available. It is
// closed by Close.
func (q *signalQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued signals.
func (q *signalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.signals)
}

// Closed reports whether Close was called.
func (q *signalQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops accepting signals and wakes the consumer.
func (q *signalQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
