package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer allows flushing and stopping the async handler.
type Closer interface {
	Close()
}

// nopCloser is a no-op Closer for synchronous mode.
type nopCloser struct{}

func (nopCloser) Close() {}

// AsyncOptions sizes an AsyncHandler.
type AsyncOptions struct {
	Buffer  int // channel capacity; records beyond it are dropped
	Workers int // drain goroutines
}

// asyncState is shared by an AsyncHandler and all handlers derived from it.
type asyncState struct {
	mu      sync.RWMutex
	closed  bool
	ch      chan asyncRecord
	wg      sync.WaitGroup
	dropped atomic.Int64
}

type asyncRecord struct {
	handler slog.Handler
	rec     slog.Record
}

// AsyncHandler hands records to a pool of workers over a buffered channel so
// logging on hot paths (log capture, backend calls) never blocks on I/O.
type AsyncHandler struct {
	inner slog.Handler
	state *asyncState
}

// NewAsyncHandler starts opts.Workers drain goroutines writing to inner.
func NewAsyncHandler(inner slog.Handler, opts AsyncOptions) *AsyncHandler {
	if opts.Buffer < 1 {
		opts.Buffer = 1
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	st := &asyncState{ch: make(chan asyncRecord, opts.Buffer)}
	for range opts.Workers {
		st.wg.Add(1)
		go st.drain()
	}
	return &AsyncHandler{inner: inner, state: st}
}

func (s *asyncState) drain() {
	defer s.wg.Done()
	for r := range s.ch {
		_ = r.handler.Handle(context.Background(), r.rec)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record. Drops if the channel is full or the handler
// has been closed.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	if h.state.closed {
		h.state.dropped.Add(1)
		return nil
	}
	select {
	case h.state.ch <- asyncRecord{handler: h.inner, rec: rec.Clone()}:
	default:
		h.state.dropped.Add(1)
	}
	return nil
}

// WithAttrs returns a handler sharing the same workers around a derived inner handler.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), state: h.state}
}

// WithGroup returns a handler sharing the same workers around a derived inner handler.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), state: h.state}
}

// DroppedCount returns the number of dropped records.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.state.dropped.Load()
}

// Close stops accepting records and waits for the workers to drain.
// Safe to call more than once.
func (h *AsyncHandler) Close() {
	h.state.mu.Lock()
	if !h.state.closed {
		h.state.closed = true
		close(h.state.ch)
	}
	h.state.mu.Unlock()
	h.state.wg.Wait()
}
