package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/agentplane/internal/adapter/otel"
	"github.com/Strob0t/agentplane/internal/adapter/ws"
	"github.com/Strob0t/agentplane/internal/domain/agent"
	"github.com/Strob0t/agentplane/internal/logger"
	"github.com/Strob0t/agentplane/internal/port/broadcast"
	"github.com/Strob0t/agentplane/internal/port/database"
	"github.com/Strob0t/agentplane/internal/port/execbackend"
)

const (
	maxLineBytes = 64 * 1024
	lineBuffer   = 64
)

// CaptureTarget names the instance a capture writes records for.
type CaptureTarget struct {
	InstanceID    string // public id, used for events and Wait
	InstanceRowID string
	DefinitionID  string
	ProjectID     string
}

type capture struct {
	done    chan struct{}
	streams execbackend.Streams
}

type capturedLine struct {
	stream agent.Stream
	text   string
	at     time.Time
}

// LogCapture persists the stdout and stderr of process-backed instances.
// Each capture runs until both streams reach EOF or Drain closes them.
type LogCapture struct {
	sink    database.LogSink
	hub     broadcast.Broadcaster
	metrics *otel.Metrics
	now     func() time.Time

	mu     sync.Mutex
	active map[string]*capture
	wg     sync.WaitGroup
}

// NewLogCapture creates a LogCapture writing to sink.
func NewLogCapture(sink database.LogSink) *LogCapture {
	return &LogCapture{sink: sink, now: time.Now, active: make(map[string]*capture)}
}

// SetBroadcaster streams every captured line to WebSocket watchers.
func (c *LogCapture) SetBroadcaster(hub broadcast.Broadcaster) { c.hub = hub }

// SetMetrics attaches the line counter.
func (c *LogCapture) SetMetrics(m *otel.Metrics) { c.metrics = m }

// Start takes ownership of streams and begins capturing them in the
// background. It never blocks the caller.
func (c *LogCapture) Start(t CaptureTarget, streams execbackend.Streams) {
	cp := &capture{done: make(chan struct{}), streams: streams}
	c.mu.Lock()
	c.active[t.InstanceID] = cp
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			if c.active[t.InstanceID] == cp {
				delete(c.active, t.InstanceID)
			}
			c.mu.Unlock()
			close(cp.done)
		}()
		c.run(t, streams)
	}()
}

func (c *LogCapture) run(t CaptureTarget, streams execbackend.Streams) {
	ctx := logger.WithInstanceID(context.Background(), t.InstanceID)
	lines := make(chan capturedLine, lineBuffer)

	var g errgroup.Group
	g.Go(func() error { return c.scan(streams.Stdout, agent.Stdout, lines) })
	g.Go(func() error { return c.scan(streams.Stderr, agent.Stderr, lines) })
	go func() {
		if err := g.Wait(); err != nil {
			slog.WarnContext(ctx, "log stream read failed", "error", err)
		}
		close(lines)
	}()

	n := 0
	for l := range lines {
		c.persist(ctx, t, l)
		n++
	}
	slog.DebugContext(ctx, "log capture finished", "lines", n)
}

func (c *LogCapture) scan(r io.ReadCloser, stream agent.Stream, out chan<- capturedLine) error {
	if r == nil {
		return nil
	}
	defer func() { _ = r.Close() }()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for sc.Scan() {
		out <- capturedLine{stream: stream, text: sc.Text(), at: c.now()}
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			// Closed by Drain.
			return nil
		}
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
		return fmt.Errorf("%s: %w", stream, err)
	}
	return nil
}

func (c *LogCapture) persist(ctx context.Context, t CaptureTarget, l capturedLine) {
	rec := agent.LogRecord{
		DefinitionID: t.DefinitionID,
		InstanceID:   t.InstanceRowID,
		Level:        l.stream.Level(),
		Message:      l.text,
		Timestamp:    l.at,
	}
	if err := c.sink.AppendLog(ctx, rec); err != nil {
		slog.WarnContext(ctx, "persist agent log line", "stream", l.stream, "error", err)
	}
	c.metrics.RecordLogLine(ctx, string(l.stream))
	if c.hub != nil {
		c.hub.BroadcastEvent(ctx, t.ProjectID, broadcast.EventInstanceLog, ws.InstanceLogEvent{
			InstanceID: t.InstanceID,
			Level:      string(rec.Level),
			Message:    rec.Message,
			Timestamp:  rec.Timestamp,
		})
	}
}

// Wait blocks until the capture for instanceID has finished. It returns
// immediately when no capture is running.
func (c *LogCapture) Wait(instanceID string) {
	c.mu.Lock()
	cp, ok := c.active[instanceID]
	c.mu.Unlock()
	if ok {
		<-cp.done
	}
}

// Drain is called on shutdown. It closes the streams of every live capture,
// then waits until the lines already read are persisted or ctx is done.
// A process agent whose output pipe is closed gets EPIPE on its next write,
// so process agents do not outlive the supervisor.
func (c *LogCapture) Drain(ctx context.Context) error {
	c.mu.Lock()
	for id, cp := range c.active {
		for _, r := range []io.ReadCloser{cp.streams.Stdout, cp.streams.Stderr} {
			if r != nil {
				_ = r.Close()
			}
		}
		slog.DebugContext(ctx, "log capture detached", "instance_id", id)
	}
	c.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain log capture: %w", ctx.Err())
	}
}

// discardStreams drains and closes streams nobody will capture.
func discardStreams(streams execbackend.Streams) {
	for _, r := range []io.ReadCloser{streams.Stdout, streams.Stderr} {
		if r == nil {
			continue
		}
		go func(r io.ReadCloser) {
			_, _ = io.Copy(io.Discard, r)
			_ = r.Close()
		}(r)
	}
}
