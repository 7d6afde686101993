package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/agentplane/internal/domain/agent"
	"github.com/Strob0t/agentplane/internal/port/execbackend"
)

func captureTarget() CaptureTarget {
	return CaptureTarget{InstanceID: "inst_x", InstanceRowID: "row-i", DefinitionID: "row-d", ProjectID: testProject}
}

func TestLogCapturePerStreamOrder(t *testing.T) {
	sink := &mockSink{}
	c := NewLogCapture(sink)

	var out, errs strings.Builder
	for i := range 200 {
		out.WriteString("out ")
		out.WriteString(strings.Repeat("x", i%7))
		out.WriteString("\n")
		errs.WriteString("err ")
		errs.WriteString(strings.Repeat("y", i%5))
		errs.WriteString("\n")
	}
	c.Start(captureTarget(), execbackend.Streams{
		Stdout: io.NopCloser(strings.NewReader(out.String())),
		Stderr: io.NopCloser(strings.NewReader(errs.String())),
	})
	c.Wait("inst_x")

	if len(sink.recs) != 400 {
		t.Fatalf("expected 400 records, got %d", len(sink.recs))
	}
	var gotOut, gotErr []string
	for _, r := range sink.recs {
		if r.InstanceID != "row-i" || r.DefinitionID != "row-d" {
			t.Fatalf("record not linked: %+v", r)
		}
		switch r.Level {
		case agent.LevelInfo:
			gotOut = append(gotOut, r.Message)
		case agent.LevelError:
			gotErr = append(gotErr, r.Message)
		default:
			t.Fatalf("unexpected level %q", r.Level)
		}
	}
	if strings.Join(gotOut, "\n")+"\n" != out.String() {
		t.Error("stdout order not preserved")
	}
	if strings.Join(gotErr, "\n")+"\n" != errs.String() {
		t.Error("stderr order not preserved")
	}
}

func TestLogCaptureSinkErrorsSwallowed(t *testing.T) {
	sink := &mockSink{err: errors.New("db down")}
	c := NewLogCapture(sink)

	c.Start(captureTarget(), execbackend.Streams{
		Stdout: io.NopCloser(strings.NewReader("a\nb\n")),
		Stderr: io.NopCloser(strings.NewReader("")),
	})
	c.Wait("inst_x")

	if len(sink.recs) != 2 {
		t.Errorf("expected every line attempted, got %d", len(sink.recs))
	}
}

func TestLogCaptureOversizedLineDoesNotBlock(t *testing.T) {
	sink := &mockSink{}
	c := NewLogCapture(sink)

	huge := strings.Repeat("z", maxLineBytes+10) + "\nafter\n"
	c.Start(captureTarget(), execbackend.Streams{
		Stdout: io.NopCloser(strings.NewReader(huge)),
		Stderr: io.NopCloser(strings.NewReader("still here\n")),
	})

	done := make(chan struct{})
	go func() {
		c.Wait("inst_x")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("capture did not finish")
	}

	found := false
	for _, r := range sink.recs {
		if r.Message == "still here" {
			found = true
		}
	}
	if !found {
		t.Error("stderr starved by failing stdout")
	}
}

func TestLogCaptureNilStream(t *testing.T) {
	sink := &mockSink{}
	c := NewLogCapture(sink)
	c.Start(captureTarget(), execbackend.Streams{Stdout: io.NopCloser(strings.NewReader("only\n"))})
	c.Wait("inst_x")
	if len(sink.recs) != 1 {
		t.Errorf("expected 1 record, got %d", len(sink.recs))
	}
}

func TestLogCaptureWaitUnknown(t *testing.T) {
	c := NewLogCapture(&mockSink{})
	c.Wait("inst_none")
}

func TestLogCaptureDrain(t *testing.T) {
	sink := &mockSink{}
	c := NewLogCapture(sink)
	pr, pw := io.Pipe()
	c.Start(captureTarget(), execbackend.Streams{Stdout: pr})

	if _, err := pw.Write([]byte("before shutdown\n")); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.recs) == 1
	})

	// The writer stays open, as a live agent's would.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	begin := time.Now()
	if err := c.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Errorf("Drain waited %v on a live stream", elapsed)
	}
	if _, err := pw.Write([]byte("after\n")); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("write after drain = %v, want ErrClosedPipe", err)
	}
	if len(sink.recs) != 1 || sink.recs[0].Message != "before shutdown" {
		t.Errorf("unexpected records %+v", sink.recs)
	}
}

func TestLogCaptureDrainTimeout(t *testing.T) {
	sink := blockingSink{entered: make(chan struct{}, 1)}
	c := NewLogCapture(sink)
	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()
	c.Start(captureTarget(), execbackend.Streams{Stdout: pr})
	go func() { _, _ = pw.Write([]byte("stuck\n")) }()
	<-sink.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while a line is being persisted, got %v", err)
	}
}

// blockingSink never returns from AppendLog.
type blockingSink struct{ entered chan struct{} }

func (b blockingSink) AppendLog(context.Context, agent.LogRecord) error {
	b.entered <- struct{}{}
	select {}
}
