package agendador

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, AuditEvent) {
	s.count.Add(1)
}

type gateSink struct {
	gate chan struct{}
}

func (s *gateSink) Emit(context.Context, AuditEvent) {
	<-s.gate
}

func TestAuditDispatcherDisabledIsNil(t *testing.T) {
	d := newAuditDispatcher(AuditConfig{Enabled: false}, &countingSink{})
	if d != nil {
		t.Fatal("disabled audit must not start a dispatcher")
	}
	d.Emit(context.Background(), AuditEvent{EventType: AuditLogin})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reports no drops")
	}
}

func TestAuditDispatcherFlushesOnClose(t *testing.T) {
	sink := &countingSink{}
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 64}, sink)

	for i := 0; i < 50; i++ {
		d.Emit(context.Background(), AuditEvent{EventType: AuditRefresh})
	}
	d.Close()

	if got := sink.count.Load(); got != 50 {
		t.Fatalf("expected 50 delivered events, got %d", got)
	}

	d.Emit(context.Background(), AuditEvent{EventType: AuditRefresh})
	if got := sink.count.Load(); got != 50 {
		t.Fatal("emit after close must be ignored")
	}
}

func TestAuditDispatcherDropIfFull(t *testing.T) {
	sink := &gateSink{gate: make(chan struct{})}
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	// One event is held by the blocked sink, one fills the buffer, the rest drop.
	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), AuditEvent{EventType: AuditRefresh})
		time.Sleep(time.Millisecond)
	}
	if d.Dropped() == 0 {
		t.Fatal("expected dropped events with a full buffer")
	}
	close(sink.gate)
	d.Close()
}

func TestAuditDispatcherBlockingRespectsContext(t *testing.T) {
	sink := &gateSink{gate: make(chan struct{})}
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 1}, sink)
	defer func() {
		close(sink.gate)
		d.Close()
	}()

	d.Emit(context.Background(), AuditEvent{EventType: AuditLogin})
	time.Sleep(5 * time.Millisecond)
	d.Emit(context.Background(), AuditEvent{EventType: AuditLogin})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		d.Emit(ctx, AuditEvent{EventType: AuditLogin})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocking emit ignored context deadline")
	}
}

func TestJSONWriterSinkWritesLines(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)
	sink.Emit(context.Background(), AuditEvent{EventType: AuditLogout, UserID: "u1", Success: true})
	sink.Emit(context.Background(), AuditEvent{EventType: AuditAuthFailure, Error: "expired"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var ev AuditEvent
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("invalid json line: %v", err)
	}
	if ev.EventType != AuditLogout || ev.UserID != "u1" || !ev.Success {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestLogrusSinkLevels(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	sink := NewLogrusSink(logger)

	sink.Emit(context.Background(), AuditEvent{EventType: AuditLogin, UserID: "u1", Success: true, Metadata: map[string]string{"k": "v"}})
	sink.Emit(context.Background(), AuditEvent{EventType: AuditAuthFailure, Error: "refresh rejected"})

	entries := hook.AllEntries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != logrus.InfoLevel || entries[0].Data["user_id"] != "u1" || entries[0].Data["meta_k"] != "v" {
		t.Fatalf("unexpected first entry %+v", entries[0].Data)
	}
	if entries[1].Level != logrus.WarnLevel || entries[1].Data["error"] != "refresh rejected" {
		t.Fatalf("unexpected second entry %v %+v", entries[1].Level, entries[1].Data)
	}
	if entries[1].Data["component"] != "audit" {
		t.Fatal("audit entries must be tagged with component")
	}
}

func TestMultiSinkFansOut(t *testing.T) {
	first, second := &countingSink{}, &countingSink{}
	var seen []string
	sink := MultiSink{first, nil, AuditSinkFunc(func(_ context.Context, ev AuditEvent) {
		seen = append(seen, ev.EventType)
	}), second}

	sink.Emit(context.Background(), AuditEvent{EventType: AuditSessionCleared})

	if first.count.Load() != 1 || second.count.Load() != 1 {
		t.Fatalf("expected both sinks to receive the event, got %d and %d", first.count.Load(), second.count.Load())
	}
	if len(seen) != 1 || seen[0] != AuditSessionCleared {
		t.Fatalf("unexpected func sink events %v", seen)
	}
}

func TestAuditDispatcherCloseReleasesBlockedEmitter(t *testing.T) {
	sink := &gateSink{gate: make(chan struct{})}
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 1}, sink)

	d.Emit(context.Background(), AuditEvent{EventType: AuditLogin})
	time.Sleep(5 * time.Millisecond)
	d.Emit(context.Background(), AuditEvent{EventType: AuditLogin})

	done := make(chan struct{})
	go func() {
		d.Emit(context.Background(), AuditEvent{EventType: AuditLogin})
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked emitter was not released by Close")
	}
	close(sink.gate)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the sink drained")
	}
}
