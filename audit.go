package agendador

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Audit event types.
const (
	AuditLogin          = "login"
	AuditRegister       = "register"
	AuditLogout         = "logout"
	AuditRefresh        = "refresh"
	AuditAuthFailure    = "auth_failure"
	AuditSessionCleared = "session_cleared"
)

// AuditEvent records one session lifecycle transition. Tokens and passwords are
// never included.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AuditSink receives audit events from the dispatcher goroutine. Emit is never
// called concurrently by a single client.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

// AuditSinkFunc adapts a function to [AuditSink].
type AuditSinkFunc func(ctx context.Context, event AuditEvent)

func (f AuditSinkFunc) Emit(ctx context.Context, event AuditEvent) { f(ctx, event) }

type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, AuditEvent) {}

// MultiSink fans each event out to every sink in order.
type MultiSink []AuditSink

func (m MultiSink) Emit(ctx context.Context, event AuditEvent) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, event)
		}
	}
}

// ChannelSink forwards events to a buffered channel. A full channel blocks
// the dispatcher until a reader catches up or ctx ends.
type ChannelSink struct {
	ch chan AuditEvent
}

func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan AuditEvent, max(buffer, 1))}
}

func (s *ChannelSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case <-ctx.Done():
	case s.ch <- event:
	}
}

func (s *ChannelSink) Events() <-chan AuditEvent { return s.ch }

// JSONWriterSink encodes events as newline-delimited JSON.
type JSONWriterSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	if w == nil {
		return &JSONWriterSink{}
	}
	return &JSONWriterSink{enc: json.NewEncoder(w)}
}

func (s *JSONWriterSink) Emit(_ context.Context, event AuditEvent) {
	if s == nil || s.enc == nil {
		return
	}
	s.mu.Lock()
	_ = s.enc.Encode(event)
	s.mu.Unlock()
}

// LogrusSink logs successful events at info and failed ones at warn.
type LogrusSink struct {
	log logrus.FieldLogger
}

func NewLogrusSink(log logrus.FieldLogger) *LogrusSink {
	return &LogrusSink{log: log.WithField("component", "audit")}
}

func (s *LogrusSink) Emit(_ context.Context, event AuditEvent) {
	entry := s.log.WithFields(auditFields(event))
	if event.Error == "" {
		entry.Info("Audit event")
	} else {
		entry.Warn("Audit event")
	}
}

// auditFields flattens metadata under a meta_ prefix so it cannot shadow the
// fixed keys.
func auditFields(event AuditEvent) logrus.Fields {
	f := make(logrus.Fields, 4+len(event.Metadata))
	f["event"] = event.EventType
	f["success"] = event.Success
	if event.UserID != "" {
		f["user_id"] = event.UserID
	}
	if event.Error != "" {
		f["error"] = event.Error
	}
	for k, v := range event.Metadata {
		f["meta_"+k] = v
	}
	return f
}
