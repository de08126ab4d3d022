package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Audit action names.
const (
	ActionKeySet   = "key.set"
	ActionQueued   = "stream.queued"
	ActionStopped  = "stream.stopped"
	ActionSkipped  = "stream.skipped"
	ActionRejected = "stream.rejected"
)

// AuditEvent is one WHO/WHAT/WHERE record of a user command.
type AuditEvent struct {
	Timestamp time.Time
	Action    string
	Actor     string
	ChatID    int64
	Title     string
	Duration  string
	Details   map[string]string
}

// Auditor writes user commands to the service log and, optionally, to a
// dedicated append-only file.
type Auditor struct {
	loggers []zerolog.Logger
	file    io.Closer
}

// NewAuditor creates an auditor. An empty path keeps the trail in the service
// log only.
func NewAuditor(path string) (*Auditor, error) {
	l := WithComponent("audit").With().Str("log_type", "audit").Logger()
	a := &Auditor{loggers: []zerolog.Logger{l}}
	if path == "" {
		return a, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	a.loggers = append(a.loggers, zerolog.New(f).With().Timestamp().Logger())
	a.file = f
	return a, nil
}

// NewAuditorTo creates an auditor that writes to w only.
func NewAuditorTo(w io.Writer) *Auditor {
	return &Auditor{loggers: []zerolog.Logger{zerolog.New(w).With().Str("log_type", "audit").Logger()}}
}

// Log writes an audit event.
func (a *Auditor) Log(ev AuditEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	for _, l := range a.loggers {
		write(l, ev)
	}
}

func write(l zerolog.Logger, ev AuditEvent) {
	e := l.Info().
		Time("at", ev.Timestamp).
		Str("action", ev.Action).
		Str("actor", ev.Actor).
		Int64("chat_id", ev.ChatID)
	if ev.Title != "" {
		e.Str("title", ev.Title)
	}
	if ev.Duration != "" {
		e.Str("duration", ev.Duration)
	}
	for k, v := range ev.Details {
		e.Str(k, v)
	}
	e.Msg("audit event")
}

// Close releases the audit file, if any.
func (a *Auditor) Close() error {
	if a.file == nil {
		return nil
	}
	return a.file.Close()
}
