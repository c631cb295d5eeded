// Package eventlog records operator-facing validation events (bad schedule
// declarations, duplicates, unregistered work) separately from debug logging.
package eventlog

import (
	"context"
	"strings"
	"sync"
	"time"

	"recurq/internal/storage"
	logx "recurq/pkg/logx"
)

type Severity int

const (
	Warning Severity = iota
	Error
)

func (s Severity) String() string {
	if s == Error {
		return "error"
	}
	return "warning"
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Reporter receives non-fatal validation events.
type Reporter interface {
	Report(msg string, sev Severity)
}

// Log writes events to the structured log and, when a store is configured,
// appends them to the persistent event journal.
type Log struct {
	log    logx.Logger
	store  storage.Store
	source string
}

func New(log logx.Logger, store storage.Store, source string) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(source) == "" {
		source = "recurq"
	}
	return &Log{log: log, store: store, source: source}
}

func (l *Log) Report(msg string, sev Severity) {
	if l == nil {
		return
	}
	fields := []logx.Field{logx.Bool("event", true), logx.String("source", l.source)}
	if sev == Error {
		l.log.Error(msg, fields...)
	} else {
		l.log.Warn(msg, fields...)
	}
	if l.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := l.store.AppendEvent(ctx, storage.EventEntry{
		At:       time.Now(),
		Severity: sev.String(),
		Message:  msg,
		Source:   l.source,
	})
	if err != nil {
		l.log.Debug("event persist failed", logx.Err(err))
	}
}

// Entry is one recorded event.
type Entry struct {
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Memory keeps events in memory. The zero value is ready to use.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *Memory) Report(msg string, sev Severity) {
	m.mu.Lock()
	m.entries = append(m.entries, Entry{Message: msg, Severity: sev})
	m.mu.Unlock()
}

func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Count returns the number of events with the given severity.
func (m *Memory) Count(sev Severity) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Severity == sev {
			n++
		}
	}
	return n
}

func (m *Memory) Reset() {
	m.mu.Lock()
	m.entries = nil
	m.mu.Unlock()
}

// Multi fans a report out to several reporters.
type Multi []Reporter

func (ms Multi) Report(msg string, sev Severity) {
	for _, r := range ms {
		if r != nil {
			r.Report(msg, sev)
		}
	}
}
