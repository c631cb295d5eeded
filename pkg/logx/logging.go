package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config selects the sinks. It mirrors the logging section of the config file.
type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Hook    HookConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// HookConfig controls the callback sink passed to New.
type HookConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

type Level = zerolog.Level

const (
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
)

const (
	timeFormat    = "2006-01-02T15:04:05.000Z07:00"
	defaultLog    = "./recurq.log"
	hookQueueSize = 256
	hookMsgMax    = 2000
	hookValueMax  = 300
)

// Field adds one key to an event. Fields apply in order, so a repeated key
// keeps its last value.
type Field func(e *zerolog.Event)

func String(k, v string) Field  { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Uint64(k string, v uint64) Field {
	return func(e *zerolog.Event) { e.Uint64(k, v) }
}
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err attaches err under "err". A nil error adds nothing.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Stack attaches a recovered goroutine stack. Blank stacks are skipped.
func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}

// Logger writes through a Service, so it follows Service.Apply. With adds
// fields carried on every record. The zero value discards everything.
type Logger struct {
	svc     *Service
	base    zerolog.Logger
	hasBase bool

	fields []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger {
	return Logger{base: zerolog.Nop(), hasBase: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.hasBase && len(l.fields) == 0 }

func (l Logger) root() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.hasBase:
		return l.base
	}
	return zerolog.Nop()
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

func (l Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields) }

func (l Logger) log(level zerolog.Level, msg string, fields []Field) {
	zl := l.root()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// Skip log and the level method to reach the caller.
	if caller := callerOf(3); caller != "" {
		e.Str(zerolog.CallerFieldName, caller)
	}
	for _, set := range [][]Field{l.fields, fields} {
		for _, f := range set {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

// callerOf returns file:line without the directory.
func callerOf(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

// HookFunc receives log entries at or above the hook's min level.
// It runs on a background goroutine and must not log through the same Service.
type HookFunc func(level Level, msg string)

// Service owns the sinks and swaps them on Apply. Loggers derived from it
// pick up the new sinks immediately.
type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Pointer[zerolog.Logger]
	file *os.File

	hook      HookFunc
	hookQueue chan hookItem
	hookOnce  sync.Once
	hookStop  context.CancelFunc
	hookWG    sync.WaitGroup

	// guarded by mu
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

type hookItem struct {
	level zerolog.Level
	msg   string
}

// New applies cfg and returns the service with a logger bound to it.
// hook may be nil; Hook.Enabled is then ignored.
func New(cfg Config, hook HookFunc) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{
		cfg:       cfg,
		hook:      hook,
		hookQueue: make(chan hookItem, hookQueueSize),
	}
	boot := zerolog.New(consoleWriter(os.Stdout)).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.root.Store(&boot)
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Close stops the hook worker and closes the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	stop := s.hookStop
	s.hookStop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		s.hookWG.Wait()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply rebuilds the sinks from cfg. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.minLevel = parseLevel(cfg.Hook.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.Hook.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLog
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Hook.Enabled && s.hook != nil {
		s.hookOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			s.hookStop = cancel
			s.hookWG.Add(1)
			go func() {
				defer s.hookWG.Done()
				s.runHook(ctx)
			}()
		})
		writers = append(writers, &hookWriter{svc: s})
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

func (s *Service) runHook(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.hookQueue:
			s.hook(it.level, it.msg)
		}
	}
}

// hookWriter is the zerolog sink feeding HookFunc. It drops records below
// the min level, over the rate limit, or when the queue is full.
type hookWriter struct{ svc *Service }

func (w *hookWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *hookWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil || s.hook == nil {
		return len(p), nil
	}

	s.mu.Lock()
	lim, minLevel := s.limiter, s.minLevel
	s.mu.Unlock()
	if lim == nil || level < minLevel || !lim.Allow() {
		return len(p), nil
	}

	if msg := hookLine(p); msg != "" {
		select {
		case s.hookQueue <- hookItem{level: level, msg: msg}:
		default:
		}
	}
	return len(p), nil
}

// hookLine renders a zerolog JSON record as "[LEVEL] msg k=v ..." with keys
// sorted. Records that are not JSON pass through trimmed.
func hookLine(p []byte) string {
	p = []byte(strings.TrimSpace(string(p)))
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(string(p), hookMsgMax)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)
	if msg == "" {
		msg, _ = m["msg"].(string)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "msg", "stack":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, truncate(fmt.Sprint(m[k]), hookValueMax))
	}
	return truncate(b.String(), hookMsgMax)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	}
	return def
}
