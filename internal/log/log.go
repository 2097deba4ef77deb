// Package log provides leveled, categorized line logging for modkit.
//
// Components take a *Logger explicitly. The package-level functions write to
// a default logger used by the command layer; until Init or SetDefault is
// called they discard everything.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/modkit/internal/pubsub"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel accepts debug, info, warn (or warning) and error in any case.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Category groups related log messages.
type Category string

const (
	CatLDAP     Category = "ldap"     // filter parsing and the compiled filter cache
	CatRegistry Category = "registry" // service registration and lookup
	CatListener Category = "listener" // service event dispatch
	CatBundle   Category = "bundle"   // bundle lifecycle
	CatTracker  Category = "tracker"  // service trackers
	CatConfig   Category = "config"   // configuration loading
	CatJournal  Category = "journal"  // sqlite event journal
	CatTracing  Category = "tracing"  // span export
	CatMetrics  Category = "metrics"  // prometheus endpoint
	CatWatcher  Category = "watcher"  // config file watching
)

// TopicLine is the pubsub topic each formatted line is published under.
const TopicLine pubsub.Topic = "log.line"

// Logger writes formatted lines to a writer and mirrors them to a broker.
// A nil *Logger discards everything.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	closer   io.Closer
	enabled  bool
	minLevel Level
	lines    *pubsub.Broker[string]
	now      func() time.Time
}

// New returns a logger that writes lines at or above level to w.
func New(w io.Writer, level Level) *Logger {
	return &Logger{
		out:      w,
		enabled:  true,
		minLevel: level,
		lines:    pubsub.NewBroker[string](),
		now:      time.Now,
	}
}

// Open appends to the file at path.
func Open(path string, level Level) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G304: operator supplied log path
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	l := New(f, level)
	l.closer = f
	return l, nil
}

// Discard returns an enabled logger with no output, useful in tests that
// only subscribe to lines.
func Discard() *Logger {
	return New(io.Discard, LevelDebug)
}

// Close releases the underlying file, if any, and ends line subscriptions.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines.Close()
	if l.closer != nil {
		err := l.closer.Close()
		l.closer = nil
		return err
	}
	return nil
}

// SetEnabled toggles logging on/off.
func (l *Logger) SetEnabled(enabled bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.enabled = enabled
	l.mu.Unlock()
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level Level) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

func (l *Logger) Level() Level {
	if l == nil {
		return LevelError
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.minLevel
}

func (l *Logger) Debug(cat Category, msg string, fields ...any) {
	l.write(LevelDebug, cat, msg, fields)
}

func (l *Logger) Info(cat Category, msg string, fields ...any) {
	l.write(LevelInfo, cat, msg, fields)
}

func (l *Logger) Warn(cat Category, msg string, fields ...any) {
	l.write(LevelWarn, cat, msg, fields)
}

func (l *Logger) Error(cat Category, msg string, fields ...any) {
	l.write(LevelError, cat, msg, fields)
}

// ErrorErr logs at error level with err appended as the "error" field.
func (l *Logger) ErrorErr(cat Category, msg string, err error, fields ...any) {
	l.write(LevelError, cat, msg, append(fields, "error", errString(err)))
}

// Subscribe streams formatted lines until ctx is done.
func (l *Logger) Subscribe(ctx context.Context) <-chan pubsub.Message[string] {
	if l == nil {
		q := make(chan pubsub.Message[string])
		close(q)
		return q
	}
	return l.lines.Subscribe(ctx)
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}

// format renders: 2025-12-06T10:45:00 [ERROR] [registry] message key=value
func format(at time.Time, level Level, cat Category, msg string, fields []any) string {
	var b strings.Builder
	b.WriteString(at.Format("2006-01-02T15:04:05"))
	fmt.Fprintf(&b, " [%s] [%s] %s", level, cat, msg)
	for i := 0; i+1 < len(fields); i += 2 {
		fmt.Fprintf(&b, " %v=%v", fields[i], fields[i+1])
	}
	if len(fields)%2 != 0 {
		fmt.Fprintf(&b, " %v=<missing>", fields[len(fields)-1])
	}
	b.WriteByte('\n')
	return b.String()
}

func (l *Logger) write(level Level, cat Category, msg string, fields []any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || level < l.minLevel {
		return
	}

	line := format(l.now(), level, cat, msg, fields)
	if l.out != nil {
		_, _ = io.WriteString(l.out, line)
	}
	l.lines.Publish(TopicLine, line)
}
