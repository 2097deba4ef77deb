package log

import "sync"

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// Init opens path as the default logger's output and returns a cleanup func.
func Init(path string, level Level) (func(), error) {
	l, err := Open(path, level)
	if err != nil {
		return nil, err
	}
	SetDefault(l)
	return func() {
		_ = l.Close()
	}, nil
}

// SetDefault replaces the default logger. Passing nil silences it.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// Default returns the default logger, which may be nil.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

func Debug(cat Category, msg string, fields ...any) { Default().Debug(cat, msg, fields...) }
func Info(cat Category, msg string, fields ...any) { Default().Info(cat, msg, fields...) }
func Warn(cat Category, msg string, fields ...any) { Default().Warn(cat, msg, fields...) }
func Error(cat Category, msg string, fields ...any) { Default().Error(cat, msg, fields...) }

// ErrorErr logs an error with the error value on the default logger.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	Default().ErrorErr(cat, msg, err, fields...)
}

// SetMinLevel changes the default logger's level.
func SetMinLevel(level Level) { Default().SetLevel(level) }
