// Package monitoring holds the process-wide diagnostic logger. Packages log
// through the printf-style helpers; the CLI picks the output and level once
// at startup.
package monitoring

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger = newConsoleLogger(os.Stderr)
)

func newConsoleLogger(w io.Writer) zerolog.Logger {
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(output).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

// Logger returns the current zerolog logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Use replaces the zerolog logger behind every helper in this package.
func Use(l zerolog.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

// SetOutput sends console-formatted output to w at the current level.
func SetOutput(w io.Writer) {
	level := Logger().GetLevel()
	Use(newConsoleLogger(w).Level(level))
}

// SetVerbose switches between info and debug level.
func SetVerbose(verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	Use(Logger().Level(level))
}

// Logf is the package-level diagnostic logger at info level. It may be
// replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = infof

func infof(format string, v ...interface{}) {
	l := Logger()
	l.Info().Msgf(format, v...)
}

// SetLogger replaces the package logger. Passing nil will set a no-op logger
// and mute the levelled helpers as well.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		Use(zerolog.Nop())
		return
	}
	Logf = f
}

// Debugf logs at debug level.
func Debugf(format string, v ...interface{}) {
	l := Logger()
	l.Debug().Msgf(format, v...)
}

// Warnf logs at warn level.
func Warnf(format string, v ...interface{}) {
	l := Logger()
	l.Warn().Msgf(format, v...)
}

// Errorf logs at error level.
func Errorf(format string, v ...interface{}) {
	l := Logger()
	l.Error().Msgf(format, v...)
}
