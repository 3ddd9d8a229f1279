package rabbit

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// current is swapped as a whole so sessions can log while it is replaced.
var current atomic.Pointer[zerolog.Logger]

// setup logger for package, noop by default
func init() {
	DebugOff()
	if os.Getenv("DEBUG") != "" {
		Debug()
	}
}

func log() *zerolog.Logger {
	return current.Load()
}

func consoleLogger() zerolog.Logger {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}
	return zerolog.New(output).With().Timestamp().Str("app", "rabbit").Logger()
}

// Debug changes the log output to stderr at debug level.
func Debug() {
	SetLogger(consoleLogger().Level(zerolog.DebugLevel))
}

// DebugOff changes the log to a noop logger.
func DebugOff() {
	SetLogger(zerolog.Nop())
}

// SetLogger allows users to inject their own logger instead of the default one.
// It is safe to call while routers are running.
func SetLogger(l zerolog.Logger) {
	current.Store(&l)
}

// SetLogLevel logs to stderr at the named level ("debug", "info", ...).
// An empty name leaves the current logger untouched.
func SetLogLevel(name string) error {
	if name == "" {
		return nil
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil {
		return err
	}
	SetLogger(consoleLogger().Level(lvl))
	return nil
}
