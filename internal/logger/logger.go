package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var global zerolog.Logger

func init() {
	// Sensible default so packages can log before Init runs.
	global = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// Init configures the global logger. In development the console writer is
// used; everywhere else structured JSON goes to stdout.
func Init(level, appEnv string) {
	zerolog.SetGlobalLevel(parseLevel(level))

	if appEnv == "development" {
		out := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}
		global = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	global = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a child logger tagged with a component name. The pointer
// return keeps level methods chainable straight off the call.
func With(component string) *zerolog.Logger {
	l := global.With().Str("component", component).Logger()
	return &l
}

func Debug() *zerolog.Event { return global.Debug() }
func Info() *zerolog.Event  { return global.Info() }
func Warn() *zerolog.Event  { return global.Warn() }
func Error() *zerolog.Event { return global.Error() }
func Fatal() *zerolog.Event { return global.Fatal() }
