// Package sysutil holds process bootstrap helpers: global log level, the
// root zerolog logger and build metadata.
package sysutil

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetLogLevel sets the global zerolog level from a name (debug, info, warn,
// error, fatal, panic; case-insensitive) and returns it. Unknown names mean info.
func SetLogLevel(lvl string) zerolog.Level {
	level := zerolog.InfoLevel
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	case "fatal":
		level = zerolog.FatalLevel
	case "panic":
		level = zerolog.PanicLevel
	}
	zerolog.SetGlobalLevel(level)
	return level
}

// LoggerOptions describes the root logger.
type LoggerOptions struct {
	Level   string
	Pretty  bool // human-readable console output for local runs
	Service string
	Version string
	Out     io.Writer // defaults to os.Stdout
}

// InitLogger builds the root logger, installs it as the zerolog global and
// returns it. Every line carries the service name and version.
func InitLogger(o LoggerOptions) zerolog.Logger {
	SetLogLevel(o.Level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	out := o.Out
	if out == nil {
		out = os.Stdout
	}
	if o.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	lg := zerolog.New(out).With().
		Timestamp().
		Str("service", o.Service).
		Str("version", FirstNonEmpty(o.Version, "dev")).
		Logger()
	log.Logger = lg
	return lg
}

// FirstNonEmpty returns the first value that is not blank, or "".
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
