package logging

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// LevelEnvKey overrides the configured log level when set.
const LevelEnvKey = "BLOBLOAD_LOG_LEVEL"

// DefaultLevel is used when neither flag, environment nor config set a level.
const DefaultLevel = "info"

// Options configures New.
type Options struct {
	Level  string // debug, info, warn, error (default info)
	Format string // logfmt or json (default logfmt)
}

// New builds a leveled logger writing to w with a UTC timestamp on every line.
// The standard library logger is redirected through it so stray log.Printf
// calls from dependencies end up in the same stream.
func New(w io.Writer, opts Options) (log.Logger, error) {
	filter, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var base log.Logger
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "logfmt":
		base = log.NewLogfmtLogger(log.NewSyncWriter(w))
	case "json":
		base = log.NewJSONLogger(log.NewSyncWriter(w))
	default:
		return nil, fmt.Errorf("invalid log format %q (must be logfmt or json)", opts.Format)
	}

	logger := log.With(base, "ts", log.DefaultTimestampUTC)
	logger = level.NewFilter(logger, filter)

	stdlog.SetFlags(0)
	stdlog.SetOutput(log.NewStdlibAdapter(logger))
	return logger, nil
}

// SelectLevel picks the effective level: flag, then environment, then config.
func SelectLevel(flagLevel, configLevel string) string {
	if strings.TrimSpace(flagLevel) != "" {
		return flagLevel
	}
	if env := os.Getenv(LevelEnvKey); strings.TrimSpace(env) != "" {
		return env
	}
	if strings.TrimSpace(configLevel) != "" {
		return configLevel
	}
	return DefaultLevel
}

// ParseLevel maps a level name to a go-kit filter option.
func ParseLevel(raw string) (level.Option, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return level.AllowDebug(), nil
	case "", "info":
		return level.AllowInfo(), nil
	case "warn", "warning":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	case "none":
		return level.AllowNone(), nil
	default:
		return nil, fmt.Errorf("invalid log level %q", raw)
	}
}
