// Package logging provides the level-configured logger shared by all
// tank-monitor packages.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus logger so callers don't depend on logrus directly.
type Logger struct {
	*logrus.Logger
}

// LogArgs can be embedded into a go-arg argument struct to add the standard
// logging flags.
type LogArgs struct {
	LogLevel string `arg:"--log-level" help:"log level: debug, info, warn, error" default:"info"`
}

// NewLogger makes a logger at the given level. An unknown level falls back to
// info rather than failing, logging should never stop a tool from starting.
func NewLogger(level string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	// Running under systemd, journald supplies timestamps.
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp:       true,
		DisableLevelTruncation: true,
	})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)
	return &Logger{Logger: l}
}
