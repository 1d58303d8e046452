package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Init configures the process-wide logger. If w is nil, os.Stderr is used.
// Format is "text" or "json"; level is any charmbracelet level name.
func Init(level, format string, w io.Writer) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = log.InfoLevel
	}
	logger := log.NewWithOptions(w, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
	})
	if format == "json" {
		logger.SetFormatter(log.JSONFormatter)
	} else {
		logger.SetFormatter(log.TextFormatter)
	}
	log.SetDefault(logger)
	return logger
}

// New returns a logger tagged with component.
func New(component string) *log.Logger {
	return log.Default().With("component", component)
}

// Or returns l when set, otherwise a component logger.
func Or(l *log.Logger, component string) *log.Logger {
	if l != nil {
		return l
	}
	return New(component)
}
