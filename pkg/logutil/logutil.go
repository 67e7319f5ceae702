package logutil

import (
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
)

// Configure sets up the process-wide logger. Level accepts the usual names
// (debug, info, warn, error, fatal); format is "text" or "json".
func Configure(levelRaw, format string) error {
	levelRaw = strings.TrimSpace(levelRaw)
	if levelRaw == "" {
		levelRaw = "info"
	}
	level, err := log.ParseLevel(levelRaw)
	if err != nil {
		return fmt.Errorf("invalid loglevel %q", levelRaw)
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	log.SetReportTimestamp(true)
	log.SetTimeFormat(time.RFC3339)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		log.SetFormatter(log.TextFormatter)
	case "json":
		log.SetFormatter(log.JSONFormatter)
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	return nil
}

// Named returns a logger carrying a component prefix.
func Named(component string) *log.Logger {
	return log.Default().WithPrefix(strings.TrimSpace(component))
}
