// Package obslog is Squadron's shared structured-logging wrapper: a
// component-agnostic logger every package in the tree can hold a
// reference to.
package obslog

import (
	"fmt"
	"log"

	"github.com/nbaertsch/squadron/internal/cloud/gcp"
	"github.com/nbaertsch/squadron/internal/security"
)

// Logger pairs a local *log.Logger with an optional Cloud Logging sink
// and runs every message through the secret scrubber before either
// sink sees it — defense in depth alongside envscrub's subprocess-env
// stripping, for the case where a secret leaks into a log line instead
// (e.g. an error message echoing a failed HTTP request).
type Logger struct {
	local    *log.Logger
	cloud    gcp.LoggerInterface // nil when no GCP project is configured
	scrubber *security.Scrubber
	fields   map[string]interface{} // attached to every cloud log line
}

// New builds a Logger. cloud may be nil (local-only, e.g. tests or
// non-GCP deployments).
func New(local *log.Logger, cloud gcp.LoggerInterface) *Logger {
	return &Logger{local: local, cloud: cloud, scrubber: security.NewScrubber()}
}

// With returns a derived Logger that attaches the given fields to
// every subsequent cloud log line, e.g. l.With(map[string]interface{}{"component": "router"}).
func (l *Logger) With(fields map[string]interface{}) *Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{local: l.local, cloud: l.cloud, scrubber: l.scrubber, fields: merged}
}

func (l *Logger) log(severity gcp.Severity, prefix, format string, args ...interface{}) {
	msg := l.scrubber.Scrub(fmt.Sprintf(format, args...))
	if prefix != "" {
		l.local.Printf("%s: %s", prefix, msg)
	} else {
		l.local.Printf("%s", msg)
	}
	if l.cloud != nil {
		l.cloud.Log(severity, msg, l.fields)
	}
}

// Info logs at INFO level to both the local logger and the cloud sink.
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(gcp.SeverityInfo, "", format, args...)
}

// Warning logs at WARNING level to both the local logger and the cloud sink.
func (l *Logger) Warning(format string, args ...interface{}) {
	l.log(gcp.SeverityWarning, "Warning", format, args...)
}

// Error logs at ERROR level to both the local logger and the cloud sink.
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(gcp.SeverityError, "Error", format, args...)
}
