package logging

import (
	"context"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup configures the process-wide logrus logger. Level is parsed from the
// config value ("debug", "info", "warn", "error"); unknown values fall back to
// info. Format "json" switches to the JSON formatter for log shippers.
func Setup(level, format string) {
	if strings.EqualFold(format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logrus.SetOutput(os.Stderr)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

// FromContext returns an entry carrying the request ID field when the context
// has one. Handlers and per-account tasks log through this so a degraded
// aggregation response can be reconstructed from the log stream.
func FromContext(ctx context.Context) *logrus.Entry {
	if id := GetRequestID(ctx); id != "" {
		return logrus.WithField("request_id", id)
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
