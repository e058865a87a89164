// Package common provides the shared logging and error infrastructure used by
// every service in the platform. The logger routes error-level output to
// stderr and everything else to stdout so containerized deployments can
// separate the two streams.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stderr or stdout depending on
// their level. It operates on the final formatted output, so it works with
// both the text and JSON formatters.
type OutputSplitter struct{}

// Write implements io.Writer. Lines containing "level=error" (or the JSON
// equivalent) go to stderr, everything else to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance shared by all services. Services should
// use structured fields rather than formatting values into the message:
//
//	common.Logger.WithFields(logrus.Fields{"document_id": id}).Info("ingestion complete")
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ConfigureLogger applies the level and format from configuration. Unknown
// levels fall back to info.
func ConfigureLogger(level, format string) {
	if lvl, err := logrus.ParseLevel(level); err == nil {
		Logger.SetLevel(lvl)
	} else {
		Logger.SetLevel(logrus.InfoLevel)
	}
	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
