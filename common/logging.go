// Package common holds the shared logging infrastructure for Recast
// services. The global Logger routes error-level lines to stderr and
// everything else to stdout so container platforms can treat the two
// streams differently.
package common

import (
	"bytes"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// OutputSplitter is an io.Writer that inspects formatted log lines and
// sends error-level entries to stderr, all others to stdout. It works
// on the formatted output, so it is compatible with both the text and
// JSON formatters.
type OutputSplitter struct{}

func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide logger. All Recast packages log through
// this instance so level and format stay consistent.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ConfigureLogger applies the configured level and format to the global
// Logger. Unknown levels fall back to info, unknown formats to text.
func ConfigureLogger(level, format string) {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "json":
		Logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
