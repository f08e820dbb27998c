// Package common provides shared logging and tenant-namespace helpers for
// the dealdesk document pipeline.
//
// The logging setup routes error-level messages to stderr while all other
// levels go to stdout, so containerized deployments can treat the two
// streams differently. It is built on logrus and exposes a single global
// Logger used by every package in the service.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their level. Error lines (containing "level=error") go to stderr; the
// rest go to stdout. It operates on the final formatted output and works
// with both the text and JSON formatters.
type OutputSplitter struct{}

// Write implements io.Writer for the splitter.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger for the dealdesk service. Packages log
// through this instance so formatting and level configuration stay
// uniform; main configures format and level from config at startup.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ConfigureLogger applies level and format settings to the global logger.
// Unknown levels fall back to info; format "json" selects the JSON
// formatter, anything else keeps logrus text output.
func ConfigureLogger(level, format string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)

	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
