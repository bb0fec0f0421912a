// Package common provides the logging infrastructure shared by the jobmon
// services. Log output is routed by severity: error-level lines go to stderr,
// everything else to stdout, so containerized deployments can treat the two
// streams differently. The package exposes a global Logger instance that all
// services use for consistent formatting and routing.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their severity. It matches the literal "level=error" marker produced by
// the logrus text formatter, which keeps the check allocation-free.
type OutputSplitter struct{}

// Write implements io.Writer. Error-level lines go to stderr, all other
// lines to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance for the jobmon services. It is
// pre-wired with the OutputSplitter; services adjust level and format at
// startup via Setup.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
