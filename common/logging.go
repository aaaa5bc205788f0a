// Package common provides centralized logging and error infrastructure for the
// n3n flow platform. The logging system is built on logrus with intelligent
// output routing: error-level messages go to stderr while everything else goes
// to stdout, enabling proper stream separation for containerized deployments.
//
// The package exposes a global Logger instance used across all services so that
// output handling and formatting stay uniform.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log output to stdout or stderr based on the
// message severity. Logrus writes the final formatted entry through this
// writer; entries containing the "level=error" marker (or its JSON equivalent)
// are sent to stderr, everything else to stdout.
//
// Docker and Kubernetes capture the two streams independently, which lets log
// pipelines alert on the error stream while processing the info stream for
// analytics.
type OutputSplitter struct{}

// Write implements io.Writer. It inspects the formatted entry and selects the
// destination stream. Pattern matching is plain byte search, no parsing.
func (s *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance for all n3n services.
var Logger = newDefaultLogger()

func newDefaultLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(&OutputSplitter{})
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetLevel(logrus.InfoLevel)
	return logger
}

// SetupLogging reconfigures the global logger from configuration values.
// Level is one of debug, info, warn, error; format is "json" or "text".
// Unknown values fall back to info/text.
func SetupLogging(level, format string) {
	switch level {
	case "debug":
		Logger.SetLevel(logrus.DebugLevel)
	case "warn":
		Logger.SetLevel(logrus.WarnLevel)
	case "error":
		Logger.SetLevel(logrus.ErrorLevel)
	default:
		Logger.SetLevel(logrus.InfoLevel)
	}

	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
