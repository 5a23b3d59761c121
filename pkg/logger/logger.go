package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// TimestampFormat is the layout of the time field in every log line
const TimestampFormat = "2006-01-02 15:04:05"

// InitLogger configures the standard logrus logger for JSON output on stdout
// and returns it. Supported levels: trace, debug, info, warn, error, fatal,
// panic. An unknown level falls back to info.
func InitLogger(level string) *logrus.Logger {
	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: TimestampFormat,
	})
	logger.SetOutput(os.Stdout)

	parsed, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		logger.SetLevel(logrus.InfoLevel)
		logger.Warnf("Invalid log level '%s', defaulting to 'info'", level)
	} else {
		logger.SetLevel(parsed)
	}

	logger.WithField("log_level", logger.GetLevel().String()).Info("Logger initialized")
	return logger
}

// GetLogger returns an entry tagged with the component that logs through it
func GetLogger(component string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"component": component,
	})
}
