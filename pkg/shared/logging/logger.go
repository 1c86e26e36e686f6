package logging

import (
	"github.com/sirupsen/logrus"
)

// NewLogger builds a *logrus.Logger from a level ("debug", "info",
// "warn", "error") and format ("json" or "text"), the two knobs
// spec.md §6.5 exposes as LOG_LEVEL/LOG_FORMAT. An unrecognized level
// falls back to info rather than failing process startup over a typo.
func NewLogger(level, format string) *logrus.Logger {
	logger := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}
