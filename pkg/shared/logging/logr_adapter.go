package logging

import (
	"github.com/go-logr/logr"
	"github.com/sirupsen/logrus"
)

// logrusSink adapts a *logrus.Entry to logr.LogSink so packages that take
// a logr.Logger (pkg/queue.Pool, pkg/queue.Client) log through the same
// logrus pipeline as the rest of FlakeGuard, rather than pulling in a
// second logging backend.
type logrusSink struct {
	entry *logrus.Entry
	name  string
}

// NewLogrAdapter wraps logger as a logr.Logger. V-levels above 0 map to
// logrus.Debug; V(0)/Info calls map to logrus.Info.
func NewLogrAdapter(logger *logrus.Logger) logr.Logger {
	return logr.New(&logrusSink{entry: logrus.NewEntry(logger)})
}

func (s *logrusSink) Init(_ logr.RuntimeInfo) {}

func (s *logrusSink) Enabled(_ int) bool { return true }

func (s *logrusSink) Info(level int, msg string, keysAndValues ...interface{}) {
	entry := s.entry.WithFields(fieldsFrom(keysAndValues))
	if level > 0 {
		entry.Debug(msg)
		return
	}
	entry.Info(msg)
}

func (s *logrusSink) Error(err error, msg string, keysAndValues ...interface{}) {
	s.entry.WithFields(fieldsFrom(keysAndValues)).WithError(err).Error(msg)
}

func (s *logrusSink) WithValues(keysAndValues ...interface{}) logr.LogSink {
	return &logrusSink{entry: s.entry.WithFields(fieldsFrom(keysAndValues)), name: s.name}
}

func (s *logrusSink) WithName(name string) logr.LogSink {
	full := name
	if s.name != "" {
		full = s.name + "." + name
	}
	return &logrusSink{entry: s.entry.WithField("logger", full), name: full}
}

func fieldsFrom(keysAndValues []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields[key] = keysAndValues[i+1]
	}
	return fields
}
