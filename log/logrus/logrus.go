// Package logrus adapts a logrus logger into the log
// interface of go-cloudfilter.
package logrus

import (
	"fmt"
	"sync/atomic"

	logrus "github.com/sirupsen/logrus"

	cloudfilter "github.com/winfsp/go-cloudfilter"
	"github.com/winfsp/go-cloudfilter/log"
)

type Logrus struct {
	Logger  *logrus.Logger
	Enable  log.Topics
	counter uint64
}

func (l *Logrus) Enabled(topics log.Topics) bool {
	return (l.Enable & topics) != 0
}

// level picks the most severe level among the topics.
func level(topics log.Topics) logrus.Level {
	switch {
	case topics&log.TopicError != 0:
		return logrus.ErrorLevel
	case topics&log.TopicVerdict != 0:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}

// expandFields flattens the DebugStruct values so that
// each of their fields becomes a logrus field.
func expandFields(fields log.M) logrus.Fields {
	result := make(logrus.Fields, len(fields))
	for name, field := range fields {
		if ds, ok := field.(cloudfilter.DebugStruct); ok {
			if m := ds.Fields(); m != nil {
				for fieldName, value := range m {
					result[name+"."+fieldName] = value
				}
				continue
			}
		}
		if err, ok := field.(error); ok {
			result[name] = err.Error()
			continue
		}
		result[name] = field
	}
	return result
}

func (l *Logrus) Call(name string, args log.M) string {
	if !l.Enabled(log.TopicCall) {
		return ""
	}
	cookie := fmt.Sprintf("%x", atomic.AddUint64(&l.counter, 1))
	l.Logger.WithFields(expandFields(args)).WithFields(logrus.Fields{
		"name":   name,
		"cookie": cookie,
	}).Log(level(log.TopicCall), "call")
	return cookie
}

func (l *Logrus) Log(topics log.Topics, msg string) {
	if !l.Enabled(topics) {
		return
	}
	l.Logger.WithField("topics", (l.Enable&topics).String()).
		Log(level(topics), msg)
}

func (l *Logrus) Logf(topics log.Topics, msg string, args ...any) {
	if !l.Enabled(topics) {
		return
	}
	l.Logger.WithField("topics", (l.Enable&topics).String()).
		Logf(level(topics), msg, args...)
}

func (l *Logrus) Return(name, cookie string, rets log.M) {
	if !l.Enabled(log.TopicCall) {
		return
	}
	l.Logger.WithFields(expandFields(rets)).WithFields(logrus.Fields{
		"name":   name,
		"cookie": cookie,
	}).Log(level(log.TopicCall), "return")
}

var _ log.Log = (*Logrus)(nil)

// Default returns an adapter around a new logrus logger
// with every topic enabled and the level lowered to debug.
func Default() *Logrus {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return &Logrus{
		Logger: logger,
		Enable: log.AllTopics,
	}
}

// New wraps the logger with the given topics enabled.
func New(logger *logrus.Logger, topics log.Topics) *Logrus {
	return &Logrus{
		Logger: logger,
		Enable: topics,
	}
}
