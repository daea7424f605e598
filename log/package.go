// Package log defines the logging interface for go-cloudfilter.
//
// The runtime does not pick a logging framework for the
// sync engine, the engine adapts the logger of its choice
// into this interface instead, see the logrus subpackage
// for an example.
//
// Each log call is tagged with the topics it is about, so
// that the user is able to filter the driver notifications
// apart from the handler calls and the completion verdicts.
package log

import (
	"strings"

	"github.com/pkg/errors"
)

// Topics specify the masks of the logger topic.
//
// The logger will query and see if the current logging
// topic has been enabled, so that it won't spend time on
// generating log calls that is not required.
type Topics int

const (
	// TopicCall records the arguments and results of
	// handler invocations.
	//
	// This affects `Log.Call` and `Log.Return` interface.
	// They won't be called if TopicCall is not enabled.
	TopicCall Topics = 1 << iota

	// TopicVerdict records how each operation has been
	// completed against the driver.
	TopicVerdict

	// TopicTrace records the notifications as they arrive
	// and the branches taken while handling them.
	TopicTrace

	// TopicError records the internal errors that will
	// be remediated in the system, including contained
	// handler faults.
	TopicError
)

const (
	AllTopics = Topics(0) |
		TopicCall |
		TopicVerdict |
		TopicTrace |
		TopicError

	DefaultTopics = TopicVerdict | TopicError
)

var topicNames = []struct {
	name  string
	topic Topics
}{
	{"call", TopicCall},
	{"verdict", TopicVerdict},
	{"trace", TopicTrace},
	{"error", TopicError},
}

func (t Topics) String() string {
	var names []string
	for _, item := range topicNames {
		if t&item.topic != 0 {
			names = append(names, item.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseTopics parses a comma separated list of topic
// names, "all" and "none" are also accepted.
func ParseTopics(s string) (Topics, error) {
	var result Topics
	for _, field := range strings.Split(s, ",") {
		field = strings.ToLower(strings.TrimSpace(field))
		switch field {
		case "", "none":
			continue
		case "all":
			result |= AllTopics
			continue
		}
		found := false
		for _, item := range topicNames {
			if item.name == field {
				result |= item.topic
				found = true
				break
			}
		}
		if !found {
			return 0, errors.Errorf("unknown log topic %q", field)
		}
	}
	return result, nil
}

// M is the shorthand for `map[string]any`.
type M = map[string]any

// Log is the logger interface.
type Log interface {
	// Check if any of the topic is enabled.
	Enabled(Topics) bool

	// Call records the arguments of a handler invocation.
	//
	// The returned cookie associates the call with the
	// Return record that follows.
	Call(name string, args M) string

	// Return records the result of a handler invocation.
	Return(name, cookie string, rets M)

	// Log with the specified topics.
	Log(topics Topics, msg string)

	// Logf with the specified topics.
	Logf(topics Topics, msg string, args ...any)
}

// NoLog is the null implementation of the Log.
type NoLog struct{}

func (NoLog) Enabled(Topics) bool                         { return false }
func (NoLog) Call(string, M) string                       { return "" }
func (NoLog) Log(topics Topics, msg string)               {}
func (NoLog) Logf(topics Topics, msg string, args ...any) {}
func (NoLog) Return(name, cookie string, rets M)          {}

var _ Log = (*NoLog)(nil)

// OrNoLog returns l, or NoLog if l is nil.
func OrNoLog(l Log) Log {
	if l == nil {
		return NoLog{}
	}
	return l
}
