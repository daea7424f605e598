package cloudfilter

import "time"

// Metrics receives the measurements of a session, see the
// metrics subpackage for a prometheus implementation.
//
// The methods are called from the threads of the driver and
// must be safe for concurrent use.
type Metrics interface {
	OperationStarted(kind string)
	OperationCompleted(kind, outcome string, elapsed time.Duration)
	BytesTransferred(n int)
	ForcedFailure(kind, reason string)
	HandlerFault(kind string)
}

type noMetrics struct{}

func (noMetrics) OperationStarted(string)                          {}
func (noMetrics) OperationCompleted(string, string, time.Duration) {}
func (noMetrics) BytesTransferred(int)                             {}
func (noMetrics) ForcedFailure(string, string)                     {}
func (noMetrics) HandlerFault(string)                              {}

var _ Metrics = noMetrics{}
