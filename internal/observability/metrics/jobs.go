// Package metrics standardises the metric names and tag sets the queue,
// scheduler, and reaper emit.
package metrics

import (
	"maps"
	"time"

	obserrors "github.com/Xkonti/crude-functions-core/internal/observability/errors"
	"github.com/Xkonti/crude-functions-core/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// ResultOf maps a pass outcome to its result tag: error wins, a pass that
// touched nothing is a noop.
func ResultOf(err error, touched int) string {
	switch {
	case err != nil:
		return ResultError
	case touched == 0:
		return ResultNoop
	default:
		return ResultSuccess
	}
}

// JobMetric captures one job lifecycle transition for metric emission.
type JobMetric struct {
	JobType    string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits the per-transition counter and duration timing for
// one job, tagged with type, transition, result, and the error class when
// the transition failed.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"job_type":   in.JobType,
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// CloneTags copies a tag map so a second emission cannot observe mutations
// made for the first. Empty input maps to nil.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	maps.Copy(out, src)
	return out
}
