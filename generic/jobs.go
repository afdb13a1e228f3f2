package generic

import (
	"errors"
	"sync"
)

// =============================================================================
// JOB RESULTS - Outcome of a batch run (accrual, year-end, sweeps)
// =============================================================================

// JobResult summarizes a batch run. A batch never aborts on one subject's
// failure; failures are collected and reported here.
type JobResult struct {
	Job       string       `json:"job"`
	Processed int          `json:"processed"`
	Skipped   int          `json:"skipped"`
	Failures  []JobFailure `json:"failures,omitempty"`
}

type JobFailure struct {
	Subject string `json:"subject"`
	Error   string `json:"error"`
}

func (r JobResult) Failed() bool { return len(r.Failures) > 0 }

// JobCollector accumulates outcomes from concurrent workers.
type JobCollector struct {
	mu     sync.Mutex
	result JobResult
}

func NewJobCollector(job string) *JobCollector {
	return &JobCollector{result: JobResult{Job: job}}
}

// Record classifies one subject's outcome: nil is processed, an idempotent
// repeat is skipped, anything else is a failure.
func (c *JobCollector) Record(subject string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case err == nil:
		c.result.Processed++
	case IsIdempotentRepeat(err):
		c.result.Skipped++
	default:
		c.result.Failures = append(c.result.Failures, JobFailure{Subject: subject, Error: err.Error()})
	}
}

// Skip counts a subject the job chose not to touch.
func (c *JobCollector) Skip() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.Skipped++
}

func (c *JobCollector) Result() JobResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.result
	out.Failures = append([]JobFailure(nil), c.result.Failures...)
	return out
}

// Err returns a joined error of every failure, or nil.
func (r JobResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = errors.New(f.Subject + ": " + f.Error)
	}
	return errors.Join(errs...)
}
