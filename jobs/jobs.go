// Package jobs owns the two long-running external workflows: submitting
// them with bounded retries, remembering which session awaits which job id,
// and resolving the asynchronous completion callbacks back to the waiting
// session.
package jobs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	Training   Kind = "training"
	Generation Kind = "generation"
)

// Callback statuses accepted from the workflow engine. Anything outside
// this set is treated as an intermediate update.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
)

// Notification is one status callback from the workflow engine.
type Notification struct {
	JobId  string   `json:"job_id"`
	Status string   `json:"status"`
	Error  string   `json:"error,omitempty"`
	Images []string `json:"images,omitempty"`
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks a submission error as worth retrying.
func Transient(err error) error {
	return &transientError{err: err}
}

func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// SubmissionError reports a submission that failed for good, after the
// bounded retries were exhausted or a permanent rejection was received.
type SubmissionError struct {
	Kind     Kind
	Attempts int
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s submission failed after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }
