package models

import (
	"database/sql/driver"
	"fmt"
)

const (
	StatusQueued     Status = "QUEUED"
	StatusRunning    Status = "RUNNING"
	StatusUploading  Status = "UPLOADING"
	StatusCancelling Status = "CANCELLING"
	StatusPassed     Status = "PASSED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusPromoted   Status = "PROMOTED"
	StatusSkipped    Status = "SKIPPED"
)

// Status is the lifecycle state shared by builds and runs.
type Status string

// AllStatuses returns every valid status value.
func AllStatuses() []Status {
	return []Status{
		StatusQueued, StatusRunning, StatusUploading, StatusCancelling,
		StatusPassed, StatusFailed, StatusCancelled, StatusPromoted, StatusSkipped,
	}
}

func (s Status) String() string {
	return string(s)
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusUploading, StatusCancelling,
		StatusPassed, StatusFailed, StatusCancelled, StatusPromoted, StatusSkipped:
		return true
	}
	return false
}

// Terminal statuses are absorbing; no further transition is recorded once a
// run reaches one of these.
func (s Status) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusCancelled, StatusPromoted, StatusSkipped:
		return true
	}
	return false
}

// Active reports whether a worker currently owns the run.
func (s Status) Active() bool {
	switch s {
	case StatusRunning, StatusUploading, StatusCancelling:
		return true
	}
	return false
}

func (s *Status) Scan(src interface{}) error {
	if src == nil {
		*s = ""
		return nil
	}
	t, ok := src.(string)
	if !ok {
		return fmt.Errorf("error expected string: %#v", src)
	}
	*s = Status(t)
	return nil
}

func (s Status) Value() (driver.Value, error) {
	return string(s), nil
}

// CumulativeStatus folds a set of run statuses into the status of their parent
// build: any active run makes the build RUNNING; an all-terminal set rolls up
// to FAILED if anything failed or was cancelled, otherwise PASSED; an empty or
// partially queued set leaves the build QUEUED.
func CumulativeStatus(statuses []Status) Status {
	if len(statuses) == 0 {
		return StatusQueued
	}
	allTerminal := true
	anyFailed := false
	for _, s := range statuses {
		if s.Active() {
			return StatusRunning
		}
		if !s.Terminal() {
			allTerminal = false
		}
		if s == StatusFailed || s == StatusCancelled {
			anyFailed = true
		}
	}
	if allTerminal {
		if anyFailed {
			return StatusFailed
		}
		return StatusPassed
	}
	return StatusQueued
}
