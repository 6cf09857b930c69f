package dto

import (
	"github.com/jobserv/jobserv/common/models"
)

// UpdateRun is a worker-reported run update: an optional status transition
// plus an optional console chunk. Either field may be empty; a console chunk
// with no status change is a plain log append.
type UpdateRun struct {
	// Status is the requested transition target, taken from the
	// X-RUN-STATUS header. Nil means no transition.
	Status *models.Status
	// ConsoleChunk is raw console output to append to the run's log.
	ConsoleChunk []byte
	// Meta replaces the run's free-form metadata note when non-nil.
	Meta *string
}

// PoppedRun is the dispatcher's result for a successful pop: the claimed run
// together with its fully resolved definition, ready to serialize to the
// worker.
type PoppedRun struct {
	Run    *models.Run
	RunDef *models.RunDef
}

// WorkerCheckIn carries the capacity figures a worker reports on each poll.
type WorkerCheckIn struct {
	AvailableRunners int
	MemFree          int64
	DiskFree         int64
	LoadAvg1         float64
	LoadAvg5         float64
	LoadAvg15        float64
}

// CreateTest is the payload for creating or updating a test under a run.
type CreateTest struct {
	Name    models.ResourceName `json:"name"`
	Context string              `json:"context,omitempty"`
	Status  models.Status       `json:"status"`
	Results []CreateTestResult  `json:"results,omitempty"`
}

// CreateTestResult is one result row under a test.
type CreateTestResult struct {
	Name    string        `json:"name"`
	Context string        `json:"context,omitempty"`
	Status  models.Status `json:"status"`
	Output  *string       `json:"output,omitempty"`
}
