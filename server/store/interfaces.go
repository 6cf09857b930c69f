package store

import (
	"context"

	"github.com/jobserv/jobserv/common/models"
)

// BuildSearch filters build listings.
type BuildSearch struct {
	models.Pagination
	// TriggerName limits results to builds started by the named trigger.
	TriggerName string
	// PromotedOnly limits results to promoted builds.
	PromotedOnly bool
	// CompleteOnly limits results to builds in a terminal status.
	CompleteOnly bool
	// Statuses limits results to builds in any of the given statuses.
	Statuses []models.Status
}

// RunSearch filters run listings.
type RunSearch struct {
	models.Pagination
	BuildID  *models.BuildID
	Statuses []models.Status
	// WorkerName matches runs owned by the named worker.
	WorkerName *models.ResourceName
	// WorkerIsNull matches runs with no worker assigned.
	WorkerIsNull bool
	// RunningAcked, when set, matches runs whose ack flag equals the value.
	RunningAcked *bool
	// UpdatedBefore matches runs last updated strictly before this time.
	UpdatedBefore *models.Time
}

// QueuedCandidate is a queued run joined with the build and project columns
// the dispatcher needs to apply tag matching and synchronous-project blocking.
type QueuedCandidate struct {
	models.Run
	BuildNumber       int                 `db:"build_number"`
	BuildProjectID    models.ProjectID    `db:"build_project_id"`
	ProjectName       models.ResourceName `db:"project_name"`
	SynchronousBuilds bool                `db:"project_synchronous_builds"`
}

type ProjectStore interface {
	// Create a new project.
	// Returns gerror.ErrAlreadyExists if a project with the same name already exists.
	Create(ctx context.Context, txOrNil *Tx, project *models.Project) error
	// Read an existing project, looking it up by ID.
	Read(ctx context.Context, txOrNil *Tx, id models.ProjectID) (*models.Project, error)
	// ReadByName reads an existing project, looking it up by its unique name.
	ReadByName(ctx context.Context, txOrNil *Tx, name models.ResourceName) (*models.Project, error)
	// Update an existing project with optimistic locking.
	Update(ctx context.Context, txOrNil *Tx, project *models.Project) error
	// LockRowForUpdate takes a row-level lock on the project, serializing
	// build number allocation. Must be called within a transaction.
	LockRowForUpdate(ctx context.Context, tx *Tx, id models.ProjectID) error
	// SoftDelete marks the project deleted; its builds and triggers remain.
	SoftDelete(ctx context.Context, txOrNil *Tx, project *models.Project) error
	// List all projects. Use cursor to page through results, if any.
	List(ctx context.Context, txOrNil *Tx, pagination models.Pagination) ([]*models.Project, *models.Cursor, error)
}

type BuildStore interface {
	// Create a new build.
	Create(ctx context.Context, txOrNil *Tx, build *models.Build) error
	// NextBuildNumber returns max(build_number)+1 for the project. The caller
	// must hold the project row lock for the result to be dense and gap-free.
	NextBuildNumber(ctx context.Context, tx *Tx, projectID models.ProjectID) (int, error)
	// Read an existing build, looking it up by ID.
	Read(ctx context.Context, txOrNil *Tx, id models.BuildID) (*models.Build, error)
	// ReadByNumber looks a build up by its per-project number.
	ReadByNumber(ctx context.Context, txOrNil *Tx, projectID models.ProjectID, number int) (*models.Build, error)
	// ReadByName looks a promoted build up by its name.
	ReadByName(ctx context.Context, txOrNil *Tx, projectID models.ProjectID, name string) (*models.Build, error)
	// ReadLatest returns the newest build matching the search filters.
	ReadLatest(ctx context.Context, txOrNil *Tx, projectID models.ProjectID, search BuildSearch) (*models.Build, error)
	// Update an existing build with optimistic locking.
	Update(ctx context.Context, txOrNil *Tx, build *models.Build) error
	// LockRowForUpdate takes a row-level lock on the build, serializing
	// status rollups. Must be called within a transaction.
	LockRowForUpdate(ctx context.Context, tx *Tx, id models.BuildID) error
	// Search lists builds newest-first. Use cursor to page through results.
	Search(ctx context.Context, txOrNil *Tx, projectID models.ProjectID, search BuildSearch) ([]*models.Build, *models.Cursor, error)
	// CountIncompleteBefore counts builds of the project with a smaller
	// number that are not yet in a terminal status.
	CountIncompleteBefore(ctx context.Context, txOrNil *Tx, projectID models.ProjectID, beforeNumber int) (int, error)
}

type RunStore interface {
	// Create a new run.
	// Returns gerror.ErrAlreadyExists if the build already has a run with this name.
	Create(ctx context.Context, txOrNil *Tx, run *models.Run) error
	// Read an existing run, looking it up by ID.
	Read(ctx context.Context, txOrNil *Tx, id models.RunID) (*models.Run, error)
	// ReadByName looks a run up by its build and name.
	ReadByName(ctx context.Context, txOrNil *Tx, buildID models.BuildID, name models.ResourceName) (*models.Run, error)
	// ReadAndLockRowForUpdate reads a run by build and name, taking a
	// row-level lock. Must be called within a transaction.
	ReadAndLockRowForUpdate(ctx context.Context, tx *Tx, buildID models.BuildID, name models.ResourceName) (*models.Run, error)
	// Update an existing run with optimistic locking.
	Update(ctx context.Context, txOrNil *Tx, run *models.Run) error
	// ListByBuild lists all runs of a build in insertion order.
	ListByBuild(ctx context.Context, txOrNil *Tx, buildID models.BuildID) ([]*models.Run, error)
	// StatusesForBuild returns the statuses of all runs of a build.
	StatusesForBuild(ctx context.Context, txOrNil *Tx, buildID models.BuildID) ([]models.Status, error)
	// ListQueuedCandidates returns all QUEUED runs joined with their build
	// and project, in dispatch order, row-locked where the database supports
	// it. Must be called within a transaction.
	ListQueuedCandidates(ctx context.Context, tx *Tx) ([]*QueuedCandidate, error)
	// Search lists runs matching the filters. Use cursor to page through results.
	Search(ctx context.Context, txOrNil *Tx, search RunSearch) ([]*models.Run, *models.Cursor, error)
	// ListAll lists all runs matching the filters without pagination; used by
	// the monitor sweeps.
	ListAll(ctx context.Context, txOrNil *Tx, search RunSearch) ([]*models.Run, error)
}

type RunEventStore interface {
	// Create appends a run event.
	Create(ctx context.Context, txOrNil *Tx, event *models.RunEvent) error
	// ListByRun lists a run's events oldest-first.
	ListByRun(ctx context.Context, txOrNil *Tx, runID models.RunID) ([]*models.RunEvent, error)
	// ReadLatestByRun returns the run's most recent event.
	ReadLatestByRun(ctx context.Context, txOrNil *Tx, runID models.RunID) (*models.RunEvent, error)
}

type TestStore interface {
	// Create a new test.
	Create(ctx context.Context, txOrNil *Tx, test *models.Test) error
	// Read an existing test, looking it up by ID.
	Read(ctx context.Context, txOrNil *Tx, id models.TestID) (*models.Test, error)
	// ReadByName looks a test up by its run, name and context.
	ReadByName(ctx context.Context, txOrNil *Tx, runID models.RunID, name models.ResourceName, context string) (*models.Test, error)
	// FindOrCreate creates a test if no test with the same run, name and
	// context exists, otherwise returns the existing one.
	FindOrCreate(ctx context.Context, txOrNil *Tx, test *models.Test) (*models.Test, bool, error)
	// Update an existing test with optimistic locking.
	Update(ctx context.Context, txOrNil *Tx, test *models.Test) error
	// ListByRun lists all tests of a run.
	ListByRun(ctx context.Context, txOrNil *Tx, runID models.RunID) ([]*models.Test, error)
	// CreateResult appends a result row under a test.
	CreateResult(ctx context.Context, txOrNil *Tx, result *models.TestResult) error
	// ListResultsByTest lists all results of a test.
	ListResultsByTest(ctx context.Context, txOrNil *Tx, testID models.TestID) ([]*models.TestResult, error)
	// DeleteByRun deletes all of a run's tests together with their results.
	DeleteByRun(ctx context.Context, txOrNil *Tx, runID models.RunID) error
}

type ProjectTriggerStore interface {
	// Create a new stored trigger.
	Create(ctx context.Context, txOrNil *Tx, trigger *models.ProjectTrigger) error
	// Read an existing trigger, looking it up by ID.
	Read(ctx context.Context, txOrNil *Tx, id models.ProjectTriggerID) (*models.ProjectTrigger, error)
	// ReadByType returns the oldest trigger of the given type on a project.
	ReadByType(ctx context.Context, txOrNil *Tx, projectID models.ProjectID, triggerType models.TriggerType) (*models.ProjectTrigger, error)
	// Update an existing trigger with optimistic locking.
	Update(ctx context.Context, txOrNil *Tx, trigger *models.ProjectTrigger) error
	// Delete removes a trigger permanently.
	Delete(ctx context.Context, txOrNil *Tx, id models.ProjectTriggerID) error
	// ListByProject lists all triggers of a project.
	ListByProject(ctx context.Context, txOrNil *Tx, projectID models.ProjectID) ([]*models.ProjectTrigger, error)
	// ListByType lists all triggers of a type across projects; the git
	// poller enumerates its polling targets this way.
	ListByType(ctx context.Context, txOrNil *Tx, triggerType models.TriggerType) ([]*models.ProjectTrigger, error)
}

type WorkerStore interface {
	// Create a new worker.
	// Returns gerror.ErrAlreadyExists if a worker with the same name already exists.
	Create(ctx context.Context, txOrNil *Tx, worker *models.Worker) error
	// Read an existing worker, looking it up by ID.
	Read(ctx context.Context, txOrNil *Tx, id models.WorkerID) (*models.Worker, error)
	// ReadByName looks a worker up by its unique name.
	ReadByName(ctx context.Context, txOrNil *Tx, name models.ResourceName) (*models.Worker, error)
	// FindOrCreate creates a worker if none with the same name exists,
	// otherwise returns the existing one.
	FindOrCreate(ctx context.Context, txOrNil *Tx, worker *models.Worker) (*models.Worker, bool, error)
	// Update an existing worker with optimistic locking.
	Update(ctx context.Context, txOrNil *Tx, worker *models.Worker) error
	// SoftDelete marks the worker deleted; it receives no further runs.
	SoftDelete(ctx context.Context, txOrNil *Tx, worker *models.Worker) error
	// List all workers. Use cursor to page through results, if any.
	List(ctx context.Context, txOrNil *Tx, pagination models.Pagination) ([]*models.Worker, *models.Cursor, error)
	// ListAll lists every non-deleted worker, ordered by name.
	ListAll(ctx context.Context, txOrNil *Tx) ([]*models.Worker, error)
	// ListOnlineUpdatedBefore lists online workers whose last update is
	// older than the cutoff; the offline sweep uses this.
	ListOnlineUpdatedBefore(ctx context.Context, txOrNil *Tx, cutoff models.Time) ([]*models.Worker, error)
}
