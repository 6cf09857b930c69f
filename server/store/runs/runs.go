package runs

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/store"
)

func init() {
	_ = models.MutableResource(&models.Run{})
	store.MustDBModel(&models.Run{})
}

type RunStore struct {
	db    *store.DB
	table *store.ResourceTable
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *RunStore {
	return &RunStore{
		db:    db,
		table: store.NewResourceTable(db, logFactory, &models.Run{}),
	}
}

// Create a new run.
// Returns gerror.ErrAlreadyExists if a run with the same build and name already exists.
func (d *RunStore) Create(ctx context.Context, txOrNil *store.Tx, run *models.Run) error {
	return d.table.Create(ctx, txOrNil, run)
}

// Read an existing run, looking it up by ResourceID.
// Returns gerror.ErrNotFound if the run does not exist.
func (d *RunStore) Read(ctx context.Context, txOrNil *store.Tx, id models.RunID) (*models.Run, error) {
	run := &models.Run{}
	return run, d.table.ReadByID(ctx, txOrNil, id.ResourceID, run)
}

// ReadByName reads an existing run, looking it up by build and run name.
// Returns gerror.ErrNotFound if the run does not exist.
func (d *RunStore) ReadByName(ctx context.Context, txOrNil *store.Tx, buildID models.BuildID, name models.ResourceName) (*models.Run, error) {
	run := &models.Run{}
	return run, d.table.ReadWhere(ctx, txOrNil, run,
		goqu.Ex{"run_build_id": buildID},
		goqu.Ex{"run_name": name})
}

// ReadAndLockRowForUpdate reads a run by build and name and locks the row using
// SELECT FOR UPDATE. State transitions serialize on this lock.
// Must be called within a transaction.
// Returns gerror.ErrNotFound if the run does not exist.
func (d *RunStore) ReadAndLockRowForUpdate(ctx context.Context, tx *store.Tx, buildID models.BuildID, name models.ResourceName) (*models.Run, error) {
	run := &models.Run{}
	return run, d.table.ReadAndLockRowForUpdateWhere(ctx, tx, run,
		goqu.Ex{"run_build_id": buildID},
		goqu.Ex{"run_name": name})
}

// Update an existing run with optimistic locking. Overrides all previous values using the supplied model.
// Returns gerror.ErrOptimisticLockFailed if there is an optimistic lock mismatch.
func (d *RunStore) Update(ctx context.Context, txOrNil *store.Tx, run *models.Run) error {
	return d.table.UpdateByID(ctx, txOrNil, run)
}

// ListByBuild lists all runs for a build in insertion order.
func (d *RunStore) ListByBuild(ctx context.Context, txOrNil *store.Tx, buildID models.BuildID) ([]*models.Run, error) {
	var runs []*models.Run
	err := d.db.Read2(txOrNil, func(db store.Reader) error {
		ds := d.table.Dialect().From(d.table.TableName()).
			Select(&models.Run{}).
			Where(goqu.Ex{"run_build_id": buildID}).
			Order(goqu.C("run_seq").Asc())
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.table.LogQuery(query, args)
		return db.ScanStructsContext(ctx, &runs, query, args...)
	})
	if err != nil {
		return nil, store.MakeStandardDBError(err)
	}
	return runs, nil
}

// StatusesForBuild returns the status of every run in a build, for rolling up
// into the build status. The caller should hold the build row lock so the
// rollup cannot race a concurrent run transition.
func (d *RunStore) StatusesForBuild(ctx context.Context, txOrNil *store.Tx, buildID models.BuildID) ([]models.Status, error) {
	var statuses []models.Status
	err := d.db.Read2(txOrNil, func(db store.Reader) error {
		ds := d.table.Dialect().From(d.table.TableName()).
			Select(goqu.C("run_status")).
			Where(goqu.Ex{"run_build_id": buildID})
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.table.LogQuery(query, args)
		return db.ScanValsContext(ctx, &statuses, query, args...)
	})
	if err != nil {
		return nil, store.MakeStandardDBError(err)
	}
	return statuses, nil
}

// ListQueuedCandidates lists all queued runs joined with their build and project,
// in dispatch order: queue priority descending, then run creation time and
// insertion sequence ascending. Must be called within a transaction; the
// returned rows are locked with SELECT FOR UPDATE so two workers cannot claim
// the same run.
func (d *RunStore) ListQueuedCandidates(ctx context.Context, tx *store.Tx) ([]*store.QueuedCandidate, error) {
	if tx == nil {
		return nil, fmt.Errorf("error listing queued runs: no transaction specified")
	}
	var candidates []*store.QueuedCandidate
	err := d.db.Read2(tx, func(db store.Reader) error {
		ds := d.table.Dialect().From(d.table.TableName()).
			Select(&store.QueuedCandidate{}).
			Join(goqu.T("builds"), goqu.On(goqu.Ex{"runs.run_build_id": goqu.I("builds.build_id")})).
			Join(goqu.T("projects"), goqu.On(goqu.Ex{"builds.build_project_id": goqu.I("projects.project_id")})).
			Where(goqu.Ex{"run_status": models.StatusQueued}).
			Order(goqu.C("run_queue_priority").Desc()).
			OrderAppend(goqu.C("run_created_at").Asc()).
			OrderAppend(goqu.C("run_seq").Asc())
		if d.db.SupportsRowLevelLocking() {
			ds = ds.ForUpdate(exp.SkipLocked, goqu.T("runs"))
		}
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.table.LogQuery(query, args)
		return db.ScanStructsContext(ctx, &candidates, query, args...)
	})
	if err != nil {
		return nil, store.MakeStandardDBError(err)
	}
	return candidates, nil
}

// Search runs across all builds, newest first. Use cursor to page through results, if any.
func (d *RunStore) Search(ctx context.Context, txOrNil *store.Tx, search store.RunSearch) ([]*models.Run, *models.Cursor, error) {
	runsSelect := d.table.Dialect().From(d.table.TableName()).
		Select(&models.Run{}).
		Where(d.searchExpressions(search)...)
	var runs []*models.Run
	cursor, err := d.table.ListIn(ctx, txOrNil, &runs, search.Pagination, runsSelect)
	if err != nil {
		return nil, nil, err
	}
	return runs, cursor, nil
}

// ListAll lists every run matching the search filters without pagination.
// Intended for the background sweeps, which must see the whole set.
func (d *RunStore) ListAll(ctx context.Context, txOrNil *store.Tx, search store.RunSearch) ([]*models.Run, error) {
	var runs []*models.Run
	err := d.db.Read2(txOrNil, func(db store.Reader) error {
		ds := d.table.Dialect().From(d.table.TableName()).
			Select(&models.Run{}).
			Where(d.searchExpressions(search)...).
			Order(goqu.C("run_created_at").Asc())
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.table.LogQuery(query, args)
		return db.ScanStructsContext(ctx, &runs, query, args...)
	})
	if err != nil {
		return nil, store.MakeStandardDBError(err)
	}
	return runs, nil
}

func (d *RunStore) searchExpressions(search store.RunSearch) []goqu.Expression {
	var where []goqu.Expression
	if search.BuildID != nil {
		where = append(where, goqu.Ex{"run_build_id": search.BuildID})
	}
	if len(search.Statuses) > 0 {
		where = append(where, goqu.C("run_status").In(search.Statuses))
	}
	if search.WorkerName != nil {
		where = append(where, goqu.Ex{"run_worker_name": search.WorkerName})
	}
	if search.WorkerIsNull {
		where = append(where, goqu.C("run_worker_name").IsNull())
	}
	if search.RunningAcked != nil {
		where = append(where, goqu.Ex{"run_running_acked": *search.RunningAcked})
	}
	if search.UpdatedBefore != nil {
		where = append(where, goqu.C("run_updated_at").Lt(*search.UpdatedBefore))
	}
	return where
}
