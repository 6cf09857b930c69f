package builds

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/store"
)

func init() {
	_ = models.MutableResource(&models.Build{})
	store.MustDBModel(&models.Build{})
}

type BuildStore struct {
	db    *store.DB
	table *store.ResourceTable
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *BuildStore {
	return &BuildStore{
		db:    db,
		table: store.NewResourceTable(db, logFactory, &models.Build{}),
	}
}

// Create a new build.
// Returns gerror.ErrAlreadyExists if a build with the same project and number already exists.
func (d *BuildStore) Create(ctx context.Context, txOrNil *store.Tx, build *models.Build) error {
	return d.table.Create(ctx, txOrNil, build)
}

// NextBuildNumber returns the next dense build number for the specified project.
// The caller must hold the project row lock in tx; the returned number is
// max(existing)+1 and is only guaranteed unused while the lock is held.
func (d *BuildStore) NextBuildNumber(ctx context.Context, tx *store.Tx, projectID models.ProjectID) (int, error) {
	if tx == nil {
		return 0, fmt.Errorf("error allocating build number: no transaction specified")
	}
	var number int
	err := d.db.Read2(tx, func(db store.Reader) error {
		ds := d.table.Dialect().From(d.table.TableName()).
			Select(goqu.COALESCE(goqu.MAX(goqu.C("build_number")), 0)).
			Where(goqu.Ex{"build_project_id": projectID})
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.table.LogQuery(query, args)
		_, err = db.ScanValContext(ctx, &number, query, args...)
		if err != nil {
			return store.MakeStandardDBError(err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return number + 1, nil
}

// Read an existing build, looking it up by ResourceID.
// Returns gerror.ErrNotFound if the build does not exist.
func (d *BuildStore) Read(ctx context.Context, txOrNil *store.Tx, id models.BuildID) (*models.Build, error) {
	build := &models.Build{}
	return build, d.table.ReadByID(ctx, txOrNil, id.ResourceID, build)
}

// ReadByNumber reads an existing build, looking it up by project and build number.
// Returns gerror.ErrNotFound if the build does not exist.
func (d *BuildStore) ReadByNumber(ctx context.Context, txOrNil *store.Tx, projectID models.ProjectID, number int) (*models.Build, error) {
	build := &models.Build{}
	return build, d.table.ReadWhere(ctx, txOrNil, build,
		goqu.Ex{"build_project_id": projectID},
		goqu.Ex{"build_number": number})
}

// ReadByName reads an existing build, looking it up by project and promoted name.
// Returns gerror.ErrNotFound if the build does not exist.
func (d *BuildStore) ReadByName(ctx context.Context, txOrNil *store.Tx, projectID models.ProjectID, name string) (*models.Build, error) {
	build := &models.Build{}
	return build, d.table.ReadWhere(ctx, txOrNil, build,
		goqu.Ex{"build_project_id": projectID},
		goqu.Ex{"build_name": name})
}

// ReadLatest reads the newest build for a project that matches the search filters.
// Returns gerror.ErrNotFound if no build matches.
func (d *BuildStore) ReadLatest(ctx context.Context, txOrNil *store.Tx, projectID models.ProjectID, search store.BuildSearch) (*models.Build, error) {
	build := &models.Build{}
	ds := d.table.Dialect().From(d.table.TableName()).
		Select(build).
		Where(d.searchExpressions(projectID, search)...).
		Order(goqu.C("build_number").Desc())
	return build, d.table.ReadIn(ctx, txOrNil, build, ds)
}

// Update an existing build with optimistic locking. Overrides all previous values using the supplied model.
// Returns gerror.ErrOptimisticLockFailed if there is an optimistic lock mismatch.
func (d *BuildStore) Update(ctx context.Context, txOrNil *store.Tx, build *models.Build) error {
	return d.table.UpdateByID(ctx, txOrNil, build)
}

// LockRowForUpdate takes out an exclusive row lock on the build table row for the specified build.
// Run status rollups serialize on this lock.
// This function must be called within a transaction, and will block other transactions from locking,
// updating or deleting the row until this transaction ends.
func (d *BuildStore) LockRowForUpdate(ctx context.Context, tx *store.Tx, id models.BuildID) error {
	return d.table.LockRowForUpdate(ctx, tx, id.ResourceID)
}

// Search builds for a project, newest first. Use cursor to page through results, if any.
func (d *BuildStore) Search(ctx context.Context, txOrNil *store.Tx, projectID models.ProjectID, search store.BuildSearch) ([]*models.Build, *models.Cursor, error) {
	buildsSelect := d.table.Dialect().From(d.table.TableName()).
		Select(&models.Build{}).
		Where(d.searchExpressions(projectID, search)...)
	var builds []*models.Build
	cursor, err := d.table.ListIn(ctx, txOrNil, &builds, search.Pagination, buildsSelect)
	if err != nil {
		return nil, nil, err
	}
	return builds, cursor, nil
}

// CountIncompleteBefore returns the number of builds in a project with a lower build
// number than the specified build that have not yet reached a terminal status.
func (d *BuildStore) CountIncompleteBefore(ctx context.Context, txOrNil *store.Tx, projectID models.ProjectID, beforeNumber int) (int, error) {
	var count int
	err := d.db.Read2(txOrNil, func(db store.Reader) error {
		ds := d.table.Dialect().From(d.table.TableName()).
			Select(goqu.COUNT(goqu.C("build_id"))).
			Where(
				goqu.Ex{"build_project_id": projectID},
				goqu.C("build_number").Lt(beforeNumber),
				goqu.C("build_status").In(incompleteStatuses()),
			)
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.table.LogQuery(query, args)
		found, err := db.ScanValContext(ctx, &count, query, args...)
		if err != nil {
			return store.MakeStandardDBError(err)
		}
		if !found {
			return gerror.NewErrNotFound("Not Found")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (d *BuildStore) searchExpressions(projectID models.ProjectID, search store.BuildSearch) []goqu.Expression {
	where := []goqu.Expression{goqu.Ex{"build_project_id": projectID}}
	if search.TriggerName != "" {
		where = append(where, goqu.Ex{"build_trigger_name": search.TriggerName})
	}
	if search.PromotedOnly {
		where = append(where, goqu.Ex{"build_status": models.StatusPromoted})
	}
	if search.CompleteOnly {
		where = append(where, goqu.C("build_status").In(terminalStatuses()))
	}
	if len(search.Statuses) > 0 {
		where = append(where, goqu.C("build_status").In(search.Statuses))
	}
	return where
}

func terminalStatuses() []models.Status {
	var statuses []models.Status
	for _, status := range models.AllStatuses() {
		if status.Terminal() {
			statuses = append(statuses, status)
		}
	}
	return statuses
}

func incompleteStatuses() []models.Status {
	var statuses []models.Status
	for _, status := range models.AllStatuses() {
		if !status.Terminal() {
			statuses = append(statuses, status)
		}
	}
	return statuses
}
