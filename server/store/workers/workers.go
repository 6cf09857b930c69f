package workers

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/store"
)

func init() {
	_ = models.MutableResource(&models.Worker{})
	_ = models.SoftDeletableResource(&models.Worker{})
	store.MustDBModel(&models.Worker{})
}

type WorkerStore struct {
	db    *store.DB
	table *store.ResourceTable
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *WorkerStore {
	return &WorkerStore{
		db:    db,
		table: store.NewResourceTable(db, logFactory, &models.Worker{}),
	}
}

// Create a new worker.
// Returns gerror.ErrAlreadyExists if a worker with the same name already exists.
func (d *WorkerStore) Create(ctx context.Context, txOrNil *store.Tx, worker *models.Worker) error {
	return d.table.Create(ctx, txOrNil, worker)
}

// Read an existing worker, looking it up by ResourceID.
// Returns gerror.ErrNotFound if the worker does not exist.
func (d *WorkerStore) Read(ctx context.Context, txOrNil *store.Tx, id models.WorkerID) (*models.Worker, error) {
	worker := &models.Worker{}
	return worker, d.table.ReadByID(ctx, txOrNil, id.ResourceID, worker)
}

// ReadByName reads an existing worker, looking it up by its name.
// Returns gerror.ErrNotFound if the worker does not exist.
func (d *WorkerStore) ReadByName(ctx context.Context, txOrNil *store.Tx, name models.ResourceName) (*models.Worker, error) {
	worker := &models.Worker{}
	return worker, d.table.ReadWhere(ctx, txOrNil, worker, goqu.Ex{"worker_name": name})
}

// FindOrCreate creates a worker if no worker with the same name exists, otherwise it
// reads and returns the existing worker. Workers contacting the server with a valid
// JWT are auto-created this way on first contact.
// Returns the worker as it is in the database, and true iff the worker was created.
func (d *WorkerStore) FindOrCreate(ctx context.Context, txOrNil *store.Tx, worker *models.Worker) (*models.Worker, bool, error) {
	result, created, err := d.table.FindOrCreate(ctx, txOrNil,
		func(ctx context.Context, txOrNil *store.Tx) (models.Resource, error) {
			return d.ReadByName(ctx, txOrNil, worker.Name)
		},
		func(ctx context.Context, txOrNil *store.Tx) (models.Resource, error) {
			return worker, d.Create(ctx, txOrNil, worker)
		},
	)
	if err != nil {
		return nil, false, err
	}
	return result.(*models.Worker), created, nil
}

// Update an existing worker with optimistic locking. Overrides all previous values using the supplied model.
// Returns gerror.ErrOptimisticLockFailed if there is an optimistic lock mismatch.
func (d *WorkerStore) Update(ctx context.Context, txOrNil *store.Tx, worker *models.Worker) error {
	return d.table.UpdateByID(ctx, txOrNil, worker)
}

// SoftDelete an existing worker.
// Returns gerror.ErrOptimisticLockFailed if there is an optimistic lock mismatch.
func (d *WorkerStore) SoftDelete(ctx context.Context, txOrNil *store.Tx, worker *models.Worker) error {
	return d.table.SoftDelete(ctx, txOrNil, worker)
}

// List all workers, newest first. Use cursor to page through results, if any.
func (d *WorkerStore) List(ctx context.Context, txOrNil *store.Tx, pagination models.Pagination) ([]*models.Worker, *models.Cursor, error) {
	workersSelect := d.table.Dialect().From(d.table.TableName()).Select(&models.Worker{})
	var workers []*models.Worker
	cursor, err := d.table.ListIn(ctx, txOrNil, &workers, pagination, workersSelect)
	if err != nil {
		return nil, nil, err
	}
	return workers, cursor, nil
}

// ListAll lists every worker without pagination. The surge and offline sweeps
// need the whole fleet in one pass.
func (d *WorkerStore) ListAll(ctx context.Context, txOrNil *store.Tx) ([]*models.Worker, error) {
	var workers []*models.Worker
	err := d.db.Read2(txOrNil, func(db store.Reader) error {
		ds := d.table.Dialect().From(d.table.TableName()).
			Select(&models.Worker{}).
			Where(goqu.Ex{"worker_deleted_at": nil}).
			Order(goqu.C("worker_name").Asc())
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.table.LogQuery(query, args)
		return db.ScanStructsContext(ctx, &workers, query, args...)
	})
	if err != nil {
		return nil, store.MakeStandardDBError(err)
	}
	return workers, nil
}

// ListOnlineUpdatedBefore lists workers still marked online whose last check-in
// is older than the given cutoff. The offline sweep marks these offline.
func (d *WorkerStore) ListOnlineUpdatedBefore(ctx context.Context, txOrNil *store.Tx, cutoff models.Time) ([]*models.Worker, error) {
	var workers []*models.Worker
	err := d.db.Read2(txOrNil, func(db store.Reader) error {
		ds := d.table.Dialect().From(d.table.TableName()).
			Select(&models.Worker{}).
			Where(
				goqu.Ex{"worker_deleted_at": nil},
				goqu.Ex{"worker_online": true},
				goqu.C("worker_updated_at").Lt(cutoff),
			)
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.table.LogQuery(query, args)
		return db.ScanStructsContext(ctx, &workers, query, args...)
	})
	if err != nil {
		return nil, store.MakeStandardDBError(err)
	}
	return workers, nil
}
