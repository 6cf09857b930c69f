package tests

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/store"
)

func init() {
	_ = models.MutableResource(&models.Test{})
	store.MustDBModel(&models.Test{})
	store.MustDBModel(&models.TestResult{})
}

type TestStore struct {
	db           *store.DB
	table        *store.ResourceTable
	resultsTable *store.ResourceTable
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *TestStore {
	return &TestStore{
		db:           db,
		table:        store.NewResourceTable(db, logFactory, &models.Test{}),
		resultsTable: store.NewResourceTable(db, logFactory, &models.TestResult{}),
	}
}

// Create a new test.
// Returns gerror.ErrAlreadyExists if a test with the same run, name and context already exists.
func (d *TestStore) Create(ctx context.Context, txOrNil *store.Tx, test *models.Test) error {
	return d.table.Create(ctx, txOrNil, test)
}

// Read an existing test, looking it up by ResourceID.
// Returns gerror.ErrNotFound if the test does not exist.
func (d *TestStore) Read(ctx context.Context, txOrNil *store.Tx, id models.TestID) (*models.Test, error) {
	test := &models.Test{}
	return test, d.table.ReadByID(ctx, txOrNil, id.ResourceID, test)
}

// ReadByName reads an existing test, looking it up by run, name and context.
// Returns gerror.ErrNotFound if the test does not exist.
func (d *TestStore) ReadByName(ctx context.Context, txOrNil *store.Tx, runID models.RunID, name models.ResourceName, context string) (*models.Test, error) {
	test := &models.Test{}
	return test, d.table.ReadWhere(ctx, txOrNil, test,
		goqu.Ex{"test_run_id": runID},
		goqu.Ex{"test_name": name},
		goqu.Ex{"test_context": context})
}

// FindOrCreate creates a test if no test with the same run, name and context exists,
// otherwise it reads and returns the existing test.
// Returns the test as it is in the database, and true iff the test was created.
func (d *TestStore) FindOrCreate(ctx context.Context, txOrNil *store.Tx, test *models.Test) (*models.Test, bool, error) {
	result, created, err := d.table.FindOrCreate(ctx, txOrNil,
		func(ctx context.Context, txOrNil *store.Tx) (models.Resource, error) {
			return d.ReadByName(ctx, txOrNil, test.RunID, test.Name, test.Context)
		},
		func(ctx context.Context, txOrNil *store.Tx) (models.Resource, error) {
			return test, d.Create(ctx, txOrNil, test)
		},
	)
	if err != nil {
		return nil, false, err
	}
	return result.(*models.Test), created, nil
}

// Update an existing test with optimistic locking. Overrides all previous values using the supplied model.
// Returns gerror.ErrOptimisticLockFailed if there is an optimistic lock mismatch.
func (d *TestStore) Update(ctx context.Context, txOrNil *store.Tx, test *models.Test) error {
	return d.table.UpdateByID(ctx, txOrNil, test)
}

// ListByRun lists all tests for a run, oldest first.
func (d *TestStore) ListByRun(ctx context.Context, txOrNil *store.Tx, runID models.RunID) ([]*models.Test, error) {
	var tests []*models.Test
	err := d.db.Read2(txOrNil, func(db store.Reader) error {
		ds := d.table.Dialect().From(d.table.TableName()).
			Select(&models.Test{}).
			Where(goqu.Ex{"test_run_id": runID}).
			Order(goqu.C("test_created_at").Asc())
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.table.LogQuery(query, args)
		return db.ScanStructsContext(ctx, &tests, query, args...)
	})
	if err != nil {
		return nil, store.MakeStandardDBError(err)
	}
	return tests, nil
}

// CreateResult records a new result row under a test.
func (d *TestStore) CreateResult(ctx context.Context, txOrNil *store.Tx, result *models.TestResult) error {
	return d.resultsTable.Create(ctx, txOrNil, result)
}

// ListResultsByTest lists all result rows for a test, oldest first.
func (d *TestStore) ListResultsByTest(ctx context.Context, txOrNil *store.Tx, testID models.TestID) ([]*models.TestResult, error) {
	var results []*models.TestResult
	err := d.db.Read2(txOrNil, func(db store.Reader) error {
		ds := d.resultsTable.Dialect().From(d.resultsTable.TableName()).
			Select(&models.TestResult{}).
			Where(goqu.Ex{"test_result_test_id": testID}).
			Order(goqu.C("test_result_created_at").Asc())
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.resultsTable.LogQuery(query, args)
		return db.ScanStructsContext(ctx, &results, query, args...)
	})
	if err != nil {
		return nil, store.MakeStandardDBError(err)
	}
	return results, nil
}

// DeleteByRun deletes all of a run's tests together with their result rows.
func (d *TestStore) DeleteByRun(ctx context.Context, txOrNil *store.Tx, runID models.RunID) error {
	return d.db.WithTx(ctx, txOrNil, func(tx *store.Tx) error {
		tests, err := d.ListByRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		ids := make([]models.TestID, 0, len(tests))
		for _, test := range tests {
			ids = append(ids, test.ID)
		}
		if len(ids) > 0 {
			err = d.resultsTable.DeleteWhere(ctx, tx, goqu.Ex{"test_result_test_id": ids})
			if err != nil {
				return err
			}
		}
		return d.table.DeleteWhere(ctx, tx, goqu.Ex{"test_run_id": runID})
	})
}
