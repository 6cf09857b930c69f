package projects

import (
	"context"

	"github.com/doug-martin/goqu/v9"

	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/store"
)

func init() {
	_ = models.MutableResource(&models.Project{})
	_ = models.SoftDeletableResource(&models.Project{})
	store.MustDBModel(&models.Project{})
}

type ProjectStore struct {
	db    *store.DB
	table *store.ResourceTable
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *ProjectStore {
	return &ProjectStore{
		db:    db,
		table: store.NewResourceTable(db, logFactory, &models.Project{}),
	}
}

// Create a new project.
// Returns gerror.ErrAlreadyExists if a project with the same name already exists.
func (d *ProjectStore) Create(ctx context.Context, txOrNil *store.Tx, project *models.Project) error {
	return d.table.Create(ctx, txOrNil, project)
}

// Read an existing project, looking it up by ResourceID.
// Returns gerror.ErrNotFound if the project does not exist.
func (d *ProjectStore) Read(ctx context.Context, txOrNil *store.Tx, id models.ProjectID) (*models.Project, error) {
	project := &models.Project{}
	return project, d.table.ReadByID(ctx, txOrNil, id.ResourceID, project)
}

// ReadByName reads an existing project, looking it up by its name.
// Returns gerror.ErrNotFound if the project does not exist.
func (d *ProjectStore) ReadByName(ctx context.Context, txOrNil *store.Tx, name models.ResourceName) (*models.Project, error) {
	project := &models.Project{}
	return project, d.table.ReadWhere(ctx, txOrNil, project, goqu.Ex{"project_name": name})
}

// Update an existing project with optimistic locking. Overrides all previous values using the supplied model.
// Returns gerror.ErrOptimisticLockFailed if there is an optimistic lock mismatch.
func (d *ProjectStore) Update(ctx context.Context, txOrNil *store.Tx, project *models.Project) error {
	return d.table.UpdateByID(ctx, txOrNil, project)
}

// LockRowForUpdate takes out an exclusive row lock on the project table row for the specified project.
// Build number allocation serializes on this lock so numbers stay dense.
// This function must be called within a transaction, and will block other transactions from locking,
// updating or deleting the row until this transaction ends.
func (d *ProjectStore) LockRowForUpdate(ctx context.Context, tx *store.Tx, id models.ProjectID) error {
	return d.table.LockRowForUpdate(ctx, tx, id.ResourceID)
}

// SoftDelete an existing project. The project's builds remain readable.
// Returns gerror.ErrOptimisticLockFailed if there is an optimistic lock mismatch.
func (d *ProjectStore) SoftDelete(ctx context.Context, txOrNil *store.Tx, project *models.Project) error {
	return d.table.SoftDelete(ctx, txOrNil, project)
}

// List all projects, newest first. Use cursor to page through results, if any.
func (d *ProjectStore) List(ctx context.Context, txOrNil *store.Tx, pagination models.Pagination) ([]*models.Project, *models.Cursor, error) {
	projectsSelect := d.table.Dialect().From(d.table.TableName()).Select(&models.Project{})
	var projects []*models.Project
	cursor, err := d.table.ListIn(ctx, txOrNil, &projects, pagination, projectsSelect)
	if err != nil {
		return nil, nil, err
	}
	return projects, cursor, nil
}
