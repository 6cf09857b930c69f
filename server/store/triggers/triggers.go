package triggers

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/store"
)

func init() {
	_ = models.MutableResource(&models.ProjectTrigger{})
	store.MustDBModel(&models.ProjectTrigger{})
}

type TriggerStore struct {
	db    *store.DB
	table *store.ResourceTable
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *TriggerStore {
	return &TriggerStore{
		db:    db,
		table: store.NewResourceTable(db, logFactory, &models.ProjectTrigger{}),
	}
}

// Create a new trigger.
// Returns gerror.ErrAlreadyExists if a trigger with the same project, type and user already exists.
func (d *TriggerStore) Create(ctx context.Context, txOrNil *store.Tx, trigger *models.ProjectTrigger) error {
	return d.table.Create(ctx, txOrNil, trigger)
}

// Read an existing trigger, looking it up by ResourceID.
// Returns gerror.ErrNotFound if the trigger does not exist.
func (d *TriggerStore) Read(ctx context.Context, txOrNil *store.Tx, id models.ProjectTriggerID) (*models.ProjectTrigger, error) {
	trigger := &models.ProjectTrigger{}
	return trigger, d.table.ReadByID(ctx, txOrNil, id.ResourceID, trigger)
}

// ReadByType reads an existing trigger, looking it up by project and trigger type.
// When more than one trigger of the type exists (e.g. per-user pull request triggers)
// the oldest one is returned.
// Returns gerror.ErrNotFound if no such trigger exists.
func (d *TriggerStore) ReadByType(ctx context.Context, txOrNil *store.Tx, projectID models.ProjectID, triggerType models.TriggerType) (*models.ProjectTrigger, error) {
	trigger := &models.ProjectTrigger{}
	ds := d.table.Dialect().From(d.table.TableName()).
		Select(trigger).
		Where(
			goqu.Ex{"project_trigger_project_id": projectID},
			goqu.Ex{"project_trigger_type": triggerType},
		).
		Order(goqu.C("project_trigger_created_at").Asc())
	return trigger, d.table.ReadIn(ctx, txOrNil, trigger, ds)
}

// Update an existing trigger with optimistic locking. Overrides all previous values using the supplied model.
// Returns gerror.ErrOptimisticLockFailed if there is an optimistic lock mismatch.
func (d *TriggerStore) Update(ctx context.Context, txOrNil *store.Tx, trigger *models.ProjectTrigger) error {
	return d.table.UpdateByID(ctx, txOrNil, trigger)
}

// Delete an existing trigger. Deleting a trigger that does not exist is a no-op.
func (d *TriggerStore) Delete(ctx context.Context, txOrNil *store.Tx, id models.ProjectTriggerID) error {
	return d.table.DeleteByID(ctx, txOrNil, id.ResourceID)
}

// ListByProject lists all triggers for a project, oldest first.
func (d *TriggerStore) ListByProject(ctx context.Context, txOrNil *store.Tx, projectID models.ProjectID) ([]*models.ProjectTrigger, error) {
	var list []*models.ProjectTrigger
	err := d.db.Read2(txOrNil, func(db store.Reader) error {
		ds := d.table.Dialect().From(d.table.TableName()).
			Select(&models.ProjectTrigger{}).
			Where(goqu.Ex{"project_trigger_project_id": projectID}).
			Order(goqu.C("project_trigger_created_at").Asc())
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.table.LogQuery(query, args)
		return db.ScanStructsContext(ctx, &list, query, args...)
	})
	if err != nil {
		return nil, store.MakeStandardDBError(err)
	}
	return list, nil
}

// ListByType lists all triggers of the given type across all projects, oldest
// first. The git poller uses this to enumerate its polling targets.
func (d *TriggerStore) ListByType(ctx context.Context, txOrNil *store.Tx, triggerType models.TriggerType) ([]*models.ProjectTrigger, error) {
	var list []*models.ProjectTrigger
	err := d.db.Read2(txOrNil, func(db store.Reader) error {
		ds := d.table.Dialect().From(d.table.TableName()).
			Select(&models.ProjectTrigger{}).
			Where(goqu.Ex{"project_trigger_type": triggerType}).
			Order(goqu.C("project_trigger_created_at").Asc())
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.table.LogQuery(query, args)
		return db.ScanStructsContext(ctx, &list, query, args...)
	})
	if err != nil {
		return nil, store.MakeStandardDBError(err)
	}
	return list, nil
}
