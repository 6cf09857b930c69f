package run_events

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/store"
)

func init() {
	store.MustDBModel(&models.RunEvent{})
}

// RunEventStore records the append-only status history of runs. Events are
// never updated or deleted; the newest event for a run dates its most recent
// transition.
type RunEventStore struct {
	db    *store.DB
	table *store.ResourceTable
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *RunEventStore {
	return &RunEventStore{
		db:    db,
		table: store.NewResourceTable(db, logFactory, &models.RunEvent{}),
	}
}

// Create a new run event.
func (d *RunEventStore) Create(ctx context.Context, txOrNil *store.Tx, event *models.RunEvent) error {
	return d.table.Create(ctx, txOrNil, event)
}

// ListByRun lists all events for a run in the order they were recorded.
func (d *RunEventStore) ListByRun(ctx context.Context, txOrNil *store.Tx, runID models.RunID) ([]*models.RunEvent, error) {
	var events []*models.RunEvent
	err := d.db.Read2(txOrNil, func(db store.Reader) error {
		ds := d.table.Dialect().From(d.table.TableName()).
			Select(&models.RunEvent{}).
			Where(goqu.Ex{"run_event_run_id": runID}).
			Order(goqu.C("run_event_created_at").Asc())
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.table.LogQuery(query, args)
		return db.ScanStructsContext(ctx, &events, query, args...)
	})
	if err != nil {
		return nil, store.MakeStandardDBError(err)
	}
	return events, nil
}

// ReadLatestByRun reads the most recent event for a run.
// Returns gerror.ErrNotFound if the run has no events.
func (d *RunEventStore) ReadLatestByRun(ctx context.Context, txOrNil *store.Tx, runID models.RunID) (*models.RunEvent, error) {
	event := &models.RunEvent{}
	ds := d.table.Dialect().From(d.table.TableName()).
		Select(event).
		Where(goqu.Ex{"run_event_run_id": runID}).
		Order(goqu.C("run_event_created_at").Desc())
	return event, d.table.ReadIn(ctx, txOrNil, event, ds)
}
