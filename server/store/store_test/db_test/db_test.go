package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/store/projects"
	"github.com/jobserv/jobserv/server/store/store_test"
)

func makeLogFactory(t *testing.T) logger.LogFactory {
	logRegistry, err := logger.NewLogRegistry("")
	require.NoError(t, err)
	return logger.MakeLogrusLogFactoryStdOut(logRegistry)
}

// TestResourceAlreadyExistsThrown tests that MakeStandardDBError provides the correct error code
// when we attempt to create a unique resource that already exists.
func TestResourceAlreadyExistsThrown(t *testing.T) {
	logFactory := makeLogFactory(t)
	db, cleanup, err := store_test.Connect(logFactory)
	require.NoError(t, err)
	defer cleanup()
	projectStore := projects.NewStore(db, logFactory)

	ctx := context.Background()
	now := models.NewTime(time.Now())

	// First project creation will pass
	err = projectStore.Create(ctx, nil, models.NewProject(now, "frankieboi", false, nil))
	require.NoError(t, err)

	// Second project with the same name should fail with AlreadyExists
	err = projectStore.Create(ctx, nil, models.NewProject(now, "frankieboi", false, nil))
	require.Error(t, err)
	require.NotNil(t, gerror.ToAlreadyExists(err))
}

// TestResourceNotFoundThrown tests that reads of a missing resource surface NotFound.
func TestResourceNotFoundThrown(t *testing.T) {
	logFactory := makeLogFactory(t)
	db, cleanup, err := store_test.Connect(logFactory)
	require.NoError(t, err)
	defer cleanup()
	projectStore := projects.NewStore(db, logFactory)

	_, err = projectStore.Read(context.Background(), nil, models.NewProjectID())
	require.Error(t, err)
	require.NotNil(t, gerror.ToNotFound(err))
}

// TestOptimisticLockFailedThrown tests that a stale ETag update is rejected.
func TestOptimisticLockFailedThrown(t *testing.T) {
	logFactory := makeLogFactory(t)
	db, cleanup, err := store_test.Connect(logFactory)
	require.NoError(t, err)
	defer cleanup()
	projectStore := projects.NewStore(db, logFactory)

	ctx := context.Background()
	now := models.NewTime(time.Now())

	project := models.NewProject(now, "locked-project", false, nil)
	err = projectStore.Create(ctx, nil, project)
	require.NoError(t, err)

	stale := *project
	stale.ETag = models.ETag(`"bogus"`)
	stale.SynchronousBuilds = true
	err = projectStore.Update(ctx, nil, &stale)
	require.Error(t, err)
	require.NotNil(t, gerror.ToOptimisticLockFailed(err))

	// The unmodified copy still carries the stored ETag and updates fine
	project.SynchronousBuilds = true
	err = projectStore.Update(ctx, nil, project)
	require.NoError(t, err)
}
