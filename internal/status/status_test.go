package status

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dprod/internal/db"
	"dprod/internal/errdefs"
	"dprod/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "status_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	return NewStore(database.GetDB(), "worker-test")
}

func seedDeployment(t *testing.T, s *Store) *models.Deployment {
	t.Helper()

	d := &models.Deployment{
		ID:        uuid.New().String(),
		ProjectID: uuid.New().String(),
		Status:    models.StatusQueued,
	}
	require.NoError(t, s.Create(context.Background(), d))
	return d
}

func TestLifecycleTransitions(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	d := seedDeployment(t, s)
	ctx := context.Background()

	require.NoError(t, s.MarkBuilding(ctx, d.ID))
	got, err := s.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBuilding, got.Status)
	require.NotNil(t, got.BuildStartedAt)
	assert.False(t, got.IsTerminal())

	require.NoError(t, s.MarkDeploying(ctx, d.ID, "sha256:abc123"))
	got, err = s.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeploying, got.Status)
	assert.Equal(t, "sha256:abc123", got.ImageID)
	require.NotNil(t, got.BuildCompletedAt)

	require.NoError(t, s.MarkRunning(ctx, d.ID, "cont-1", "http://localhost:49153"))
	got, err = s.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Equal(t, "cont-1", got.ContainerID)
	assert.Equal(t, "http://localhost:49153", got.URL)
	require.NotNil(t, got.DeployedAt)
	assert.True(t, got.IsTerminal())

	assert.GreaterOrEqual(t, got.BuildDuration(), time.Duration(0))
}

func TestMarkFailed(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	d := seedDeployment(t, s)
	ctx := context.Background()

	require.NoError(t, s.MarkFailed(ctx, d.ID, "build: npm install exited with code 1"))

	got, err := s.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "build: npm install exited with code 1", got.FailureReason)
	require.NotNil(t, got.FailedAt)
	assert.True(t, got.IsTerminal())
}

func TestMarkStoppedOnlyFromRunning(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	queued := seedDeployment(t, s)
	err := s.MarkStopped(ctx, queued.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")

	running := seedDeployment(t, s)
	require.NoError(t, s.MarkRunning(ctx, running.ID, "cont-2", ""))
	require.NoError(t, s.MarkStopped(ctx, running.ID))

	got, err := s.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, got.Status)
	require.NotNil(t, got.StoppedAt)
}

func TestMarkStoppedByProject(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	running := seedDeployment(t, s)
	require.NoError(t, s.MarkRunning(ctx, running.ID, "cont-1", ""))
	queued := &models.Deployment{
		ID:        uuid.New().String(),
		ProjectID: running.ProjectID,
		Status:    models.StatusQueued,
	}
	require.NoError(t, s.Create(ctx, queued))

	settled, err := s.MarkStoppedByProject(ctx, running.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	got, err := s.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, got.Status)
	require.NotNil(t, got.StoppedAt)

	// The queued row is not the worker's to settle.
	got, err = s.Get(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)

	// Projects deployed inline have no rows at all.
	settled, err = s.MarkStoppedByProject(ctx, "no-such-project")
	require.NoError(t, err)
	assert.Equal(t, 0, settled)
}

func TestTransitionUnknownDeployment(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	err := s.MarkBuilding(context.Background(), "no-such-id")
	require.Error(t, err)
	assert.Equal(t, errdefs.KindPersistence, errdefs.KindOf(err))
	assert.True(t, errdefs.IsRetryable(err))
}

func TestAppendLogKeepsOrder(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	d := seedDeployment(t, s)
	ctx := context.Background()

	messages := []string{
		"Build started on worker worker-test",
		"Building Docker image...",
		"Image built successfully: abc123def456",
	}
	for _, m := range messages {
		require.NoError(t, s.AppendLog(ctx, d.ID, m))
	}

	logs, err := s.Logs(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for i, m := range messages {
		assert.Equal(t, m, logs[i].Message)
		assert.Equal(t, "worker-test", logs[i].WorkerID)
		assert.False(t, logs[i].Timestamp.IsZero())
	}
}

func TestListByProjectNewestFirst(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	projectID := uuid.New().String()

	older := &models.Deployment{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Status:    models.StatusFailed,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	newer := &models.Deployment{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Status:    models.StatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Create(ctx, older))
	require.NoError(t, s.Create(ctx, newer))

	// A row for another project must not leak in.
	other := seedDeployment(t, s)

	got, err := s.ListByProject(ctx, projectID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, newer.ID, got[0].ID)
	assert.Equal(t, older.ID, got[1].ID)
	for _, d := range got {
		assert.NotEqual(t, other.ID, d.ID)
	}
}
