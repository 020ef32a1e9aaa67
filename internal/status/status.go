// DPROD Deployment Status
// Persists the deployment state machine. Workers drive every transition
// through this store; a failed write is retried, then surfaced as a
// persistence error so the job redelivers instead of losing the state.

// Package status persists deployment state transitions and build logs.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"dprod/internal/errdefs"
	"dprod/internal/logging"
	"dprod/pkg/models"
)

const (
	writeAttempts = 3
	retryBackoff  = 100 * time.Millisecond
)

// Store reads and writes deployment rows and their build logs.
type Store struct {
	db       *gorm.DB
	workerID string
}

// NewStore wires a store over an open gorm handle. workerID stamps every
// build-log entry this process writes.
func NewStore(db *gorm.DB, workerID string) *Store {
	return &Store{db: db, workerID: workerID}
}

// Create inserts a new deployment row, normally in the queued state.
func (s *Store) Create(ctx context.Context, d *models.Deployment) error {
	return s.withRetry(ctx, "create deployment", func() error {
		return s.db.WithContext(ctx).Create(d).Error
	})
}

// Delete removes a deployment row. Used to roll back a queued deployment
// whose job message never made it onto the queue; every other state is
// final history and stays.
func (s *Store) Delete(ctx context.Context, deploymentID string) error {
	return s.withRetry(ctx, "delete deployment", func() error {
		return s.db.WithContext(ctx).Delete(&models.Deployment{}, "id = ?", deploymentID).Error
	})
}

// Get loads a deployment by ID.
func (s *Store) Get(ctx context.Context, deploymentID string) (*models.Deployment, error) {
	var d models.Deployment
	err := s.db.WithContext(ctx).First(&d, "id = ?", deploymentID).Error
	if err != nil {
		return nil, errdefs.Persistence(fmt.Errorf("load deployment %s: %w", deploymentID, err))
	}
	return &d, nil
}

// ListByProject returns a project's deployments, newest first.
func (s *Store) ListByProject(ctx context.Context, projectID string) ([]models.Deployment, error) {
	var out []models.Deployment
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, errdefs.Persistence(fmt.Errorf("list deployments for project %s: %w", projectID, err))
	}
	return out, nil
}

// MarkBuilding records that a worker picked the job up.
func (s *Store) MarkBuilding(ctx context.Context, deploymentID string) error {
	return s.transition(ctx, deploymentID, map[string]interface{}{
		"status":           models.StatusBuilding,
		"build_started_at": now(),
	})
}

// MarkDeploying records a completed build and its image.
func (s *Store) MarkDeploying(ctx context.Context, deploymentID, imageID string) error {
	return s.transition(ctx, deploymentID, map[string]interface{}{
		"status":             models.StatusDeploying,
		"image_id":           imageID,
		"build_completed_at": now(),
	})
}

// MarkRunning records the live container and its public URL.
func (s *Store) MarkRunning(ctx context.Context, deploymentID, containerID, url string) error {
	updates := map[string]interface{}{
		"status":       models.StatusRunning,
		"container_id": containerID,
		"deployed_at":  now(),
	}
	if url != "" {
		updates["url"] = url
	}
	return s.transition(ctx, deploymentID, updates)
}

// MarkFailed records a terminal failure with its classified reason.
func (s *Store) MarkFailed(ctx context.Context, deploymentID, reason string) error {
	return s.transition(ctx, deploymentID, map[string]interface{}{
		"status":         models.StatusFailed,
		"failure_reason": reason,
		"failed_at":      now(),
	})
}

// MarkStopped transitions a running deployment to stopped. Any other
// current state is rejected.
func (s *Store) MarkStopped(ctx context.Context, deploymentID string) error {
	res := s.db.WithContext(ctx).
		Model(&models.Deployment{}).
		Where("id = ? AND status = ?", deploymentID, models.StatusRunning).
		Updates(map[string]interface{}{
			"status":     models.StatusStopped,
			"stopped_at": now(),
		})
	if res.Error != nil {
		return errdefs.Persistence(fmt.Errorf("stop deployment %s: %w", deploymentID, res.Error))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("deployment %s is not running", deploymentID)
	}
	return nil
}

// MarkStoppedByProject settles every running deployment row of a project
// as stopped and reports how many were settled. Inline deployments carry
// no rows, so zero is a normal outcome.
func (s *Store) MarkStoppedByProject(ctx context.Context, projectID string) (int, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Deployment{}).
		Where("project_id = ? AND status = ?", projectID, models.StatusRunning).
		Updates(map[string]interface{}{
			"status":     models.StatusStopped,
			"stopped_at": now(),
		})
	if res.Error != nil {
		return 0, errdefs.Persistence(fmt.Errorf("stop deployments for project %s: %w", projectID, res.Error))
	}
	return int(res.RowsAffected), nil
}

// AppendLog adds one build-log entry. Entries are append-only; nothing in
// the pipeline ever rewrites them.
func (s *Store) AppendLog(ctx context.Context, deploymentID, message string) error {
	entry := &models.DeploymentLog{
		DeploymentID: deploymentID,
		Timestamp:    now(),
		Message:      message,
		WorkerID:     s.workerID,
	}
	return s.withRetry(ctx, "append build log", func() error {
		return s.db.WithContext(ctx).Create(entry).Error
	})
}

// Logs returns a deployment's build log in write order.
func (s *Store) Logs(ctx context.Context, deploymentID string) ([]models.DeploymentLog, error) {
	var out []models.DeploymentLog
	err := s.db.WithContext(ctx).
		Where("deployment_id = ?", deploymentID).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, errdefs.Persistence(fmt.Errorf("load build logs for %s: %w", deploymentID, err))
	}
	return out, nil
}

func (s *Store) transition(ctx context.Context, deploymentID string, updates map[string]interface{}) error {
	return s.withRetry(ctx, "update deployment", func() error {
		res := s.db.WithContext(ctx).
			Model(&models.Deployment{}).
			Where("id = ?", deploymentID).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("deployment %s not found", deploymentID)
		}
		if status, ok := updates["status"]; ok {
			logging.S().Infow("deployment status updated",
				"deployment_id", deploymentID, "status", status, "worker_id", s.workerID)
		}
		return nil
	})
}

// withRetry runs fn up to writeAttempts times with linear backoff, then
// wraps the final failure as a persistence error.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var last error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		last = fn()
		if last == nil {
			return nil
		}
		if errors.Is(last, gorm.ErrRecordNotFound) {
			break
		}
		if attempt < writeAttempts {
			select {
			case <-ctx.Done():
				return errdefs.Persistence(fmt.Errorf("%s: %w", op, ctx.Err()))
			case <-time.After(time.Duration(attempt) * retryBackoff):
			}
		}
	}
	return errdefs.Persistence(fmt.Errorf("%s: %w", op, last))
}

func now() time.Time {
	return time.Now().UTC()
}
