// DPROD Queue-Backed Deployment Manager
// Accepts a bundle, detects the stack, and hands the build to the worker
// fleet as a self-contained SQS job. The deployment row is created in
// queued state before the send so the client can poll it immediately; a
// failed send rolls the row back since nothing will ever pick it up.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"dprod/internal/advisor"
	"dprod/internal/archive"
	"dprod/internal/errdefs"
	"dprod/internal/job"
	"dprod/internal/logging"
	"dprod/internal/status"
	"dprod/pkg/models"
)

// jobSender is the queue surface Submit needs. *queue.Queue satisfies it.
type jobSender interface {
	Send(ctx context.Context, body []byte, attrs map[string]string) (string, error)
}

// Manager enqueues deployments for asynchronous execution by workers.
type Manager struct {
	q      jobSender
	engine *advisor.AdvisedEngine
	store  *status.Store
}

// NewManager wires a queue-backed deployment manager.
func NewManager(q jobSender, engine *advisor.AdvisedEngine, store *status.Store) *Manager {
	return &Manager{q: q, engine: engine, store: store}
}

// Submit extracts and detects the bundle, records a queued deployment,
// and sends the job message. The returned deployment is in queued state;
// the worker advances it from there.
func (m *Manager) Submit(ctx context.Context, project *models.Project, bundle []byte) (*models.Deployment, error) {
	stage, err := os.MkdirTemp("", "dprod-stage-*")
	if err != nil {
		return nil, errdefs.Extraction(fmt.Errorf("create staging directory: %w", err))
	}
	defer os.RemoveAll(stage)

	fileCount, err := archive.ExtractTarGz(bundle, stage)
	if err != nil {
		return nil, err
	}

	result, err := m.engine.Detect(ctx, stage)
	if err != nil {
		return nil, err
	}
	cfg := result.Config

	files, err := archive.PackageDir(stage)
	if err != nil {
		return nil, err
	}

	// A Dockerfile shipped in the bundle wins over synthesis on the
	// worker, so carry it verbatim.
	dockerfile := ""
	if raw, err := os.ReadFile(filepath.Join(stage, "Dockerfile")); err == nil {
		dockerfile = string(raw)
	}

	dep := &models.Deployment{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		Status:    models.StatusQueued,
	}
	if err := m.store.Create(ctx, dep); err != nil {
		return nil, err
	}

	msg := &job.Message{
		DeploymentID:      dep.ID,
		ProjectID:         project.ID,
		ProjectName:       project.Name,
		ProjectFiles:      files,
		DockerfileContent: dockerfile,
		Environment:       cfg.Environment,
		Ports:             map[string]int{strconv.Itoa(cfg.Port): cfg.Port},
		Config:            cfg,
		AIVerified:        result.AIVerified,
		DecisionID:        result.DecisionID,
	}
	body, err := msg.Encode()
	if err != nil {
		m.rollback(ctx, dep.ID)
		return nil, err
	}

	messageID, err := m.q.Send(ctx, body, map[string]string{
		"deployment_id": dep.ID,
		"project_name":  project.Name,
	})
	if err != nil {
		m.rollback(ctx, dep.ID)
		return nil, err
	}

	logging.S().Infow("deployment queued",
		"deployment_id", dep.ID,
		"project", project.Name,
		"tech", cfg.Type,
		"files", fileCount,
		"message_id", messageID)
	return dep, nil
}

// List returns the project's deployment history, newest first.
func (m *Manager) List(ctx context.Context, projectID string) ([]models.Deployment, error) {
	return m.store.ListByProject(ctx, projectID)
}

// Get returns a single deployment by ID.
func (m *Manager) Get(ctx context.Context, deploymentID string) (*models.Deployment, error) {
	return m.store.Get(ctx, deploymentID)
}

// Stop is not available in queue mode. Containers live on worker nodes
// and are controlled there.
func (m *Manager) Stop(ctx context.Context, projectID string) error {
	return fmt.Errorf("stop project %s: %w in queue mode", projectID, errors.ErrUnsupported)
}

// rollback removes a queued row whose job never made it onto the queue.
// Best effort: a leftover queued row is visible but harmless.
func (m *Manager) rollback(ctx context.Context, deploymentID string) {
	if err := m.store.Delete(ctx, deploymentID); err != nil {
		logging.S().Warnw("failed to roll back queued deployment",
			"deployment_id", deploymentID, "error", err)
	}
}
