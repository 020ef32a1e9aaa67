// DPROD Project Store
// Project persistence for the orchestrator. Creation owns subdomain
// assignment: the display name is folded to a DNS label and suffixed
// with a counter until it is unique among live projects.

package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"dprod/internal/errdefs"
	"dprod/internal/logging"
	"dprod/pkg/models"
)

// maxSubdomainProbes bounds the suffix search before giving up on a name.
const maxSubdomainProbes = 1000

// ProjectStore persists projects and owns subdomain uniqueness.
type ProjectStore struct {
	db *gorm.DB
}

// NewProjectStore creates a project store over an open database handle.
func NewProjectStore(db *gorm.DB) *ProjectStore {
	return &ProjectStore{db: db}
}

// Create registers a new project under a unique subdomain derived from
// its display name.
func (s *ProjectStore) Create(ctx context.Context, ownerID, name string) (*models.Project, error) {
	subdomain, err := s.UniqueSubdomain(ctx, models.SubdomainSlug(name))
	if err != nil {
		return nil, err
	}

	project := &models.Project{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      name,
		Subdomain: subdomain,
	}
	if err := s.db.WithContext(ctx).Create(project).Error; err != nil {
		return nil, errdefs.Persistence(fmt.Errorf("create project %q: %w", name, err))
	}

	logging.S().Infow("project created",
		"project_id", project.ID, "name", name, "subdomain", subdomain)
	return project, nil
}

// Get loads a project by ID.
func (s *ProjectStore) Get(ctx context.Context, projectID string) (*models.Project, error) {
	var project models.Project
	err := s.db.WithContext(ctx).First(&project, "id = ?", projectID).Error
	if err != nil {
		return nil, errdefs.Persistence(fmt.Errorf("load project %s: %w", projectID, err))
	}
	return &project, nil
}

// SetDetected records the detected tech stack on the project.
func (s *ProjectStore) SetDetected(ctx context.Context, projectID, techStack string) error {
	err := s.db.WithContext(ctx).Model(&models.Project{}).
		Where("id = ?", projectID).
		Update("tech_stack", techStack).Error
	if err != nil {
		return errdefs.Persistence(fmt.Errorf("update project %s tech stack: %w", projectID, err))
	}
	return nil
}

// SetURL records the canonical URL once a deployment is live.
func (s *ProjectStore) SetURL(ctx context.Context, projectID, url string) error {
	err := s.db.WithContext(ctx).Model(&models.Project{}).
		Where("id = ?", projectID).
		Updates(map[string]interface{}{"url": url, "status": "live"}).Error
	if err != nil {
		return errdefs.Persistence(fmt.Errorf("update project %s url: %w", projectID, err))
	}
	return nil
}

// UniqueSubdomain returns base if it is free, otherwise the first free
// base-N for N counting up from 2. Soft-deleted projects keep their
// subdomain reserved since the column is uniquely indexed.
func (s *ProjectStore) UniqueSubdomain(ctx context.Context, base string) (string, error) {
	candidate := base
	for i := 2; i <= maxSubdomainProbes; i++ {
		var count int64
		err := s.db.WithContext(ctx).Model(&models.Project{}).Unscoped().
			Where("subdomain = ?", candidate).
			Count(&count).Error
		if err != nil {
			return "", errdefs.Persistence(fmt.Errorf("probe subdomain %q: %w", candidate, err))
		}
		if count == 0 {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
	return "", fmt.Errorf("no free subdomain for %q", base)
}
