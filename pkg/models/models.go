// Package models defines the persisted entities of the dprod platform.
package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Deployment lifecycle states. Terminal states never transition further
// in the pipeline; stopped is reachable only from running.
const (
	StatusQueued    = "queued"
	StatusBuilding  = "building"
	StatusDeploying = "deploying"
	StatusRunning   = "running"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

// Project represents one deployable application.
type Project struct {
	ID        string         `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	// Identity
	OwnerID   string `json:"owner_id" gorm:"index"`
	Name      string `json:"name" gorm:"not null"`
	Subdomain string `json:"subdomain" gorm:"uniqueIndex;not null"` // composes the prod URL

	// Detection outcome; unknown until a bundle has been analyzed
	TechStack string `json:"tech_stack" gorm:"default:'unknown'"`

	// Lifecycle
	Status string `json:"status" gorm:"default:'created'"`
	URL    string `json:"url"`

	// Relationships
	Deployments []Deployment `json:"deployments,omitempty" gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE"`
}

// Deployment represents one attempt to take a source bundle live.
type Deployment struct {
	ID        string         `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	ProjectID string `json:"project_id" gorm:"index;not null"`

	// State machine position
	Status string `json:"status" gorm:"default:'queued';index"`

	// Artifacts; empty until the pipeline reaches the producing step
	ImageID     string `json:"image_id"`
	ContainerID string `json:"container_id"`
	URL         string `json:"url"`

	// Failure detail; set only when Status is failed
	FailureReason string `json:"failure_reason"`

	// Transition timestamps
	BuildStartedAt   *time.Time `json:"build_started_at"`
	BuildCompletedAt *time.Time `json:"build_completed_at"`
	DeployedAt       *time.Time `json:"deployed_at"`
	FailedAt         *time.Time `json:"failed_at"`
	StoppedAt        *time.Time `json:"stopped_at"`

	// Relationships
	Logs []DeploymentLog `json:"logs,omitempty" gorm:"foreignKey:DeploymentID;constraint:OnDelete:CASCADE"`
}

// IsTerminal reports whether the deployment has finished the pipeline.
func (d *Deployment) IsTerminal() bool {
	return d.Status == StatusRunning || d.Status == StatusFailed || d.Status == StatusStopped
}

// BuildDuration returns how long the image build took, or zero when the
// deployment never completed a build.
func (d *Deployment) BuildDuration() time.Duration {
	if d.BuildStartedAt == nil || d.BuildCompletedAt == nil {
		return 0
	}
	return d.BuildCompletedAt.Sub(*d.BuildStartedAt)
}

// DeploymentLog is one append-only build-log entry. Rows are never
// updated or deleted while the deployment exists.
type DeploymentLog struct {
	ID           uint      `json:"-" gorm:"primarykey"`
	DeploymentID string    `json:"-" gorm:"index;not null"`
	Timestamp    time.Time `json:"timestamp"`
	Message      string    `json:"message"`
	WorkerID     string    `json:"worker_id"`
}

// SubdomainSlug folds a project name into a DNS-safe subdomain label:
// lowercase letters, digits and single hyphens.
func SubdomainSlug(name string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "app"
	}
	return slug
}

// All lists every model registered with AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&Project{},
		&Deployment{},
		&DeploymentLog{},
	}
}
