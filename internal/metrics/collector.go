// Package metrics provides platform metrics collection for dprod
package metrics

import (
	"context"
	"runtime"
	"time"

	"gorm.io/gorm"

	"dprod/internal/logging"
	"dprod/pkg/models"
)

// PlatformMetricsCollector collects platform metrics from the database
type PlatformMetricsCollector struct {
	db       *gorm.DB
	metrics  *Metrics
	interval time.Duration
	stopCh   chan struct{}
}

// NewPlatformMetricsCollector creates a new platform metrics collector
func NewPlatformMetricsCollector(db *gorm.DB, interval time.Duration) *PlatformMetricsCollector {
	return &PlatformMetricsCollector{
		db:       db,
		metrics:  Get(),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic platform metric collection
func (pmc *PlatformMetricsCollector) Start(ctx context.Context) {
	go func() {
		// Initial collection
		pmc.collectAll()

		ticker := time.NewTicker(pmc.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				pmc.collectAll()
			case <-pmc.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the platform metrics collector
func (pmc *PlatformMetricsCollector) Stop() {
	close(pmc.stopCh)
}

// collectAll collects all platform metrics
func (pmc *PlatformMetricsCollector) collectAll() {
	pmc.collectProjectMetrics()
	pmc.collectDeploymentMetrics()
	pmc.collectSystemMetrics()
	pmc.collectDatabaseMetrics()
}

// collectProjectMetrics collects project-related metrics
func (pmc *PlatformMetricsCollector) collectProjectMetrics() {
	if pmc.db == nil {
		return
	}

	// Total projects
	var totalProjects int64
	if err := pmc.db.Model(&models.Project{}).Count(&totalProjects).Error; err != nil {
		logging.S().Warnw("failed to count total projects", "error", err)
	} else {
		pmc.metrics.UpdateTotalProjects(int(totalProjects))
	}

	// Active projects (deployed in the last hour)
	var activeProjects int64
	oneHourAgo := time.Now().Add(-1 * time.Hour)
	if err := pmc.db.Model(&models.Project{}).Where("updated_at > ?", oneHourAgo).Count(&activeProjects).Error; err != nil {
		logging.S().Warnw("failed to count active projects", "error", err)
	} else {
		pmc.metrics.UpdateActiveProjects(int(activeProjects))
	}
}

// collectDeploymentMetrics collects deployment-related metrics
func (pmc *PlatformMetricsCollector) collectDeploymentMetrics() {
	if pmc.db == nil {
		return
	}

	var totalDeployments int64
	if err := pmc.db.Model(&models.Deployment{}).Count(&totalDeployments).Error; err != nil {
		logging.S().Warnw("failed to count total deployments", "error", err)
	} else {
		pmc.metrics.UpdateTotalDeployments(int(totalDeployments))
	}

	var runningDeployments int64
	if err := pmc.db.Model(&models.Deployment{}).
		Where("status = ?", models.StatusRunning).
		Count(&runningDeployments).Error; err != nil {
		logging.S().Warnw("failed to count running deployments", "error", err)
	} else {
		pmc.metrics.UpdateRunningDeployments(int(runningDeployments))
	}
}

// collectSystemMetrics collects system-level metrics
func (pmc *PlatformMetricsCollector) collectSystemMetrics() {
	// Goroutine count
	pmc.metrics.GoroutineNum.Set(float64(runtime.NumGoroutine()))
}

// collectDatabaseMetrics collects database connection metrics
func (pmc *PlatformMetricsCollector) collectDatabaseMetrics() {
	if pmc.db == nil {
		return
	}

	sqlDB, err := pmc.db.DB()
	if err != nil {
		logging.S().Warnw("failed to get database stats", "error", err)
		return
	}

	stats := sqlDB.Stats()
	pmc.metrics.DBConnectionsActive.Set(float64(stats.InUse))
	pmc.metrics.DBConnectionsIdle.Set(float64(stats.Idle))
}
