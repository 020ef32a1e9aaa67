package telemetry

import (
	"context"
	"time"

	"github.com/docker/docker/api/types"

	"dprod/internal/logging"
	"dprod/internal/runtime"
)

// PlatformSource extends the sampling surface with a platform-wide
// container listing. *runtime.Client satisfies it.
type PlatformSource interface {
	ContainerSource
	ListPlatformContainers(ctx context.Context) ([]types.Container, error)
}

// Poller periodically samples every running platform container so the
// container gauges stay current between on-demand reads.
type Poller struct {
	monitor  *Monitor
	source   PlatformSource
	interval time.Duration
	timeout  time.Duration
}

// NewPoller wires a poller over the monitor's sampling path. statsTimeout
// bounds each per-container snapshot.
func NewPoller(monitor *Monitor, source PlatformSource, interval, statsTimeout time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	if statsTimeout <= 0 {
		statsTimeout = 5 * time.Second
	}
	return &Poller{
		monitor:  monitor,
		source:   source,
		interval: interval,
		timeout:  statsTimeout,
	}
}

// Run samples until ctx is canceled. Individual container failures are
// logged and skipped; a dead container must not starve the rest.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Poller) sweep(ctx context.Context) {
	containers, err := p.source.ListPlatformContainers(ctx)
	if err != nil {
		logging.S().Warnw("telemetry sweep: container listing failed", "error", err)
		return
	}

	for i := range containers {
		cont := containers[i]
		if cont.State != "running" {
			p.monitor.metrics.ForgetContainer(shortID(cont.ID), projectLabel(cont, ""))
			continue
		}

		cacheKey := ""
		if projectID := cont.Labels[runtime.LabelProjectID]; projectID != "" {
			cacheKey = "telemetry:" + projectID
		}

		sampleCtx, cancel := context.WithTimeout(ctx, p.timeout)
		_, err := p.monitor.sampleContainer(sampleCtx, cont, "", cacheKey)
		cancel()
		if err != nil {
			logging.S().Debugw("telemetry sweep: sample failed",
				"container_id", shortID(cont.ID), "error", err)
		}
	}
}
