// DPROD Container Telemetry
// One-shot resource sampling for deployed containers. A sample decodes a
// raw Docker stats snapshot into utilization percentages, classifies each
// dimension against fixed watermarks, and derives optimization hints plus
// an hourly cost estimate from the memory limit.

// Package telemetry derives utilization reports from Docker stats snapshots.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/docker/docker/api/types"

	"dprod/internal/errdefs"
	"dprod/internal/logging"
	"dprod/internal/metrics"
	"dprod/internal/runtime"
)

// Utilization watermarks. Below the low mark a dimension is oversized,
// above the high mark it is saturated.
const (
	cpuLowWatermark  = 10.0
	cpuHighWatermark = 80.0
	memLowWatermark  = 30.0
	memHighWatermark = 85.0

	// Network transfer above this many MB triggers the CDN hint.
	highNetworkMB = 100.0

	// Fraction of the hourly cost reclaimable by right-sizing an
	// underutilized memory limit.
	savingsFraction = 0.3

	// DefaultUnitPricePerGBHour prices one GB of reserved memory for one
	// hour when no rate is configured.
	DefaultUnitPricePerGBHour = 0.01

	snapshotTTL = 15 * time.Second

	bytesPerMB = 1024 * 1024
)

// Band classifies a utilization dimension against its watermarks.
type Band string

const (
	BandLow     Band = "low"
	BandOptimal Band = "optimal"
	BandHigh    Band = "high"
)

// Stats mirrors the subset of the Docker stats payload the sampler reads.
// The daemon embeds the previous reading under precpu_stats, so a single
// snapshot carries both samples of the CPU delta.
type Stats struct {
	Read        time.Time               `json:"read"`
	PidsStats   PidsStats               `json:"pids_stats"`
	CPUStats    CPUStats                `json:"cpu_stats"`
	PreCPUStats CPUStats                `json:"precpu_stats"`
	MemoryStats MemoryStats             `json:"memory_stats"`
	Networks    map[string]NetworkStats `json:"networks"`
	BlkioStats  BlkioStats              `json:"blkio_stats"`
}

// CPUStats carries one CPU reading.
type CPUStats struct {
	CPUUsage       CPUUsage `json:"cpu_usage"`
	SystemCPUUsage uint64   `json:"system_cpu_usage"`
	OnlineCPUs     uint32   `json:"online_cpus"`
}

// CPUUsage carries cumulative CPU time counters.
type CPUUsage struct {
	TotalUsage  uint64   `json:"total_usage"`
	PercpuUsage []uint64 `json:"percpu_usage"`
}

// MemoryStats carries current memory usage against the configured limit.
type MemoryStats struct {
	Usage uint64 `json:"usage"`
	Limit uint64 `json:"limit"`
}

// NetworkStats carries per-interface transfer counters.
type NetworkStats struct {
	RxBytes uint64 `json:"rx_bytes"`
	TxBytes uint64 `json:"tx_bytes"`
}

// BlkioStats carries block device transfer counters.
type BlkioStats struct {
	IoServiceBytesRecursive []BlkioEntry `json:"io_service_bytes_recursive"`
}

// BlkioEntry is a single block I/O counter tagged with its operation.
type BlkioEntry struct {
	Op    string `json:"op"`
	Value uint64 `json:"value"`
}

// PidsStats carries the container process count.
type PidsStats struct {
	Current uint64 `json:"current"`
}

// Decode parses a raw stats snapshot as returned by the Docker daemon.
func Decode(raw []byte) (*Stats, error) {
	var s Stats
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, errdefs.Runtime(fmt.Errorf("decode stats: %w", err))
	}
	return &s, nil
}

// CPUPercent derives CPU utilization from the snapshot's two readings,
// scaled by the number of online CPUs.
func (s *Stats) CPUPercent() float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemCPUUsage) - float64(s.PreCPUStats.SystemCPUUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}
	cpus := float64(s.CPUStats.OnlineCPUs)
	if cpus == 0 {
		// cgroup v1 daemons omit online_cpus
		cpus = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / systemDelta * cpus * 100.0
}

// MemoryPercent derives memory utilization against the container limit.
func (s *Stats) MemoryPercent() float64 {
	if s.MemoryStats.Limit == 0 {
		return 0
	}
	return float64(s.MemoryStats.Usage) / float64(s.MemoryStats.Limit) * 100.0
}

// NetworkBytes sums transfer counters across all interfaces.
func (s *Stats) NetworkBytes() (rx, tx uint64) {
	for _, net := range s.Networks {
		rx += net.RxBytes
		tx += net.TxBytes
	}
	return rx, tx
}

// BlkioBytes sums block I/O counters by operation.
func (s *Stats) BlkioBytes() (read, write uint64) {
	for _, entry := range s.BlkioStats.IoServiceBytesRecursive {
		switch {
		case strings.EqualFold(entry.Op, "read"):
			read += entry.Value
		case strings.EqualFold(entry.Op, "write"):
			write += entry.Value
		}
	}
	return read, write
}

// ClassifyCPU places a CPU percentage into its utilization band.
func ClassifyCPU(percent float64) Band {
	switch {
	case percent > cpuHighWatermark:
		return BandHigh
	case percent < cpuLowWatermark:
		return BandLow
	default:
		return BandOptimal
	}
}

// ClassifyMemory places a memory percentage into its utilization band.
func ClassifyMemory(percent float64) Band {
	switch {
	case percent > memHighWatermark:
		return BandHigh
	case percent < memLowWatermark:
		return BandLow
	default:
		return BandOptimal
	}
}

// Report is one derived utilization sample for a running container.
type Report struct {
	ContainerID   string    `json:"container_id"`
	ContainerName string    `json:"container_name"`
	Project       string    `json:"project"`
	SampledAt     time.Time `json:"sampled_at"`

	CPU     CPUReport     `json:"cpu"`
	Memory  MemoryReport  `json:"memory"`
	Network NetworkReport `json:"network"`
	DiskIO  DiskIOReport  `json:"disk_io"`

	Hints []string   `json:"suggestions"`
	Cost  CostReport `json:"cost_optimization"`
}

// CPUReport carries the derived CPU dimension.
type CPUReport struct {
	UsagePercent float64 `json:"usage_percent"`
	OnlineCPUs   int     `json:"cpu_count"`
	Band         Band    `json:"status"`
}

// MemoryReport carries the derived memory dimension.
type MemoryReport struct {
	UsageMB      float64 `json:"usage_mb"`
	LimitMB      float64 `json:"limit_mb"`
	UsagePercent float64 `json:"usage_percent"`
	Band         Band    `json:"status"`
}

// NetworkReport carries summed interface transfer totals.
type NetworkReport struct {
	RxMB    float64 `json:"rx_mb"`
	TxMB    float64 `json:"tx_mb"`
	TotalMB float64 `json:"total_mb"`
}

// DiskIOReport carries summed block transfer totals.
type DiskIOReport struct {
	ReadMB  float64 `json:"read_mb"`
	WriteMB float64 `json:"write_mb"`
}

// CostReport estimates what the container's memory reservation costs.
// PotentialSavingsUSD is non-zero only when memory sits in the low band.
type CostReport struct {
	HourlyUSD           float64 `json:"hourly_usd"`
	PotentialSavingsUSD float64 `json:"potential_savings_usd"`
}

// Compose derives a full report from a decoded snapshot.
func Compose(s *Stats, unitPricePerGBHour float64) *Report {
	if unitPricePerGBHour <= 0 {
		unitPricePerGBHour = DefaultUnitPricePerGBHour
	}

	cpuPct := s.CPUPercent()
	memPct := s.MemoryPercent()
	usageMB := float64(s.MemoryStats.Usage) / bytesPerMB
	limitMB := float64(s.MemoryStats.Limit) / bytesPerMB

	rx, tx := s.NetworkBytes()
	rxMB := float64(rx) / bytesPerMB
	txMB := float64(tx) / bytesPerMB

	read, write := s.BlkioBytes()

	sampledAt := s.Read
	if sampledAt.IsZero() {
		sampledAt = time.Now().UTC()
	}

	r := &Report{
		SampledAt: sampledAt,
		CPU: CPUReport{
			UsagePercent: round2(cpuPct),
			OnlineCPUs:   int(s.CPUStats.OnlineCPUs),
			Band:         ClassifyCPU(cpuPct),
		},
		Memory: MemoryReport{
			UsageMB:      round2(usageMB),
			LimitMB:      round2(limitMB),
			UsagePercent: round2(memPct),
			Band:         ClassifyMemory(memPct),
		},
		Network: NetworkReport{
			RxMB:    round2(rxMB),
			TxMB:    round2(txMB),
			TotalMB: round2(rxMB + txMB),
		},
		DiskIO: DiskIOReport{
			ReadMB:  round2(float64(read) / bytesPerMB),
			WriteMB: round2(float64(write) / bytesPerMB),
		},
	}
	r.Hints = hints(cpuPct, memPct, limitMB, rxMB+txMB)

	hourly := limitMB / 1024 * unitPricePerGBHour
	r.Cost.HourlyUSD = round4(hourly)
	if r.Memory.Band == BandLow {
		r.Cost.PotentialSavingsUSD = round4(hourly * savingsFraction)
	}
	return r
}

func hints(cpuPct, memPct, memLimitMB, netTotalMB float64) []string {
	var out []string

	switch {
	case cpuPct < cpuLowWatermark:
		out = append(out, fmt.Sprintf("Low CPU usage (%.1f%%) - Consider reducing CPU allocation to save costs", cpuPct))
	case cpuPct > cpuHighWatermark:
		out = append(out, fmt.Sprintf("High CPU usage (%.1f%%) - Consider increasing CPU allocation for better performance", cpuPct))
	default:
		out = append(out, fmt.Sprintf("CPU usage is optimal (%.1f%%)", cpuPct))
	}

	switch {
	case memPct < memLowWatermark:
		out = append(out, fmt.Sprintf("Low memory usage (%.1f%%) - Consider reducing memory limit from %.0fMB", memPct, memLimitMB))
	case memPct > memHighWatermark:
		out = append(out, fmt.Sprintf("High memory usage (%.1f%%) - Consider increasing memory limit to prevent OOM", memPct))
	default:
		out = append(out, fmt.Sprintf("Memory usage is optimal (%.1f%%)", memPct))
	}

	if netTotalMB > highNetworkMB {
		out = append(out, fmt.Sprintf("High network activity (%.1fMB transferred) - Consider CDN for static assets", netTotalMB))
	}
	return out
}

// ContainerSource is the runtime surface the monitor samples through.
type ContainerSource interface {
	FindByProject(ctx context.Context, projectID string) ([]types.Container, error)
	FindByName(ctx context.Context, projectName string) ([]types.Container, error)
	RawStats(ctx context.Context, containerID string) ([]byte, error)
}

// SnapshotCache memoizes serialized reports between repeated reads.
type SnapshotCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// Monitor samples running containers and publishes their utilization to
// the container gauges.
type Monitor struct {
	source    ContainerSource
	cache     SnapshotCache
	unitPrice float64
	metrics   *metrics.Metrics
}

// NewMonitor wires a monitor over a container source. cache may be nil to
// disable snapshot memoization.
func NewMonitor(source ContainerSource, cache SnapshotCache, unitPricePerGBHour float64) *Monitor {
	if unitPricePerGBHour <= 0 {
		unitPricePerGBHour = DefaultUnitPricePerGBHour
	}
	return &Monitor{
		source:    source,
		cache:     cache,
		unitPrice: unitPricePerGBHour,
		metrics:   metrics.Get(),
	}
}

// Sample locates the project's running container, takes one stats
// snapshot, and derives its utilization report. Lookup prefers the
// project ID label and falls back to the project name label.
func (m *Monitor) Sample(ctx context.Context, projectID, projectName string) (*Report, error) {
	cacheKey := "telemetry:" + projectID
	if m.cache != nil {
		if raw, ok := m.cache.Get(ctx, cacheKey); ok {
			var cached Report
			if err := json.Unmarshal(raw, &cached); err == nil {
				return &cached, nil
			}
		}
	}

	cont, err := m.findRunning(ctx, projectID, projectName)
	if err != nil {
		return nil, err
	}
	return m.sampleContainer(ctx, cont, projectName, cacheKey)
}

// sampleContainer takes one snapshot of a known container, records the
// gauges and memoizes the report.
func (m *Monitor) sampleContainer(ctx context.Context, cont types.Container, projectName, cacheKey string) (*Report, error) {
	raw, err := m.source.RawStats(ctx, cont.ID)
	if err != nil {
		return nil, err
	}
	stats, err := Decode(raw)
	if err != nil {
		return nil, err
	}

	report := Compose(stats, m.unitPrice)
	report.ContainerID = shortID(cont.ID)
	report.ContainerName = containerName(cont)
	report.Project = projectLabel(cont, projectName)

	m.metrics.RecordContainerUsage(report.ContainerID, report.Project,
		report.CPU.UsagePercent, int64(stats.MemoryStats.Usage))

	if m.cache != nil && cacheKey != "" {
		if raw, err := json.Marshal(report); err == nil {
			m.cache.Set(ctx, cacheKey, raw, snapshotTTL)
		}
	}

	logging.S().Debugw("container sampled",
		"project", report.Project,
		"container_id", report.ContainerID,
		"cpu_percent", report.CPU.UsagePercent,
		"memory_percent", report.Memory.UsagePercent,
	)
	return report, nil
}

func (m *Monitor) findRunning(ctx context.Context, projectID, projectName string) (types.Container, error) {
	containers, err := m.source.FindByProject(ctx, projectID)
	if err != nil {
		return types.Container{}, err
	}
	if running := firstRunning(containers); running != nil {
		return *running, nil
	}

	if projectName != "" {
		containers, err = m.source.FindByName(ctx, projectName)
		if err != nil {
			return types.Container{}, err
		}
		if running := firstRunning(containers); running != nil {
			return *running, nil
		}
	}
	return types.Container{}, errdefs.Runtime(
		errors.New("no running container for project " + projectID))
}

func firstRunning(containers []types.Container) *types.Container {
	for i := range containers {
		if containers[i].State == "running" {
			return &containers[i]
		}
	}
	return nil
}

func containerName(cont types.Container) string {
	if len(cont.Names) == 0 {
		return ""
	}
	return strings.TrimPrefix(cont.Names[0], "/")
}

func projectLabel(cont types.Container, fallback string) string {
	if name := cont.Labels[runtime.LabelProject]; name != "" {
		return name
	}
	return fallback
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
