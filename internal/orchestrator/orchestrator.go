// DPROD Deployment Orchestrator
// Single-node deployment pipeline: extract the bundle, detect the stack,
// synthesize a Dockerfile, build, run, and publish the URL. Active
// deployments are tracked in memory and re-derived from container labels
// on boot; the queue-backed manager in sqs.go replaces the inline build
// with a job hand-off.

// Package orchestrator drives deployments end to end.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types"

	"dprod/internal/advisor"
	"dprod/internal/archive"
	"dprod/internal/cache"
	"dprod/internal/config"
	"dprod/internal/detect"
	"dprod/internal/errdefs"
	"dprod/internal/logging"
	"dprod/internal/recipe"
	"dprod/internal/runtime"
	"dprod/pkg/models"
)

const waitPollInterval = 500 * time.Millisecond

// ContainerRuntime is the runtime surface the orchestrator drives.
// *runtime.Client satisfies it; tests substitute fakes.
type ContainerRuntime interface {
	BuildImage(ctx context.Context, contextDir, tag string, labels map[string]string) (*runtime.BuildOutput, error)
	RunContainer(ctx context.Context, spec runtime.RunSpec) (string, error)
	WaitRunning(ctx context.Context, containerID string, interval time.Duration) error
	HostPort(ctx context.Context, containerID string, containerPort int) (int, error)
	PortMap(ctx context.Context, containerID string) (map[string]int, error)
	Logs(ctx context.Context, containerID string, tail int) (string, error)
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string, force bool) error
	RemoveImage(ctx context.Context, imageID string) error
	ListPlatformContainers(ctx context.Context) ([]types.Container, error)
}

// DeploymentInfo describes one live deployment held in the active map.
type DeploymentInfo struct {
	ProjectID   string         `json:"project_id"`
	ProjectName string         `json:"project_name"`
	ContainerID string         `json:"container_id"`
	ImageID     string         `json:"image_id"`
	Status      string         `json:"status"`
	URL         string         `json:"url"`
	Ports       map[string]int `json:"ports"`
	CreatedAt   time.Time      `json:"created_at"`
	Config      detect.Config  `json:"config"`
}

// Deployer runs the full pipeline against a local Docker daemon.
type Deployer struct {
	rt     ContainerRuntime
	engine *advisor.AdvisedEngine
	synth  *recipe.Synthesizer
	cfg    *config.Config
	mirror *cache.Records

	mu     sync.Mutex
	active map[string]*DeploymentInfo
}

// NewDeployer wires a local deployer.
func NewDeployer(rt ContainerRuntime, engine *advisor.AdvisedEngine, cfg *config.Config) *Deployer {
	return &Deployer{
		rt:     rt,
		engine: engine,
		synth:  recipe.NewSynthesizer(),
		cfg:    cfg,
		active: make(map[string]*DeploymentInfo),
	}
}

// SetMirror attaches an optional shared cache that mirrors the active
// map for cross-process reads. The mirror is never authoritative.
func (d *Deployer) SetMirror(mirror *cache.Records) {
	d.mirror = mirror
}

// Deploy takes an uploaded bundle through extract, detect, build and run,
// and returns the resulting deployment once the container is reachable.
func (d *Deployer) Deploy(ctx context.Context, project *models.Project, bundle []byte) (*DeploymentInfo, error) {
	logging.S().Infow("starting deployment", "project", project.Name, "project_id", project.ID)

	buildContext, err := os.MkdirTemp("", "dprod-build-*")
	if err != nil {
		return nil, errdefs.Extraction(fmt.Errorf("create build context: %w", err))
	}
	defer os.RemoveAll(buildContext)

	if _, err := archive.ExtractTarGz(bundle, buildContext); err != nil {
		return nil, err
	}

	result, err := d.engine.Detect(ctx, buildContext)
	if err != nil {
		return nil, err
	}
	cfg := result.Config
	logging.S().Infow("project detected",
		"project", project.Name, "tech", cfg.Type, "port", cfg.Port, "ai_verified", result.AIVerified)

	// The synthesized recipe is authoritative in local mode; a bundled
	// Dockerfile is replaced.
	if err := d.synth.Write(buildContext, cfg); err != nil {
		d.engine.VerifyOutcome(ctx, result.DecisionID, false, "dockerfile synthesis failed")
		return nil, err
	}

	labels := containerLabels(project)
	tag := runtime.ContainerName(project.Name) + ":latest"

	buildCtx, cancelBuild := context.WithTimeout(ctx, d.cfg.BuildTimeout)
	defer cancelBuild()
	build, err := d.rt.BuildImage(buildCtx, buildContext, tag, labels)
	if err != nil {
		err = timeoutOr(buildCtx, "image build", err)
		d.engine.VerifyOutcome(ctx, result.DecisionID, false, "image build failed")
		return nil, err
	}

	containerID, err := d.rt.RunContainer(ctx, runtime.RunSpec{
		Image:  tag,
		Name:   runtime.ContainerName(project.Name),
		Port:   cfg.Port,
		Env:    cfg.Environment,
		Labels: labels,
	})
	if err != nil {
		d.engine.VerifyOutcome(ctx, result.DecisionID, false, "container start failed")
		return nil, err
	}

	startCtx, cancelStart := context.WithTimeout(ctx, d.cfg.StartTimeout)
	defer cancelStart()
	if err := d.rt.WaitRunning(startCtx, containerID, waitPollInterval); err != nil {
		d.cleanupFailed(containerID, build.ImageID)
		d.engine.VerifyOutcome(ctx, result.DecisionID, false, "container did not reach running")
		return nil, timeoutOr(startCtx, "container start", err)
	}

	inspectCtx, cancelInspect := context.WithTimeout(ctx, d.cfg.InspectTimeout)
	defer cancelInspect()
	ports, err := d.rt.PortMap(inspectCtx, containerID)
	if err != nil {
		d.cleanupFailed(containerID, build.ImageID)
		return nil, err
	}
	hostPort, err := d.rt.HostPort(inspectCtx, containerID, cfg.Port)
	if err != nil {
		// Fall back to any published port, matching the URL the
		// daemon actually exposes.
		hostPort = firstPort(ports)
		if hostPort == 0 {
			d.cleanupFailed(containerID, build.ImageID)
			return nil, err
		}
	}

	info := &DeploymentInfo{
		ProjectID:   project.ID,
		ProjectName: project.Name,
		ContainerID: containerID,
		ImageID:     build.ImageID,
		Status:      models.StatusRunning,
		URL:         d.cfg.DeployURL(project.Subdomain, hostPort),
		Ports:       ports,
		CreatedAt:   time.Now().UTC(),
		Config:      cfg,
	}

	d.mu.Lock()
	d.active[project.ID] = info
	d.mu.Unlock()
	d.mirror.Put(ctx, project.ID, info)

	d.engine.VerifyOutcome(ctx, result.DecisionID, true, "deployment live")
	logging.S().Infow("deployment live",
		"project", project.Name, "url", info.URL, "container_id", containerID)
	return info, nil
}

// Status refreshes and returns the live state of a project's deployment.
func (d *Deployer) Status(ctx context.Context, projectID string) (*DeploymentInfo, error) {
	info, ok := d.lookup(projectID)
	if !ok {
		return nil, fmt.Errorf("no active deployment for project %s", projectID)
	}

	inspectCtx, cancel := context.WithTimeout(ctx, d.cfg.InspectTimeout)
	defer cancel()
	ports, err := d.rt.PortMap(inspectCtx, info.ContainerID)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	info.Ports = ports
	updated := *info
	d.mu.Unlock()
	return &updated, nil
}

// Logs returns the tail of the deployment's container output.
func (d *Deployer) Logs(ctx context.Context, projectID string, tail int) (string, error) {
	info, ok := d.lookup(projectID)
	if !ok {
		return "", fmt.Errorf("no active deployment for project %s", projectID)
	}
	logsCtx, cancel := context.WithTimeout(ctx, d.cfg.InspectTimeout)
	defer cancel()
	return d.rt.Logs(logsCtx, info.ContainerID, tail)
}

// Stop stops and removes the project's container and forgets it.
func (d *Deployer) Stop(ctx context.Context, projectID string) error {
	info, ok := d.lookup(projectID)
	if !ok {
		return fmt.Errorf("no active deployment for project %s", projectID)
	}

	if err := d.rt.Stop(ctx, info.ContainerID); err != nil {
		return err
	}
	if err := d.rt.Remove(ctx, info.ContainerID, false); err != nil {
		return err
	}

	d.mu.Lock()
	delete(d.active, projectID)
	d.mu.Unlock()
	d.mirror.Forget(ctx, projectID)

	logging.S().Infow("deployment stopped", "project_id", projectID, "container_id", info.ContainerID)
	return nil
}

// RemoveDeployment force-removes the project's container and its image.
func (d *Deployer) RemoveDeployment(ctx context.Context, projectID string) error {
	info, ok := d.lookup(projectID)
	if !ok {
		return fmt.Errorf("no active deployment for project %s", projectID)
	}

	if err := d.rt.Remove(ctx, info.ContainerID, true); err != nil {
		return err
	}
	if info.ImageID != "" {
		if err := d.rt.RemoveImage(ctx, info.ImageID); err != nil {
			logging.S().Warnw("failed to remove image",
				"image_id", info.ImageID, "error", err)
		}
	}

	d.mu.Lock()
	delete(d.active, projectID)
	d.mu.Unlock()
	d.mirror.Forget(ctx, projectID)
	return nil
}

// List returns a snapshot of every active deployment.
func (d *Deployer) List() []DeploymentInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]DeploymentInfo, 0, len(d.active))
	for _, info := range d.active {
		out = append(out, *info)
	}
	return out
}

// Recover rebuilds the active map from labeled containers after a
// restart. Only running containers are adopted.
func (d *Deployer) Recover(ctx context.Context) (int, error) {
	containers, err := d.rt.ListPlatformContainers(ctx)
	if err != nil {
		return 0, err
	}

	recovered := make(map[string]*DeploymentInfo)
	for _, cont := range containers {
		if cont.State != "running" {
			continue
		}
		projectID := cont.Labels[runtime.LabelProjectID]
		if projectID == "" {
			continue
		}
		name := cont.Labels[runtime.LabelProject]

		ports := make(map[string]int)
		for _, p := range cont.Ports {
			if p.PublicPort == 0 {
				continue
			}
			ports[fmt.Sprintf("%d/%s", p.PrivatePort, p.Type)] = int(p.PublicPort)
		}

		url := ""
		if hostPort := firstPort(ports); hostPort != 0 {
			url = d.cfg.DeployURL(models.SubdomainSlug(name), hostPort)
		}

		recovered[projectID] = &DeploymentInfo{
			ProjectID:   projectID,
			ProjectName: name,
			ContainerID: cont.ID,
			ImageID:     cont.ImageID,
			Status:      models.StatusRunning,
			URL:         url,
			Ports:       ports,
			CreatedAt:   time.Unix(cont.Created, 0).UTC(),
		}
	}

	d.mu.Lock()
	for id, info := range recovered {
		d.active[id] = info
	}
	d.mu.Unlock()
	for id, info := range recovered {
		d.mirror.Put(ctx, id, info)
	}

	logging.S().Infow("recovered deployments from container labels", "count", len(recovered))
	return len(recovered), nil
}

func (d *Deployer) lookup(projectID string) (*DeploymentInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.active[projectID]
	return info, ok
}

// cleanupFailed tears down a container that never became healthy. Runs on
// a fresh context since the pipeline context may already be expired.
func (d *Deployer) cleanupFailed(containerID, imageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.rt.Remove(ctx, containerID, true); err != nil {
		logging.S().Warnw("failed to remove dead container",
			"container_id", containerID, "error", err)
	}
	if imageID != "" {
		if err := d.rt.RemoveImage(ctx, imageID); err != nil {
			logging.S().Warnw("failed to remove image of dead container",
				"image_id", imageID, "error", err)
		}
	}
}

func containerLabels(project *models.Project) map[string]string {
	return map[string]string{
		runtime.LabelPlatform:  "true",
		runtime.LabelProject:   project.Name,
		runtime.LabelProjectID: project.ID,
	}
}

func firstPort(ports map[string]int) int {
	for _, p := range ports {
		return p
	}
	return 0
}

// timeoutOr reclassifies a step failure as a timeout when its deadline
// expired; other errors pass through with their original taxonomy.
func timeoutOr(ctx context.Context, step string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errdefs.Timeout(step, err)
	}
	return err
}
