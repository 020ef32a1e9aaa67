// DPROD Job Handler
// Runs one deployment job end to end: materialize the build context,
// resolve the Dockerfile, build, run, publish the URL. Failures are
// classified; transient ones redeliver, everything else lands in a
// terminal failed row with its reason.

package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/gorm"

	"dprod/internal/advisor"
	"dprod/internal/archive"
	"dprod/internal/config"
	"dprod/internal/detect"
	"dprod/internal/errdefs"
	"dprod/internal/job"
	"dprod/internal/logging"
	"dprod/internal/metrics"
	"dprod/internal/recipe"
	"dprod/internal/runtime"
	"dprod/internal/status"
	"dprod/pkg/models"
)

const waitPollInterval = 500 * time.Millisecond

// ContainerRuntime is the runtime slice the handler drives. *runtime.Client
// satisfies it; tests substitute fakes.
type ContainerRuntime interface {
	BuildImage(ctx context.Context, contextDir, tag string, labels map[string]string) (*runtime.BuildOutput, error)
	RunContainer(ctx context.Context, spec runtime.RunSpec) (string, error)
	WaitRunning(ctx context.Context, containerID string, interval time.Duration) error
	HostPort(ctx context.Context, containerID string, containerPort int) (int, error)
	Remove(ctx context.Context, containerID string, force bool) error
}

// Handler executes deployment jobs.
type Handler struct {
	rt       ContainerRuntime
	store    *status.Store
	engine   *advisor.AdvisedEngine
	detector *detect.Engine
	synth    *recipe.Synthesizer
	cfg      *config.Config
	metrics  *metrics.Metrics
}

// NewHandler wires a job handler.
func NewHandler(rt ContainerRuntime, store *status.Store, engine *advisor.AdvisedEngine, cfg *config.Config) *Handler {
	return &Handler{
		rt:       rt,
		store:    store,
		engine:   engine,
		detector: detect.NewEngine(),
		synth:    recipe.NewSynthesizer(),
		cfg:      cfg,
		metrics:  metrics.Get(),
	}
}

// Handle decodes and executes one job, reporting back how the message
// should be disposed of. Undecodable messages and jobs for unknown or
// already settled deployments are dropped; transient failures redeliver.
func (h *Handler) Handle(ctx context.Context, body []byte) Disposition {
	msg, err := job.Decode(body)
	if err != nil {
		logging.S().Warnw("dropping undecodable job message", "error", err)
		metrics.RecordJobDrop("invalid_message")
		return Ack
	}

	dep, err := h.store.Get(ctx, msg.DeploymentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// The row was rolled back after its send failed, or removed
			// by hand. Nothing to deploy against.
			logging.S().Warnw("dropping job for unknown deployment",
				"deployment_id", msg.DeploymentID)
			metrics.RecordJobDrop("unknown_deployment")
			return Ack
		}
		logging.S().Warnw("cannot load deployment, leaving job for redelivery",
			"deployment_id", msg.DeploymentID, "error", err)
		metrics.RecordJobRedelivery("status_load_failed")
		return Redeliver
	}
	if dep.IsTerminal() {
		logging.S().Infow("duplicate delivery of settled deployment",
			"deployment_id", msg.DeploymentID, "status", dep.Status)
		metrics.RecordJobDrop("duplicate_delivery")
		return Ack
	}

	start := time.Now()
	if err := h.execute(ctx, msg); err != nil {
		return h.settleFailure(ctx, msg, err)
	}

	h.engine.VerifyOutcome(ctx, msg.DecisionID, true, "deployment running")
	h.metrics.RecordDeployment(string(msg.Config.Type), "succeeded", time.Since(start))
	metrics.RecordJobFinalization(models.StatusRunning, "")
	return Ack
}

// execute drives the pipeline. Status transitions and build logs are
// persisted along the way so clients can follow progress live.
func (h *Handler) execute(ctx context.Context, msg *job.Message) error {
	if err := h.store.MarkBuilding(ctx, msg.DeploymentID); err != nil {
		return err
	}
	h.log(ctx, msg.DeploymentID, fmt.Sprintf("Build started on worker %s", h.cfg.WorkerID))
	if msg.AIVerified {
		h.log(ctx, msg.DeploymentID, "Using AI-verified build configuration")
	}

	buildDir, err := os.MkdirTemp("", fmt.Sprintf("dprod-%s-", msg.DeploymentID))
	if err != nil {
		return errdefs.Extraction(fmt.Errorf("create build context: %w", err))
	}
	defer os.RemoveAll(buildDir)

	if _, err := archive.WriteFileMap(msg.ProjectFiles, buildDir); err != nil {
		return err
	}
	if err := h.materializeDockerfile(buildDir, msg); err != nil {
		return err
	}

	h.log(ctx, msg.DeploymentID, "Building Docker image...")
	labels := map[string]string{
		runtime.LabelPlatform:  "true",
		runtime.LabelProject:   msg.ProjectName,
		runtime.LabelProjectID: msg.ProjectID,
	}
	tag := runtime.BuildTag(msg.DeploymentID)

	buildCtx, cancelBuild := context.WithTimeout(ctx, h.cfg.BuildTimeout)
	defer cancelBuild()
	build, err := h.rt.BuildImage(buildCtx, buildDir, tag, labels)
	if err != nil {
		return timeoutOr(buildCtx, "image build", err)
	}

	if err := h.store.MarkDeploying(ctx, msg.DeploymentID, build.ImageID); err != nil {
		return err
	}
	h.log(ctx, msg.DeploymentID, "Image built successfully: "+shortID(build.ImageID))

	h.log(ctx, msg.DeploymentID, "Starting container...")
	name := "dprod-" + msg.DeploymentID
	// A previous delivery of this job may have left a container behind;
	// clear the name before reusing it.
	_ = h.rt.Remove(ctx, name, true)

	containerID, err := h.rt.RunContainer(ctx, runtime.RunSpec{
		Image:  build.ImageID,
		Name:   name,
		Port:   msg.Port(),
		Env:    msg.Environment,
		Labels: labels,
	})
	if err != nil {
		return err
	}

	startCtx, cancelStart := context.WithTimeout(ctx, h.cfg.StartTimeout)
	defer cancelStart()
	if err := h.rt.WaitRunning(startCtx, containerID, waitPollInterval); err != nil {
		_ = h.rt.Remove(context.WithoutCancel(ctx), containerID, true)
		return timeoutOr(startCtx, "container start", err)
	}

	inspectCtx, cancelInspect := context.WithTimeout(ctx, h.cfg.InspectTimeout)
	defer cancelInspect()
	url := ""
	if hostPort, perr := h.rt.HostPort(inspectCtx, containerID, msg.Port()); perr == nil {
		url = h.deployURL(msg, hostPort)
	} else {
		logging.S().Warnw("no published host port, deployment has no URL",
			"deployment_id", msg.DeploymentID, "error", perr)
	}

	if err := h.store.MarkRunning(ctx, msg.DeploymentID, containerID, url); err != nil {
		return err
	}
	h.log(ctx, msg.DeploymentID, "Deployment successful! Container: "+shortID(containerID))
	if url != "" {
		h.log(ctx, msg.DeploymentID, "Application available at: "+url)
	}

	logging.S().Infow("deployment completed",
		"deployment_id", msg.DeploymentID, "container_id", containerID, "url", url)
	return nil
}

// settleFailure turns a pipeline error into a verdict. Transient failures
// leave the message for redelivery; everything else is recorded as a
// terminal failure and acked.
func (h *Handler) settleFailure(ctx context.Context, msg *job.Message, err error) Disposition {
	if errdefs.IsRetryable(err) {
		logging.S().Warnw("transient failure, leaving job for redelivery",
			"deployment_id", msg.DeploymentID, "error", err)
		metrics.RecordJobRedelivery(string(errdefs.KindOf(err)))
		return Redeliver
	}

	reason := failureReason(err)
	if serr := h.store.MarkFailed(ctx, msg.DeploymentID, reason); serr != nil {
		// The failure cannot be recorded; redeliver rather than lose it.
		logging.S().Errorw("failed to persist terminal failure",
			"deployment_id", msg.DeploymentID, "reason", reason, "error", serr)
		metrics.RecordJobRedelivery("failure_write_failed")
		return Redeliver
	}

	h.log(ctx, msg.DeploymentID, "Deployment failed: "+reason)
	for _, line := range errdefs.Tail(err) {
		h.log(ctx, msg.DeploymentID, line)
	}

	h.engine.VerifyOutcome(ctx, msg.DecisionID, false, reason)
	h.metrics.RecordDeployment(string(msg.Config.Type), "failed", 0)
	metrics.RecordJobFinalization(models.StatusFailed, string(errdefs.KindOf(err)))

	logging.S().Errorw("deployment failed",
		"deployment_id", msg.DeploymentID, "reason", reason)
	return Ack
}

// materializeDockerfile decides the build recipe. A Dockerfile carried by
// the job wins; otherwise one is synthesized from the job config,
// re-detecting on the extracted tree when the job carries none.
func (h *Handler) materializeDockerfile(dir string, msg *job.Message) error {
	if msg.DockerfileContent != "" {
		path := filepath.Join(dir, recipe.DockerfileName)
		if err := os.WriteFile(path, []byte(msg.DockerfileContent), 0o644); err != nil {
			return errdefs.Extraction(fmt.Errorf("write dockerfile: %w", err))
		}
		return nil
	}

	cfg := msg.Config
	if cfg.Type == "" || cfg.Type == detect.TechUnknown {
		detected, err := h.detector.Detect(dir)
		if err != nil {
			return err
		}
		cfg = detected
		msg.Config = detected
	}
	return h.synth.Write(dir, cfg)
}

// deployURL composes the public URL of a running deployment. In dev mode
// a worker_public_ip carried by the job wins over this worker's own
// environment; the fleet orchestrator knows which host it targeted.
func (h *Handler) deployURL(msg *job.Message, hostPort int) string {
	if !h.cfg.IsProd() && msg.WorkerPublicIP != "" {
		return fmt.Sprintf("http://%s:%d", msg.WorkerPublicIP, hostPort)
	}
	return h.cfg.DeployURL(models.SubdomainSlug(msg.ProjectName), hostPort)
}

func (h *Handler) log(ctx context.Context, deploymentID, message string) {
	if err := h.store.AppendLog(ctx, deploymentID, message); err != nil {
		logging.S().Warnw("failed to append build log",
			"deployment_id", deploymentID, "error", err)
	}
}

func failureReason(err error) string {
	var e *errdefs.Error
	if errors.As(err, &e) {
		return e.Reason()
	}
	return err.Error()
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// timeoutOr reclassifies a step failure as a timeout when its deadline
// expired; other errors keep their original taxonomy.
func timeoutOr(ctx context.Context, step string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errdefs.Timeout(step, err)
	}
	return err
}
