// DPROD Container Runtime
// Docker Engine wrapper for image builds and container lifecycle. Every
// deployed workload runs as a labeled container with fixed resource
// limits and a dynamically assigned host port.

// Package runtime wraps the Docker Engine API for DPROD deployments.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"dprod/internal/errdefs"
	"dprod/internal/logging"
)

// Labels stamped onto every image and container so deployments can be
// recovered and listed by filter.
const (
	LabelPlatform  = "dprod"
	LabelProject   = "project"
	LabelProjectID = "project_id"
)

// Per-container resource limits: 512MB memory and half a CPU core.
const (
	memoryLimitBytes = 512 * 1024 * 1024
	cpuPeriod        = 100000
	cpuQuota         = 50000
)

// buildTailLines is how many trailing build-output lines are attached to a
// failed build for diagnosis.
const buildTailLines = 64

const defaultStopSeconds = 10

// Client is a thin wrapper around the Docker SDK client scoped to DPROD
// operations.
type Client struct {
	docker  *client.Client
	network string
}

// New connects to the Docker daemon. socket overrides the environment
// default (DOCKER_HOST et al.); network, when set, attaches every deployed
// container to the named Docker network.
func New(socket, network string) (*Client, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if socket != "" {
		opts = append(opts, client.WithHost(socket))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errdefs.Runtime(fmt.Errorf("docker client init: %w", err))
	}
	return &Client{docker: cli, network: network}, nil
}

// Ping verifies daemon connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.docker.Ping(ctx); err != nil {
		return errdefs.Runtime(fmt.Errorf("docker ping: %w", err))
	}
	return nil
}

// Close releases the underlying SDK client.
func (c *Client) Close() error {
	return c.docker.Close()
}

// BuildTag returns the image tag for a deployment.
func BuildTag(deploymentID string) string {
	return fmt.Sprintf("dprod-%s:latest", deploymentID)
}

// ContainerName returns a unique container name for a project. The random
// suffix lets a project redeploy while its previous container still exists.
func ContainerName(projectName string) string {
	return fmt.Sprintf("dprod-%s-%s", slugify(projectName), uuid.New().String()[:8])
}

// BuildOutput is the result of a successful image build.
type BuildOutput struct {
	ImageID string
	Tag     string
	Output  string
}

// buildResult mirrors the aux record the daemon emits once an image build
// commits.
type buildResult struct {
	ID string `json:"ID"`
}

// BuildImage tars contextDir, streams it to the daemon and returns the
// built image ID. On failure the trailing build output is attached to the
// returned error.
func (c *Client) BuildImage(ctx context.Context, contextDir, tag string, labels map[string]string) (*BuildOutput, error) {
	buildCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return nil, errdefs.Build(fmt.Errorf("create build context: %w", err), nil)
	}
	defer buildCtx.Close()

	logging.S().Infow("building image", "tag", tag)

	resp, err := c.docker.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
		Labels:      labels,
	})
	if err != nil {
		return nil, errdefs.Build(fmt.Errorf("image build request: %w", err), nil)
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	var imageID string
	auxCallback := func(msg jsonmessage.JSONMessage) {
		if msg.Aux == nil {
			return
		}
		var result buildResult
		if err := json.Unmarshal(*msg.Aux, &result); err != nil {
			logging.S().Debugw("unparseable build aux record", "error", err)
			return
		}
		imageID = result.ID
	}

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, &out, 0, false, auxCallback); err != nil {
		tail := errdefs.TailLines(out.String(), buildTailLines)
		var jm *jsonmessage.JSONError
		if errors.As(err, &jm) {
			return nil, errdefs.Build(fmt.Errorf("image build failed: %w", err), tail)
		}
		return nil, errdefs.Build(fmt.Errorf("stream build output: %w", err), tail)
	}

	if imageID == "" {
		// Some daemons omit the aux record; resolve the ID by tag instead.
		inspect, _, ierr := c.docker.ImageInspectWithRaw(ctx, tag)
		if ierr != nil {
			return nil, errdefs.Build(fmt.Errorf("resolve built image %s: %w", tag, ierr),
				errdefs.TailLines(out.String(), buildTailLines))
		}
		imageID = inspect.ID
	}

	logging.S().Infow("image built", "tag", tag, "image_id", imageID)
	return &BuildOutput{ImageID: imageID, Tag: tag, Output: out.String()}, nil
}

// RunSpec describes a container to start.
type RunSpec struct {
	Image  string
	Name   string
	Port   int
	Env    map[string]string
	Labels map[string]string
}

// RunContainer creates and starts a container with the platform resource
// limits, an unless-stopped restart policy and a random host port bound to
// spec.Port. Returns the container ID.
func (c *Client) RunContainer(ctx context.Context, spec RunSpec) (string, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(spec.Port))
	if err != nil {
		return "", errdefs.Runtime(fmt.Errorf("invalid container port %d: %w", spec.Port, err))
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          flattenEnv(spec.Env),
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels:       spec.Labels,
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			// An empty host port asks the daemon for a free ephemeral port.
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUPeriod: cpuPeriod,
			CPUQuota:  cpuQuota,
		},
	}
	if c.network != "" {
		hostCfg.NetworkMode = container.NetworkMode(c.network)
	}

	created, err := c.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", errdefs.Runtime(fmt.Errorf("container create: %w", err))
	}

	if err := c.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Remove the half-created container so a retry does not collide on
		// the name.
		_ = c.docker.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return "", errdefs.Runtime(fmt.Errorf("container start: %w", err))
	}

	logging.S().Infow("container started", "name", spec.Name, "container_id", created.ID)
	return created.ID, nil
}

// Inspect returns the daemon's view of a container.
func (c *Client) Inspect(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	insp, err := c.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return types.ContainerJSON{}, errdefs.Runtime(fmt.Errorf("container inspect: %w", err))
	}
	return insp, nil
}

// State returns the container's status string and whether it is running.
func (c *Client) State(ctx context.Context, containerID string) (string, bool, error) {
	insp, err := c.Inspect(ctx, containerID)
	if err != nil {
		return "", false, err
	}
	if insp.State == nil {
		return "", false, nil
	}
	return insp.State.Status, insp.State.Running, nil
}

// WaitRunning polls until the container reports running. A container that
// exits first fails immediately; ctx bounds the overall wait.
func (c *Client) WaitRunning(ctx context.Context, containerID string, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, running, err := c.State(ctx, containerID)
		if err != nil {
			return err
		}
		if running {
			return nil
		}
		if status == "exited" || status == "dead" {
			return errdefs.Runtime(fmt.Errorf("container %s %s before becoming ready", containerID, status))
		}

		select {
		case <-ctx.Done():
			return errdefs.Timeout("container start", ctx.Err())
		case <-ticker.C:
		}
	}
}

// HostPort resolves the ephemeral host port bound to containerPort.
func (c *Client) HostPort(ctx context.Context, containerID string, containerPort int) (int, error) {
	insp, err := c.Inspect(ctx, containerID)
	if err != nil {
		return 0, err
	}
	if insp.NetworkSettings == nil {
		return 0, errdefs.Runtime(fmt.Errorf("container %s has no network settings", containerID))
	}

	port := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
	bindings := insp.NetworkSettings.Ports[port]
	if len(bindings) == 0 {
		return 0, errdefs.Runtime(fmt.Errorf("no host port bound for %s on container %s", port, containerID))
	}

	hostPort, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0, errdefs.Runtime(fmt.Errorf("invalid host port %q: %w", bindings[0].HostPort, err))
	}
	return hostPort, nil
}

// PortMap returns the published host port for every exposed container
// port, keyed by the container port spec ("3000/tcp").
func (c *Client) PortMap(ctx context.Context, containerID string) (map[string]int, error) {
	insp, err := c.Inspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	out := map[string]int{}
	if insp.NetworkSettings == nil {
		return out, nil
	}
	for port, bindings := range insp.NetworkSettings.Ports {
		if len(bindings) == 0 {
			continue
		}
		if hostPort, err := strconv.Atoi(bindings[0].HostPort); err == nil {
			out[string(port)] = hostPort
		}
	}
	return out, nil
}

// Logs returns the last tail lines of combined stdout/stderr output with
// timestamps. tail <= 0 returns everything.
func (c *Client) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	tailOpt := "all"
	if tail > 0 {
		tailOpt = strconv.Itoa(tail)
	}

	rc, err := c.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       tailOpt,
	})
	if err != nil {
		return "", errdefs.Runtime(fmt.Errorf("container logs: %w", err))
	}
	defer rc.Close()

	// Deployed containers never allocate a TTY, so the stream is always
	// multiplexed.
	var combined bytes.Buffer
	if _, err := stdcopy.StdCopy(&combined, &combined, rc); err != nil {
		return combined.String(), errdefs.Runtime(fmt.Errorf("demux container logs: %w", err))
	}
	return combined.String(), nil
}

// Stop gracefully stops a container, killing it after the default grace
// period.
func (c *Client) Stop(ctx context.Context, containerID string) error {
	timeout := defaultStopSeconds
	if err := c.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return errdefs.Runtime(fmt.Errorf("container stop: %w", err))
	}
	logging.S().Infow("container stopped", "container_id", containerID)
	return nil
}

// Remove deletes a container.
func (c *Client) Remove(ctx context.Context, containerID string, force bool) error {
	if err := c.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force}); err != nil {
		return errdefs.Runtime(fmt.Errorf("container remove: %w", err))
	}
	return nil
}

// RemoveImage deletes a built image and its dangling parents.
func (c *Client) RemoveImage(ctx context.Context, imageID string) error {
	_, err := c.docker.ImageRemove(ctx, imageID, image.RemoveOptions{Force: true, PruneChildren: true})
	if err != nil {
		return errdefs.Runtime(fmt.Errorf("image remove: %w", err))
	}
	return nil
}

// ListPlatformContainers returns every container carrying the platform
// label, including stopped ones.
func (c *Client) ListPlatformContainers(ctx context.Context) ([]types.Container, error) {
	return c.listByFilter(ctx, filters.NewArgs(filters.Arg("label", LabelPlatform+"=true")))
}

// FindByProject returns the containers labeled with a project ID.
func (c *Client) FindByProject(ctx context.Context, projectID string) ([]types.Container, error) {
	return c.listByFilter(ctx, filters.NewArgs(
		filters.Arg("label", LabelPlatform+"=true"),
		filters.Arg("label", LabelProjectID+"="+projectID),
	))
}

// FindByName returns the containers labeled with a project name. Used as a
// fallback for containers started before project IDs were recorded in labels.
func (c *Client) FindByName(ctx context.Context, projectName string) ([]types.Container, error) {
	return c.listByFilter(ctx, filters.NewArgs(
		filters.Arg("label", LabelPlatform+"=true"),
		filters.Arg("label", LabelProject+"="+projectName),
	))
}

func (c *Client) listByFilter(ctx context.Context, args filters.Args) ([]types.Container, error) {
	containers, err := c.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, errdefs.Runtime(fmt.Errorf("container list: %w", err))
	}
	return containers, nil
}

// RawStats takes a one-shot stats sample for a container and returns the
// raw daemon payload.
func (c *Client) RawStats(ctx context.Context, containerID string) ([]byte, error) {
	resp, err := c.docker.ContainerStats(ctx, containerID, false)
	if err != nil {
		return nil, errdefs.Runtime(fmt.Errorf("container stats: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errdefs.Runtime(fmt.Errorf("read container stats: %w", err))
	}
	return data, nil
}

// flattenEnv renders an environment map as sorted KEY=value pairs.
func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// slugify lowercases a project name and squashes anything a container name
// cannot carry into hyphens.
func slugify(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	slug := strings.Trim(b.String(), "-.")
	if slug == "" {
		slug = "project"
	}
	return slug
}
