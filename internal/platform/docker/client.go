// Package docker runs a toolchain inside an ephemeral container with the job's
// workspace bind-mounted as its working directory.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/dontdude/buildbox/internal/domain"
	"github.com/dontdude/buildbox/internal/platform/process"
)

// mountPoint is where the workspace appears inside the container.
const mountPoint = "/build"

// cleanupTimeout bounds the kill, log and remove calls made after a build ends.
const cleanupTimeout = 10 * time.Second

// Limits are the cgroup limits applied to every build container.
type Limits struct {
	MemoryMB  int64
	NanoCPUs  int64
	PidsLimit int64
	// User is passed to the container as "uid[:gid]". Empty runs as the server's
	// own uid and gid, which is the only user that can enter a workspace.
	User string
	// Pull fetches the image before every build. Leave it off for images that only
	// exist locally.
	Pull bool
}

// Client wraps the official Docker SDK client.
type Client struct {
	cli       *client.Client
	limits    Limits
	maxOutput int64
}

var _ domain.ToolchainRunner = (*Client)(nil)

// NewClient connects to the daemon configured in the environment and pings it.
// An unreachable daemon is an error so the server never starts half-wired.
func NewClient(limits Limits, maxOutput int64) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	limits.User = containerUser(limits.User, os.Getuid(), os.Getgid())
	slog.Info("Docker client initialized", "memoryMB", limits.MemoryMB, "pidsLimit", limits.PidsLimit, "user", limits.User)
	return &Client{cli: cli, limits: limits, maxOutput: maxOutput}, nil
}

// Close releases the daemon connection.
func (c *Client) Close() error { return c.cli.Close() }

// Run creates a container for the toolchain, starts it, and races its exit
// against the timeout and ctx. The container is removed before Run returns.
func (c *Client) Run(ctx context.Context, inv domain.Invocation) domain.ExecutionResult {
	start := time.Now()
	crashed := func(err error) domain.ExecutionResult {
		if ctx.Err() != nil {
			return domain.ExecutionResult{Status: domain.ExecCanceled, ExitCode: -1, Duration: time.Since(start), Err: err}
		}
		slog.Warn("Toolchain container failed to start", "image", inv.Spec.Image, "error", err)
		return domain.ExecutionResult{Status: domain.ExecCrashed, ExitCode: -1, Duration: time.Since(start), Err: err}
	}
	if inv.Spec.Image == "" {
		return crashed(fmt.Errorf("toolchain %q has no container image", inv.Spec.Key))
	}

	if c.limits.Pull {
		if err := c.pull(ctx, inv.Spec.Image); err != nil {
			return crashed(err)
		}
	}

	cfg, hostCfg := containerSpec(inv, c.limits)
	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return crashed(fmt.Errorf("failed to create container: %w", err))
	}
	defer c.remove(resp.ID)

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return crashed(fmt.Errorf("failed to start container: %w", err))
	}
	slog.Debug("Container started", "containerID", resp.ID, "image", inv.Spec.Image)

	// The wait outlives ctx so a cancelled build still observes the kill.
	waitCtx, cancelWait := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWait()
	statusCh, errCh := c.cli.ContainerWait(waitCtx, resp.ID, container.WaitConditionNotRunning)

	var timeout <-chan time.Time
	if inv.Timeout > 0 {
		timer := time.NewTimer(inv.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	res := domain.ExecutionResult{ExitCode: -1}
	select {
	case st := <-statusCh:
		res.ExitCode = int(st.StatusCode)
		if st.Error != nil {
			res.Err = fmt.Errorf("container wait: %s", st.Error.Message)
		}
	case err := <-errCh:
		res.Status = domain.ExecCrashed
		res.Err = fmt.Errorf("failed to wait for container: %w", err)
	case <-timeout:
		res.Status = domain.ExecTimedOut
		c.kill(resp.ID)
	case <-ctx.Done():
		res.Status = domain.ExecCanceled
		c.kill(resp.ID)
	}
	res.Duration = time.Since(start)

	stdout := process.NewLimitedBuffer(c.maxOutput)
	stderr := process.NewLimitedBuffer(c.maxOutput)
	if err := c.logs(resp.ID, stdout, stderr); err != nil {
		slog.Warn("Failed to collect container output", "containerID", resp.ID, "error", err)
	}
	res.Stdout, res.Stderr = stdout.String(), stderr.String()
	res.Truncated = stdout.Truncated() || stderr.Truncated()

	if res.Status == "" {
		if res.ExitCode == 0 && res.Err == nil {
			res.Status = domain.ExecSucceeded
		} else {
			res.Status = domain.ExecFailed
		}
	}
	return res
}

func (c *Client) pull(ctx context.Context, ref string) error {
	slog.Info("Pulling image", "image", ref)
	reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

func (c *Client) logs(id string, stdout, stderr io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	out, err := c.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = stdcopy.StdCopy(stdout, stderr, out)
	return err
}

func (c *Client) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := c.cli.ContainerKill(ctx, id, "KILL"); err != nil {
		slog.Warn("Failed to kill container", "containerID", id, "error", err)
	}
}

func (c *Client) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		slog.Error("Failed to remove container", "containerID", id, "error", err)
	}
}

// containerUser falls back to uid:gid when no user is configured. A negative uid
// means the platform has none and the image default applies.
func containerUser(configured string, uid, gid int) string {
	if configured != "" || uid < 0 {
		return configured
	}
	return fmt.Sprintf("%d:%d", uid, gid)
}

// containerSpec builds the container and host configuration for one invocation.
// The container has no network and sees nothing of the host but the workspace.
func containerSpec(inv domain.Invocation, limits Limits) (*container.Config, *container.HostConfig) {
	env := []string{"HOME=" + mountPoint, "TMPDIR=/tmp", "LANG=C.UTF-8"}
	keys := make([]string, 0, len(inv.Spec.Env))
	for k := range inv.Spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+inv.Spec.Env[k])
	}

	cfg := &container.Config{
		Image:           inv.Spec.Image,
		Cmd:             append([]string{inv.Spec.Command}, inv.Spec.Args(inv.Inputs)...),
		WorkingDir:      mountPoint,
		Env:             env,
		User:            limits.User,
		NetworkDisabled: true,
	}

	resources := container.Resources{
		Memory:   limits.MemoryMB * 1024 * 1024,
		NanoCPUs: limits.NanoCPUs,
	}
	if limits.PidsLimit > 0 {
		pids := limits.PidsLimit
		resources.PidsLimit = &pids
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		Binds:       []string{fmt.Sprintf("%s:%s:rw", inv.Workspace, mountPoint)},
		Resources:   resources,
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Tmpfs:       map[string]string{"/tmp": "rw,nosuid,size=64m"},
	}
	return cfg, hostCfg
}
