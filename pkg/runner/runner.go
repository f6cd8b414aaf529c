package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/opendg-project/buildci/pkg/logging"
)

// ContainerAPIClient is the slice of the Docker API the runner needs
type ContainerAPIClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options types.ContainerLogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
}

// Runner executes smoke tests in disposable containers. The container is
// removed after the test whether it passed or failed, matching
// `docker run --rm` semantics.
type Runner struct {
	cli ContainerAPIClient
	log *logging.Logger
}

// Result is the outcome of one smoke test
type Result struct {
	ExitCode int
	Output   string
}

// Passed reports whether the smoke test succeeded: exit code zero and, when
// a pattern is configured, output containing a match for it.
func (r *Result) Passed(pattern string) bool {
	if r.ExitCode != 0 {
		return false
	}
	if pattern == "" {
		return strings.TrimSpace(r.Output) != ""
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(r.Output)
}

// New creates a runner on top of an existing Docker API client
func New(cli ContainerAPIClient, log *logging.Logger) *Runner {
	return &Runner{cli: cli, log: log}
}

// NewWithDocker creates a runner with a Docker client from the environment
func NewWithDocker(log *logging.Logger) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return New(cli, log), nil
}

// Run executes cmd inside a fresh container from image and returns its exit
// code and combined output. The container never outlives the call.
func (r *Runner) Run(ctx context.Context, image string, cmd []string, env []string) (*Result, error) {
	created, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image: image,
		Cmd:   strslice.StrSlice(cmd),
		Env:   env,
	}, &container.HostConfig{}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	// Removal is unconditional so no container persists after the smoke
	// test, passing or failing. Logs are collected before removal.
	defer func() {
		removeCtx := context.WithoutCancel(ctx)
		if err := r.cli.ContainerRemove(removeCtx, created.ID, types.ContainerRemoveOptions{
			Force:         true,
			RemoveVolumes: true,
		}); err != nil {
			r.log.Warn("failed to remove smoke-test container", map[string]interface{}{
				"container": created.ID[:12],
				"error":     err.Error(),
			})
		}
	}()

	if err := r.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	exitCode, err := r.waitForExit(ctx, created.ID)
	if err != nil {
		return nil, err
	}

	output, err := r.collectOutput(ctx, created.ID)
	if err != nil {
		return nil, err
	}

	return &Result{ExitCode: exitCode, Output: output}, nil
}

func (r *Runner) waitForExit(ctx context.Context, id string) (int, error) {
	waitCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, fmt.Errorf("failed to wait for container: %w", err)
	case status := <-waitCh:
		if status.Error != nil {
			return 0, fmt.Errorf("container wait error: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (r *Runner) collectOutput(ctx context.Context, id string) (string, error) {
	logs, err := r.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to read container logs: %w", err)
	}
	defer logs.Close()

	// The daemon multiplexes stdout and stderr into one stream
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, logs); err != nil {
		return "", fmt.Errorf("failed to demultiplex container logs: %w", err)
	}
	return buf.String(), nil
}
