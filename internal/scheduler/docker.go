package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/kballard/go-shellquote"
)

const (
	dockerWorkspace = "/workspace"
	dockerLabel     = "managed-by"
	dockerLabelVal  = "pce"
)

// Docker runs each job as a container of a fixed image with the run directory
// bind-mounted. It stands in for a batch scheduler on development PCEs.
type Docker struct {
	client *client.Client
	image  string
	logger *slog.Logger
}

// NewDocker is the Factory for the "docker" backend.
func NewDocker(opts Options) (Adapter, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	img := opts.DockerImage
	if img == "" {
		img = "debian:stable-slim"
	}
	return &Docker{
		client: dockerClient,
		image:  img,
		logger: slog.With("component", "scheduler", "backend", "docker"),
	}, nil
}

// Name implements Adapter.
func (d *Docker) Name() string { return "docker" }

// Render implements Adapter. Counts are exported to the payload as
// ONRAMP_NTASKS and ONRAMP_NNODES since there is no scheduler to read them.
func (d *Docker) Render(opts ScriptOptions) (string, error) {
	if len(opts.RunCommand) == 0 {
		return "", fmt.Errorf("run command is required")
	}

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "# job-name: %s\n", jobName(opts.RunName))
	b.WriteString("cd \"$(dirname \"$0\")\"\n")
	if opts.TaskCount != nil {
		fmt.Fprintf(&b, "export ONRAMP_NTASKS=%d\n", *opts.TaskCount)
	}
	if opts.NodeCount != nil {
		fmt.Fprintf(&b, "export ONRAMP_NNODES=%d\n", *opts.NodeCount)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s > %s 2>&1\n", shellquote.Join(opts.RunCommand...), shellquote.Join(opts.outputFile()))
	return b.String(), nil
}

// Submit implements Adapter. The container id is the job number.
func (d *Docker) Submit(ctx context.Context, runDir string) (string, error) {
	if err := d.pullImageIfNeeded(ctx); err != nil {
		return "", fmt.Errorf("failed to pull %s: %w", d.image, err)
	}

	containerConfig := &container.Config{
		Image:      d.image,
		Cmd:        []string{"/bin/bash", dockerWorkspace + "/" + ScriptName},
		WorkingDir: dockerWorkspace,
		Labels: map[string]string{
			dockerLabel: dockerLabelVal,
		},
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: runDir,
				Target: dockerWorkspace,
			},
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	d.logger.Info("Started container", "containerId", resp.ID, "runDir", runDir)
	return resp.ID, nil
}

// Status implements Adapter. A container that has exited is removed once its
// exit code has been read, so the next poll reports StatusNoInfo.
func (d *Docker) Status(ctx context.Context, jobNum string) (Status, error) {
	inspect, err := d.client.ContainerInspect(ctx, jobNum)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return StatusNoInfo, nil
		}
		return StatusFailed, fmt.Errorf("failed to inspect container: %w", err)
	}

	switch {
	case inspect.State.Running:
		return StatusRunning, nil
	case inspect.State.Status == "created":
		return StatusQueued, nil
	}

	status := StatusDone
	if inspect.State.ExitCode != 0 {
		status = StatusFailed
	}
	if err := d.client.ContainerRemove(ctx, jobNum, container.RemoveOptions{}); err != nil && !cerrdefs.IsNotFound(err) {
		d.logger.Warn("Failed to remove finished container", "containerId", jobNum, "error", err)
	}
	return status, nil
}

// Cancel implements Adapter.
func (d *Docker) Cancel(ctx context.Context, jobNum string) error {
	err := d.client.ContainerRemove(ctx, jobNum, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	d.logger.Info("Cancelled job", "containerId", jobNum)
	return nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (d *Docker) Ready(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

func (d *Docker) pullImageIfNeeded(ctx context.Context) error {
	if _, err := d.client.ImageInspect(ctx, d.image); err == nil {
		return nil
	}

	reader, err := d.client.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}
