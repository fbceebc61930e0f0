package flow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRunner runs Python in short-lived containers. Installed packages
// live in a named volume mounted at SitePackages.
type DockerRunner struct {
	cli    *client.Client
	image  string
	volume string
	logger *slog.Logger

	pullMu sync.Mutex
	pulled bool
}

// NewDockerRunner connects to the Docker daemon from the environment.
func NewDockerRunner(ctx context.Context, imageName string, logger *slog.Logger) (*DockerRunner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("ping docker: %w", err)
	}
	return &DockerRunner{cli: cli, image: imageName, volume: "flowhub-site-packages", logger: logger}, nil
}

// Close releases the client.
func (d *DockerRunner) Close() error {
	return d.cli.Close()
}

// RunScript implements ScriptRunner.
func (d *DockerRunner) RunScript(ctx context.Context, script string, env map[string]string) (ScriptResult, error) {
	return d.run(ctx, []string{"python", "-c", script}, env)
}

// Install implements Installer with pip.
func (d *DockerRunner) Install(ctx context.Context, pkgs []string) error {
	cmd := append([]string{"pip", "install", "--quiet", "--disable-pip-version-check", "--target", SitePackages}, pkgs...)
	res, err := d.run(ctx, cmd, nil)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("pip exited with status %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

func (d *DockerRunner) ensureImage(ctx context.Context) error {
	d.pullMu.Lock()
	defer d.pullMu.Unlock()
	if d.pulled {
		return nil
	}
	if _, err := d.cli.ImageInspect(ctx, d.image); err == nil {
		d.pulled = true
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", d.image, err)
	}

	d.logger.Info("pulling image", "image", d.image)
	rc, err := d.cli.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", d.image, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", d.image, err)
	}
	d.pulled = true
	return nil
}

func (d *DockerRunner) run(ctx context.Context, cmd []string, env map[string]string) (ScriptResult, error) {
	if err := d.ensureImage(ctx); err != nil {
		return ScriptResult{}, err
	}

	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}
	sort.Strings(envList)

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: d.image,
		Cmd:   cmd,
		Env:   envList,
		Tty:   false,
	}, &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: d.volume,
			Target: SitePackages,
		}},
	}, nil, nil, "")
	if err != nil {
		return ScriptResult{}, fmt.Errorf("create container: %w", err)
	}
	id := resp.ID
	defer func() {
		if err := d.cli.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true}); err != nil {
			d.logger.Warn("failed to remove container", "container", id[:12], "error", err)
		}
	}()

	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return ScriptResult{}, fmt.Errorf("start container: %w", err)
	}

	var exitCode int64
	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return ScriptResult{}, fmt.Errorf("wait for container: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		return ScriptResult{}, ctx.Err()
	}

	logs, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return ScriptResult{}, fmt.Errorf("read container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return ScriptResult{}, fmt.Errorf("demux container logs: %w", err)
	}
	return ScriptResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: int(exitCode)}, nil
}
