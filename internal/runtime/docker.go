package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

var _ Runtime = (*DockerRuntime)(nil)

// DockerRuntime 对单个 Docker daemon 的 Runtime 实现
type DockerRuntime struct {
	client *client.Client
	nodeID string
	logger *slog.Logger
}

func NewDockerRuntime(cli *client.Client, nodeID string, logger *slog.Logger) *DockerRuntime {
	return &DockerRuntime{
		client: cli,
		nodeID: nodeID,
		logger: logger.With(slog.String("node_id", nodeID)),
	}
}

func (r *DockerRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	// 确认 Image 存在
	_, err := r.client.ImageInspect(ctx, spec.Image)
	if errdefs.IsNotFound(err) {
		r.logger.Info("Image not found, pulling...", "image", spec.Image)
		reader, err := r.client.ImagePull(ctx, spec.Image, image.PullOptions{})
		if err != nil {
			r.logger.Error("Failed to pull image", "error", err)
			return "", fmt.Errorf("%w: %v", ErrImagePullFailed, err)
		}
		defer reader.Close()

		// 异步读取 pull 输出
		done := make(chan struct{})
		go func() {
			_, err := io.Copy(io.Discard, reader)
			if err != nil {
				r.logger.Error("Failed to read pull output", "error", err)
			}
			close(done)
		}()

		select {
		case <-done:
			r.logger.Info("Image pull completed")
		case <-ctx.Done():
			r.logger.Info("Image pull cancelled")
			return "", fmt.Errorf("%w: %v", ErrImagePullFailed, ctx.Err())
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to inspect image: %w", err)
	}

	config := &container.Config{
		Image:        spec.Image,
		Env:          spec.EnvVars,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			"managed_by":  "fleet",
			"instance_id": spec.InstanceID,
			"tenant_id":   spec.TenantID,
		},
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:   spec.MemoryLimitMB * 1024 * 1024,
			NanoCPUs: int64(spec.CPULimit * 1e9),
		},
		AutoRemove: false,
	}

	resp, err := r.client.ContainerCreate(ctx, config, hostConfig, nil, nil, ContainerName(spec.InstanceID))
	if err != nil {
		r.logger.Error("Failed to create container", "error", err)
		return "", fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}

	return resp.ID, nil
}

func (r *DockerRuntime) Start(ctx context.Context, containerID string) error {
	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

func (r *DockerRuntime) Stop(ctx context.Context, containerID string, timeoutSeconds int) error {
	opts := container.StopOptions{
		Timeout: &timeoutSeconds,
	}

	if err := r.client.ContainerStop(ctx, containerID, opts); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

func (r *DockerRuntime) Restart(ctx context.Context, containerID string, timeoutSeconds int) error {
	opts := container.StopOptions{
		Timeout: &timeoutSeconds,
	}

	if err := r.client.ContainerRestart(ctx, containerID, opts); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to restart container: %w", err)
	}
	return nil
}

func (r *DockerRuntime) Kill(ctx context.Context, containerID string) error {
	if err := r.client.ContainerKill(ctx, containerID, "SIGKILL"); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to kill container: %w", err)
	}
	return nil
}

func (r *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	opts := container.RemoveOptions{
		Force: true,
	}

	if err := r.client.ContainerRemove(ctx, containerID, opts); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (r *DockerRuntime) Inspect(ctx context.Context, containerID string) (Status, error) {
	inspect, err := r.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Status{}, ErrContainerNotFound
		}
		return Status{}, fmt.Errorf("failed to inspect container: %w", err)
	}

	return Status{
		State:    string(inspect.State.Status),
		Running:  inspect.State.Running,
		ExitCode: inspect.State.ExitCode,
	}, nil
}

func (r *DockerRuntime) Attach(ctx context.Context, containerID string) (AttachStream, error) {
	resp, err := r.client.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrContainerNotFound
		}
		return nil, fmt.Errorf("failed to attach to container: %w", err)
	}

	return &hijackedStream{resp: resp}, nil
}

func (r *DockerRuntime) Logs(ctx context.Context, containerID string, tail int) (*LogResult, error) {
	tailStr := "all"
	if tail > 0 {
		tailStr = fmt.Sprintf("%d", tail)
	}

	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tailStr,
	}

	render, err := r.client.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrContainerNotFound
		}
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}
	defer render.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	done := make(chan struct{})
	go func() {
		// TTY=false, Docker 使用多路复用格式，stdcopy 可以解析
		_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, render)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return &LogResult{
		Stdout: stdoutBuf.String(),
		Stderr: stderrBuf.String(),
	}, nil
}

func (r *DockerRuntime) CopyTo(ctx context.Context, containerID, destPath string, content io.Reader, size int64) error {
	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)

		header := &tar.Header{
			Name:    path.Base(destPath),
			Mode:    0644,
			Size:    size,
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(header); err != nil {
			pw.CloseWithError(err)
			return
		}

		if _, err := io.Copy(tw, content); err != nil {
			pw.CloseWithError(err)
			return
		}

		if err := tw.Close(); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()

	opts := container.CopyToContainerOptions{
		AllowOverwriteDirWithFile: true,
	}

	if err := r.client.CopyToContainer(ctx, containerID, path.Dir(destPath), pr, opts); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to copy to container: %w", err)
	}
	return nil
}

func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
	}
	return nil
}

// hijackedStream 包装 Docker attach 返回的劫持连接：
// Reader 是 stdout/stderr 复用帧流，写 Conn 即写容器 stdin。
type hijackedStream struct {
	resp types.HijackedResponse
}

func (s *hijackedStream) Read(p []byte) (int, error) {
	return s.resp.Reader.Read(p)
}

func (s *hijackedStream) Write(p []byte) (int, error) {
	return s.resp.Conn.Write(p)
}

func (s *hijackedStream) Close() error {
	s.resp.Close()
	return nil
}
