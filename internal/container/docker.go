// Package container wraps the Docker SDK for sessions that request an
// isolated container environment. The core only sees the handle; all
// Docker specifics stay behind this boundary.
package container

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/nwiizo/ccswarm/internal/common/config"
	"github.com/nwiizo/ccswarm/internal/common/logger"
)

// Environment describes an isolated container a session runs in.
type Environment struct {
	ContainerID string
	Name        string
	Image       string
}

// Client wraps the Docker client for session environments.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewClient creates a Docker client from configuration. Host discovery
// honors DOCKER_HOST and the rootless per-user socket.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	log.Info("docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion))

	return &Client{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "container")),
		config: cfg,
	}, nil
}

// Ping verifies the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	return err
}

// Close releases the client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// CreateEnvironment creates and starts a long-lived container for a
// session. The container idles so the session can exec into it.
func (c *Client) CreateEnvironment(ctx context.Context, sessionName, workDir string, env map[string]string) (*Environment, error) {
	image := c.config.DefaultImage
	name := "ccswarm-" + sessionName

	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	created, err := c.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      image,
			Cmd:        []string{"sleep", "infinity"},
			Env:        envList,
			WorkingDir: workDir,
			Labels: map[string]string{
				"ccswarm.session": sessionName,
			},
		},
		&container.HostConfig{AutoRemove: true},
		nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := c.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	c.logger.Info("session environment created",
		zap.String("session_name", sessionName),
		zap.String("container_id", created.ID))

	return &Environment{
		ContainerID: created.ID,
		Name:        name,
		Image:       image,
	}, nil
}

// DestroyEnvironment stops the session container. With AutoRemove set,
// the daemon removes it after the stop.
func (c *Client) DestroyEnvironment(ctx context.Context, env *Environment) error {
	timeout := 5
	if err := c.cli.ContainerStop(ctx, env.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	c.logger.Info("session environment destroyed",
		zap.String("container_id", env.ContainerID))
	return nil
}

// ShellCommand returns the exec command a session uses to enter the
// environment.
func (e *Environment) ShellCommand() (string, []string) {
	return "docker", []string{"exec", "-it", e.ContainerID, "/bin/sh"}
}

// WaitHealthy polls until the container reports running or the deadline
// passes.
func (c *Client) WaitHealthy(ctx context.Context, env *Environment, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for {
		inspect, err := c.cli.ContainerInspect(ctx, env.ContainerID)
		if err == nil && inspect.State != nil && inspect.State.Running {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("container %s not healthy: %w", env.ContainerID, ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
}
