package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bot-deployer/internal/domain"
)

const (
	defaultCredentialEnv = "BOT_TOKEN"
	defaultStopTimeout   = 10 * time.Second
	cleanupTimeout       = 30 * time.Second

	// deploymentLabel marks containers owned by this process.
	deploymentLabel = "bot-deployer.deployment"
)

// ExecConfig configures how containers are launched.
type ExecConfig struct {
	ContainerPort int
	CredentialEnv string
	HostIP        string
	StopTimeout   time.Duration
}

// Executor starts, stops and removes deployment containers.
type Executor struct {
	runner Runner
	cfg    ExecConfig
	logger *slog.Logger
}

// NewExecutor creates an Executor. Zero-valued config fields take defaults.
func NewExecutor(runner Runner, cfg ExecConfig, logger *slog.Logger) (*Executor, error) {
	if runner == nil {
		return nil, errors.New("docker: runner must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ContainerPort <= 0 {
		cfg.ContainerPort = defaultContainerPort
	}
	if cfg.CredentialEnv == "" {
		cfg.CredentialEnv = defaultCredentialEnv
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	return &Executor{runner: runner, cfg: cfg, logger: logger}, nil
}

// ContainerName returns the deterministic container name for a deployment.
func ContainerName(deploymentID string) string {
	return "bot-" + deploymentID
}

// Start launches one container for spec and returns its id. A container left
// under the same name by an earlier run is removed first. If the start fails,
// the created container is removed before returning.
func (e *Executor) Start(ctx context.Context, spec domain.StartSpec) (string, error) {
	if spec.DeploymentID == "" || spec.ImageRef == "" || spec.HostPort <= 0 {
		return "", fmt.Errorf("%w: incomplete start spec", ErrRunFailed)
	}
	name := ContainerName(spec.DeploymentID)

	if err := e.runner.Remove(ctx, name); err != nil && !errors.Is(err, ErrNoSuchObject) {
		return "", fmt.Errorf("%w: clear stale container: %w", ErrRunFailed, err)
	}

	id, err := e.runner.Run(ctx, RunOptions{
		Image:  spec.ImageRef,
		Name:   name,
		Env:    map[string]string{e.cfg.CredentialEnv: spec.Credential},
		Labels: map[string]string{deploymentLabel: spec.DeploymentID},
		Ports: []PortBinding{{
			HostIP:        e.cfg.HostIP,
			HostPort:      spec.HostPort,
			ContainerPort: e.cfg.ContainerPort,
		}},
	})
	if err != nil {
		e.cleanupContainer(name)
		return "", err
	}
	return id, nil
}

// Stop gracefully stops the container behind handle. A container that no
// longer exists counts as stopped.
func (e *Executor) Stop(ctx context.Context, handle string) error {
	if err := e.runner.Stop(ctx, handle, e.cfg.StopTimeout); err != nil && !errors.Is(err, ErrNoSuchObject) {
		return err
	}
	return nil
}

// Remove force-removes the container behind handle. Removing a container that
// no longer exists succeeds.
func (e *Executor) Remove(ctx context.Context, handle string) error {
	if err := e.runner.Remove(ctx, handle); err != nil && !errors.Is(err, ErrNoSuchObject) {
		return err
	}
	return nil
}

// RemoveImage force-removes an image. Removing an unknown image succeeds.
func (e *Executor) RemoveImage(ctx context.Context, ref string) error {
	if err := e.runner.RemoveImage(ctx, ref); err != nil && !errors.Is(err, ErrNoSuchObject) {
		return err
	}
	return nil
}

// PruneImages removes the untagged images left behind by earlier builds of a
// deployment. Images still used by a container are kept by the daemon.
func (e *Executor) PruneImages(ctx context.Context, deploymentID string) error {
	if deploymentID == "" {
		return errors.New("docker: deployment id is required")
	}
	return e.runner.PruneImages(ctx, map[string]string{deploymentLabel: deploymentID})
}

// cleanupContainer removes a created-but-unstarted container. It runs on its
// own deadline because the caller's context may already be expired.
func (e *Executor) cleanupContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := e.runner.Remove(ctx, name); err != nil && !errors.Is(err, ErrNoSuchObject) {
		e.logger.Warn("container cleanup failed", "container", name, "err", err)
	}
}
