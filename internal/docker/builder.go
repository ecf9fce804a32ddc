package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"bot-deployer/internal/domain"
)

const (
	defaultBaseImage     = "python:3.12-slim"
	defaultImagePrefix   = "bot-deployer/bot"
	defaultContainerPort = 3000
)

// BuildConfig configures the generated image.
type BuildConfig struct {
	BaseImage     string
	ImagePrefix   string
	ContainerPort int
}

// Builder turns a received artifact into an image scoped to one deployment.
type Builder struct {
	runner Runner
	cfg    BuildConfig
	logger *slog.Logger
}

// NewBuilder creates a Builder. Zero-valued config fields take defaults.
func NewBuilder(runner Runner, cfg BuildConfig, logger *slog.Logger) (*Builder, error) {
	if runner == nil {
		return nil, errors.New("docker: runner must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.BaseImage) == "" {
		cfg.BaseImage = defaultBaseImage
	}
	if strings.TrimSpace(cfg.ImagePrefix) == "" {
		cfg.ImagePrefix = defaultImagePrefix
	}
	if cfg.ContainerPort <= 0 {
		cfg.ContainerPort = defaultContainerPort
	}
	return &Builder{runner: runner, cfg: cfg, logger: logger}, nil
}

// ImageRef returns the image reference for a deployment. Rebuilding the same
// deployment retags the same reference.
func (b *Builder) ImageRef(deploymentID string) string {
	return b.cfg.ImagePrefix + ":" + deploymentID
}

// Build writes the Dockerfile next to the artifact and builds it. It returns
// once the build has reached a terminal result.
func (b *Builder) Build(ctx context.Context, a domain.Artifact) (domain.Image, error) {
	if a.Dir == "" || a.Path == "" || a.DeploymentID == "" {
		return domain.Image{}, fmt.Errorf("%w: incomplete artifact", ErrBuildFailed)
	}
	if err := writeBuildContext(a, b.cfg); err != nil {
		return domain.Image{}, fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}

	ref := b.ImageRef(a.DeploymentID)
	progress := newLineLogger(b.logger.With("deployment_id", a.DeploymentID, "image", ref))
	err := b.runner.Build(ctx, ref, a.Dir, progress)
	progress.Flush()
	if err != nil {
		return domain.Image{}, err
	}
	return domain.Image{Ref: ref, DeploymentID: a.DeploymentID}, nil
}

// dockerfile renders the Dockerfile for a single-file bot.
func dockerfile(fileName, deploymentID string, cfg BuildConfig) string {
	return fmt.Sprintf(`FROM %s
LABEL %s=%q
WORKDIR /app
COPY %s /app/%s
ENV PYTHONUNBUFFERED=1
EXPOSE %d
CMD ["python", "/app/%s"]
`, cfg.BaseImage, deploymentLabel, deploymentID, fileName, fileName, cfg.ContainerPort, fileName)
}

// dockerignore keeps in-flight temp files out of the build context.
const dockerignore = ".*.tmp\nDockerfile\n.dockerignore\n"

func writeBuildContext(a domain.Artifact, cfg BuildConfig) error {
	fileName := filepath.Base(a.Path)
	if err := os.WriteFile(filepath.Join(a.Dir, "Dockerfile"), []byte(dockerfile(fileName, a.DeploymentID, cfg)), 0o644); err != nil {
		return fmt.Errorf("write Dockerfile: %w", err)
	}
	if err := os.WriteFile(filepath.Join(a.Dir, ".dockerignore"), []byte(dockerignore), 0o644); err != nil {
		return fmt.Errorf("write .dockerignore: %w", err)
	}
	return nil
}

// lineLogger is an io.Writer that logs each complete line of build output at
// debug level.
// It is safe for concurrent use.
type lineLogger struct {
	logger *slog.Logger

	mu      sync.Mutex
	partial bytes.Buffer
}

func newLineLogger(logger *slog.Logger) *lineLogger {
	return &lineLogger{logger: logger}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.partial.Write(p)
	for {
		data := l.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		l.emit(string(data[:i]))
		l.partial.Next(i + 1)
	}
	return len(p), nil
}

// Flush logs any trailing fragment.
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.partial.Len() > 0 {
		l.emit(l.partial.String())
		l.partial.Reset()
	}
}

func (l *lineLogger) emit(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	l.logger.Debug("build progress", "line", line)
}
