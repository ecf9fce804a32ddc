// Package docker builds bot images and manages their containers through the
// Docker CLI.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Runner is the interface over Docker CLI operations. All methods block until
// the CLI exits.
type Runner interface {
	// Build builds an image tagged tag from the Dockerfile in dir, streaming
	// build output to progress.
	Build(ctx context.Context, tag, dir string, progress io.Writer) error

	// Run creates and starts a detached container and returns its id.
	Run(ctx context.Context, opts RunOptions) (string, error)

	// Stop sends SIGTERM and waits up to timeout before killing the container.
	Stop(ctx context.Context, container string, timeout time.Duration) error

	// Remove force-removes a container, killing it if running.
	Remove(ctx context.Context, container string) error

	// RemoveImage force-removes an image by reference.
	RemoveImage(ctx context.Context, image string) error

	// PruneImages removes dangling images whose labels match every entry of
	// labels.
	PruneImages(ctx context.Context, labels map[string]string) error
}

// RunOptions configures a detached docker run invocation.
type RunOptions struct {
	Image  string
	Name   string
	Env    map[string]string // passed by name only; values travel through the CLI's environment
	Labels map[string]string
	Ports  []PortBinding
}

// PortBinding publishes ContainerPort on HostPort.
type PortBinding struct {
	HostIP        string
	HostPort      int
	ContainerPort int
}

// stderrTailSize bounds how much CLI stderr is kept for error messages.
const stderrTailSize = 4096

// CLI implements Runner with the docker binary via os/exec.
type CLI struct {
	// Binary is the docker executable; empty means "docker" from PATH.
	Binary string
}

func (c *CLI) binary() string {
	if c.Binary == "" {
		return "docker"
	}
	return c.Binary
}

// Preflight checks that the Docker daemon is reachable by running docker info.
func (c *CLI) Preflight(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.binary(), "info")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %w", ErrDockerUnavailable, err)
	}
	return nil
}

// buildCmdArgs returns the docker CLI arguments for a build invocation.
func buildCmdArgs(tag, dir string) []string {
	return []string{"build", "--pull=false", "-t", tag, dir}
}

// runCmdArgs returns the docker CLI arguments for a detached run. Env keys are
// emitted without values and in sorted order.
func runCmdArgs(opts RunOptions) []string {
	args := []string{"run", "-d"}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	for _, k := range sortedKeys(opts.Labels) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", k)
	}
	for _, p := range opts.Ports {
		args = append(args, "-p", publishSpec(p))
	}
	return append(args, opts.Image)
}

// runCmdEnv returns the environment for the docker run process: the current
// environment plus the container variables.
func runCmdEnv(base []string, env map[string]string) []string {
	out := make([]string, 0, len(base)+len(env))
	out = append(out, base...)
	for _, k := range sortedKeys(env) {
		out = append(out, k+"="+env[k])
	}
	return out
}

func publishSpec(p PortBinding) string {
	spec := strconv.Itoa(p.HostPort) + ":" + strconv.Itoa(p.ContainerPort)
	if p.HostIP != "" {
		spec = p.HostIP + ":" + spec
	}
	return spec
}

func stopCmdArgs(container string, timeout time.Duration) []string {
	secs := int(timeout / time.Second)
	if secs < 0 {
		secs = 0
	}
	return []string{"stop", "-t", strconv.Itoa(secs), container}
}

func removeCmdArgs(container string) []string {
	return []string{"rm", "-f", container}
}

func removeImageCmdArgs(image string) []string {
	return []string{"rmi", "-f", image}
}

func pruneImagesCmdArgs(labels map[string]string) []string {
	args := []string{"image", "prune", "-f", "--filter", "dangling=true"}
	for _, k := range sortedKeys(labels) {
		args = append(args, "--filter", "label="+k+"="+labels[k])
	}
	return args
}

// Build builds an image tagged tag from the Dockerfile in dir.
func (c *CLI) Build(ctx context.Context, tag, dir string, progress io.Writer) error {
	if progress == nil {
		progress = io.Discard
	}
	stderr := &tailBuffer{max: stderrTailSize}
	// os/exec copies stdout and stderr on separate goroutines.
	shared := &syncWriter{w: progress}

	cmd := exec.CommandContext(ctx, c.binary(), buildCmdArgs(tag, dir)...)
	cmd.Stdout = shared
	cmd.Stderr = io.MultiWriter(shared, stderr)
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ErrBuildFailed, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: exit code %d: %s", ErrBuildFailed, exitErr.ExitCode(), stderr.String())
		}
		return fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}
	return nil
}

// Run starts a detached container and returns the id printed by the CLI.
func (c *CLI) Run(ctx context.Context, opts RunOptions) (string, error) {
	var stdout bytes.Buffer
	stderr := &tailBuffer{max: stderrTailSize}

	cmd := exec.CommandContext(ctx, c.binary(), runCmdArgs(opts)...)
	cmd.Env = runCmdEnv(os.Environ(), opts.Env)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("%w: %w", ErrRunFailed, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%w: exit code %d: %s", ErrRunFailed, exitErr.ExitCode(), stderr.String())
		}
		return "", fmt.Errorf("%w: %w", ErrRunFailed, err)
	}

	id := strings.TrimSpace(stdout.String())
	if id == "" {
		return "", fmt.Errorf("%w: no container id in output", ErrRunFailed)
	}
	return id, nil
}

// Stop stops a running container. Stopping an already-stopped container
// succeeds.
func (c *CLI) Stop(ctx context.Context, container string, timeout time.Duration) error {
	return c.simple(ctx, "stop", stopCmdArgs(container, timeout))
}

// Remove force-removes a container.
func (c *CLI) Remove(ctx context.Context, container string) error {
	return c.simple(ctx, "rm", removeCmdArgs(container))
}

// RemoveImage force-removes an image.
func (c *CLI) RemoveImage(ctx context.Context, image string) error {
	return c.simple(ctx, "rmi", removeImageCmdArgs(image))
}

// PruneImages removes dangling images carrying labels.
func (c *CLI) PruneImages(ctx context.Context, labels map[string]string) error {
	return c.simple(ctx, "image prune", pruneImagesCmdArgs(labels))
}

// simple runs a CLI command whose only output of interest is its error.
func (c *CLI) simple(ctx context.Context, op string, args []string) error {
	stderr := &tailBuffer{max: stderrTailSize}
	cmd := exec.CommandContext(ctx, c.binary(), args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("docker %s: %w", op, ctxErr)
		}
		msg := stderr.String()
		if isNoSuchObject(msg) {
			return fmt.Errorf("docker %s: %w: %s", op, ErrNoSuchObject, msg)
		}
		return fmt.Errorf("docker %s: %w: %s", op, err, msg)
	}
	return nil
}

// isNoSuchObject reports whether CLI stderr says the target does not exist.
func isNoSuchObject(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such container") ||
		strings.Contains(s, "no such image") ||
		strings.Contains(s, "no such object")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}

// syncWriter serializes writes to w.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
