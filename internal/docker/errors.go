package docker

import "errors"

var (
	// ErrBuildFailed is returned when the image build exits with a non-zero status.
	ErrBuildFailed = errors.New("docker: image build failed")

	// ErrRunFailed is returned when a container cannot be created or started.
	ErrRunFailed = errors.New("docker: container start failed")

	// ErrNoSuchObject is returned when the daemon does not know the named
	// container or image.
	ErrNoSuchObject = errors.New("docker: no such object")

	// ErrDockerUnavailable is returned when the Docker daemon cannot be reached.
	ErrDockerUnavailable = errors.New("docker: daemon not available")
)
