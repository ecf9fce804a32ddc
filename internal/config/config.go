// Package config loads the orchestrator's YAML configuration file.
//
// The file is optional. Every field has a default, and values present in the
// file replace the defaults field by field. Secrets are never read from the
// file; the process entrypoint resolves them from the environment or SSM.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("90s", "5m").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("config: line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the orchestrator configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// ArtifactDir is where received artifacts are stored, one directory per
	// credential fingerprint.
	ArtifactDir string `yaml:"artifact_dir"`

	// MaxArtifactBytes caps a single upload. Default: 20 MiB.
	MaxArtifactBytes int64 `yaml:"max_artifact_bytes"`

	// AcceptedKinds lists MIME types ("text/x-python") and file extensions
	// (".py") accepted as artifacts.
	AcceptedKinds []string `yaml:"accepted_kinds"`

	// AllowedChats restricts the bot to these conversation ids. Empty allows
	// every conversation.
	AllowedChats []int64 `yaml:"allowed_chats"`

	// RegistryDB is the SQLite file holding deployment records. Empty keeps
	// records in memory, so they are lost on restart.
	RegistryDB string `yaml:"registry_db"`

	// ConversationTTL is how long a validated credential waits for its
	// artifact.
	ConversationTTL Duration `yaml:"conversation_ttl"`

	Telegram TelegramConfig `yaml:"telegram"`
	Docker   DockerConfig   `yaml:"docker"`
	Ports    PortsConfig    `yaml:"ports"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
}

type TelegramConfig struct {
	// APIBaseURL points at the Bot API. Default: https://api.telegram.org
	APIBaseURL string `yaml:"api_base_url"`

	// PollWait is the long-poll duration for getUpdates.
	PollWait Duration `yaml:"poll_wait"`

	// RequestTimeout bounds each Bot API call, on top of PollWait for
	// getUpdates.
	RequestTimeout Duration `yaml:"request_timeout"`

	// Workers bounds how many conversations are processed at once.
	Workers int `yaml:"workers"`
}

type DockerConfig struct {
	// Binary is the docker CLI to execute. Default: docker (found in PATH).
	Binary        string   `yaml:"binary"`
	BaseImage     string   `yaml:"base_image"`
	ImagePrefix   string   `yaml:"image_prefix"`
	ContainerPort int      `yaml:"container_port"`
	HostIP        string   `yaml:"host_ip"`
	CredentialEnv string   `yaml:"credential_env"`
	StopTimeout   Duration `yaml:"stop_timeout"`
}

// PortsConfig is the inclusive host port range handed to deployments.
type PortsConfig struct {
	First int `yaml:"first"`
	Last  int `yaml:"last"`
}

type TimeoutsConfig struct {
	Validate Duration `yaml:"validate"`
	Transfer Duration `yaml:"transfer"`
	Build    Duration `yaml:"build"`
	Start    Duration `yaml:"start"`
	Lock     Duration `yaml:"lock"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel:         "info",
		ArtifactDir:      "/var/lib/bot-deployer/artifacts",
		MaxArtifactBytes: 20 << 20,
		AcceptedKinds:    []string{"text/x-python", ".py"},
		ConversationTTL:  Duration(time.Hour),
		Telegram: TelegramConfig{
			APIBaseURL:     "https://api.telegram.org",
			PollWait:       Duration(30 * time.Second),
			RequestTimeout: Duration(10 * time.Second),
			Workers:        16,
		},
		Docker: DockerConfig{
			Binary:        "docker",
			BaseImage:     "python:3.12-slim",
			ImagePrefix:   "bot-deployer/bot",
			ContainerPort: 3000,
			CredentialEnv: "BOT_TOKEN",
			StopTimeout:   Duration(10 * time.Second),
		},
		Ports: PortsConfig{First: 31001, Last: 31999},
		Timeouts: TimeoutsConfig{
			Validate: Duration(10 * time.Second),
			Transfer: Duration(60 * time.Second),
			Build:    Duration(5 * time.Minute),
			Start:    Duration(60 * time.Second),
			Lock:     Duration(2 * time.Minute),
		},
	}
}

// Load returns the defaults overlaid with the file at path. An empty path
// yields the defaults. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.ArtifactDir) == "" {
		errs = append(errs, errors.New("artifact_dir is required"))
	}
	if c.MaxArtifactBytes <= 0 {
		errs = append(errs, errors.New("max_artifact_bytes must be positive"))
	}
	if c.ConversationTTL <= 0 {
		errs = append(errs, errors.New("conversation_ttl must be positive"))
	}
	if c.Telegram.PollWait < 0 {
		errs = append(errs, errors.New("telegram.poll_wait must not be negative"))
	}
	if c.Telegram.Workers <= 0 {
		errs = append(errs, errors.New("telegram.workers must be positive"))
	}
	if strings.TrimSpace(c.Docker.BaseImage) == "" {
		errs = append(errs, errors.New("docker.base_image is required"))
	}
	if c.Docker.ContainerPort <= 0 || c.Docker.ContainerPort > 65535 {
		errs = append(errs, fmt.Errorf("docker.container_port %d out of range", c.Docker.ContainerPort))
	}
	if c.Ports.First <= 0 || c.Ports.Last > 65535 || c.Ports.First > c.Ports.Last {
		errs = append(errs, fmt.Errorf("ports range %d-%d is invalid", c.Ports.First, c.Ports.Last))
	}

	for _, t := range []struct {
		name string
		d    Duration
	}{
		{"telegram.request_timeout", c.Telegram.RequestTimeout},
		{"timeouts.validate", c.Timeouts.Validate},
		{"timeouts.transfer", c.Timeouts.Transfer},
		{"timeouts.build", c.Timeouts.Build},
		{"timeouts.start", c.Timeouts.Start},
		{"timeouts.lock", c.Timeouts.Lock},
	} {
		if t.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", t.name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}

// Level returns LogLevel as a slog level.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}
