package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/pflag"

	"bot-deployer/handler"
	"bot-deployer/internal/artifact"
	"bot-deployer/internal/config"
	"bot-deployer/internal/docker"
	"bot-deployer/internal/integrations/paramstore"
	"bot-deployer/internal/integrations/telegram"
	"bot-deployer/internal/repository"
	"bot-deployer/internal/sealed"
	"bot-deployer/internal/sqlite"
	"bot-deployer/internal/store"
	"bot-deployer/internal/usecase"
)

const shutdownTimeout = 10 * time.Minute

func main() {
	os.Exit(run(os.Args[1:]))
}

// run wires and runs the orchestrator and returns the process exit code.
// Deferred cleanup, including the registry database close, runs before exit.
func run(args []string) int {
	flags := pflag.NewFlagSet("bot-deployer", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to the YAML config file (default $BOT_DEPLOYER_CONFIG)")
	genKey := flags.Bool("generate-state-key", false, "print a new STATE_KEY identity and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *genKey {
		if err := generateStateKey(os.Stdout, os.Stderr); err != nil {
			slog.Error("failed to generate state key", "err", err)
			return 1
		}
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Configuration (read only here) ----
	path := *configPath
	if path == "" {
		path = os.Getenv("BOT_DEPLOYER_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("failed to load config", "path", path, "err", err)
		return 1
	}
	level, _ := cfg.Level()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	stateTable := os.Getenv("STATE_TABLE")
	paramPrefix := strings.TrimRight(strings.TrimSpace(os.Getenv("PARAM_PREFIX")), "/")

	// ---- AWS SDK config (only when SSM or DynamoDB is used) ----
	var awsCfg aws.Config
	if stateTable != "" || paramPrefix != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			logger.Error("failed to load AWS config", "err", err)
			return 1
		}
	}

	var params *paramstore.Client
	if paramPrefix != "" {
		params, err = paramstore.New(awsssm.NewFromConfig(awsCfg), paramPrefix)
		if err != nil {
			logger.Error("failed to create SSM client", "err", err)
			return 1
		}
	}

	botToken := os.Getenv("TELEGRAM_TOKEN")
	if botToken == "" {
		if params == nil {
			logger.Error("required environment variable is not set", "key", "TELEGRAM_TOKEN", "alternative", "PARAM_PREFIX")
			return 1
		}
		botToken, err = params.BotToken(ctx)
		if err != nil {
			logger.Error("failed to load bot token", "err", err)
			return 1
		}
	}

	// ---- Clients ----
	tgOpts := []telegram.Option{
		telegram.WithBaseURL(cfg.Telegram.APIBaseURL),
		telegram.WithRequestTimeout(cfg.Telegram.RequestTimeout.Std()),
	}
	tg, err := telegram.NewClient(botToken, tgOpts...)
	if err != nil {
		logger.Error("failed to create telegram client", "err", err)
		return 1
	}
	me, err := tg.GetMe(ctx)
	if err != nil {
		logger.Error("bot token rejected by telegram", "err", err)
		return 1
	}

	dockerCLI := &docker.CLI{Binary: cfg.Docker.Binary}
	if err := dockerCLI.Preflight(ctx); err != nil {
		logger.Error("docker is not available", "err", err)
		return 1
	}

	// ---- Pipeline components ----
	receiver, err := artifact.NewReceiver(tg, cfg.ArtifactDir, artifact.WithMaxBytes(cfg.MaxArtifactBytes))
	if err != nil {
		logger.Error("failed to create artifact receiver", "err", err)
		return 1
	}
	builder, err := docker.NewBuilder(dockerCLI, docker.BuildConfig{
		BaseImage:     cfg.Docker.BaseImage,
		ImagePrefix:   cfg.Docker.ImagePrefix,
		ContainerPort: cfg.Docker.ContainerPort,
	}, logger)
	if err != nil {
		logger.Error("failed to create image builder", "err", err)
		return 1
	}
	executor, err := docker.NewExecutor(dockerCLI, docker.ExecConfig{
		ContainerPort: cfg.Docker.ContainerPort,
		CredentialEnv: cfg.Docker.CredentialEnv,
		HostIP:        cfg.Docker.HostIP,
		StopTimeout:   cfg.Docker.StopTimeout.Std(),
	}, logger)
	if err != nil {
		logger.Error("failed to create deployment executor", "err", err)
		return 1
	}
	ports, err := store.NewPortPool(cfg.Ports.First, cfg.Ports.Last)
	if err != nil {
		logger.Error("failed to create port pool", "err", err)
		return 1
	}

	deps := usecase.Deps{
		Validator:     telegram.NewValidator(logger, tgOpts...),
		Receiver:      receiver,
		Builder:       builder,
		Runtime:       executor,
		Conversations: store.NewConversations(nil),
		Registry:      store.NewRegistry(),
		Ports:         ports,
		Logger:        logger,
	}
	var sealer *sealed.Sealer
	if stateTable != "" || cfg.RegistryDB != "" {
		sealer, err = loadSealer(ctx, params)
		if err != nil {
			logger.Error("failed to load state key", "err", err, "key", "STATE_KEY", "alternative", "PARAM_PREFIX/state-key")
			return 1
		}
	}
	if cfg.RegistryDB != "" {
		db, err := sqlite.Open(ctx, cfg.RegistryDB)
		if err != nil {
			logger.Error("failed to open registry database", "path", cfg.RegistryDB, "err", err)
			return 1
		}
		defer func() {
			if err := db.Close(); err != nil {
				logger.Warn("registry database close failed", "err", err)
			}
		}()
		registry, err := sqlite.NewRegistry(db, sealer)
		if err != nil {
			logger.Error("failed to create registry", "err", err)
			return 1
		}
		if err := restorePorts(ctx, registry, ports, logger); err != nil {
			logger.Error("failed to restore deployments", "err", err)
			return 1
		}
		deps.Registry = registry
	}
	if stateTable != "" {
		stateClient, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), stateTable, repository.WithSealer(sealer))
		if err != nil {
			logger.Error("failed to create state client", "err", err)
			return 1
		}
		deps.Conversations = stateClient
		deps.Events = stateClient
	}

	svc, err := usecase.NewService(deps, usecase.Options{
		Timeouts: usecase.Timeouts{
			Validate: cfg.Timeouts.Validate.Std(),
			Transfer: cfg.Timeouts.Transfer.Std(),
			Build:    cfg.Timeouts.Build.Std(),
			Start:    cfg.Timeouts.Start.Std(),
			Lock:     cfg.Timeouts.Lock.Std(),
		},
		AcceptedKinds:   cfg.AcceptedKinds,
		ConversationTTL: cfg.ConversationTTL.Std(),
	})
	if err != nil {
		logger.Error("failed to create deployment service", "err", err)
		return 1
	}

	// ---- Handler ----
	h, err := handler.NewHandler(svc, handler.WithLogger(logger), handler.WithAllowedChats(cfg.AllowedChats))
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		return 1
	}
	poller, err := handler.NewPoller(tg, h,
		handler.WithPollWait(cfg.Telegram.PollWait.Std()),
		handler.WithWorkers(cfg.Telegram.Workers),
		handler.WithPollerLogger(logger),
	)
	if err != nil {
		logger.Error("failed to create poller", "err", err)
		return 1
	}

	logger.Info("bot-deployer started",
		"bot", me.Username,
		"ports", cfg.Ports,
		"state_table", stateTable,
		"registry_db", cfg.RegistryDB,
		"allowed_chats", len(cfg.AllowedChats),
	)
	if err := poller.Run(ctx); err != nil {
		logger.Error("poller stopped", "err", err)
	}

	logger.Info("shutting down, waiting for in-flight jobs")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := poller.Shutdown(sctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("shutdown incomplete", "err", err)
		return 1
	}
	return 0
}

// generateStateKey writes a fresh age identity to out and its public key to
// info.
func generateStateKey(out, info io.Writer) error {
	s, identity, err := sealed.Generate()
	if err != nil {
		return err
	}
	fmt.Fprintf(info, "# public key: %s\n", s.Recipient())
	_, err = fmt.Fprintln(out, identity)
	return err
}

// loadSealer builds the sealer for persisted state from STATE_KEY, falling
// back to the state-key parameter when a parameter prefix is configured.
func loadSealer(ctx context.Context, params *paramstore.Client) (*sealed.Sealer, error) {
	key := strings.TrimSpace(os.Getenv("STATE_KEY"))
	if key == "" && params != nil {
		var err error
		if key, err = params.StateKey(ctx); err != nil {
			return nil, err
		}
	}
	if key == "" {
		return nil, errors.New("no state key configured")
	}
	return sealed.New(key)
}

// restorePorts reserves the host ports of records loaded from the registry
// database so new deployments never reuse them.
func restorePorts(ctx context.Context, registry *sqlite.Registry, ports *store.PortPool, logger *slog.Logger) error {
	records, err := registry.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := ports.Reserve(rec.HostPort); err != nil {
			logger.Warn("restored deployment holds an unusable port",
				"deployment_id", rec.DeploymentID, "port", rec.HostPort, "err", err)
		}
	}
	logger.Info("deployments restored", "count", len(records))
	return nil
}
