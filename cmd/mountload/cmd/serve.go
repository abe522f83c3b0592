package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gmta/mountload/internal/config"
	"github.com/gmta/mountload/internal/controller"
	"github.com/gmta/mountload/internal/fusefs"
	"github.com/gmta/mountload/internal/metadata"
	"github.com/gmta/mountload/internal/pool"
	"github.com/gmta/mountload/internal/slogutil"
	"github.com/gmta/mountload/internal/source"
	"github.com/gmta/mountload/internal/target"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	debugFlag         bool
	multithreadedFlag bool
	passwordFlag      bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve [source] target mountpoint",
		Short: "Mount the source tree at mountpoint, mirroring it under target",
		Long: `Mounts a remote SFTP directory at mountpoint while downloading every
byte a reader touches into target. source, when given, is an SFTP URI
of the form sftp://[user@]host[:port]/abs/remote/path; omit it to
reuse the URI recorded in an already-initialised target.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: runServe,
	}

	serveCmd.Flags().BoolVar(&debugFlag, "debug", false, "enable debug logging and FUSE tracing")
	serveCmd.Flags().BoolVar(&multithreadedFlag, "multithreaded", false, "run the FUSE host in multithreaded mode")
	serveCmd.Flags().BoolVar(&passwordFlag, "password", false, "prompt for an SSH password")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyServeArgs(cfg, args)
	if debugFlag {
		cfg.Log.Level = "debug"
	}
	if multithreadedFlag {
		cfg.Fuse.Multithreaded = true
	}

	logger, leveler := slogutil.SetupLogRotation(cfg.Log)
	slog.SetDefault(logger)

	if cfg.Target == "" || !filepath.IsAbs(cfg.Target) {
		return fmt.Errorf("target must be an absolute path, got %q", cfg.Target)
	}

	var password string
	if passwordFlag {
		password, err = promptPassword()
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
	}

	configManager := config.NewManager(cfg)
	registry := config.NewComponentRegistry(logger)
	registry.RegisterLogging(config.NewLogLevelUpdater(leveler))
	configManager.OnConfigChange(registry.ApplyUpdates)

	osFs := afero.NewOsFs()
	tgt, err := target.New(osFs, cfg.Target)
	if err != nil {
		return fmt.Errorf("open target %s: %w", cfg.Target, err)
	}

	// An omitted source URI is filled from an already-initialised
	// target's metadata, so a restart never has to re-specify it. The
	// handle is closed right away; every pooled controller opens its
	// own connection to the same database.
	if cfg.Source.URI == "" {
		stored, err := recordedSourceURI(tgt.DBPath(), logger)
		if err != nil {
			return err
		}
		if stored == "" {
			return fmt.Errorf("no source URI supplied and none recorded in %s", tgt.DBPath())
		}
		cfg.Source.URI = stored
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		return err
	}

	parsed, err := config.ParseSourceURI(cfg.Source.URI)
	if err != nil {
		return fmt.Errorf("parse source uri: %w", err)
	}

	authOpts := source.AuthOptions{Password: password, KeyFile: cfg.Source.KeyFile}
	if cfg.Source.Password != "" && password == "" {
		authOpts.Password = cfg.Source.Password
	}
	authMethods, err := source.BuildAuthMethods(authOpts)
	if err != nil {
		return fmt.Errorf("build ssh auth methods: %w", err)
	}

	// Every pooled Controller dials its own Source connection and
	// opens its own metadata connection; only the Target mirror is
	// shared, and it holds no state of its own. Controller.Close()
	// therefore never tears down a resource another pooled instance
	// still depends on.
	factory := func() (*controller.Controller, error) {
		ctrlLogger := logger.With("controller_id", uuid.NewString())

		store, err := metadata.Open(tgt.DBPath(), ctrlLogger)
		if err != nil {
			return nil, fmt.Errorf("open metadata store: %w", err)
		}

		src, err := source.Dial(source.Dialer{
			Host: parsed.Host,
			Port: parsed.Port,
			User: parsed.User,
			Auth: authMethods,
		}, parsed.Path)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("dial source: %w", err)
		}

		ctrl, err := controller.New(src, cfg.Source.URI, tgt, store, ctrlLogger)
		if err != nil {
			src.Close()
			store.Close()
			return nil, fmt.Errorf("bootstrap controller: %w", err)
		}
		return ctrl, nil
	}

	// Acquire and release one controller up front so a bad source URI,
	// unreachable host, or bad credentials fail fast before mounting.
	p := pool.New(cfg.Pool.MaxControllers, factory, logger)
	probe, err := p.Acquire(context.Background())
	if err != nil {
		return fmt.Errorf("controller error: %w", err)
	}
	p.Release(probe)

	registry.RegisterPool(p)

	facade := fusefs.New(p, logger)
	service := fusefs.NewService(facade, logger)
	if err := service.Start(cfg.Fuse.MountPath, cfg.Fuse); err != nil {
		return fmt.Errorf("start fuse: %w", err)
	}

	logger.Info("mountload serving",
		"source", cfg.Source.URI,
		"target", cfg.Target,
		"mountpoint", cfg.Fuse.MountPath)

	waitForShutdown()

	return service.Stop(context.Background())
}

// applyServeArgs layers positional CLI args over the loaded config;
// source/target/mountpoint positionals take precedence over anything
// read from disk.
func applyServeArgs(cfg *config.Config, args []string) {
	switch len(args) {
	case 3:
		cfg.Source.URI = args[0]
		cfg.Target = args[1]
		cfg.Fuse.MountPath = args[2]
	case 2:
		cfg.Target = args[0]
		cfg.Fuse.MountPath = args[1]
	}
}

// recordedSourceURI reads config.sourceURI from the metadata database,
// returning "" when the store is fresh.
func recordedSourceURI(dbPath string, logger *slog.Logger) (string, error) {
	store, err := metadata.Open(dbPath, logger)
	if err != nil {
		return "", fmt.Errorf("open metadata store: %w", err)
	}
	defer store.Close()

	stored, err := store.GetConfigString("sourceURI")
	if err != nil {
		return "", fmt.Errorf("read recorded source URI: %w", err)
	}
	if stored == nil {
		return "", nil
	}
	return *stored, nil
}

func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Enter SSH password: ")
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pass), nil
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}
