package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/factorialco/shadowdog/internal/cache"
	"github.com/factorialco/shadowdog/internal/config"
	"github.com/factorialco/shadowdog/internal/daemon"
	"github.com/factorialco/shadowdog/internal/eventbus"
	"github.com/factorialco/shadowdog/internal/generator"
	"github.com/factorialco/shadowdog/internal/lockfile"
	"github.com/factorialco/shadowdog/internal/notify"
	"github.com/factorialco/shadowdog/internal/rpc"
	"github.com/factorialco/shadowdog/internal/taskrunner"
	"github.com/factorialco/shadowdog/internal/ui"
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	var watch bool

	root := &cobra.Command{
		Use:           "shadowdog",
		Short:         "Incremental, cache-aware artifact builds driven by filesystem events",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(configPath, watch)
		},
	}
	root.Flags().StringVar(&configPath, "config", defaultConfigPath(), "path to the shadowdog configuration file")
	root.Flags().BoolVar(&watch, "watch", false, "run the daemon after the initial generation")

	if err := root.Execute(); err != nil {
		out := ui.Default()
		out.Error(ui.Error("", nil, err))
		return 1
	}
	return 0
}

func defaultConfigPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "shadowdog.json"
	}
	return filepath.Join(cwd, "shadowdog.json")
}

func execute(configPath string, watch bool) error {
	logLevel := hclog.Info
	if ui.DebugEnabled() {
		logLevel = hclog.Debug
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "shadowdog",
		Level: logLevel,
	})

	root := filepath.Dir(configPath)
	loadConfig := func() (*config.Config, error) {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config %q: %w", configPath, err)
		}
		return config.Parse(raw)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	bus := eventbus.New(logger.Named("eventbus"))

	dataDir := filepath.Join(root, ".shadowdog")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	lockPath := filepath.Join(dataDir, "shadowdog-lock.json")
	tempRoot := filepath.Join(dataDir, "tmp")
	if err := os.MkdirAll(tempRoot, 0o755); err != nil {
		return err
	}

	lockfile.New(lockPath, root, cache.ToolVersion, logger.Named("lockfile"), bus)
	bus.Publish(eventbus.ConfigLoaded, eventbus.ConfigLoadedPayload{Config: cfg})

	middlewares, localBackend, err := buildMiddlewares(root, tempRoot, logger)
	if err != nil {
		return err
	}

	gen := generator.New(root, logger.Named("generator"), bus, middlewares, cfg.Plugins)

	tree, err := gen.Build(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	genErr := gen.Generate(ctx, tree, generator.Options{
		Root:            root,
		ContinueOnError: watch,
	})
	if genErr != nil && !watch {
		return genErr
	}

	if !watch {
		return nil
	}

	pidPath := filepath.Join(dataDir, "shadowdog.pid")
	notifier := notify.New(os.Getenv("SHADOWDOG_NOTIFY_SOCKET"), logger.Named("notify"))
	d := daemon.New(root, configPath, loadConfig, logger.Named("daemon"), bus, gen, pidPath, notifier)

	server := rpc.NewServer(d, localBackend, lockPath, configPath, root, logger.Named("rpc"), func() *config.Config { return cfg }, notifier)
	go serveRPC(server, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return d.Run(ctx)
}

func serveRPC(server *rpc.Server, logger hclog.Logger) {
	addr := fmt.Sprintf("%s:%d", rpc.DefaultHost, rpc.DefaultPort)
	logger.Info("rpc surface listening", "addr", addr)
	if err := http.ListenAndServe(addr, server.Router()); err != nil {
		logger.Error("rpc surface stopped", "error", err)
	}
}

func buildMiddlewares(root, tempRoot string, logger hclog.Logger) ([]taskrunner.Middleware, *cache.LocalBackend, error) {
	var middlewares []taskrunner.Middleware

	localDir := cache.LocalCacheDir(root)
	localBackend, err := cache.NewLocalBackend(localDir)
	if err != nil {
		return nil, nil, err
	}
	localFlags := cache.LocalFlags(cache.Flags{Read: true, Write: true})
	middlewares = append(middlewares, cache.Middleware(logger, localBackend, localFlags, root, tempRoot))

	if s3Cfg, ok := cache.RemoteConfigFromEnv(); ok {
		remoteBackend, err := cache.NewS3Backend(context.Background(), s3Cfg)
		credentialsAvailable := err == nil
		if !credentialsAvailable {
			logger.Warn("remote cache credentials unavailable, disabling remote cache", "error", err)
		}
		remoteFlags := cache.RemoteFlags(cache.Flags{Read: true, Write: true}, credentialsAvailable)
		if credentialsAvailable {
			middlewares = append(middlewares, cache.Middleware(logger, remoteBackend, remoteFlags, root, tempRoot))
		}
	}

	return middlewares, localBackend, nil
}
