package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/curiochat/curio/pkg/cancelbus"
	"github.com/curiochat/curio/pkg/chatapi"
	"github.com/curiochat/curio/pkg/config"
	"github.com/curiochat/curio/pkg/orchestrator"
	"github.com/curiochat/curio/pkg/persistence/chatstore"
	"github.com/curiochat/curio/pkg/registry"
	"github.com/curiochat/curio/pkg/upstream"
)

type serverFlags struct {
	configPath string
	addr       string
	logLevel   string
	logFormat  string
}

func main() {
	flags := &serverFlags{}

	rootCmd := &cobra.Command{
		Use:   "curio-server",
		Short: "Streaming chat server for the curio backend",
		Long: `curio-server answers chat questions by relaying a streaming AI response
to the client while accumulating it for persistence. Cancellation reaches
streams in other processes through Redis when enabled.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := setupLogging(flags.logLevel, flags.logFormat); err != nil {
				return err
			}
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if flags.addr != "" {
				cfg.Server.Addr = flags.addr
			}
			return run(cmd.Context(), cfg)
		},
	}

	rootCmd.Flags().StringVar(&flags.configPath, "config", "", "path to YAML config file")
	rootCmd.Flags().StringVar(&flags.addr, "addr", "", "listen address (overrides config)")
	rootCmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.Flags().StringVar(&flags.logFormat, "log-format", "", "log format (console, json; default: console on a TTY)")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func setupLogging(level, format string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "parse log level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "" {
		if isatty.IsTerminal(os.Stderr.Fd()) {
			format = "console"
		} else {
			format = "json"
		}
	}
	switch format {
	case "console":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	case "json":
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	default:
		return errors.Errorf("unknown log format %q", format)
	}
	return nil
}

func buildStore(cfg *config.Config) (chatstore.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return chatstore.NewMemoryStore(), nil
	case "sqlite":
		dsn, err := chatstore.SQLiteDSNForFile(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		return chatstore.NewSQLiteStore(dsn)
	default:
		return nil, errors.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func buildBus(cfg *config.Config) (cancelbus.Bus, error) {
	if !cfg.Redis.Enabled {
		log.Info().Str("component", "server").Msg("redis disabled, using in-process cancel bus")
		return cancelbus.NewMemoryBus(), nil
	}
	rc := cancelbus.RedisConfig{Addr: cfg.Redis.Addr}
	if cfg.Redis.Stream != "" {
		rc.Stream = cfg.Redis.Stream
	}
	if cfg.Redis.RecordTTL > 0 {
		rc.RecordTTL = cfg.Redis.RecordTTL
	}
	return cancelbus.NewRedisBus(rc)
}

func run(ctx context.Context, cfg *config.Config) error {
	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("store close error")
		}
	}()

	bus, err := buildBus(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Error().Err(err).Msg("cancel bus close error")
		}
	}()

	up, err := upstream.NewHTTPClient(cfg.Upstream.BaseURL, upstream.WithHeaderTimeout(cfg.Upstream.Timeout))
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(registry.New(), bus, store, up)
	if err != nil {
		return err
	}

	router, err := chatapi.NewRouter(orch, store)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router.Handler(),
	}

	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	eg.Go(func() error { return orch.Run(srvCtx) })

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()
		shutdownBase := context.WithoutCancel(ctx)
		shutdownCtx, cancel := context.WithTimeout(shutdownBase, 30*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		router.CloseAllPools()
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", httpSrv.Addr).Msg("starting curio server")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}
