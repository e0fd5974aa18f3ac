package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/trackctl/internal/bot"
	"github.com/loykin/trackctl/internal/config"
	"github.com/loykin/trackctl/internal/controller"
	"github.com/loykin/trackctl/internal/metrics"
	"github.com/loykin/trackctl/internal/process"
	"github.com/loykin/trackctl/internal/server"
	"github.com/loykin/trackctl/internal/state"
	"github.com/loykin/trackctl/internal/track"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// shutdownTimeout bounds the HTTP server drain on exit.
const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := buildRoot().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// GlobalFlags holds the bot's command line flags.
type GlobalFlags struct {
	ConfigPath string
	HTTPAddr   string
	LogLevel   string
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "trackbot",
		Short: "Discord front end for trackctl",
		Long: `trackbot answers /serverlist, /currenttrack, /start and /shutdown in one
Discord guild and drives trackctl to switch the game server.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return err
			}
			if flags.HTTPAddr != "" {
				cfg.Bot.HTTPAddr = flags.HTTPAddr
			}
			if flags.LogLevel != "" {
				cfg.Log.Slog.Level = flags.LogLevel
			}
			if err := cfg.ValidateBot(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to a .env or TOML config file (default ./.env when present)")
	pf.StringVar(&flags.HTTPAddr, "http-addr", "", "serve state, tracks and metrics on this address (overrides HTTP_ADDR)")
	pf.StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn or error (overrides LOG_LEVEL)")
	return root
}

// app holds the wired components of a running bot.
type app struct {
	log        *slog.Logger
	store      *state.Store
	catalog    *track.Catalog
	janitor    *bot.Janitor
	dispatcher *bot.Dispatcher
	sampler    *metrics.ServerSampler
	router     *server.Router
}

// wire builds every component from cfg without touching the network.
func wire(cfg *config.Config, log *slog.Logger) (*app, error) {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	a := &app{log: log}
	a.store = state.Load(cfg.Bot.StateFile, log.With("component", "state"))
	metrics.SetServerRunning(a.store.Snapshot().Active())
	a.catalog = &track.Catalog{Base: cfg.Bot.ServerBase, Executable: cfg.Bot.Executable, Logger: log}
	a.janitor = bot.NewJanitor(cfg.Bot.DeleteDelay, log.With("component", "janitor"))
	a.dispatcher = bot.NewDispatcher(bot.Deps{
		Controller: &controller.Client{
			Path:           cfg.Bot.ControllerPath,
			Args:           cfg.Bot.ControllerArgs,
			Env:            cfg.SupervisorEnv(),
			StartTimeout:   cfg.Bot.StartTimeout,
			StopTimeout:    cfg.Bot.StopTimeout,
			PreStopTimeout: cfg.Bot.PreStopTimeout,
			Logger:         log.With("component", "controller"),
		},
		Catalog: a.catalog,
		State:   a.store,
		Janitor: a.janitor,
		Auth:    bot.RoleAuthorizer{Role: cfg.Bot.AdminRole},
		Logger:  log,
	})

	opts := server.Options{State: a.store, Tracks: a.catalog, Metrics: metrics.Handler()}
	if cfg.Bot.PIDFile != "" {
		a.sampler = metrics.NewServerSampler(metrics.SamplerConfig{}, pidFromFile(cfg.Bot.PIDFile))
		if err := a.sampler.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register sampler metrics: %w", err)
		}
		opts.Sampler = a.sampler
	}
	a.router = server.NewRouter(opts)
	return a, nil
}

// pidFromFile reads the supervisor's PID record; 0 means no server.
func pidFromFile(path string) func() int {
	return func() int {
		pid, err := process.ReadPIDFile(path)
		if err != nil {
			return 0
		}
		return pid
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, closer, err := cfg.Log.New(os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	a, err := wire(cfg, log)
	if err != nil {
		return err
	}
	defer a.janitor.Close()

	if a.sampler != nil {
		a.sampler.Start(ctx)
		defer a.sampler.Stop()
	}

	if cfg.Bot.HTTPAddr != "" {
		srv := server.NewServer(cfg.Bot.HTTPAddr, a.router)
		go func() {
			log.Info("HTTP server listening", "addr", cfg.Bot.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("HTTP server failed", "error", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	d, err := bot.NewDiscord(cfg.Bot.DiscordToken, cfg.Bot.GuildID, log)
	if err != nil {
		return err
	}
	log.Info("Starting bot", "guild", cfg.Bot.GuildID, "tracks", len(a.catalog.Names()))
	return d.Run(ctx, a.dispatcher)
}
