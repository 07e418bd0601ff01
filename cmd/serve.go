package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/conduit/internal/adapter"
	"github.com/zjrosen/conduit/internal/api"
	"github.com/zjrosen/conduit/internal/config"
	"github.com/zjrosen/conduit/internal/flags"
	"github.com/zjrosen/conduit/internal/hub"
	"github.com/zjrosen/conduit/internal/infrastructure/sqlite"
	"github.com/zjrosen/conduit/internal/log"
	"github.com/zjrosen/conduit/internal/pubsub"
	"github.com/zjrosen/conduit/internal/sessions/cached"
	"github.com/zjrosen/conduit/internal/sessions/domain"
	"github.com/zjrosen/conduit/internal/sessions/memory"
	"github.com/zjrosen/conduit/internal/tracing"
	"github.com/zjrosen/conduit/internal/transport/ws"
	"github.com/zjrosen/conduit/internal/watcher"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session server",
	Long: `Run the conduit server. Clients attach to sessions over WebSocket at
/ws?session_id=<uuid>; the REST API lists, edits and deletes sessions.

The server listens on 127.0.0.1:7433 unless server.addr/server.port or
--addr say otherwise. Agent defaults are reloaded when the config file
changes; sessions already running keep the settings they started with.

Example:
  conduit serve                      # Start on the configured address
  conduit serve --addr 127.0.0.1:0   # Pick a free port`,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "host:port to listen on (overrides config)")
}

func runServe(_ *cobra.Command, _ []string) error {
	cleanup, err := initLogging("conduit serve")
	if err != nil {
		return err
	}
	defer cleanup()

	addr := serveAddr
	if addr == "" {
		addr = cfg.Server.Address()
	}

	spawner := &adapter.ClaudeSpawner{
		Executable:  cfg.Agent.Executable,
		StderrLimit: cfg.Agent.StderrLimit,
	}
	srv, err := newServer(cfg, addr, spawner)
	if err != nil {
		return err
	}

	stopWatch := srv.watchConfig(configPath())
	defer stopWatch()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.api.Start()
	}()

	fmt.Printf("conduit listening on %s\n", srv.api.Addr())
	fmt.Println("Press Ctrl+C to stop")

	var serveErr error
	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	srv.shutdown(ctx)

	fmt.Println("conduit stopped")
	return serveErr
}

// server is everything runServe starts and must stop.
type server struct {
	store     domain.Store
	hub       *hub.Hub
	api       *api.Server
	tracing   *tracing.Provider
	lifecycle *pubsub.Broker[hub.Lifecycle]
}

func newServer(c config.Config, addr string, spawner adapter.Spawner) (*server, error) {
	provider, err := tracing.NewProvider(c.Tracing)
	if err != nil {
		return nil, fmt.Errorf("creating tracing provider: %w", err)
	}

	flagRegistry := c.FlagRegistry()
	store, err := openStore(c.Storage, flagRegistry)
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, err
	}

	lifecycle := pubsub.NewBroker[hub.Lifecycle]()
	h := hub.New(hub.Options{
		Spawner:   spawner,
		Store:     store,
		Tracer:    provider.Tracer(),
		Flags:     flagRegistry,
		Lifecycle: lifecycle,
		Defaults:  hubDefaults(c.Agent),
	})

	apiServer, err := api.NewServer(api.ServerConfig{
		Addr: addr,
		HandlerConfig: api.HandlerConfig{
			Store:     store,
			Runtime:   h,
			Lifecycle: lifecycle,
			WebSocket: ws.NewHandler(h),
		},
	})
	if err != nil {
		_ = h.Shutdown(context.Background())
		lifecycle.Close()
		_ = store.Close()
		_ = provider.Shutdown(context.Background())
		return nil, fmt.Errorf("creating API server: %w", err)
	}

	return &server{
		store:     store,
		hub:       h,
		api:       apiServer,
		tracing:   provider,
		lifecycle: lifecycle,
	}, nil
}

// openStore returns SQLite behind a session cache, or memory when
// persistence is switched off.
func openStore(sc config.StorageConfig, f *flags.Registry) (domain.Store, error) {
	if !f.Enabled(flags.FlagSessionPersistence) {
		log.Warn(log.CatDB, "session persistence disabled; sessions are kept in memory")
		return memory.New(), nil
	}
	db, err := sqlite.NewDB(sc.Path)
	if err != nil {
		return nil, fmt.Errorf("opening session database: %w", err)
	}
	return cached.New(db, sc.CacheTTLDuration()), nil
}

func hubDefaults(a config.AgentConfig) hub.Defaults {
	workDir := a.WorkDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	return hub.Defaults{
		Model:              a.Model,
		SystemPrompt:       a.SystemPrompt,
		AppendSystemPrompt: a.AppendSystemPrompt,
		WorkDir:            workDir,
		Env:                a.Environment(),
		SkipPermissions:    a.SkipPermissions,
		ExtraArgs:          a.ExtraArgs,
	}
}

// apply swaps in the agent defaults and flags of a reloaded config.
func (s *server) apply(c config.Config) {
	s.hub.SetDefaults(hubDefaults(c.Agent))
	s.hub.SetFlags(c.FlagRegistry())
	log.Info(log.CatConfig, "config reloaded", "model", c.Agent.Model)
}

// watchConfig reloads path on change. The returned func stops watching.
func (s *server) watchConfig(path string) func() {
	w, err := watcher.New(watcher.DefaultConfig(path))
	if err != nil {
		log.ErrorErr(log.CatWatcher, "config watcher unavailable", err)
		return func() {}
	}
	changes, err := w.Start()
	if err != nil {
		log.ErrorErr(log.CatWatcher, "config watcher unavailable", err, "path", path)
		_ = w.Stop()
		return func() {}
	}

	done := make(chan struct{})
	log.SafeGo(log.CatWatcher, "config reload", func() {
		for {
			select {
			case <-done:
				return
			case <-changes:
				s.reload(path)
			}
		}
	})
	return func() {
		close(done)
		_ = w.Stop()
	}
}

func (s *server) reload(path string) {
	v := viper.GetViper()
	if err := v.ReadInConfig(); err != nil {
		log.ErrorErr(log.CatConfig, "reloading config failed", err, "path", path)
		return
	}
	next, err := config.Decode(v)
	if err != nil {
		log.ErrorErr(log.CatConfig, "reloaded config is invalid", err, "path", path)
		return
	}
	s.apply(next)
}

func (s *server) shutdown(ctx context.Context) {
	if err := s.api.Stop(ctx); err != nil {
		log.ErrorErr(log.CatAPI, "error stopping API server", err)
	}
	if err := s.hub.Shutdown(ctx); err != nil {
		log.ErrorErr(log.CatHub, "error shutting down hub", err)
	}
	s.lifecycle.Close()
	if err := s.store.Close(); err != nil {
		log.ErrorErr(log.CatDB, "error closing store", err)
	}
	if err := s.tracing.Shutdown(ctx); err != nil {
		log.ErrorErr(log.CatTrace, "error flushing traces", err)
	}
}
