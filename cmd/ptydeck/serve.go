package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asheshgoplani/ptydeck/internal/config"
	"github.com/asheshgoplani/ptydeck/internal/launcher"
	"github.com/asheshgoplani/ptydeck/internal/logging"
	"github.com/asheshgoplani/ptydeck/internal/metrics"
	"github.com/asheshgoplani/ptydeck/internal/procsup"
	"github.com/asheshgoplani/ptydeck/internal/registry"
	"github.com/asheshgoplani/ptydeck/internal/session"
	"github.com/asheshgoplani/ptydeck/internal/statedb"
	"github.com/asheshgoplani/ptydeck/internal/web"
)

var cliLog = logging.ForComponent(logging.CompCLI)

// ServeCmd runs the manager and its web API until interrupted.
type ServeCmd struct {
	Listen   string        `help:"Listen address (overrides web.listen)"`
	ReadOnly bool          `help:"Reject input and lifecycle changes over the API"`
	Restore  *bool         `help:"Resume saved sessions at startup (overrides sessions.restore_on_start)" negatable:""`
	Grace    time.Duration `help:"How long shutdown waits for sessions to exit" default:"10s"`
}

// stack is everything serve and cleanup share.
type stack struct {
	db       *statedb.StateDB
	sup      *procsup.Supervisor
	registry *registry.Registry
}

func openStack() (*stack, error) {
	path, err := config.StatePath()
	if err != nil {
		return nil, err
	}
	db, err := statedb.OpenAndMigrate(path)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	sup := procsup.New()
	reg, err := registry.New(db, sup)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &stack{db: db, sup: sup, registry: reg}, nil
}

func claudeLauncher(cfg *config.UserConfig) *launcher.ClaudeLauncher {
	return launcher.NewClaude(launcher.ClaudeConfig{
		Command:          cfg.Claude.GetCommand(),
		ConfigDir:        cfg.Claude.GetConfigDir(),
		ExportConfigDir:  cfg.Claude.ConfigDir != "",
		Shell:            cfg.Sessions.GetShell(),
		SkipPermissions:  cfg.Claude.SkipPermissions,
		DiscoveryTimeout: cfg.Claude.GetDiscoveryTimeout(),
	})
}

func (s *ServeCmd) Run(cli *CLI) error {
	cfg := cli.cfg

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.db.Close()

	m := metrics.New()
	mgr, err := session.NewManager(ctx, session.Deps{
		Config:   cfg,
		Store:    st.db,
		Registry: st.registry,
		Spawner:  st.sup,
		Launcher: claudeLauncher(cfg),
		Metrics:  m,
	})
	if err != nil {
		return err
	}
	if rep := mgr.Recovery(); len(rep.Terminated) > 0 {
		fmt.Fprintf(os.Stderr, "Terminated %d orphaned process group(s) from a previous run\n", len(rep.Terminated))
	}

	restore := cfg.Sessions.GetRestoreOnStart()
	if s.Restore != nil {
		restore = *s.Restore
	}
	if restore {
		resumed := mgr.RestoreAll(ctx)
		cliLog.Info("sessions_restored", slog.Int("count", len(resumed)))
	}

	listen := cfg.Web.GetListen()
	if s.Listen != "" {
		listen = s.Listen
	}
	srv := web.NewServer(web.Config{
		ListenAddr:     listen,
		Token:          cli.token(),
		ReadOnly:       s.ReadOnly || cfg.Web.ReadOnly,
		Pprof:          cfg.Web.Pprof,
		AllowedOrigins: cfg.Web.AllowedOrigins,
		Metrics:        m,
	}, mgr)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	fmt.Printf("ptydeck serving on http://%s\n", listen)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), s.Grace)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		cliLog.Warn("web_shutdown_failed", slog.String("error", err.Error()))
	}
	if err := mgr.CloseAll(shutdownCtx); err != nil {
		cliLog.Error("close_all_failed", slog.String("error", err.Error()))
		serveErr = errors.Join(serveErr, err)
	}
	return serveErr
}

// CleanupCmd terminates process groups recorded by a server that did not
// shut down cleanly. It refuses to run next to a live server.
type CleanupCmd struct {
	Timeout time.Duration `help:"Grace period before SIGKILL" default:"5s"`
	Force   bool          `help:"Run even if a server answers on the configured address"`
}

func (c *CleanupCmd) Run(cli *CLI) error {
	if !c.Force {
		if err := cli.client().health(context.Background()); err == nil {
			return fmt.Errorf("a server is running at %s; stop it first or pass --force", cli.serverURL())
		}
	}

	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.db.Close()

	if st.registry.Len() == 0 {
		fmt.Println("No recorded process groups.")
		return nil
	}
	rep, err := st.registry.RecoverOrphans(context.Background(), c.Timeout)
	if err != nil {
		return err
	}
	fmt.Printf("Terminated: %d (%d forced)  Already gone: %d\n",
		len(rep.Terminated), len(rep.Forced), len(rep.Dropped))
	return nil
}
