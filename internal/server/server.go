// Package server assembles and runs the daemon: trust root, modeling
// engine, control surface and the action profile watcher.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Programator2/TSEM/internal/api"
	"github.com/Programator2/TSEM/internal/auth"
	"github.com/Programator2/TSEM/internal/config"
	"github.com/Programator2/TSEM/internal/engine"
	"github.com/Programator2/TSEM/internal/metrics"
	"github.com/Programator2/TSEM/internal/namespace"
	"github.com/Programator2/TSEM/internal/task"
	"github.com/Programator2/TSEM/internal/trust"
	"github.com/Programator2/TSEM/pkg/types"
)

type Server struct {
	cfg    *config.Config
	log    *slog.Logger
	engine *engine.Engine
	trust  *trust.Root
	app    *api.App
	http   *http.Server
}

// New wires the daemon from its configuration. The trust root, the
// registries and the root modeling domain are all live when New
// returns.
func New(cfg *config.Config) (*Server, error) {
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	chip, err := openChip(cfg.Trust, log)
	if err != nil {
		return nil, err
	}
	root := trust.New(chip, cfg.Trust.PCR, log)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	domains := namespace.NewRegistry(root, &task.ProcCredentials{Root: "/proc"}, log)
	eng, err := engine.New(domains, task.NewRegistry(), root, m, namespace.Config{
		Digest:       cfg.Root.Digest,
		Namespace:    types.NamespaceRef(cfg.Root.Namespace),
		MagazineSize: cfg.Root.MagazineSize,
	}, log)
	if err != nil {
		root.Close()
		return nil, err
	}

	if err := applyActionConfig(cfg, eng.Root()); err != nil {
		root.Close()
		return nil, err
	}

	var apiKeys *auth.APIKeyAuth
	if strings.EqualFold(cfg.Auth.Type, "api_key") {
		apiKeys, err = auth.LoadAPIKeys(cfg.Auth.APIKey.KeysFile, cfg.Auth.APIKey.HeaderName)
		if err != nil {
			root.Close()
			return nil, err
		}
	}

	app := api.NewApp(cfg, eng, apiKeys, registry)
	s := &Server{
		cfg:    cfg,
		log:    log,
		engine: eng,
		trust:  root,
		app:    app,
		http: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      app.Router(),
			ReadTimeout:  cfg.ReadTimeout(),
			WriteTimeout: cfg.WriteTimeout(),
		},
	}
	return s, nil
}

// Engine exposes the modeling engine, mainly for tests.
func (s *Server) Engine() *engine.Engine { return s.engine }

// Run serves the control surface until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.Actions.Profile != "" {
		stop, err := s.watchActionProfile(ctx)
		if err != nil {
			s.log.Warn("action profile watch failed", "path", s.cfg.Actions.Profile, "error", err)
		} else {
			defer stop()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.cfg.Server.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		s.trust.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.http.Shutdown(shutdownCtx)
	s.trust.Close()
	if serveErr := <-errCh; serveErr != nil {
		return serveErr
	}
	return err
}

// watchActionProfile reloads the root domain's action table whenever
// the profile file changes.
func (s *Server) watchActionProfile(ctx context.Context) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(s.cfg.Actions.Profile); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		// Editors fire several events per save; coalesce them.
		var pending <-chan time.Time
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					pending = time.After(200 * time.Millisecond)
				}
			case <-pending:
				pending = nil
				s.reloadActionProfile()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn("action profile watcher error", "error", err)
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { watcher.Close() }, nil
}

func (s *Server) reloadActionProfile() {
	table, err := config.LoadActionProfile(s.cfg.Actions.Profile)
	if err != nil {
		s.log.Warn("action profile reload failed",
			"path", s.cfg.Actions.Profile, "error", err)
		return
	}
	root := s.engine.Root()
	for t, action := range table {
		if err := root.SetAction(t, action); err != nil {
			s.log.Warn("action update rejected", "event", t.Name(), "error", err)
		}
	}
	s.log.Info("action profile reloaded", "path", s.cfg.Actions.Profile, "entries", len(table))
}

func applyActionConfig(cfg *config.Config, root *namespace.Domain) error {
	table, err := config.ParseActionTable(cfg.Actions.Default)
	if err != nil {
		return err
	}
	if cfg.Actions.Profile != "" {
		profile, err := config.LoadActionProfile(cfg.Actions.Profile)
		if err != nil {
			return err
		}
		for t, action := range profile {
			table[t] = action
		}
	}
	for t, action := range table {
		if err := root.SetAction(t, action); err != nil {
			return err
		}
	}
	return nil
}

func openChip(cfg config.TrustConfig, log *slog.Logger) (trust.Chip, error) {
	if !cfg.TPM {
		return trust.NullChip{}, nil
	}
	chip, err := trust.OpenDevice(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("open tpm device %s: %w", cfg.Device, err)
	}
	log.Info("trust hardware attached", "device", cfg.Device)
	return chip, nil
}

func newLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}

	var out *os.File
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log output: %w", err)
		}
		out = f
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), nil
}
