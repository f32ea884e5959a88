// Package app assembles the orchestrator from a resolved configuration:
// gpu detection, catalog, installer, worker spawner, backends, manager,
// game bridge and the HTTP host API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"mitavoice/internal/backend"
	"mitavoice/internal/bridge"
	"mitavoice/internal/catalog"
	"mitavoice/internal/config"
	"mitavoice/internal/edgetts"
	"mitavoice/internal/gpu"
	"mitavoice/internal/httpapi"
	"mitavoice/internal/installer"
	"mitavoice/internal/manager"
	"mitavoice/internal/registry"
	"mitavoice/internal/triton"
	"mitavoice/internal/worker"
)

const recentEvents = 256

// Options are the collaborators Build does not derive from Config.
type Options struct {
	// GPU skips detection when set.
	GPU *gpu.Info
	// Getenv reads the process flags; defaults to os.Getenv.
	Getenv func(string) string
	// Registerer receives the manager metrics; nil disables them.
	Registerer prometheus.Registerer
	// AssumeYes confirms unsupported-GPU installs without a prompt.
	AssumeYes bool
	// Runner replaces the pip/probe command runner.
	Runner installer.Runner
	// Workers replaces the child interpreter spawner.
	Workers worker.Spawner
	Logger  zerolog.Logger
}

// App is a fully wired orchestrator.
type App struct {
	Config     config.Config
	GPU        gpu.Info
	Flags      config.Flags
	Catalog    *catalog.Controller
	Installer  *installer.Installer
	Manager    *manager.Manager
	Bridge     *bridge.Server
	Characters registry.Scanner
	// Events keeps the most recent manager events for GET /events.
	Events *manager.MemoryPublisher

	log zerolog.Logger
}

// Build wires every component. Nothing is installed or loaded.
func Build(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	log := opts.Logger
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	flags := config.FlagsFromEnv(getenv)

	var g gpu.Info
	if opts.GPU != nil {
		g = *opts.GPU
	} else {
		g = gpu.Detector{Flags: flags, Logger: log}.Detect(ctx)
	}
	log.Info().Str("vendor", string(g.Vendor)).Str("name", g.Name).Strs("devices", g.CUDADevices).Msg("gpu detected")

	for _, dir := range []string{cfg.Paths.LibDir, cfg.Paths.SettingsDir, cfg.Paths.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	cat, err := catalog.NewController(catalog.ControllerConfig{
		SettingsDir: cfg.Paths.SettingsDir,
		GPU:         g,
		Flags:       flags,
		Override:    cfg.Catalog.Override,
		Logger:      log.With().Str("component", "catalog").Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}

	inst := installer.New(installer.Config{
		Python:   cfg.Paths.Python,
		LibDir:   cfg.Paths.LibDir,
		IndexURL: cfg.Install.PipIndexURL,
		Runner:   opts.Runner,
		Logger:   log.With().Str("component", "installer").Logger(),
	}, installer.Callbacks{})

	workers := opts.Workers
	if workers == nil {
		workers = worker.NewProcessSpawner(worker.Config{
			Python:    cfg.Paths.Python,
			WorkDir:   cfg.Paths.Root,
			Env:       inst.PythonEnv(),
			ScriptDir: cfg.Paths.TempDir,
			Logger:    log.With().Str("component", "worker").Logger(),
		})
	}

	dialogs := backend.Headless{Logger: log, AssumeYes: opts.AssumeYes}
	rt := backend.NewRuntime(cfg.Voice.Language)
	env := &backend.Env{
		Installer: inst,
		Workers:   workers,
		Catalog:   cat,
		Runtime:   rt,
		GPU:       g,
		Dialogs:   dialogs,
		Edge:      edgetts.New(edgetts.Config{Logger: log.With().Str("component", "edgetts").Logger()}),
		Triton: triton.New(triton.Config{
			Installer: inst,
			TempDir:   cfg.Paths.TempDir,
			Flags:     flags,
			Prompt:    dialogs,
			Logger:    log.With().Str("component", "triton").Logger(),
		}),
		Paths: backend.Paths{
			Models:      cfg.Paths.ModelsDir,
			Temp:        cfg.Paths.TempDir,
			Checkpoints: cfg.Paths.CheckpointsDir,
		},
		TorchIndexURL: cfg.Install.TorchIndexURL,
		F5:            backend.F5Files{ModelURL: cfg.F5.ModelURL, VocabURL: cfg.F5.VocabURL},
		HTTPClient:    &http.Client{},
		Logger:        log.With().Str("component", "backend").Logger(),
	}

	// One RVC engine is shared by the plain and the compound models.
	rvc := backend.NewRVCHandler(env)
	backends := map[string]backend.Backend{}
	for _, b := range []backend.Backend{rvc, backend.NewFishBackend(env, rvc), backend.NewF5Backend(env, rvc)} {
		for _, mode := range b.Modes() {
			backends[mode] = b
		}
	}

	br := bridge.New(bridge.Config{
		PollInterval: cfg.Server.PushInterval,
		Logger:       log.With().Str("component", "bridge").Logger(),
	})

	var metrics *manager.Metrics
	if opts.Registerer != nil {
		metrics = manager.NewMetrics(opts.Registerer)
	}
	var sink manager.AudioSink
	if argv := strings.Fields(cfg.Voice.Player); len(argv) > 0 {
		sink = &commandSink{argv: argv, runner: inst.Runner(), log: log}
	}

	events := manager.NewRingPublisher(recentEvents)
	mgr := manager.NewWithConfig(manager.ManagerConfig{
		Catalog:        cat,
		Backends:       backends,
		RVC:            rvc,
		Components:     env,
		Installer:      inst,
		Runtime:        rt,
		Dialogs:        dialogs,
		DefaultModel:   cfg.Voice.Model,
		Character:      cfg.Voice.Character,
		CharacterPitch: cfg.Voice.Pitch,
		Publisher:      events,
		Metrics:        metrics,
		Sink:           sink,
		Game:           br.Slot(),
		Logger:         log.With().Str("component", "manager").Logger(),
	})

	return &App{
		Config:     cfg,
		GPU:        g,
		Flags:      flags,
		Catalog:    cat,
		Installer:  inst,
		Manager:    mgr,
		Bridge:     br,
		Characters: registry.Scanner{Dir: cfg.Paths.ModelsDir},
		Events:     events,
		log:        log,
	}, nil
}

// Handler returns the host API mux.
func (a *App) Handler() http.Handler {
	return httpapi.NewMux(a.Manager, httpapi.Options{
		Characters: a.Characters.Characters,
		Settings:   a.Catalog,
		Sound:      a.Bridge.Slot(),
		Game:       a.Bridge,
		Events:     a.Events.Events,
	})
}

// Serve runs the bridge loop and the HTTP server until ctx is canceled,
// then shuts both down and releases the loaded models.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	httpapi.SetLogger(a.log.With().Str("component", "http").Logger())
	httpapi.SetBaseContext(ctx)
	if a.Config.Server.CORS {
		httpapi.SetCORSOptions(true, []string{"*"}, []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}, []string{"Content-Type", "X-Log-Level"})
	}
	if rep := a.Manager.SanityCheck(); !rep.OK() {
		a.log.Warn().Str("python", rep.PythonPath).Str("lib_dir", rep.LibDir).Str("error", rep.Error).Msg("sanity check failed; installs will fail until fixed")
	}

	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() { _ = a.Bridge.Run(ctx) }()

	if id := a.Config.Voice.Model; id != "" && a.Manager.IsModelInstalled(ctx, id) {
		if _, err := a.Manager.Switch(ctx, id, true); err != nil {
			a.log.Warn().Err(err).Str("model", id).Msg("initial model not started")
		}
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", ln.Addr().String()).Msg("mitavoice listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		_ = a.Manager.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return a.Manager.Close()
}

// commandSink plays a finished file with an external player.
type commandSink struct {
	argv   []string
	runner installer.Runner
	log    zerolog.Logger
}

// Play starts the player and returns without waiting for it.
func (s *commandSink) Play(path string) error {
	cmd := installer.Cmd{Path: s.argv[0], Args: append(append([]string(nil), s.argv[1:]...), path)}
	go func() {
		if err := s.runner.Run(context.Background(), cmd, func(string) {}); err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("playback failed")
		}
	}()
	return nil
}
