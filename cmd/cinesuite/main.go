package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cinesuite/internal/api"
	"cinesuite/pkg/clock"
	"cinesuite/pkg/config"
	"cinesuite/pkg/db"
	"cinesuite/pkg/db/maintenance"
	"cinesuite/pkg/director"
	"cinesuite/pkg/export"
	"cinesuite/pkg/generator"
	"cinesuite/pkg/generator/gemini"
	"cinesuite/pkg/logging"
	"cinesuite/pkg/media"
	"cinesuite/pkg/merge"
	"cinesuite/pkg/model"
	"cinesuite/pkg/playback"
	"cinesuite/pkg/probe"
	"cinesuite/pkg/prompt"
	"cinesuite/pkg/sequencer"
	"cinesuite/pkg/store"
	"cinesuite/pkg/timeline"
	"cinesuite/pkg/tracker"
	"cinesuite/pkg/version"
)

var (
	configPath = flag.String("config", "configs/cinesuite.yaml", "Path to the config file")
	initConfig = flag.Bool("init-config", false, "Generate default config file and exit")
)

func main() {
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	if *initConfig {
		if err := config.GenerateDefault(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Config file generated:", *configPath)
		return
	}

	if err := run(context.Background(), *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL ERROR: Application failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	appCfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cleanupLogs, err := logging.Init(&appCfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer cleanupLogs()

	slog.Info("Cinesuite Started", "version", version.Version)

	dbConn, st, err := initDB(appCfg)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	lib, err := media.NewLibrary(appCfg.Media.Dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(appCfg.Media.WorkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	if err := maintenance.Run(ctx, st, lib, appCfg.Media.PruneAfter.Std()); err != nil {
		slog.Error("Maintenance tasks failed", "error", err)
	}

	// Startup Probes
	probes := []probe.Probe{
		{Name: "Media Directory", Check: probe.Writable(lib.Dir()), Critical: true},
		{Name: "Work Directory", Check: probe.Writable(appCfg.Media.WorkDir), Critical: true},
		{Name: "FFmpeg", Check: probe.Executable(appCfg.Merge.FFmpegPath)},
		{Name: "FFprobe", Check: probe.Executable(appCfg.Merge.FFprobePath)},
		{Name: "Gemini API Key", Check: probe.NonEmpty(appCfg.Gemini.Key, "no key configured; set gemini.key or GEMINI_API_KEY")},
	}
	if err := probe.AnalyzeResults(probe.Run(ctx, probes)); err != nil {
		return fmt.Errorf("startup checks failed: %w", err)
	}

	prompts, err := prompt.NewBuilder()
	if err != nil {
		return fmt.Errorf("failed to load prompt templates: %w", err)
	}

	tr := tracker.New()
	codec := merge.NewFFmpegCodec(appCfg.Merge)

	gem, err := gemini.NewClient(ctx, appCfg.Gemini, appCfg.Media.WorkDir, appCfg.Log.Gemini.Path, codec, prompts)
	if err != nil {
		return fmt.Errorf("failed to initialize gemini client: %w", err)
	}
	defer gem.Close()

	session := generator.NewSession(generator.Policy{
		MaxAttempts:   appCfg.Generation.MaxAttempts,
		QuotaCooldown: appCfg.Generation.QuotaCooldown.Std(),
		Backoff: generator.Backoff{
			BaseDelay: appCfg.Generation.Backoff.BaseDelay.Std(),
			MaxDelay:  appCfg.Generation.Backoff.MaxDelay.Std(),
		},
	}, tr)
	gen := generator.NewGuarded(gem, session)

	// Timeline releases media only when no saved project still uses it
	releaser := api.NewProjectAwareReleaser(lib, st)
	tl := timeline.NewManager(timeline.Limits{
		Min:     appCfg.Timeline.MinDuration,
		Max:     appCfg.Timeline.MaxDuration,
		Default: appCfg.Timeline.DefaultDuration,
	}, releaser)

	engine := merge.NewEngine(lib, codec)
	coord := merge.NewCoordinator(ctx, tl, engine, releaser, appCfg.Merge.MaxConcurrent, tr)

	dir := director.New(ctx, tl, gen, lib, coord, prompts, appCfg.Generation, appCfg.Gemini.Voice)
	seq := sequencer.New(dir, appCfg.Sequencer.Throttle.Std(), appCfg.Sequencer.MaxCount)
	pb := playback.NewScheduler(tl, clock.Real{}, appCfg.Playback.TransitionWindow.Std(), appCfg.Playback.Loop)

	settings := api.NewSettingsHandler(st, model.Settings{
		AspectRatio: appCfg.Generation.AspectRatio,
		Resolution:  appCfg.Generation.Resolution,
		FrameRate:   appCfg.Generation.FrameRate,
		Style:       appCfg.Generation.Style,
		Voice:       appCfg.Gemini.Voice,
		Loop:        appCfg.Playback.Loop,
	}, pb)
	pb.SetLooping(settings.Load(ctx).Loop)

	hub := api.NewEventHub()
	defer hub.Close()
	wireEvents(hub, tl, coord, dir, seq, pb)

	srv := api.NewServer(appCfg.Server.Address, api.Handlers{
		Timeline:  api.NewTimelineHandler(tl, dir, coord),
		Sequencer: api.NewSequencerHandler(ctx, seq),
		Playback:  api.NewPlaybackHandler(pb),
		Generator: api.NewGeneratorHandler(session, tr),
		Export:    api.NewExportHandler(tl, export.NewPackager(lib)),
		Projects:  api.NewProjectHandler(st, tl, pb, releaser),
		Settings:  settings,
		Media:     api.NewMediaHandler(lib),
		Events:    hub,
	}, cancel)
	srv.Handler = loggingMiddleware(srv.Handler)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	err = runServerLifecycle(ctx, srv, quit)

	// Let in-flight work observe cancellation before the database closes
	cancel()
	seq.Stop()
	pb.Stop()
	seq.Wait()
	dir.Wait()
	coord.Wait()
	slog.Info("Cinesuite stopped")
	return err
}

func initDB(appCfg *config.Config) (*db.DB, store.Store, error) {
	dbConn, err := db.Init(appCfg.DB.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return dbConn, store.NewSQLiteStore(dbConn), nil
}

// wireEvents forwards every component's events to the hub.
func wireEvents(hub *api.EventHub, tl *timeline.Manager, coord *merge.Coordinator, dir *director.Director, seq *sequencer.Sequencer, pb *playback.Scheduler) {
	tl.Subscribe(hub.Publish)
	coord.OnEvent(hub.Publish)
	dir.OnEvent(hub.Publish)
	seq.Subscribe(hub.Publish)
	pb.Subscribe(func(st playback.State) {
		hub.Publish(model.TimelineEvent{
			Type:    model.EventPlayback,
			SceneID: st.SceneID,
			Index:   st.Index,
			Data:    st,
		})
	})
}

func runServerLifecycle(ctx context.Context, srv *http.Server, quit chan os.Signal) error {
	slog.Info("Starting server", "addr", srv.Addr)
	serverErrors := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()
	select {
	case <-quit:
		slog.Info("Shutting down server...")
	case <-ctx.Done():
		slog.Info("Context cancelled, shutting down...")
	case err := <-serverErrors:
		return fmt.Errorf("server failed: %w", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.RequestLogger.Info("Request Processed", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
