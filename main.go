package main

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"nvr-engine/api"
	"nvr-engine/config"
	"nvr-engine/cron"
	"nvr-engine/database"
	"nvr-engine/logging"
	"nvr-engine/metrics"
	"nvr-engine/monitoring"
	"nvr-engine/recording"
	"nvr-engine/service"
	"nvr-engine/storage"
	"nvr-engine/transcode"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const resourceLogInterval = time.Minute

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to load .env file")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	l := logging.For("main")

	if err := config.EnsurePaths(cfg); err != nil {
		l.Fatal().Err(err).Msg("failed to create directories")
	}

	db, err := database.NewSQLiteDB(cfg.DatabasePath)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to initialize SQLite database")
	}
	defer db.Close()

	if err := config.SeedCameras(cfg, db); err != nil {
		l.Fatal().Err(err).Msg("failed to seed camera registry")
	}
	settings := config.NewSettingsService(db)
	if err := settings.InitializeDefaults(); err != nil {
		l.Warn().Err(err).Msg("failed to initialize settings defaults")
	}
	nodeName := settings.NodeName(hostname())

	layout := storage.NewLayout(cfg.StoragePath, cfg.SegmentDuration)
	reconciler := storage.NewReconciler(db, layout)
	diskManager := storage.NewDiskManager(cfg.StoragePath, storage.GopsutilProbe{}, db, settings)

	supervisor := recording.NewSupervisor(recording.ExecRunner{}, db, reconciler, layout, recording.Options{
		FFmpegPath:      cfg.FFmpegPath,
		RelayURL:        cfg.RelayURL,
		RestartDelay:    cfg.RestartDelay,
		RestartMaxDelay: cfg.RestartMaxDelay,
	})
	retention := storage.NewRetention(db, layout, diskManager, settings, supervisor, cfg.MaxDeletionsPerTick)

	var archiver service.Archiver
	if cfg.R2Enabled {
		r2, err := storage.NewR2Storage(storage.R2Config{
			AccessKey: cfg.R2AccessKey,
			SecretKey: cfg.R2SecretKey,
			AccountID: cfg.R2AccountID,
			Bucket:    cfg.R2Bucket,
			Endpoint:  cfg.R2Endpoint,
			Region:    cfg.R2Region,
			BaseURL:   cfg.R2BaseURL,
		})
		if err != nil {
			l.Fatal().Err(err).Msg("failed to initialize R2 storage")
		}
		archiver = r2
	}

	cutter := transcode.NewFFmpegCutter(cfg.FFmpegPath, ffprobeFor(cfg.FFmpegPath))
	exporter := service.NewClipExporter(db, cutter, archiver, metrics.NewMetricsCollector(), service.ExporterOptions{
		ExportPath:    cfg.ExportPath,
		TTL:           cfg.ExportTTL,
		Tolerance:     cfg.ExportTolerance,
		MaxConcurrent: cfg.MaxConcurrentExports,
	})
	recordings := service.NewRecordingService(db, reconciler, layout.Location)

	monitor, err := monitoring.NewMonitor(diskManager)
	if err != nil {
		l.Warn().Err(err).Msg("resource monitor unavailable")
	}

	deps := api.Deps{
		Recorder:   supervisor,
		Cameras:    db,
		Syncer:     reconciler,
		Exporter:   exporter,
		Recordings: recordings,
		Disk:       diskManager,
	}
	if monitor != nil {
		deps.Resources = monitor
	}
	server := api.NewServer(cfg, deps)
	storageMonitor := cron.NewStorageMonitorCron(reconciler, retention, cfg.MonitorInterval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	l.Info().
		Str("node", nodeName).
		Str("storage", cfg.StoragePath).
		Dur("segment", cfg.SegmentDuration).
		Msg("starting recording engine")

	g.Go(func() error { return supervisor.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		supervisor.StopAll()
		return nil
	})

	// Index what is already on disk before captures and retention start
	if stats, err := reconciler.Sync(gctx); err != nil {
		l.Error().Err(err).Msg("initial sync failed")
	} else {
		l.Info().Int("files", stats.Files).Int("created", stats.Created).Msg("initial sync complete")
	}

	if err := supervisor.StartAll(gctx); err != nil {
		l.Warn().Err(err).Msg("some cameras failed to start")
	}

	g.Go(func() error { return storageMonitor.Start(gctx) })
	g.Go(func() error { return server.Start(gctx) })
	if monitor != nil {
		g.Go(func() error { return monitor.Run(gctx, resourceLogInterval) })
	}

	if err := g.Wait(); err != nil {
		l.Error().Err(err).Msg("engine stopped with error")
		return
	}
	l.Info().Msg("engine stopped")
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "nvr"
	}
	return name
}

// ffprobeFor returns the ffprobe next to ffmpeg, or "" when none is installed
func ffprobeFor(ffmpegPath string) string {
	name := strings.Replace(filepath.Base(ffmpegPath), "ffmpeg", "ffprobe", 1)
	candidate := filepath.Join(filepath.Dir(ffmpegPath), name)
	if !strings.ContainsRune(ffmpegPath, os.PathSeparator) {
		candidate = name
	}
	p, err := exec.LookPath(candidate)
	if err != nil {
		return ""
	}
	return p
}
