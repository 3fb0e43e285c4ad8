package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"nvr-engine/config"
	"nvr-engine/database"
	"nvr-engine/logging"
	"nvr-engine/service"
	"nvr-engine/storage"
	"nvr-engine/transcode"

	"github.com/rs/zerolog/log"
)

func main() {
	action := flag.String("action", "status", "Action to perform: status, sync, dates, settings, export")
	configFile := flag.String("config", "", "Path to config file (optional)")
	cameraID := flag.String("camera", "", "Camera ID (export)")
	start := flag.String("start", "", "Clip start, RFC3339 (export)")
	end := flag.String("end", "", "Clip end, RFC3339 (export)")
	target := flag.String("target", "", "Output file or directory (export, optional)")
	clean := flag.Float64("clean", 0, "Retention ceiling percent (settings)")
	floor := flag.Float64("floor", 0, "Retention floor percent (settings)")
	flag.Parse()

	var cfg config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.LoadConfigFromFile(*configFile)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(cfg.LogLevel, "text")

	db, err := database.NewSQLiteDB(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()

	ctx := context.Background()
	layout := storage.NewLayout(cfg.StoragePath, cfg.SegmentDuration)
	settings := config.NewSettingsService(db)

	switch *action {
	case "status":
		showStatus(ctx, cfg, db, settings)
	case "sync":
		runSync(ctx, db, layout)
	case "dates":
		listDates(db, layout)
	case "settings":
		updateSettings(settings, *clean, *floor)
	case "export":
		if *cameraID == "" || *start == "" || *end == "" {
			fmt.Println("Error: -camera, -start and -end are required for export")
			flag.Usage()
			os.Exit(1)
		}
		exportClip(ctx, cfg, db, *cameraID, *start, *end, *target)
	default:
		fmt.Printf("Unknown action: %s\n", *action)
		flag.Usage()
		os.Exit(1)
	}
}

func showStatus(ctx context.Context, cfg config.Config, db database.Database, settings *config.SettingsService) {
	dm := storage.NewDiskManager(cfg.StoragePath, storage.GopsutilProbe{}, db, settings)
	stats, err := dm.Stats(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read disk usage")
	}
	rs := settings.RetentionSettings()

	fmt.Println("=== Storage Status ===")
	fmt.Printf("Path:            %s\n", stats.Volume.Path)
	fmt.Printf("Filesystem:      %s\n", stats.Volume.Fstype)
	fmt.Printf("Volume:          %.1f / %.1f GB (%.1f%%)\n",
		float64(stats.Volume.UsedBytes)/1e9, float64(stats.Volume.TotalBytes)/1e9, stats.Volume.UsedPercent)
	fmt.Printf("Inventory:       %.2f GB\n", float64(stats.InventoryBytes)/1e9)
	if stats.CapGB > 0 {
		fmt.Printf("Storage cap:     %.1f GB\n", stats.CapGB)
	}
	fmt.Printf("Effective usage: %.1f%%\n", stats.UsedPercent)
	fmt.Printf("Retention:       clean above %.0f%%, stop at %.0f%%\n", rs.CleanThresholdPercent, rs.TargetThresholdPercent)

	cams, err := db.GetCameras()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read camera registry")
	}
	fmt.Printf("\n=== Cameras (%d) ===\n", len(cams))
	for _, cam := range cams {
		state := "disabled"
		if cam.Enabled {
			state = "enabled"
		}
		latest, err := db.GetLatestRecording(cam.ID)
		last := "no footage"
		if err == nil && latest != nil {
			last = latest.EndTime.Format(time.RFC3339)
		}
		fmt.Printf("%-12s %-20s %-8s last segment: %s\n", cam.ID, cam.Name, state, last)
	}
}

func runSync(ctx context.Context, db database.Database, layout storage.Layout) {
	stats, err := storage.NewReconciler(db, layout).Sync(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("sync failed")
	}
	fmt.Printf("Scanned %d cameras, %d files: %d created, %d updated, %d anomalies, %d errors in %v\n",
		stats.Cameras, stats.Files, stats.Created, stats.Updated, stats.Anomalies, stats.Errors, stats.Duration)
}

func listDates(db database.Database, layout storage.Layout) {
	dates, err := service.NewRecordingService(db, storage.NewReconciler(db, layout), layout.Location).RecordingDates()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list dates")
	}
	if len(dates) == 0 {
		fmt.Println("No recordings.")
		return
	}
	for _, d := range dates {
		fmt.Println(d)
	}
}

func updateSettings(settings *config.SettingsService, clean, floor float64) {
	if clean == 0 && floor == 0 {
		rs := settings.RetentionSettings()
		fmt.Printf("clean_threshold_percent=%.1f target_threshold_percent=%.1f\n", rs.CleanThresholdPercent, rs.TargetThresholdPercent)
		return
	}
	rs := config.RetentionSettings{CleanThresholdPercent: clean, TargetThresholdPercent: floor}
	if err := settings.SetRetentionSettings(rs, "nvrctl"); err != nil {
		log.Fatal().Err(err).Msg("failed to update retention settings")
	}
	fmt.Println("Retention settings updated.")
}

func exportClip(ctx context.Context, cfg config.Config, db database.Database, cameraID, start, end, target string) {
	from, err := time.Parse(time.RFC3339, start)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid -start")
	}
	to, err := time.Parse(time.RFC3339, end)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid -end")
	}

	exporter := service.NewClipExporter(db, transcode.NewFFmpegCutter(cfg.FFmpegPath, ""), nil, nil, service.ExporterOptions{
		ExportPath:    cfg.ExportPath,
		TTL:           cfg.ExportTTL,
		Tolerance:     cfg.ExportTolerance,
		MaxConcurrent: 1,
	})
	res, err := exporter.Export(ctx, service.ExportRequest{CameraID: cameraID, Start: from, End: to, TargetPath: target})
	if err != nil {
		log.Fatal().Err(err).Msg("export failed")
	}
	fmt.Printf("Clip written to %s\n", res.Path)
}
