package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nvr-engine/config"
	"nvr-engine/database"
	"nvr-engine/logging"
	"nvr-engine/metrics"
	"nvr-engine/monitoring"
	"nvr-engine/recording"
	"nvr-engine/service"
	"nvr-engine/storage"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RecordingController starts and stops camera capture. *recording.Supervisor implements it.
type RecordingController interface {
	Start(ctx context.Context, cam database.Camera) error
	Stop(cameraID string) bool
	GetActiveInfo(cameraID string) (recording.ActiveInfo, bool)
	ActiveRecordings() []recording.ActiveInfo
}

// CameraLookup reads the camera registry
type CameraLookup interface {
	GetCamera(id string) (*database.Camera, error)
}

// Syncer runs a manual reindex. *storage.Reconciler implements it.
type Syncer interface {
	Sync(ctx context.Context) (storage.SyncStats, error)
}

// Exporter produces clips. *service.ClipExporter implements it.
type Exporter interface {
	Export(ctx context.Context, req service.ExportRequest) (service.ExportResult, error)
	ListExports() ([]service.ExportFile, error)
	Metrics() *metrics.MetricsCollector
}

// RecordingQueries is the inventory read and purge surface. *service.RecordingService implements it.
type RecordingQueries interface {
	ListRecordings(cameraID, date string, limit int) ([]database.Recording, error)
	GetRecording(id string) (*database.Recording, error)
	RecordingDates() ([]string, error)
	DeleteRecording(ctx context.Context, id string) error
	PurgeAll(ctx context.Context) (int64, error)
}

// DiskStatsSource reports storage usage. *storage.DiskManager implements it.
type DiskStatsSource interface {
	Stats(ctx context.Context) (storage.DiskStats, error)
}

// ResourceSampler reports process resource usage. *monitoring.Monitor implements it.
type ResourceSampler interface {
	Sample(ctx context.Context) (monitoring.ResourceUsage, error)
}

// Deps are the engine components served over HTTP. Disk and Resources are optional.
type Deps struct {
	Recorder   RecordingController
	Cameras    CameraLookup
	Syncer     Syncer
	Exporter   Exporter
	Recordings RecordingQueries
	Disk       DiskStatsSource
	Resources  ResourceSampler
}

type Server struct {
	config config.Config
	deps   Deps
	log    zerolog.Logger
}

func NewServer(cfg config.Config, deps Deps) *Server {
	return &Server{
		config: cfg,
		deps:   deps,
		log:    logging.For("api"),
	}
}

// Handler builds the gin engine with every route registered
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	s.setupCORS(r)
	s.setupRoutes(r)
	return r
}

// Start serves HTTP until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.config.ServerPort,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", srv.Addr).Msg("starting API server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info().Msg("stopping API server")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) setupCORS(r *gin.Engine) {
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) setupRoutes(r *gin.Engine) {
	if exportPath := s.config.ExportPath; exportPath != "" {
		r.Static("/exports", exportPath)
	}

	api := r.Group("/api")
	{
		api.GET("/health", s.getHealth)
		api.GET("/config", s.getConfig)

		api.POST("/recordings/sync", s.syncRecordings)
		api.GET("/recordings", s.listRecordings)
		api.GET("/recordings/dates", s.listRecordingDates)
		api.GET("/recordings/:id", s.getRecording)
		api.DELETE("/recordings/purge", s.purgeRecordings)
		api.DELETE("/recordings/:id", s.deleteRecording)
		api.POST("/recordings/export", s.exportClip)

		api.GET("/exports", s.listExports)
		api.GET("/exports/metrics", s.getExportMetrics)

		api.POST("/cameras/:id/recording/start", s.startRecording)
		api.POST("/cameras/:id/recording/stop", s.stopRecording)
		api.GET("/cameras/:id/recording", s.getRecordingStatus)
	}
}
