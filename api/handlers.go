package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"nvr-engine/database"
	"nvr-engine/service"

	"github.com/gin-gonic/gin"
)

// getHealth reports active recordings and storage usage
func (s *Server) getHealth(c *gin.Context) {
	active := s.deps.Recorder.ActiveRecordings()
	resp := gin.H{
		"status":           "ok",
		"time":             time.Now().Format(time.RFC3339),
		"activeRecordings": active,
		"activeCount":      len(active),
	}

	if s.deps.Disk != nil {
		stats, err := s.deps.Disk.Stats(c.Request.Context())
		if err != nil {
			resp["status"] = "degraded"
			resp["diskError"] = err.Error()
		} else {
			resp["disk"] = stats
		}
	}
	if s.deps.Resources != nil {
		if usage, err := s.deps.Resources.Sample(c.Request.Context()); err == nil {
			resp["resources"] = usage
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) syncRecordings(c *gin.Context) {
	stats, err := s.deps.Syncer.Sync(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": fmt.Sprintf("Sync failed: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": stats})
}

func (s *Server) listRecordings(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	recs, err := s.deps.Recordings.ListRecordings(c.Query("cameraId"), c.Query("date"), limit)
	if err != nil {
		if errors.Is(err, service.ErrInvalidDate) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to list recordings: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"recordings": recs, "count": len(recs)})
}

func (s *Server) listRecordingDates(c *gin.Context) {
	dates, err := s.deps.Recordings.RecordingDates()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to list dates: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dates": dates})
}

func (s *Server) getRecording(c *gin.Context) {
	rec, err := s.deps.Recordings.GetRecording(c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) deleteRecording(c *gin.Context) {
	if err := s.deps.Recordings.DeleteRecording(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(statusFor(err), gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) purgeRecordings(c *gin.Context) {
	n, err := s.deps.Recordings.PurgeAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	s.log.Warn().Int64("records", n).Msg("all recordings purged")
	c.JSON(http.StatusOK, gin.H{"success": true, "deleted": n})
}

type exportBody struct {
	CameraID    string    `json:"cameraId"`
	RecordingID string    `json:"recordingId"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	TargetPath  string    `json:"targetPath"`
}

func (s *Server) exportClip(c *gin.Context) {
	var body exportBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": fmt.Sprintf("Invalid request: %v", err)})
		return
	}

	res, err := s.deps.Exporter.Export(c.Request.Context(), service.ExportRequest{
		CameraID:    body.CameraID,
		RecordingID: body.RecordingID,
		Start:       body.Start,
		End:         body.End,
		TargetPath:  body.TargetPath,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("camera", body.CameraID).Msg("export failed")
		c.JSON(statusFor(err), gin.H{"success": false, "error": err.Error()})
		return
	}

	resp := gin.H{
		"success":    true,
		"path":       res.Path,
		"filename":   res.Filename,
		"isInternal": res.IsInternal,
	}
	if res.IsInternal {
		resp["url"] = "/exports/" + res.Filename
	}
	if res.RemoteURL != "" {
		resp["remoteUrl"] = res.RemoteURL
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listExports(c *gin.Context) {
	files, err := s.deps.Exporter.ListExports()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"exports": files})
}

func (s *Server) getExportMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"exports": s.deps.Exporter.Metrics().Recent()})
}

// getConfig returns the running configuration without credentials
func (s *Server) getConfig(c *gin.Context) {
	cfg := s.config
	c.JSON(http.StatusOK, gin.H{
		"storagePath":          cfg.StoragePath,
		"exportPath":           cfg.ExportPath,
		"segmentDuration":      cfg.SegmentDuration.String(),
		"restartDelay":         cfg.RestartDelay.String(),
		"restartMaxDelay":      cfg.RestartMaxDelay.String(),
		"monitorInterval":      cfg.MonitorInterval.String(),
		"maxDeletionsPerTick":  cfg.MaxDeletionsPerTick,
		"exportTtl":            cfg.ExportTTL.String(),
		"exportTolerance":      cfg.ExportTolerance.String(),
		"maxConcurrentExports": cfg.MaxConcurrentExports,
		"archiveEnabled":       cfg.R2Enabled,
	})
}

func (s *Server) startRecording(c *gin.Context) {
	cam, ok := s.lookupCamera(c)
	if !ok {
		return
	}
	if err := s.deps.Recorder.Start(c.Request.Context(), *cam); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": err.Error()})
		return
	}
	info, _ := s.deps.Recorder.GetActiveInfo(cam.ID)
	c.JSON(http.StatusOK, gin.H{"success": true, "recording": info})
}

func (s *Server) stopRecording(c *gin.Context) {
	id := c.Param("id")
	stopped := s.deps.Recorder.Stop(id)
	c.JSON(http.StatusOK, gin.H{"success": true, "wasRecording": stopped})
}

func (s *Server) getRecordingStatus(c *gin.Context) {
	info, active := s.deps.Recorder.GetActiveInfo(c.Param("id"))
	resp := gin.H{"cameraId": c.Param("id"), "active": active}
	if active {
		resp["pid"] = info.Pid
		resp["startedAt"] = info.StartedAt
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) lookupCamera(c *gin.Context) (*database.Camera, bool) {
	cam, err := s.deps.Cameras.GetCamera(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return nil, false
	}
	if cam == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "camera not found"})
		return nil, false
	}
	return cam, true
}

// statusFor maps engine errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, database.ErrNotFound), errors.Is(err, service.ErrRangeNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidRange), errors.Is(err, service.ErrInvalidDate):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
