package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"nvr-engine/database"
	"nvr-engine/logging"
	"nvr-engine/metrics"
	"nvr-engine/storage"
	"nvr-engine/transcode"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrRangeNotFound is returned when no inventory record covers the requested start
	ErrRangeNotFound = errors.New("no recording covers the requested range")
	// ErrInvalidRange is returned for an empty or inverted range
	ErrInvalidRange = errors.New("invalid export range")
	// ErrExportFailed is returned when the transcoding tool could not produce the clip
	ErrExportFailed = errors.New("export failed")
)

const (
	DefaultExportTTL       = 3 * time.Hour
	DefaultExportTolerance = 2 * time.Second
	exportURLPrefix        = "/exports/"
)

// Archiver uploads finished clips. *storage.R2Storage implements it.
type Archiver interface {
	UploadFile(ctx context.Context, localPath, remotePath string) (string, error)
}

// ExportRequest asks for the footage of one camera between Start and End.
// When RecordingID is set the lookup is skipped and that record is cut; a
// zero Start/End then defaults to the record bounds.
type ExportRequest struct {
	CameraID    string    `json:"cameraId"`
	RecordingID string    `json:"recordingId,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	TargetPath  string    `json:"targetPath,omitempty"`
}

// ExportResult describes a produced clip
type ExportResult struct {
	Path       string `json:"path"`
	Filename   string `json:"filename"`
	IsInternal bool   `json:"isInternal"` // Written to the holding area
	RemoteURL  string `json:"remoteUrl,omitempty"`
}

// ExportFile is one entry of the holding area
type ExportFile struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
	URL       string    `json:"url"`
}

// ExporterOptions configures a ClipExporter
type ExporterOptions struct {
	ExportPath    string
	TTL           time.Duration
	Tolerance     time.Duration
	MaxConcurrent int
}

// ClipExporter cuts clips out of recorded segments
type ClipExporter struct {
	db       database.Database
	cutter   transcode.Cutter
	archiver Archiver
	metrics  *metrics.MetricsCollector
	opts     ExporterOptions
	sem      *semaphore.Weighted
	log      zerolog.Logger
}

// NewClipExporter creates an exporter. archiver and collector may be nil.
func NewClipExporter(db database.Database, cutter transcode.Cutter, archiver Archiver, collector *metrics.MetricsCollector, opts ExporterOptions) *ClipExporter {
	if opts.TTL <= 0 {
		opts.TTL = DefaultExportTTL
	}
	if opts.Tolerance < 0 {
		opts.Tolerance = DefaultExportTolerance
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if collector == nil {
		collector = metrics.NewMetricsCollector()
	}
	return &ClipExporter{
		db:       db,
		cutter:   cutter,
		archiver: archiver,
		metrics:  collector,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		log:      logging.For("export"),
	}
}

// Metrics returns the collector of recent export timings
func (e *ClipExporter) Metrics() *metrics.MetricsCollector {
	return e.metrics
}

// Export produces a clip for req. No path is returned for a failed export.
func (e *ClipExporter) Export(ctx context.Context, req ExportRequest) (ExportResult, error) {
	// Every call sweeps, including ones rejected below
	e.SweepHoldingArea(time.Now())

	segments, start, end, err := e.resolve(req)
	if err != nil {
		return ExportResult{}, err
	}
	cameraID := segments[0].CameraID

	outPath, internal, err := e.destination(req.TargetPath, cameraID, start)
	if err != nil {
		return ExportResult{}, err
	}
	filename := filepath.Base(outPath)

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return ExportResult{}, err
	}
	defer e.sem.Release(1)

	m := e.metrics.StartExport(strings.TrimSuffix(filename, filepath.Ext(filename)), cameraID)

	inputs := make([]string, len(segments))
	for i, seg := range segments {
		inputs[i] = seg.Path
	}
	offset, duration := ClipWindow(segments[0].StartTime, start, end)

	cut := transcode.CutRequest{
		Inputs:   inputs,
		Offset:   offset,
		Duration: duration,
		Output:   outPath,
		Mode:     transcode.ModeCopy,
	}
	m.StartCut(len(inputs))
	reencoded, err := e.cut(ctx, cut)
	m.EndCut(reencoded)
	if err != nil {
		_ = storage.RemoveFile(outPath)
		m.Finalize(err)
		return ExportResult{}, err
	}

	result := ExportResult{Path: outPath, Filename: filename, IsInternal: internal}

	if e.archiver != nil {
		m.StartArchive()
		key := path.Join("exports", storage.SanitizeName(cameraID), filename)
		url, err := e.archiver.UploadFile(ctx, outPath, key)
		m.EndArchive()
		if err != nil {
			e.log.Warn().Err(err).Str("file", filename).Msg("clip archive upload failed")
		} else {
			result.RemoteURL = url
		}
	}

	m.Finalize(nil)
	e.log.Info().
		Str("camera", cameraID).
		Str("path", outPath).
		Dur("offset", offset).
		Dur("duration", duration).
		Int("segments", len(inputs)).
		Bool("reencoded", reencoded).
		Msg("clip exported")
	return result, nil
}

// ClipWindow computes the cut offset into a segment starting at segStart and the clip duration
func ClipWindow(segStart, start, end time.Time) (offset, duration time.Duration) {
	offset = start.Sub(segStart)
	if offset < 0 {
		offset = 0
	}
	return offset, end.Sub(start)
}

// cut tries stream copy first and re-encodes when the copy fails. A spawn
// failure is returned without retrying.
func (e *ClipExporter) cut(ctx context.Context, req transcode.CutRequest) (bool, error) {
	err := e.cutter.Cut(ctx, req)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, transcode.ErrSpawnFailed) || ctx.Err() != nil {
		return false, fmt.Errorf("%w: %w", ErrExportFailed, err)
	}

	e.log.Warn().Err(err).Str("path", req.Output).Msg("stream copy failed, re-encoding")
	_ = storage.RemoveFile(req.Output)

	req.Mode = transcode.ModeReencode
	if err := e.cutter.Cut(ctx, req); err != nil {
		return true, fmt.Errorf("%w: %w", ErrExportFailed, err)
	}
	return true, nil
}

// resolve finds the segments backing req in time order
func (e *ClipExporter) resolve(req ExportRequest) ([]database.Recording, time.Time, time.Time, error) {
	start, end := req.Start, req.End

	var first *database.Recording
	if req.RecordingID != "" {
		rec, err := e.db.GetRecording(req.RecordingID)
		if err != nil {
			return nil, start, end, err
		}
		if rec == nil || (req.CameraID != "" && rec.CameraID != req.CameraID) {
			return nil, start, end, fmt.Errorf("%w: recording %s", ErrRangeNotFound, req.RecordingID)
		}
		if start.IsZero() {
			start = rec.StartTime
		}
		if end.IsZero() {
			end = rec.EndTime
		}
		first = rec
	} else if req.CameraID == "" {
		return nil, start, end, fmt.Errorf("%w: camera id is required", ErrInvalidRange)
	}

	if start.IsZero() || end.IsZero() || !end.After(start) {
		return nil, start, end, fmt.Errorf("%w: start %s end %s", ErrInvalidRange, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	if first == nil {
		rec, err := e.findCovering(req.CameraID, start)
		if err != nil {
			return nil, start, end, err
		}
		first = rec
	}

	segments := []database.Recording{*first}
	if end.After(first.EndTime) {
		more, err := e.contiguous(*first, end)
		if err != nil {
			return nil, start, end, err
		}
		segments = append(segments, more...)
	}
	return segments, start, end, nil
}

// findCovering returns the record containing t, or the nearest one within tolerance
func (e *ClipExporter) findCovering(cameraID string, t time.Time) (*database.Recording, error) {
	tol := e.opts.Tolerance
	candidates, err := e.db.GetRecordingsOverlapping(cameraID, t.Add(-tol), t.Add(tol))
	if err != nil {
		return nil, err
	}

	var nearest *database.Recording
	var best time.Duration
	for i := range candidates {
		rec := &candidates[i]
		if rec.Contains(t) {
			return rec, nil
		}
		d := distance(*rec, t)
		if d <= tol && (nearest == nil || d < best) {
			nearest, best = rec, d
		}
	}
	if nearest == nil {
		return nil, fmt.Errorf("%w: camera %s at %s", ErrRangeNotFound, cameraID, t.Format(time.RFC3339))
	}
	return nearest, nil
}

// contiguous returns the records that continue first without a gap up to end
func (e *ClipExporter) contiguous(first database.Recording, end time.Time) ([]database.Recording, error) {
	recs, err := e.db.GetRecordingsOverlapping(first.CameraID, first.EndTime, end)
	if err != nil {
		return nil, err
	}

	var out []database.Recording
	cursor := first.EndTime
	for _, rec := range recs {
		if rec.ID == first.ID || !rec.EndTime.After(cursor) {
			continue
		}
		if rec.StartTime.Sub(cursor) > e.opts.Tolerance {
			break
		}
		out = append(out, rec)
		cursor = rec.EndTime
		if !cursor.Before(end) {
			break
		}
	}
	return out, nil
}

func distance(rec database.Recording, t time.Time) time.Duration {
	if t.Before(rec.StartTime) {
		return rec.StartTime.Sub(t)
	}
	return t.Sub(rec.EndTime)
}

// destination resolves where the clip is written
func (e *ClipExporter) destination(target, cameraID string, start time.Time) (string, bool, error) {
	name := clipFilename(cameraID, start)

	if target == "" {
		dir, err := storage.EnsurePath(e.opts.ExportPath)
		if err != nil {
			return "", false, err
		}
		return filepath.Join(dir, name), true, nil
	}

	if strings.EqualFold(filepath.Ext(target), ".mp4") {
		if _, err := storage.EnsurePath(filepath.Dir(target)); err != nil {
			return "", false, err
		}
		return target, false, nil
	}

	dir, err := storage.EnsurePath(target)
	if err != nil {
		return "", false, err
	}
	return filepath.Join(dir, name), false, nil
}

func clipFilename(cameraID string, start time.Time) string {
	return fmt.Sprintf("clip_%s_%s_%s.mp4",
		storage.SanitizeName(cameraID),
		start.Local().Format("20060102_150405"),
		uuid.NewString()[:8])
}

// SweepHoldingArea deletes holding-area files older than the TTL. Files
// removed concurrently by another sweep are ignored.
func (e *ClipExporter) SweepHoldingArea(now time.Time) int {
	entries, err := os.ReadDir(e.opts.ExportPath)
	if err != nil {
		if !os.IsNotExist(err) {
			e.log.Warn().Err(err).Str("path", e.opts.ExportPath).Msg("cannot read holding area")
		}
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= e.opts.TTL {
			continue
		}
		p := filepath.Join(e.opts.ExportPath, entry.Name())
		if err := os.Remove(p); err != nil {
			if !os.IsNotExist(err) {
				e.log.Warn().Err(err).Str("path", p).Msg("failed to remove expired clip")
			}
			continue
		}
		removed++
	}

	e.metrics.CleanupOldMetrics(e.opts.TTL)
	if removed > 0 {
		e.log.Info().Int("removed", removed).Msg("expired clips swept")
	}
	return removed
}

// ListExports lists clips in the holding area, newest first
func (e *ClipExporter) ListExports() ([]ExportFile, error) {
	entries, err := os.ReadDir(e.opts.ExportPath)
	if err != nil {
		if os.IsNotExist(err) {
			return []ExportFile{}, nil
		}
		return nil, fmt.Errorf("%w: %v", storage.ErrFilesystem, err)
	}

	files := make([]ExportFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !transcode.IsMP4File(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, ExportFile{
			Filename:  entry.Name(),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
			URL:       exportURLPrefix + entry.Name(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].CreatedAt.After(files[j].CreatedAt) })
	return files, nil
}
