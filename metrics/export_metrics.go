package metrics

import (
	"sort"
	"sync"
	"time"

	"nvr-engine/logging"
)

// ExportMetrics tracks timing of one clip export
type ExportMetrics struct {
	ClipID          string        `json:"clipId"`
	CameraID        string        `json:"cameraId"`
	StartTime       time.Time     `json:"startTime"`
	CutStartTime    *time.Time    `json:"cutStartTime,omitempty"`
	CutDuration     time.Duration `json:"cutDuration"`
	Reencoded       bool          `json:"reencoded"`
	Segments        int           `json:"segments"`
	ArchiveDuration time.Duration `json:"archiveDuration"`
	TotalDuration   time.Duration `json:"totalDuration"`
	Succeeded       bool          `json:"succeeded"`
	Error           string        `json:"error,omitempty"`

	archiveStart *time.Time
	mu           sync.Mutex
}

// NewExportMetrics creates a new metrics instance
func NewExportMetrics(clipID, cameraID string) *ExportMetrics {
	return &ExportMetrics{
		ClipID:    clipID,
		CameraID:  cameraID,
		StartTime: time.Now(),
	}
}

// StartCut marks the start of the first cut attempt
func (m *ExportMetrics) StartCut(segments int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.CutStartTime = &now
	m.Segments = segments
}

// EndCut marks the end of cutting. reencoded reports whether the copy attempt was abandoned.
func (m *ExportMetrics) EndCut(reencoded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CutStartTime != nil {
		m.CutDuration = time.Since(*m.CutStartTime)
	}
	m.Reencoded = reencoded
}

// StartArchive marks the start of the upload to the archive bucket
func (m *ExportMetrics) StartArchive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.archiveStart = &now
}

// EndArchive marks the end of the upload
func (m *ExportMetrics) EndArchive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.archiveStart != nil {
		m.ArchiveDuration = time.Since(*m.archiveStart)
	}
}

// Finalize calculates total duration and logs summary
func (m *ExportMetrics) Finalize(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalDuration = time.Since(m.StartTime)
	m.Succeeded = err == nil
	if err != nil {
		m.Error = err.Error()
	}

	l := logging.For("metrics")
	l.Info().
		Str("clip", m.ClipID).
		Str("camera", m.CameraID).
		Bool("ok", m.Succeeded).
		Bool("reencoded", m.Reencoded).
		Int("segments", m.Segments).
		Dur("cut", m.CutDuration).
		Dur("archive", m.ArchiveDuration).
		Dur("total", m.TotalDuration).
		Msg("export finished")
}

// Snapshot returns a copy safe to serialize
func (m *ExportMetrics) Snapshot() ExportMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ExportMetrics{
		ClipID:          m.ClipID,
		CameraID:        m.CameraID,
		StartTime:       m.StartTime,
		CutStartTime:    m.CutStartTime,
		CutDuration:     m.CutDuration,
		Reencoded:       m.Reencoded,
		Segments:        m.Segments,
		ArchiveDuration: m.ArchiveDuration,
		TotalDuration:   m.TotalDuration,
		Succeeded:       m.Succeeded,
		Error:           m.Error,
	}
}

// MetricsCollector keeps metrics of recent exports
type MetricsCollector struct {
	metrics map[string]*ExportMetrics
	mu      sync.RWMutex
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		metrics: make(map[string]*ExportMetrics),
	}
}

// StartExport creates metrics for a new export
func (c *MetricsCollector) StartExport(clipID, cameraID string) *ExportMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := NewExportMetrics(clipID, cameraID)
	c.metrics[clipID] = m
	return m
}

// GetMetrics retrieves metrics for an export
func (c *MetricsCollector) GetMetrics(clipID string) *ExportMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metrics[clipID]
}

// Recent returns snapshots of all collected metrics, newest first
func (c *MetricsCollector) Recent() []ExportMetrics {
	c.mu.RLock()
	out := make([]ExportMetrics, 0, len(c.metrics))
	for _, m := range c.metrics {
		out = append(out, m.Snapshot())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out
}

// CleanupOldMetrics removes metrics older than maxAge
func (c *MetricsCollector) CleanupOldMetrics(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	now := time.Now()
	for id, m := range c.metrics {
		if now.Sub(m.StartTime) > maxAge {
			delete(c.metrics, id)
			removed++
		}
	}
	return removed
}
