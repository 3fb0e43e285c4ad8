package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"nvr-engine/config"
	"nvr-engine/database"
	"nvr-engine/metrics"
	"nvr-engine/recording"
	"nvr-engine/service"
	"nvr-engine/storage"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

// PerformJSONRequest performs a request with a JSON body and returns the response recorder
func PerformJSONRequest(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	r.ServeHTTP(recorder, req)
	return recorder
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

type fakeRecorder struct {
	mu       sync.Mutex
	active   map[string]recording.ActiveInfo
	startErr error
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{active: make(map[string]recording.ActiveInfo)}
}

func (f *fakeRecorder) Start(ctx context.Context, cam database.Camera) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if _, ok := f.active[cam.ID]; !ok {
		f.active[cam.ID] = recording.ActiveInfo{CameraID: cam.ID, Pid: 4242, StartedAt: time.Now()}
	}
	return nil
}

func (f *fakeRecorder) Stop(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.active[id]
	delete(f.active, id)
	return ok
}

func (f *fakeRecorder) GetActiveInfo(id string) (recording.ActiveInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.active[id]
	return info, ok
}

func (f *fakeRecorder) ActiveRecordings() []recording.ActiveInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recording.ActiveInfo, 0, len(f.active))
	for _, info := range f.active {
		out = append(out, info)
	}
	return out
}

type fakeSyncer struct {
	calls int
	err   error
}

func (f *fakeSyncer) Sync(ctx context.Context) (storage.SyncStats, error) {
	f.calls++
	return storage.SyncStats{Cameras: 1, Files: 3, Created: 2}, f.err
}

func (f *fakeSyncer) Exclusive(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

type fakeExporter struct {
	last    service.ExportRequest
	res     service.ExportResult
	err     error
	files   []service.ExportFile
	metrics *metrics.MetricsCollector
}

func (f *fakeExporter) Export(ctx context.Context, req service.ExportRequest) (service.ExportResult, error) {
	f.last = req
	return f.res, f.err
}

func (f *fakeExporter) ListExports() ([]service.ExportFile, error) {
	return f.files, nil
}

func (f *fakeExporter) Metrics() *metrics.MetricsCollector {
	if f.metrics == nil {
		f.metrics = metrics.NewMetricsCollector()
	}
	return f.metrics
}

type fakeDisk struct {
	err error
}

func (f fakeDisk) Stats(ctx context.Context) (storage.DiskStats, error) {
	return storage.DiskStats{UsedPercent: 61.5, InventoryBytes: 1024}, f.err
}

type testEnv struct {
	db       *database.SQLiteDB
	recorder *fakeRecorder
	syncer   *fakeSyncer
	exporter *fakeExporter
	router   *gin.Engine
}

func newTestEnv(t *testing.T, disk DiskStatsSource) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.NewSQLiteDB(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.UpsertCamera(database.Camera{ID: "cam-1", Name: "Gate", Address: "rtsp://10.0.0.2/stream", Enabled: true}))

	env := &testEnv{
		db:       db,
		recorder: newFakeRecorder(),
		syncer:   &fakeSyncer{},
		exporter: &fakeExporter{},
	}
	cfg := config.DefaultConfig()
	cfg.ExportPath = t.TempDir()

	s := NewServer(cfg, Deps{
		Recorder:   env.recorder,
		Cameras:    db,
		Syncer:     env.syncer,
		Exporter:   env.exporter,
		Recordings: service.NewRecordingService(db, env.syncer, time.Local),
		Disk:       disk,
	})
	env.router = s.Handler()
	return env
}

func (e *testEnv) addRecording(t *testing.T, id string, start time.Time) database.Recording {
	t.Helper()
	rec := database.Recording{
		ID:        id,
		CameraID:  "cam-1",
		Filename:  filepath.Join("Gate", start.Format("2006-01-02"), start.Format("15-04-05")+".mp4"),
		Path:      filepath.Join(t.TempDir(), id+".mp4"),
		StartTime: start,
		EndTime:   start.Add(5 * time.Minute),
		Size:      2048,
	}
	require.NoError(t, e.db.CreateRecording(rec))
	return rec
}
