package recording

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"nvr-engine/database"
	"nvr-engine/logging"
	"nvr-engine/storage"

	"github.com/rs/zerolog"
)

// CameraSource is the read-only camera registry
type CameraSource interface {
	GetCameras() ([]database.Camera, error)
	GetCamera(id string) (*database.Camera, error)
}

// Syncer runs a reconciliation pass
type Syncer interface {
	Sync(ctx context.Context) (storage.SyncStats, error)
}

// Options tunes the supervisor
type Options struct {
	FFmpegPath      string
	RelayURL        string
	RestartDelay    time.Duration
	RestartMaxDelay time.Duration
	// Grace period between Terminate and Kill
	StopTimeout time.Duration
}

// ActiveInfo is the active-recording marker of a camera
type ActiveInfo struct {
	CameraID  string    `json:"cameraId"`
	Pid       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

type entry struct {
	camera     database.Camera
	proc       Process
	startedAt  time.Time
	generation uint64
	done       chan struct{} // closed once the process has exited
}

type pendingRestart struct {
	timer *time.Timer
	token uint64
}

// Supervisor owns one capture process per recording camera. The registry is
// guarded by mu; process exits and restart timers arrive as events on the
// control loop started by Run.
type Supervisor struct {
	runner  ProcessRunner
	cameras CameraSource
	syncer  Syncer
	layout  storage.Layout
	opts    Options
	policy  RestartPolicy
	log     zerolog.Logger

	mu       sync.RWMutex
	entries  map[string]*entry
	restarts map[string]*pendingRestart
	failed   map[string]uint64 // token of the spawn failure awaiting the loop
	backoff  map[string]time.Duration
	gen      uint64

	events  chan ProcessEvent
	stopped chan struct{}
	wg      sync.WaitGroup
}

// NewSupervisor creates a supervisor. Call Run to start processing events.
func NewSupervisor(runner ProcessRunner, cameras CameraSource, syncer Syncer, layout storage.Layout, opts Options) *Supervisor {
	if runner == nil {
		runner = ExecRunner{}
	}
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 15 * time.Second
	}
	return &Supervisor{
		runner:  runner,
		cameras: cameras,
		syncer:  syncer,
		layout:  layout,
		opts:    opts,
		policy: RestartPolicy{
			Base:         opts.RestartDelay,
			Max:          opts.RestartMaxDelay,
			HealthyAfter: layout.SegmentDuration,
		},
		log:      logging.For("supervisor"),
		entries:  make(map[string]*entry),
		restarts: make(map[string]*pendingRestart),
		failed:   make(map[string]uint64),
		backoff:  make(map[string]time.Duration),
		events:   make(chan ProcessEvent, 64),
		stopped:  make(chan struct{}),
	}
}

// Run processes events until ctx is done. Pending restarts are cancelled on return.
func (s *Supervisor) Run(ctx context.Context) error {
	defer func() {
		close(s.stopped)
		s.mu.Lock()
		for id, p := range s.restarts {
			p.timer.Stop()
			delete(s.restarts, id)
		}
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			s.handle(ctx, ev)
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, ev ProcessEvent) {
	switch ev.Kind {
	case EventExited, EventKilled:
		s.mu.Lock()
		e, ok := s.entries[ev.CameraID]
		owned := ok && e.generation == ev.Generation
		if owned {
			delete(s.entries, ev.CameraID)
		}
		s.mu.Unlock()

		l := s.log.Warn()
		if !owned {
			l = s.log.Info()
		}
		l.Str("camera", ev.CameraID).
			Str("event", ev.Kind.String()).
			Int("code", ev.Code).
			Dur("lived", ev.Lived).
			Msg("capture process ended")

		// Capture the tail of the last segment before anything else looks at the inventory
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.syncer.Sync(ctx); err != nil {
				s.log.Error().Err(err).Str("camera", ev.CameraID).Msg("post-exit sync failed")
			}
		}()

		// Stopped or replaced processes are not restarted
		if owned {
			s.scheduleRestart(ev.CameraID, ev.Lived)
		}

	case EventSpawnFailed:
		s.mu.Lock()
		if token, ok := s.failed[ev.CameraID]; ok && token == ev.Generation {
			delete(s.failed, ev.CameraID)
			s.scheduleRestartLocked(ev.CameraID, 0)
		}
		s.mu.Unlock()

	case eventRestartDue:
		// The pending entry stays until the spawn so a Stop in between cancels the restart
		s.mu.RLock()
		p, ok := s.restarts[ev.CameraID]
		due := ok && p.token == ev.Generation
		s.mu.RUnlock()
		if !due {
			return
		}

		cam, err := s.cameras.GetCamera(ev.CameraID)
		if err != nil {
			s.log.Error().Err(err).Str("camera", ev.CameraID).Msg("failed to read camera before restart")
			s.mu.Lock()
			if p, ok := s.restarts[ev.CameraID]; ok && p.token == ev.Generation {
				s.scheduleRestartLocked(ev.CameraID, 0)
			}
			s.mu.Unlock()
			return
		}
		if cam == nil || !cam.Enabled {
			s.log.Info().Str("camera", ev.CameraID).Msg("camera disabled or removed, not restarting")
			s.mu.Lock()
			if p, ok := s.restarts[ev.CameraID]; ok && p.token == ev.Generation {
				delete(s.restarts, ev.CameraID)
			}
			delete(s.backoff, ev.CameraID)
			s.mu.Unlock()
			return
		}
		_ = s.start(ctx, *cam, ev.Generation)
	}
}

func (s *Supervisor) scheduleRestart(cameraID string, lived time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleRestartLocked(cameraID, lived)
}

// scheduleRestartLocked arms the restart timer of a camera. s.mu must be held.
func (s *Supervisor) scheduleRestartLocked(cameraID string, lived time.Duration) {
	if _, tracked := s.entries[cameraID]; tracked {
		return
	}
	if p, ok := s.restarts[cameraID]; ok {
		p.timer.Stop()
	}
	delay := s.policy.Next(s.backoff[cameraID], lived)
	s.backoff[cameraID] = delay

	s.gen++
	token := s.gen
	s.restarts[cameraID] = &pendingRestart{
		token: token,
		timer: time.AfterFunc(delay, func() {
			s.emit(ProcessEvent{Kind: eventRestartDue, CameraID: cameraID, Generation: token, At: time.Now()})
		}),
	}
	s.log.Info().Str("camera", cameraID).Dur("delay", delay).Msg("restart scheduled")
}

// emit delivers an event to the control loop. Timers, process watchers and
// Start call it; the loop itself never does.
func (s *Supervisor) emit(ev ProcessEvent) {
	select {
	case s.events <- ev:
	case <-s.stopped:
	}
}

// Start begins capturing a camera. A camera that is already tracked is left alone.
func (s *Supervisor) Start(ctx context.Context, cam database.Camera) error {
	return s.start(ctx, cam, 0)
}

// start spawns the capture of cam. A non-zero token is the pending restart being
// served by the control loop; the spawn is skipped when that restart was
// cancelled or replaced. A failed spawn is retried: the loop arms the timer
// directly, other callers hand an EventSpawnFailed to the loop.
func (s *Supervisor) start(ctx context.Context, cam database.Camera, token uint64) error {
	s.mu.Lock()
	if token != 0 {
		if p, ok := s.restarts[cam.ID]; !ok || p.token != token {
			s.mu.Unlock()
			s.log.Debug().Str("camera", cam.ID).Msg("restart cancelled")
			return nil
		}
		s.log.Info().Str("camera", cam.ID).Msg("restarting capture")
	}
	if _, ok := s.entries[cam.ID]; ok {
		s.mu.Unlock()
		s.log.Info().Str("camera", cam.ID).Msg("recording already active")
		return nil
	}
	if p, ok := s.restarts[cam.ID]; ok {
		p.timer.Stop()
		delete(s.restarts, cam.ID)
	}
	delete(s.failed, cam.ID)

	proc, err := s.spawn(ctx, cam)
	if err != nil {
		s.log.Error().Err(err).Str("camera", cam.ID).Msg("capture process failed to start")
		if token != 0 {
			s.scheduleRestartLocked(cam.ID, 0)
			s.mu.Unlock()
			return err
		}
		s.gen++
		failure := s.gen
		s.failed[cam.ID] = failure
		s.mu.Unlock()
		s.emit(ProcessEvent{Kind: EventSpawnFailed, CameraID: cam.ID, Generation: failure, Reason: err.Error(), At: time.Now()})
		return err
	}

	s.gen++
	e := &entry{
		camera:     cam,
		proc:       proc,
		startedAt:  time.Now(),
		generation: s.gen,
		done:       make(chan struct{}),
	}
	s.entries[cam.ID] = e
	s.mu.Unlock()

	s.log.Info().Str("camera", cam.ID).Str("name", cam.Name).Int("pid", proc.Pid()).Msg("capture started")

	go func() {
		st := e.proc.Wait()
		close(e.done)
		if out := e.proc.Output(); out != "" {
			s.log.Debug().Str("camera", cam.ID).Str("output", out).Msg("capture process output")
		}
		s.emit(exitEvent(cam.ID, e.generation, st, time.Since(e.startedAt)))
	}()
	return nil
}

func (s *Supervisor) spawn(ctx context.Context, cam database.Camera) (Process, error) {
	source, err := SourceURL(cam, s.opts.RelayURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	// The segmenter creates later date directories itself; the first one must exist up front
	today := s.layout.SegmentPath(cam, time.Now())
	if _, err := storage.EnsurePath(filepath.Dir(today)); err != nil {
		s.log.Warn().Err(err).Str("camera", cam.ID).Msg("failed to create recording directory")
	}

	spec := ProcessSpec{
		CameraID: cam.ID,
		Binary:   s.opts.FFmpegPath,
		Args:     CaptureArgs(source, s.layout.OutputPattern(cam), s.layout.SegmentDuration),
	}
	proc, err := s.runner.Start(ctx, spec)
	if err != nil {
		if errors.Is(err, ErrSpawnFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	return proc, nil
}

// Stop terminates a camera's capture. The marker is removed immediately; the
// process is killed if it has not exited after the stop timeout.
// It reports whether a process was tracked.
func (s *Supervisor) Stop(cameraID string) bool {
	s.mu.Lock()
	if p, ok := s.restarts[cameraID]; ok {
		p.timer.Stop()
		delete(s.restarts, cameraID)
	}
	delete(s.failed, cameraID)
	delete(s.backoff, cameraID)
	e, ok := s.entries[cameraID]
	if ok {
		delete(s.entries, cameraID)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	s.log.Info().Str("camera", cameraID).Int("pid", e.proc.Pid()).Msg("stopping capture")
	if err := e.proc.Terminate(); err != nil {
		s.log.Warn().Err(err).Str("camera", cameraID).Msg("graceful stop failed, killing")
		_ = e.proc.Kill()
		return true
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-e.done:
		case <-time.After(s.opts.StopTimeout):
			s.log.Warn().Str("camera", cameraID).Msg("capture did not exit in time, killing")
			_ = e.proc.Kill()
		}
	}()
	return true
}

// GetActiveInfo returns the active-recording marker of a camera
func (s *Supervisor) GetActiveInfo(cameraID string) (ActiveInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[cameraID]
	if !ok {
		return ActiveInfo{}, false
	}
	return ActiveInfo{CameraID: cameraID, Pid: e.proc.Pid(), StartedAt: e.startedAt}, true
}

// ActiveRecordings returns every marker ordered by camera ID
func (s *Supervisor) ActiveRecordings() []ActiveInfo {
	s.mu.RLock()
	out := make([]ActiveInfo, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, ActiveInfo{CameraID: id, Pid: e.proc.Pid(), StartedAt: e.startedAt})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

// ActiveSegments lists the segment each live capture is writing at now
func (s *Supervisor) ActiveSegments(now time.Time) []storage.ActiveSegment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.ActiveSegment, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, storage.ActiveSegment{
			CameraID: id,
			Path:     s.layout.ActiveSegmentPath(e.camera, e.startedAt, now),
		})
	}
	return out
}

// StartAll starts every enabled camera. One camera failing does not stop the others.
func (s *Supervisor) StartAll(ctx context.Context) error {
	cams, err := s.cameras.GetCameras()
	if err != nil {
		return fmt.Errorf("failed to read camera registry: %w", err)
	}
	var errs []error
	started := 0
	for _, cam := range cams {
		if !cam.Enabled {
			s.log.Debug().Str("camera", cam.ID).Msg("skipping disabled camera")
			continue
		}
		if err := s.Start(ctx, cam); err != nil {
			errs = append(errs, fmt.Errorf("camera %s: %w", cam.ID, err))
			continue
		}
		started++
	}
	s.log.Info().Int("started", started).Int("failed", len(errs)).Msg("cameras started")
	return errors.Join(errs...)
}

// StopAll stops every capture and waits for the processes to exit or be killed
func (s *Supervisor) StopAll() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.Stop(id)
	}
	s.wg.Wait()
}
