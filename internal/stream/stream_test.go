package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/capture"
	"github.com/andresmejia3/rollcall/internal/frames"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/worker"
	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
)

// --- fakes ---

type fakeHandle struct {
	read func() ([]byte, error)
}

func (h *fakeHandle) ReadFrame(ctx context.Context) ([]byte, error) { return h.read() }
func (h *fakeHandle) Close() error                                  { return nil }

type fakeSource struct {
	availErr error
	handle   func() *fakeHandle

	mu    sync.Mutex
	opens int
}

func (s *fakeSource) Available() error { return s.availErr }

func (s *fakeSource) Open(ctx context.Context, locator string) (frames.Handle, error) {
	s.mu.Lock()
	s.opens++
	s.mu.Unlock()
	return s.handle(), nil
}

func (s *fakeSource) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func neverReady() *fakeHandle {
	return &fakeHandle{read: func() ([]byte, error) { return nil, frames.ErrNotReady }}
}

func alwaysFrame() *fakeHandle {
	return &fakeHandle{read: func() ([]byte, error) { return []byte{0xFF, 0xD8, 0xFF, 0xD9}, nil }}
}

// scriptPipeline answers CaptureOnce with errs in order, then succeeds.
type scriptPipeline struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (p *scriptPipeline) CaptureOnce(ctx context.Context, req capture.Request, image []byte) (*types.SessionSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return nil, err
	}
	return &types.SessionSummary{FacesDetected: 1, IdentitiesMatched: 1, PresentCount: 1}, nil
}

func fastOptions() Options {
	return Options{FrameTimeout: 5 * time.Second, RetryInterval: 20 * time.Millisecond, StopGrace: time.Second}
}

func validConfig() Config {
	return Config{
		SessionID:           uuid.New(),
		OperatorID:          uuid.New(),
		SourceURL:           "rtsp://camera.local/stream",
		ConfidenceThreshold: 0.75,
		LateMinutes:         10,
	}
}

func waitFor(t *testing.T, m *Manager, id uuid.UUID, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := m.Status(id)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met, last snapshot %+v", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func isState(s State) func(Snapshot) bool {
	return func(snap Snapshot) bool { return snap.Status == s }
}

func terminal(snap Snapshot) bool { return snap.Status.Terminal() }

// --- tests ---

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateStarting, StateRunning, true},
		{StateStarting, StateFailed, true},
		{StateStarting, StateStopped, false},
		{StateRunning, StateStopping, true},
		{StateRunning, StateCompleted, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StateStopped, false},
		{StateStopping, StateStopped, true},
		{StateStopping, StateRunning, false},
		{StateCompleted, StateRunning, false},
		{StateFailed, StateStopped, false},
		{StateStopped, StateStarting, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestStopRunningStream(t *testing.T) {
	m := NewManager(&fakeSource{handle: neverReady}, &scriptPipeline{}, fastOptions(), zaptest.NewLogger(t))
	defer m.Shutdown(context.Background())

	snap, err := m.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, m, snap.StreamID, isState(StateRunning))

	begin := time.Now()
	final, err := m.Stop(context.Background(), snap.StreamID)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > fastOptions().StopGrace {
		t.Errorf("Stop took %v, longer than the grace period", elapsed)
	}
	if final.Status != StateStopped {
		t.Errorf("expected stopped, got %s", final.Status)
	}
	if final.StopReason == nil || *final.StopReason != ReasonStoppedByUser {
		t.Errorf("expected stop reason %q, got %v", ReasonStoppedByUser, final.StopReason)
	}
	if final.FramesProcessed != 0 {
		t.Errorf("not-ready polls must not count as frames, got %d", final.FramesProcessed)
	}
}

func TestDuplicateStartRejected(t *testing.T) {
	m := NewManager(&fakeSource{handle: neverReady}, &scriptPipeline{}, fastOptions(), zaptest.NewLogger(t))
	defer m.Shutdown(context.Background())

	cfg := validConfig()
	first, err := m.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, m, first.StreamID, isState(StateRunning))

	if _, err := m.Start(context.Background(), cfg); !errors.Is(err, ErrStreamActive) {
		t.Fatalf("expected ErrStreamActive, got %v", err)
	}

	snap, err := m.Status(first.StreamID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if snap.Status != StateRunning {
		t.Errorf("first stream must be untouched, got %s", snap.Status)
	}

	// A different session is independent
	other := validConfig()
	if _, err := m.Start(context.Background(), other); err != nil {
		t.Errorf("Start for another session failed: %v", err)
	}
}

func TestNeverReadySourceTimesOut(t *testing.T) {
	opts := Options{FrameTimeout: 150 * time.Millisecond, RetryInterval: 50 * time.Millisecond, StopGrace: time.Second}
	m := NewManager(&fakeSource{handle: neverReady}, &scriptPipeline{}, opts, zaptest.NewLogger(t))
	defer m.Shutdown(context.Background())

	snap, err := m.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	final := waitFor(t, m, snap.StreamID, terminal)

	if final.Status != StateFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.LastError == nil || !strings.Contains(*final.LastError, "timeout") {
		t.Errorf("expected timeout error, got %v", final.LastError)
	}
	// Allow scheduling slack on top of timeout + one retry
	limit := opts.FrameTimeout + opts.RetryInterval + 200*time.Millisecond
	if took := final.UpdatedAt.Sub(final.StartedAt); took > limit {
		t.Errorf("stream failed after %v, expected at most %v", took, limit)
	}
}

func TestCaptureCompletes(t *testing.T) {
	pipe := &scriptPipeline{}
	m := NewManager(&fakeSource{handle: alwaysFrame}, pipe, fastOptions(), zaptest.NewLogger(t))
	defer m.Shutdown(context.Background())

	cfg := validConfig()
	snap, err := m.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	final := waitFor(t, m, snap.StreamID, terminal)

	if final.Status != StateCompleted {
		t.Fatalf("expected completed, got %s (err %v)", final.Status, final.LastError)
	}
	if final.CapturesSucceeded != 1 || final.FramesProcessed != 1 {
		t.Errorf("expected 1 capture from 1 frame, got %d / %d", final.CapturesSucceeded, final.FramesProcessed)
	}
	if final.LastResult == nil || final.LastResult.PresentCount != 1 {
		t.Errorf("expected summary to be recorded, got %+v", final.LastResult)
	}
	if final.LastCaptureAt == nil {
		t.Error("expected last capture time")
	}
	if final.StopReason == nil || *final.StopReason != ReasonCaptureCompleted {
		t.Errorf("expected reason %q, got %v", ReasonCaptureCompleted, final.StopReason)
	}

	// Stopping a finished stream returns it unchanged
	again, err := m.Stop(context.Background(), snap.StreamID)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if again.Status != StateCompleted || again.CapturesSucceeded != 1 {
		t.Errorf("terminal snapshot changed: %+v", again)
	}

	// Single-shot: the session may start a new stream now
	if _, err := m.Start(context.Background(), cfg); err != nil {
		t.Errorf("restart after completion failed: %v", err)
	}
}

func TestDomainErrorsAreRetried(t *testing.T) {
	pipe := &scriptPipeline{errs: []error{
		capture.ErrEmptyRoster,
		worker.ErrUndecodable,
		capture.ErrSessionClosed,
	}}
	m := NewManager(&fakeSource{handle: alwaysFrame}, pipe, fastOptions(), zaptest.NewLogger(t))
	defer m.Shutdown(context.Background())

	snap, err := m.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	final := waitFor(t, m, snap.StreamID, terminal)

	if final.Status != StateCompleted {
		t.Fatalf("expected completed after retries, got %s", final.Status)
	}
	if final.FramesProcessed != 4 {
		t.Errorf("expected 4 frames, got %d", final.FramesProcessed)
	}
	if final.LastError == nil || !strings.Contains(*final.LastError, capture.ErrSessionClosed.Error()) {
		t.Errorf("expected last domain error to be recorded, got %v", final.LastError)
	}
}

func TestDetectorUnavailableFails(t *testing.T) {
	pipe := &scriptPipeline{errs: []error{worker.ErrUnavailable}}
	m := NewManager(&fakeSource{handle: alwaysFrame}, pipe, fastOptions(), zaptest.NewLogger(t))
	defer m.Shutdown(context.Background())

	snap, err := m.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	final := waitFor(t, m, snap.StreamID, terminal)

	if final.Status != StateFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.LastError == nil || !strings.Contains(*final.LastError, "face detector unavailable") {
		t.Errorf("unexpected error %v", final.LastError)
	}
	if pipe.calls != 1 {
		t.Errorf("an unavailable detector must not be retried, got %d calls", pipe.calls)
	}
}

func TestSourceUnavailableFails(t *testing.T) {
	src := &fakeSource{availErr: frames.ErrUnavailable, handle: alwaysFrame}
	m := NewManager(src, &scriptPipeline{}, fastOptions(), zaptest.NewLogger(t))
	defer m.Shutdown(context.Background())

	snap, err := m.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	final := waitFor(t, m, snap.StreamID, terminal)

	if final.Status != StateFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.LastError == nil || !strings.HasPrefix(*final.LastError, "frame source unavailable") {
		t.Errorf("unexpected error %v", final.LastError)
	}
	if src.openCount() != 0 {
		t.Errorf("source must not be opened when unavailable, opened %d times", src.openCount())
	}
}

func TestReadErrorReopensSource(t *testing.T) {
	var mu sync.Mutex
	broken := true
	src := &fakeSource{handle: func() *fakeHandle {
		mu.Lock()
		defer mu.Unlock()
		if broken {
			broken = false
			return &fakeHandle{read: func() ([]byte, error) { return nil, frames.ErrClosed }}
		}
		return alwaysFrame()
	}}
	m := NewManager(src, &scriptPipeline{}, fastOptions(), zaptest.NewLogger(t))
	defer m.Shutdown(context.Background())

	snap, err := m.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	final := waitFor(t, m, snap.StreamID, terminal)

	if final.Status != StateCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if src.openCount() != 2 {
		t.Errorf("expected source to be reopened once, got %d opens", src.openCount())
	}
}

// blockingPipeline ignores cancellation until released.
type blockingPipeline struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingPipeline) CaptureOnce(ctx context.Context, req capture.Request, image []byte) (*types.SessionSummary, error) {
	p.once.Do(func() { close(p.entered) })
	<-p.release
	return &types.SessionSummary{PresentCount: 1}, nil
}

func TestForcedStopNeverRegresses(t *testing.T) {
	pipe := &blockingPipeline{entered: make(chan struct{}), release: make(chan struct{})}
	opts := fastOptions()
	opts.StopGrace = 50 * time.Millisecond
	m := NewManager(&fakeSource{handle: alwaysFrame}, pipe, opts, zaptest.NewLogger(t))

	snap, err := m.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-pipe.entered

	final, err := m.Stop(context.Background(), snap.StreamID)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if final.Status != StateStopped {
		t.Fatalf("expected stopped after forced cancel, got %s", final.Status)
	}

	// The stuck task finishes late; its result must not overwrite the stop
	close(pipe.release)
	m.mu.Lock()
	r := m.streams[snap.StreamID]
	m.mu.Unlock()
	<-r.done

	after, _ := m.Status(snap.StreamID)
	if after.Status != StateStopped || after.CapturesSucceeded != 0 {
		t.Errorf("state regressed after forced stop: %+v", after)
	}
}

func TestUnknownStream(t *testing.T) {
	m := NewManager(&fakeSource{handle: neverReady}, &scriptPipeline{}, fastOptions(), zaptest.NewLogger(t))
	if _, err := m.Status(uuid.New()); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("Status: expected ErrStreamNotFound, got %v", err)
	}
	if _, err := m.Stop(context.Background(), uuid.New()); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("Stop: expected ErrStreamNotFound, got %v", err)
	}
}

func TestInvalidConfig(t *testing.T) {
	m := NewManager(&fakeSource{handle: neverReady}, &scriptPipeline{}, fastOptions(), zaptest.NewLogger(t))

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"short locator", func(c *Config) { c.SourceURL = "rtsp:" }},
		{"threshold too high", func(c *Config) { c.ConfidenceThreshold = 1.0 }},
		{"late minutes too high", func(c *Config) { c.LateMinutes = 500 }},
		{"missing operator", func(c *Config) { c.OperatorID = uuid.Nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			if _, err := m.Start(context.Background(), cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
	if len(m.streams) != 0 {
		t.Errorf("no runtime may be created for invalid configs, got %d", len(m.streams))
	}
}

func TestShutdownStopsActiveStreams(t *testing.T) {
	m := NewManager(&fakeSource{handle: neverReady}, &scriptPipeline{}, fastOptions(), zaptest.NewLogger(t))

	a, _ := m.Start(context.Background(), validConfig())
	b, _ := m.Start(context.Background(), validConfig())
	waitFor(t, m, a.StreamID, isState(StateRunning))
	waitFor(t, m, b.StreamID, isState(StateRunning))

	m.Shutdown(context.Background())

	for _, id := range []uuid.UUID{a.StreamID, b.StreamID} {
		snap, _ := m.Status(id)
		if snap.Status != StateStopped {
			t.Errorf("stream %s: expected stopped, got %s", id, snap.Status)
		}
	}
}

func TestStoppingIsObservable(t *testing.T) {
	pipe := &blockingPipeline{entered: make(chan struct{}), release: make(chan struct{})}
	opts := fastOptions()
	opts.StopGrace = 2 * time.Second
	m := NewManager(&fakeSource{handle: alwaysFrame}, pipe, opts, zaptest.NewLogger(t))

	cfg := validConfig()
	snap, err := m.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-pipe.entered

	stopped := make(chan Snapshot, 1)
	go func() {
		final, _ := m.Stop(context.Background(), snap.StreamID)
		stopped <- final
	}()

	waitFor(t, m, snap.StreamID, isState(StateStopping))

	// A stopping stream no longer holds the session.
	next, err := m.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start during stopping failed: %v", err)
	}
	if next.StreamID == snap.StreamID {
		t.Fatal("expected a new stream")
	}

	// The in-flight capture succeeds, but the stop already won.
	close(pipe.release)
	final := <-stopped
	if final.Status != StateStopped || final.CapturesSucceeded != 0 {
		t.Errorf("expected stopped with no capture, got %+v", final)
	}
	if final.StopReason == nil || *final.StopReason != ReasonStoppedByUser {
		t.Errorf("expected stop reason %q, got %v", ReasonStoppedByUser, final.StopReason)
	}

	m.Shutdown(context.Background())
}

// deadlinePipeline blocks until its context ends.
type deadlinePipeline struct {
	hasDeadline chan bool
}

func (p *deadlinePipeline) CaptureOnce(ctx context.Context, req capture.Request, image []byte) (*types.SessionSummary, error) {
	_, ok := ctx.Deadline()
	select {
	case p.hasDeadline <- ok:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStuckCaptureHonorsStreamTimeout(t *testing.T) {
	pipe := &deadlinePipeline{hasDeadline: make(chan bool, 1)}
	opts := fastOptions()
	opts.FrameTimeout = 150 * time.Millisecond
	m := NewManager(&fakeSource{handle: alwaysFrame}, pipe, opts, zaptest.NewLogger(t))

	start := time.Now()
	snap, err := m.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !<-pipe.hasDeadline {
		t.Error("capture attempt should carry the stream deadline")
	}

	final := waitFor(t, m, snap.StreamID, terminal)
	if final.Status != StateFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if elapsed := time.Since(start); elapsed > opts.FrameTimeout+opts.RetryInterval+time.Second {
		t.Errorf("timeout overran: %v", elapsed)
	}
}

func TestFinishedStreamsArePruned(t *testing.T) {
	opts := fastOptions()
	opts.Retention = 50 * time.Millisecond
	m := NewManager(&fakeSource{handle: alwaysFrame}, &scriptPipeline{}, opts, zaptest.NewLogger(t))

	done, err := m.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, m, done.StreamID, isState(StateCompleted))

	time.Sleep(100 * time.Millisecond)
	if _, err := m.Status(done.StreamID); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("expected pruned stream to be gone, got %v", err)
	}
	m.mu.Lock()
	left := len(m.streams) + len(m.bySession)
	m.mu.Unlock()
	if left != 0 {
		t.Errorf("registry still holds %d entries", left)
	}
}

func TestRetentionZeroKeepsStreams(t *testing.T) {
	m := NewManager(&fakeSource{handle: alwaysFrame}, &scriptPipeline{}, fastOptions(), zaptest.NewLogger(t))
	snap, _ := m.Start(context.Background(), validConfig())
	waitFor(t, m, snap.StreamID, isState(StateCompleted))
	time.Sleep(20 * time.Millisecond)
	if _, err := m.Status(snap.StreamID); err != nil {
		t.Errorf("expected stream to remain, got %v", err)
	}
}
