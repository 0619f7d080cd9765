package stream

import (
	"context"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Snapshot is a consistent copy of a runtime's observable fields.
type Snapshot struct {
	StreamID          uuid.UUID             `json:"stream_id"`
	SessionID         uuid.UUID             `json:"session_id"`
	Status            State                 `json:"status"`
	SourceURL         string                `json:"source_url"`
	FramesProcessed   int                   `json:"frames_processed"`
	CapturesSucceeded int                   `json:"captures_succeeded"`
	StartedAt         time.Time             `json:"started_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
	LastCaptureAt     *time.Time            `json:"last_capture_at"`
	LastError         *string               `json:"last_error"`
	StopReason        *string               `json:"stop_reason"`
	LastResult        *types.SessionSummary `json:"last_result"`
}

// runtime is owned by its task goroutine. Other goroutines only read
// snapshots or request a stop.
type runtime struct {
	id     uuid.UUID
	cfg    Config
	log    *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once

	mu            sync.RWMutex
	state         State
	frames        int
	captures      int
	lastErr       *string
	stopReason    *string
	result        *types.SessionSummary
	startedAt     time.Time
	updatedAt     time.Time
	lastCaptureAt *time.Time
}

func newRuntime(cfg Config, now time.Time, log *zap.Logger) *runtime {
	id := uuid.New()
	return &runtime{
		id:        id,
		cfg:       cfg,
		log:       log.With(zap.String("stream_id", id.String()), zap.String("session_id", cfg.SessionID.String())),
		done:      make(chan struct{}),
		stopCh:    make(chan struct{}),
		state:     StateStarting,
		startedAt: now,
		updatedAt: now,
	}
}

// transition moves to next if the lifecycle allows it. Caller must hold mu.
func (r *runtime) transitionLocked(next State) bool {
	if !r.state.CanTransition(next) {
		return false
	}
	r.log.Debug("stream state change", zap.String("from", string(r.state)), zap.String("to", string(next)))
	r.state = next
	r.updatedAt = time.Now()
	return true
}

func (r *runtime) transition(next State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(next)
}

func (r *runtime) fail(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transitionLocked(StateFailed) {
		r.lastErr = &msg
		r.log.Info("stream failed", zap.String("reason", msg), zap.Int("frames", r.frames))
	}
}

func (r *runtime) complete(summary *types.SessionSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.transitionLocked(StateCompleted) {
		return
	}
	now := r.updatedAt
	reason := ReasonCaptureCompleted
	r.captures++
	r.result = summary
	r.lastCaptureAt = &now
	r.stopReason = &reason
	r.log.Info("stream completed",
		zap.Int("frames", r.frames),
		zap.Int("present", summary.PresentCount),
		zap.Int("proxy_events", summary.ProxyEvents))
}

// beginStop moves a live runtime to stopping, walking through running when it
// has not started yet. It reports whether the runtime is now stopping.
func (r *runtime) beginStop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateStarting {
		r.transitionLocked(StateRunning)
	}
	if r.state == StateRunning {
		r.transitionLocked(StateStopping)
	}
	return r.state == StateStopping
}

// finishStop ends a stopping runtime. It is a no-op in any other state.
func (r *runtime) finishStop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transitionLocked(StateStopped) {
		reason := ReasonStoppedByUser
		r.stopReason = &reason
		r.log.Info("stream stopped", zap.Int("frames", r.frames))
	}
}

// markStopped walks the runtime to stopped through the lifecycle. It is a no-op once terminal.
func (r *runtime) markStopped() {
	if r.beginStop() {
		r.finishStop()
	}
}

func (r *runtime) recordError(err error) {
	msg := err.Error()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr = &msg
	r.updatedAt = time.Now()
}

func (r *runtime) frameReceived() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames++
	r.updatedAt = time.Now()
}

func (r *runtime) requestStop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *runtime) stopRequested() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

func (r *runtime) currentState() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// expired reports whether the runtime is terminal and untouched since before cutoff.
func (r *runtime) expired(cutoff time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Terminal() && r.updatedAt.Before(cutoff)
}

func (r *runtime) snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		StreamID:          r.id,
		SessionID:         r.cfg.SessionID,
		Status:            r.state,
		SourceURL:         r.cfg.SourceURL,
		FramesProcessed:   r.frames,
		CapturesSucceeded: r.captures,
		StartedAt:         r.startedAt,
		UpdatedAt:         r.updatedAt,
		LastCaptureAt:     r.lastCaptureAt,
		LastError:         r.lastErr,
		StopReason:        r.stopReason,
		LastResult:        r.result,
	}
}
