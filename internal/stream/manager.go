// Package stream runs background attendance captures from live video.
//
// Each stream polls a frame source until one frame goes through the capture
// pipeline successfully, then completes. It is single-shot, not continuous.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/capture"
	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/frames"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/worker"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrStreamActive   = errors.New("an AI stream is already active for this session")
	ErrStreamNotFound = errors.New("stream not found")
	ErrInvalidConfig  = errors.New("invalid stream configuration")
)

// Pipeline turns one frame into a persisted attendance capture.
type Pipeline interface {
	CaptureOnce(ctx context.Context, req capture.Request, image []byte) (*types.SessionSummary, error)
}

// Config describes one stream.
type Config struct {
	SessionID           uuid.UUID
	OperatorID          uuid.UUID
	SourceURL           string
	ConfidenceThreshold float64
	LateMinutes         int
}

func (c Config) Validate() error {
	if c.SessionID == uuid.Nil || c.OperatorID == uuid.Nil {
		return fmt.Errorf("%w: session and operator ids are required", ErrInvalidConfig)
	}
	for _, err := range []error{
		config.CheckLocator(c.SourceURL),
		config.CheckThreshold(c.ConfidenceThreshold),
		config.CheckLateMinutes(c.LateMinutes),
	} {
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Options are the timing knobs shared by all streams.
type Options struct {
	FrameTimeout  time.Duration // give up when no frame captured within this window
	RetryInterval time.Duration // pause between attempts
	StopGrace     time.Duration // how long Stop waits before cancelling the task
	Retention     time.Duration // how long finished streams stay queryable; zero keeps them forever
}

// Manager owns the registry of stream runtimes.
type Manager struct {
	source   frames.Source
	pipeline Pipeline
	opts     Options
	log      *zap.Logger

	base       context.Context
	cancelBase context.CancelFunc

	mu        sync.Mutex
	streams   map[uuid.UUID]*runtime
	bySession map[uuid.UUID]uuid.UUID
}

func NewManager(source frames.Source, pipeline Pipeline, opts Options, log *zap.Logger) *Manager {
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		source:     source,
		pipeline:   pipeline,
		opts:       opts,
		log:        log,
		base:       base,
		cancelBase: cancel,
		streams:    make(map[uuid.UUID]*runtime),
		bySession:  make(map[uuid.UUID]uuid.UUID),
	}
}

// Start launches a stream for a session. The task outlives ctx; use Stop or Shutdown to end it.
func (m *Manager) Start(ctx context.Context, cfg Config) (Snapshot, error) {
	if err := cfg.Validate(); err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()
	m.pruneLocked(time.Now())
	if id, ok := m.bySession[cfg.SessionID]; ok {
		if existing := m.streams[id]; existing != nil && existing.currentState().Active() {
			m.mu.Unlock()
			return Snapshot{}, fmt.Errorf("%w: session %s, stream %s", ErrStreamActive, cfg.SessionID, id)
		}
	}
	r := newRuntime(cfg, time.Now(), m.log)
	taskCtx, cancel := context.WithCancel(m.base)
	r.cancel = cancel
	m.streams[r.id] = r
	m.bySession[cfg.SessionID] = r.id
	m.mu.Unlock()

	r.log.Info("stream started", zap.String("source", cfg.SourceURL))
	go m.run(taskCtx, r)
	return r.snapshot(), nil
}

// Status returns the current snapshot of a stream.
func (m *Manager) Status(id uuid.UUID) (Snapshot, error) {
	r, err := m.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return r.snapshot(), nil
}

// Stop asks a stream to end and waits up to the stop grace for it. A task that
// does not exit in time is cancelled and still reported as stopped.
func (m *Manager) Stop(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	r, err := m.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	if r.currentState().Terminal() {
		return r.snapshot(), nil
	}

	r.beginStop()
	r.requestStop()
	timer := time.NewTimer(m.opts.StopGrace)
	defer timer.Stop()

	select {
	case <-r.done:
	case <-timer.C:
		r.log.Warn("stream did not stop within grace, cancelling", zap.Duration("grace", m.opts.StopGrace))
		r.cancel()
	case <-ctx.Done():
		r.cancel()
	}
	r.finishStop()
	return r.snapshot(), nil
}

// pruneLocked drops finished runtimes older than the retention window. Caller must hold mu.
func (m *Manager) pruneLocked(now time.Time) {
	if m.opts.Retention <= 0 {
		return
	}
	cutoff := now.Add(-m.opts.Retention)
	for id, r := range m.streams {
		if !r.expired(cutoff) {
			continue
		}
		delete(m.streams, id)
		if m.bySession[r.cfg.SessionID] == id {
			delete(m.bySession, r.cfg.SessionID)
		}
	}
}

// Shutdown stops every active stream, e.g. on server exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	var active []uuid.UUID
	for id, r := range m.streams {
		if !r.currentState().Terminal() {
			active = append(active, id)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range active {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			m.Stop(ctx, id)
		}(id)
	}
	wg.Wait()
	m.cancelBase()
}

func (m *Manager) lookup(id uuid.UUID) (*runtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(time.Now())
	r, ok := m.streams[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	return r, nil
}

func (m *Manager) run(ctx context.Context, r *runtime) {
	defer close(r.done)
	defer r.cancel()
	// Outcomes refused because Stop got there first still end in stopped.
	defer r.finishStop()

	if err := m.source.Available(); err != nil {
		r.fail(fmt.Sprintf("frame source unavailable: %v", err))
		return
	}
	if !r.transition(StateRunning) {
		return
	}

	req := capture.Request{
		SessionID:           r.cfg.SessionID,
		OperatorID:          r.cfg.OperatorID,
		ConfidenceThreshold: r.cfg.ConfidenceThreshold,
		LateMinutes:         r.cfg.LateMinutes,
	}
	deadline := r.startedAt.Add(m.opts.FrameTimeout)

	var handle frames.Handle
	defer func() {
		if handle != nil {
			handle.Close()
		}
	}()

	for {
		if r.stopRequested() || ctx.Err() != nil {
			r.markStopped()
			return
		}
		if time.Now().After(deadline) {
			r.fail("no usable frame received before stream timeout")
			return
		}

		if handle == nil {
			h, err := m.source.Open(ctx, r.cfg.SourceURL)
			if errors.Is(err, frames.ErrUnavailable) {
				r.fail(fmt.Sprintf("frame source unavailable: %v", err))
				return
			}
			if err != nil {
				r.recordError(err)
				m.sleep(ctx, r, deadline)
				continue
			}
			handle = h
		}

		frame, err := handle.ReadFrame(ctx)
		if errors.Is(err, frames.ErrNotReady) {
			m.sleep(ctx, r, deadline)
			continue
		}
		if err != nil {
			r.log.Debug("frame read failed, reopening source", zap.Error(err))
			r.recordError(err)
			handle.Close()
			handle = nil
			m.sleep(ctx, r, deadline)
			continue
		}
		r.frameReceived()

		attemptCtx, cancelAttempt := context.WithDeadline(ctx, deadline)
		summary, err := m.pipeline.CaptureOnce(attemptCtx, req, frame)
		cancelAttempt()
		switch {
		case err == nil:
			r.complete(summary)
			return
		case errors.Is(err, worker.ErrUnavailable):
			r.fail(fmt.Sprintf("face detector unavailable: %v", err))
			return
		case ctx.Err() != nil:
			continue
		case errors.Is(err, worker.ErrUndecodable):
			r.log.Debug("frame could not be decoded", zap.Error(err))
		default:
			r.log.Warn("capture attempt failed, retrying", zap.Error(err))
			r.recordError(err)
		}
		m.sleep(ctx, r, deadline)
	}
}

// sleep waits one retry interval, cut short by a stop request, cancellation or the deadline.
func (m *Manager) sleep(ctx context.Context, r *runtime, deadline time.Time) {
	d := m.opts.RetryInterval
	if until := time.Until(deadline); until < d {
		d = until
	}
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-r.stopCh:
	case <-ctx.Done():
	}
}
