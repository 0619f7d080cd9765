// Package capture runs one image through detection, matching, reconciliation
// and persistence. It backs both the single-photo path and the stream orchestrator.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/embedding"
	"github.com/andresmejia3/rollcall/internal/match"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrSessionNotFound = errors.New("attendance session not found")
	ErrNotSessionOwner = errors.New("operator does not own this session")
	ErrSessionClosed   = errors.New("attendance session is already closed")
	ErrEmptyRoster     = errors.New("no active students enrolled")
	ErrInvalidRequest  = errors.New("invalid capture request")
)

// Encoder detects faces in an image and returns one raw embedding per face.
type Encoder interface {
	DetectAndEncode(ctx context.Context, image []byte) ([][]float64, error)
}

// RosterStore is the persistence the pipeline needs.
type RosterStore interface {
	GetSession(ctx context.Context, id uuid.UUID) (*types.Session, error)
	RosterMembers(ctx context.Context, sectionID uuid.UUID) ([]uuid.UUID, error)
	ApprovedTemplates(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]float64, error)
	Labels(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
	SaveCapture(ctx context.Context, sessionID uuid.UUID, decisions []types.AttendanceDecision, summary types.SessionSummary, capturedAt time.Time) error
}

// Request describes one capture.
type Request struct {
	SessionID           uuid.UUID
	OperatorID          uuid.UUID
	ConfidenceThreshold float64
	LateMinutes         int
	CapturedAt          time.Time // zero means now
}

// Validate checks the request bounds.
func (r Request) Validate() error {
	if r.SessionID == uuid.Nil {
		return fmt.Errorf("%w: session id is required", ErrInvalidRequest)
	}
	if r.OperatorID == uuid.Nil {
		return fmt.Errorf("%w: operator id is required", ErrInvalidRequest)
	}
	if err := config.CheckThreshold(r.ConfidenceThreshold); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := config.CheckLateMinutes(r.LateMinutes); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

type Service struct {
	store   RosterStore
	encoder Encoder
	log     *zap.Logger
	now     func() time.Time
}

func NewService(store RosterStore, encoder Encoder, log *zap.Logger) *Service {
	return &Service{store: store, encoder: encoder, log: log, now: time.Now}
}

// CaptureOnce takes attendance for a session from a single image.
func (s *Service) CaptureOnce(ctx context.Context, req Request, image []byte) (*types.SessionSummary, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	capturedAt := req.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = s.now()
	}

	session, err := s.openSession(ctx, req)
	if err != nil {
		return nil, err
	}

	roster, err := s.store.RosterMembers(ctx, session.SectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load roster: %w", err)
	}
	if len(roster) == 0 {
		return nil, fmt.Errorf("%w: section %s", ErrEmptyRoster, session.SectionID)
	}

	enrolled, err := s.loadTemplates(ctx, roster)
	if err != nil {
		return nil, err
	}
	if len(enrolled) == 0 {
		return nil, fmt.Errorf("%w: section %s", match.ErrNoEnrolledTemplates, session.SectionID)
	}

	raw, err := s.encoder.DetectAndEncode(ctx, image)
	if err != nil {
		return nil, err
	}
	detected := make([]embedding.Vector, 0, len(raw))
	for i, r := range raw {
		v, err := embedding.Normalize(r)
		if err != nil {
			return nil, fmt.Errorf("detected face %d: %w", i, err)
		}
		detected = append(detected, v)
	}

	result, err := match.Match(detected, enrolled, req.ConfidenceThreshold)
	if err != nil {
		return nil, err
	}
	for _, c := range result.Collisions {
		s.log.Warn("proxy attendance suspected",
			zap.String("session_id", session.ID.String()),
			zap.String("identity_id", c.Identity.String()),
			zap.String("kind", string(c.Kind)),
			zap.Float64("kept", c.Kept),
			zap.Float64("rejected", c.Rejected),
			zap.Float64("threshold", req.ConfidenceThreshold))
	}

	lateness := time.Duration(req.LateMinutes) * time.Minute
	decisions, summary := attendance.Reconcile(roster, result, capturedAt, session.StartTime, lateness)

	labels, err := s.store.Labels(ctx, result.Matched())
	if err != nil {
		return nil, fmt.Errorf("failed to load labels: %w", err)
	}
	summary.MatchedLabels = make([]string, 0, len(labels))
	for _, l := range labels {
		summary.MatchedLabels = append(summary.MatchedLabels, l)
	}
	sort.Strings(summary.MatchedLabels)

	if err := s.store.SaveCapture(ctx, session.ID, decisions, summary, capturedAt); err != nil {
		// Another capture closed the session after our guard check.
		if errors.Is(err, store.ErrSessionClosed) {
			return nil, fmt.Errorf("%w: %s", ErrSessionClosed, session.ID)
		}
		return nil, fmt.Errorf("failed to save capture: %w", err)
	}

	s.log.Info("attendance captured",
		zap.String("session_id", session.ID.String()),
		zap.Int("faces", summary.FacesDetected),
		zap.Int("matched", summary.IdentitiesMatched),
		zap.Int("present", summary.PresentCount),
		zap.Int("absent", summary.AbsentCount),
		zap.Int("proxy_events", summary.ProxyEvents),
		zap.Bool("late", summary.Late))
	return &summary, nil
}

func (s *Service) openSession(ctx context.Context, req Request) (*types.Session, error) {
	session, err := s.store.GetSession(ctx, req.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, req.SessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session.OwnerID != req.OperatorID {
		return nil, fmt.Errorf("%w: session %s, operator %s", ErrNotSessionOwner, session.ID, req.OperatorID)
	}
	if session.Closed {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, session.ID)
	}
	return session, nil
}

// loadTemplates normalizes the approved templates of the roster. Broken templates are skipped.
func (s *Service) loadTemplates(ctx context.Context, roster []uuid.UUID) (map[uuid.UUID]embedding.Vector, error) {
	raw, err := s.store.ApprovedTemplates(ctx, roster)
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}
	enrolled := make(map[uuid.UUID]embedding.Vector, len(raw))
	for id, vec := range raw {
		v, err := embedding.Normalize(vec)
		if err != nil {
			s.log.Warn("skipping unusable template", zap.String("identity_id", id.String()), zap.Error(err))
			continue
		}
		enrolled[id] = v
	}
	return enrolled, nil
}
