// Package enrollment builds face templates from sample photos and handles their review.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/rollcall/internal/capture"
	"github.com/andresmejia3/rollcall/internal/embedding"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	MinSamples = 5
	MaxSamples = 10
)

var (
	ErrConsentRequired  = errors.New("explicit biometric consent is required")
	ErrSampleCount      = fmt.Errorf("between %d and %d face samples are required", MinSamples, MaxSamples)
	ErrIdentityNotFound = errors.New("identity not found")
	ErrNoFace           = errors.New("no face detected in sample")
	ErrMultipleFaces    = errors.New("multiple faces detected in sample")
	ErrInvalidAction    = errors.New("review action must be approve or reject")
	ErrTemplateNotFound = errors.New("face template not found")
	ErrTemplateApproved = errors.New("face template already approved; re-enroll to change it")
)

// Review actions.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
)

// TemplateStore is the persistence enrollment needs.
type TemplateStore interface {
	GetIdentity(ctx context.Context, id uuid.UUID) (*types.Identity, error)
	UpsertTemplate(ctx context.Context, t types.EnrolledTemplate) error
	GetTemplate(ctx context.Context, identityID uuid.UUID) (*types.EnrolledTemplate, error)
	ReviewTemplate(ctx context.Context, identityID uuid.UUID, status types.ApprovalStatus, reviewer uuid.UUID, at time.Time) error
	ListPending(ctx context.Context) ([]types.PendingEnrollment, error)
}

type Service struct {
	store     TemplateStore
	encoder   capture.Encoder
	modelName string
	log       *zap.Logger
	now       func() time.Time

	// OnSample, when set, is called after each sample is encoded (progress reporting).
	OnSample func(done, total int)
}

func NewService(store TemplateStore, encoder capture.Encoder, modelName string, log *zap.Logger) *Service {
	return &Service{store: store, encoder: encoder, modelName: modelName, log: log, now: time.Now}
}

// Enroll averages one face per sample into a template awaiting review.
func (s *Service) Enroll(ctx context.Context, identityID uuid.UUID, samples [][]byte, consent bool) (*types.EnrolledTemplate, error) {
	if !consent {
		return nil, ErrConsentRequired
	}
	if len(samples) < MinSamples || len(samples) > MaxSamples {
		return nil, fmt.Errorf("%w: got %d", ErrSampleCount, len(samples))
	}
	if _, err := s.store.GetIdentity(ctx, identityID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrIdentityNotFound, identityID)
		}
		return nil, err
	}

	vectors := make([]embedding.Vector, 0, len(samples))
	for i, sample := range samples {
		faces, err := s.encoder.DetectAndEncode(ctx, sample)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i+1, err)
		}
		switch len(faces) {
		case 0:
			return nil, fmt.Errorf("%w: sample %d", ErrNoFace, i+1)
		case 1:
		default:
			return nil, fmt.Errorf("%w: sample %d has %d faces", ErrMultipleFaces, i+1, len(faces))
		}
		v, err := embedding.Normalize(faces[0])
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i+1, err)
		}
		vectors = append(vectors, v)
		if s.OnSample != nil {
			s.OnSample(i+1, len(samples))
		}
	}

	mean, err := embedding.Mean(vectors)
	if err != nil {
		return nil, err
	}

	tpl := types.EnrolledTemplate{
		IdentityID:   identityID,
		Embedding:    mean,
		ModelName:    s.modelName,
		SampleCount:  len(samples),
		ConsentGiven: true,
		Status:       types.ApprovalPending,
	}
	if err := s.store.UpsertTemplate(ctx, tpl); err != nil {
		return nil, fmt.Errorf("failed to save template: %w", err)
	}
	s.log.Info("face template enrolled",
		zap.String("identity_id", identityID.String()),
		zap.Int("samples", len(samples)),
		zap.String("model", s.modelName))
	return &tpl, nil
}

// Review approves or rejects the template of an identity.
func (s *Service) Review(ctx context.Context, identityID uuid.UUID, action string, reviewer uuid.UUID) (*types.EnrolledTemplate, error) {
	var status types.ApprovalStatus
	switch action {
	case ActionApprove:
		status = types.ApprovalApproved
	case ActionReject:
		status = types.ApprovalRejected
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}

	if err := s.store.ReviewTemplate(ctx, identityID, status, reviewer, s.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, identityID)
		}
		if errors.Is(err, store.ErrAlreadyApproved) {
			return nil, fmt.Errorf("%w: %s", ErrTemplateApproved, identityID)
		}
		return nil, err
	}
	s.log.Info("face template reviewed",
		zap.String("identity_id", identityID.String()),
		zap.String("status", string(status)),
		zap.String("reviewer", reviewer.String()))

	return s.store.GetTemplate(ctx, identityID)
}

// Pending lists templates awaiting review, oldest first.
func (s *Service) Pending(ctx context.Context) ([]types.PendingEnrollment, error) {
	return s.store.ListPending(ctx)
}
