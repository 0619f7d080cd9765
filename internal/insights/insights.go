// Package insights summarizes stored face-capture attendance for a session owner.
package insights

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultRiskThreshold = 75.0
	MinRiskThreshold     = 40.0
	MaxRiskThreshold     = 95.0

	// LowConfidence marks a stored match weak enough to count as a proxy alert.
	LowConfidence = 0.65
	TrendSessions = 7
	MaxAtRisk     = 8
	RiskWindow    = 60 * 24 * time.Hour
)

var (
	ErrInvalidThreshold = fmt.Errorf("risk threshold must be between %.0f and %.0f", MinRiskThreshold, MaxRiskThreshold)
	ErrOwnerRequired    = errors.New("owner id is required")
)

// Store is the read side insights need.
type Store interface {
	OwnerSections(ctx context.Context, ownerID uuid.UUID) ([]uuid.UUID, error)
	AIConfidences(ctx context.Context, sectionIDs []uuid.UUID) (int, []float64, error)
	RecentSessions(ctx context.Context, sectionIDs []uuid.UUID, limit int) ([]types.Session, error)
	AttendanceTallies(ctx context.Context, sectionIDs []uuid.UUID, since time.Time) ([]types.AttendanceTally, error)
}

type TrendPoint struct {
	Date          time.Time `json:"date"`
	PresentRate   float64   `json:"present_rate"`
	TotalStudents int       `json:"total_students"`
}

type AtRisk struct {
	IdentityID         uuid.UUID `json:"student_id"`
	Label              string    `json:"registration_number"`
	Name               string    `json:"name"`
	AttendancePercent  float64   `json:"attendance_percent"`
	DropoutRiskPercent float64   `json:"dropout_risk_percent"`
}

// Report is the insight view of one owner's sections.
type Report struct {
	AccuracyPercent float64      `json:"ai_attendance_accuracy_percent"`
	ProxyAlerts     int          `json:"proxy_detection_alerts"`
	AISessions      int          `json:"ai_sessions_count"`
	Trend           []TrendPoint `json:"trend_graph"`
	AtRisk          []AtRisk     `json:"risk_students"`
}

type Service struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

func NewService(store Store, log *zap.Logger) *Service {
	return &Service{store: store, log: log, now: time.Now}
}

// CheckThreshold validates a low-attendance threshold in percent.
func CheckThreshold(v float64) error {
	if math.IsNaN(v) || v < MinRiskThreshold || v > MaxRiskThreshold {
		return fmt.Errorf("%w: got %v", ErrInvalidThreshold, v)
	}
	return nil
}

// Insights builds the report for every section the owner has run sessions in.
func (s *Service) Insights(ctx context.Context, ownerID uuid.UUID, threshold float64) (*Report, error) {
	if ownerID == uuid.Nil {
		return nil, ErrOwnerRequired
	}
	if err := CheckThreshold(threshold); err != nil {
		return nil, err
	}

	report := &Report{Trend: []TrendPoint{}, AtRisk: []AtRisk{}}
	sections, err := s.store.OwnerSections(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sections: %w", err)
	}
	if len(sections) == 0 {
		return report, nil
	}

	aiSessions, confidences, err := s.store.AIConfidences(ctx, sections)
	if err != nil {
		return nil, fmt.Errorf("failed to load capture confidences: %w", err)
	}
	report.AISessions = aiSessions
	report.AccuracyPercent, report.ProxyAlerts = accuracy(confidences)

	recent, err := s.store.RecentSessions(ctx, sections, TrendSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent sessions: %w", err)
	}
	report.Trend = trend(recent)

	tallies, err := s.store.AttendanceTallies(ctx, sections, s.now().Add(-RiskWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to load attendance tallies: %w", err)
	}
	report.AtRisk = atRisk(tallies, threshold)

	s.log.Debug("insights built",
		zap.String("owner_id", ownerID.String()),
		zap.Int("sections", len(sections)),
		zap.Int("ai_sessions", aiSessions),
		zap.Int("at_risk", len(report.AtRisk)))
	return report, nil
}

func accuracy(confidences []float64) (percent float64, lowAlerts int) {
	if len(confidences) == 0 {
		return 0, 0
	}
	var sum float64
	for _, c := range confidences {
		sum += c
		if c < LowConfidence {
			lowAlerts++
		}
	}
	return round2(sum / float64(len(confidences)) * 100), lowAlerts
}

// trend turns newest-first sessions into an oldest-first present-rate series.
func trend(newestFirst []types.Session) []TrendPoint {
	n := len(newestFirst)
	if n > TrendSessions {
		n = TrendSessions
	}
	out := make([]TrendPoint, n)
	for i := 0; i < n; i++ {
		sess := newestFirst[i]
		p := TrendPoint{Date: sess.StartTime, TotalStudents: sess.TotalCount}
		if sess.TotalCount > 0 {
			p.PresentRate = round2(float64(sess.PresentCount) / float64(sess.TotalCount) * 100)
		}
		out[n-1-i] = p
	}
	return out
}

func atRisk(tallies []types.AttendanceTally, threshold float64) []AtRisk {
	out := []AtRisk{}
	for _, t := range tallies {
		if t.Total == 0 {
			continue
		}
		pct := round2(float64(t.Present) / float64(t.Total) * 100)
		if pct >= threshold {
			continue
		}
		out = append(out, AtRisk{
			IdentityID:         t.IdentityID,
			Label:              t.Label,
			Name:               t.Name,
			AttendancePercent:  pct,
			DropoutRiskPercent: DropoutRisk(pct, threshold),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AttendancePercent != out[j].AttendancePercent {
			return out[i].AttendancePercent < out[j].AttendancePercent
		}
		return out[i].Label < out[j].Label
	})
	if len(out) > MaxAtRisk {
		out = out[:MaxAtRisk]
	}
	return out
}

// DropoutRisk grows with the gap below the threshold: 10% at the line, capped at 99%.
func DropoutRisk(attendancePercent, threshold float64) float64 {
	gap := math.Max(0, threshold-attendancePercent)
	return round2(math.Min(99, gap*1.8+10))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
