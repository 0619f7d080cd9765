package types

import (
	"time"

	"github.com/google/uuid"
)

// FaceResult matches the JSON structure coming back from the Python encoder worker
type FaceResult struct {
	Loc []int     `json:"loc"` // [top, right, bottom, left]
	Vec []float64 `json:"vec"` // 128-d face encoding
}

// ErrorResult captures the error object returned by Python on failure
type ErrorResult struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"` // "undecodable" when the image bytes could not be read
}

// ApprovalStatus is the review state of an enrolled face template.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// EnrolledTemplate is the reference embedding of one identity.
// Only approved templates take part in matching.
type EnrolledTemplate struct {
	IdentityID   uuid.UUID
	Embedding    []float64
	ModelName    string
	SampleCount  int
	ConsentGiven bool
	Status       ApprovalStatus
	ReviewedBy   *uuid.UUID
	ReviewedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Identity is a person that can appear on a roster.
type Identity struct {
	ID        uuid.UUID `json:"id"`
	Label     string    `json:"label"` // registration number
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// PendingEnrollment is a template awaiting review, joined with its identity.
type PendingEnrollment struct {
	IdentityID  uuid.UUID `json:"identity_id"`
	Label       string    `json:"label"`
	Name        string    `json:"name"`
	SampleCount int       `json:"sample_count"`
	ModelName   string    `json:"model_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Session is one attendance-taking occasion for a roster section.
type Session struct {
	ID           uuid.UUID
	SectionID    uuid.UUID
	OwnerID      uuid.UUID
	StartTime    time.Time
	EndTime      *time.Time
	SessionType  string
	Closed       bool
	TotalCount   int
	PresentCount int
	AbsentCount  int
}

// AttendanceStatus is the per-identity outcome of a capture.
type AttendanceStatus string

const (
	StatusPresent AttendanceStatus = "present"
	StatusAbsent  AttendanceStatus = "absent"
)

// AttendanceDecision is the single record kept per roster identity per session.
// Confidence is nil when the identity is absent.
type AttendanceDecision struct {
	IdentityID uuid.UUID        `json:"identity_id"`
	Status     AttendanceStatus `json:"status"`
	Confidence *float64         `json:"confidence"`
	CapturedAt time.Time        `json:"captured_at"`
}

// SessionSummary aggregates one successful capture.
type SessionSummary struct {
	FacesDetected     int      `json:"total_faces_detected"`
	IdentitiesMatched int      `json:"matched_students"`
	Late              bool     `json:"late"`
	LateDetections    int      `json:"late_detections"`
	ProxyEvents       int      `json:"proxy_detection_alerts"`
	MeanConfidence    float64  `json:"mean_confidence"`
	AccuracyPercent   float64  `json:"ai_attendance_accuracy_percent"`
	PresentCount      int      `json:"present_count"`
	AbsentCount       int      `json:"absent_count"`
	MatchedLabels     []string `json:"matched_registration_numbers"`
}

// AttendanceTally counts one roster identity's recorded outcomes over a window.
type AttendanceTally struct {
	IdentityID uuid.UUID
	Label      string
	Name       string
	Total      int
	Present    int
}
