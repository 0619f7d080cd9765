package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/andresmejia3/rollcall/internal/capture"
	"github.com/andresmejia3/rollcall/internal/embedding"
	"github.com/andresmejia3/rollcall/internal/enrollment"
	"github.com/andresmejia3/rollcall/internal/frames"
	"github.com/andresmejia3/rollcall/internal/insights"
	"github.com/andresmejia3/rollcall/internal/match"
	"github.com/andresmejia3/rollcall/internal/stream"
	"github.com/andresmejia3/rollcall/internal/worker"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxUploadSize = 32 << 20

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, worker.ErrUnavailable), errors.Is(err, frames.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, capture.ErrSessionNotFound),
		errors.Is(err, stream.ErrStreamNotFound),
		errors.Is(err, enrollment.ErrIdentityNotFound),
		errors.Is(err, enrollment.ErrTemplateNotFound):
		return http.StatusNotFound
	case errors.Is(err, capture.ErrNotSessionOwner):
		return http.StatusForbidden
	case errors.Is(err, stream.ErrStreamActive),
		errors.Is(err, enrollment.ErrTemplateApproved):
		return http.StatusConflict
	case errors.Is(err, capture.ErrInvalidRequest),
		errors.Is(err, capture.ErrSessionClosed),
		errors.Is(err, capture.ErrEmptyRoster),
		errors.Is(err, stream.ErrInvalidConfig),
		errors.Is(err, match.ErrNoEnrolledTemplates),
		errors.Is(err, embedding.ErrDegenerateEmbedding),
		errors.Is(err, worker.ErrUndecodable),
		errors.Is(err, enrollment.ErrConsentRequired),
		errors.Is(err, enrollment.ErrSampleCount),
		errors.Is(err, enrollment.ErrNoFace),
		errors.Is(err, enrollment.ErrMultipleFaces),
		errors.Is(err, enrollment.ErrInvalidAction),
		errors.Is(err, insights.ErrInvalidThreshold),
		errors.Is(err, insights.ErrOwnerRequired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
		respondError(w, status, "internal server error")
		return
	}
	respondError(w, status, err.Error())
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseUUID(raw, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s must be a UUID", field)
	}
	return id, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %s", fh.Filename)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// captureSession handles POST /api/v1/sessions/{sessionId}/capture.
func (s *Server) captureSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseUUID(chi.URLParam(r, "sessionId"), "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}
	operatorID, err := parseUUID(r.FormValue("operator_id"), "operator_id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := capture.Request{
		SessionID:           sessionID,
		OperatorID:          operatorID,
		ConfidenceThreshold: s.defaults.ConfidenceThreshold,
		LateMinutes:         s.defaults.LateMinutes,
	}
	if v := r.FormValue("confidence_threshold"); v != "" {
		if req.ConfidenceThreshold, err = strconv.ParseFloat(v, 64); err != nil {
			respondError(w, http.StatusBadRequest, "confidence_threshold must be a number")
			return
		}
	}
	if v := r.FormValue("late_threshold_minutes"); v != "" {
		if req.LateMinutes, err = strconv.Atoi(v); err != nil {
			respondError(w, http.StatusBadRequest, "late_threshold_minutes must be an integer")
			return
		}
	}
	if v := r.FormValue("captured_at"); v != "" {
		if req.CapturedAt, err = time.Parse(time.RFC3339, v); err != nil {
			respondError(w, http.StatusBadRequest, "captured_at must be an RFC 3339 timestamp")
			return
		}
	}

	_, fh, err := r.FormFile("image")
	if err != nil {
		respondError(w, http.StatusBadRequest, "image is required")
		return
	}
	image, err := readPart(fh)
	if err != nil || len(image) == 0 {
		respondError(w, http.StatusBadRequest, "uploaded image is empty")
		return
	}

	summary, err := s.capture.CaptureOnce(r.Context(), req, image)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

type startStreamRequest struct {
	SessionID           uuid.UUID `json:"session_id"`
	OperatorID          uuid.UUID `json:"operator_id"`
	SourceURL           string    `json:"source_url"`
	ConfidenceThreshold *float64  `json:"confidence_threshold"`
	LateMinutes         *int      `json:"late_threshold_minutes"`
}

// startStream handles POST /api/v1/streams.
func (s *Server) startStream(w http.ResponseWriter, r *http.Request) {
	var body startStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg := stream.Config{
		SessionID:           body.SessionID,
		OperatorID:          body.OperatorID,
		SourceURL:           body.SourceURL,
		ConfidenceThreshold: s.defaults.ConfidenceThreshold,
		LateMinutes:         s.defaults.LateMinutes,
	}
	if body.ConfidenceThreshold != nil {
		cfg.ConfidenceThreshold = *body.ConfidenceThreshold
	}
	if body.LateMinutes != nil {
		cfg.LateMinutes = *body.LateMinutes
	}

	snap, err := s.streams.Start(r.Context(), cfg)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, snap)
}

// streamStatus handles GET /api/v1/streams/{streamId}.
func (s *Server) streamStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUID(chi.URLParam(r, "streamId"), "streamId")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := s.streams.Status(id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// stopStream handles POST /api/v1/streams/{streamId}/stop.
func (s *Server) stopStream(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUID(chi.URLParam(r, "streamId"), "streamId")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := s.streams.Stop(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// submitEnrollment handles POST /api/v1/enrollments.
func (s *Server) submitEnrollment(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}
	identityID, err := parseUUID(r.FormValue("identity_id"), "identity_id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	consent, _ := strconv.ParseBool(r.FormValue("consent_given"))

	var samples [][]byte
	for _, fh := range r.MultipartForm.File["files"] {
		data, err := readPart(fh)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		samples = append(samples, data)
	}

	tpl, err := s.enroll.Enroll(r.Context(), identityID, samples, consent)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"identity_id":  tpl.IdentityID,
		"status":       tpl.Status,
		"sample_count": tpl.SampleCount,
		"model_name":   tpl.ModelName,
	})
}

// pendingEnrollments handles GET /api/v1/enrollments/pending.
func (s *Server) pendingEnrollments(w http.ResponseWriter, r *http.Request) {
	pending, err := s.enroll.Pending(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"enrollments": pending,
		"count":       len(pending),
	})
}

type reviewRequest struct {
	Action     string    `json:"action"`
	ReviewerID uuid.UUID `json:"reviewer_id"`
}

// reviewEnrollment handles POST /api/v1/enrollments/{identityId}/review.
func (s *Server) reviewEnrollment(w http.ResponseWriter, r *http.Request) {
	identityID, err := parseUUID(chi.URLParam(r, "identityId"), "identityId")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.ReviewerID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "reviewer_id is required")
		return
	}

	tpl, err := s.enroll.Review(r.Context(), identityID, body.Action, body.ReviewerID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"identity_id": tpl.IdentityID,
		"status":      tpl.Status,
		"reviewed_at": tpl.ReviewedAt,
	})
}

// ownerInsights handles GET /api/v1/insights?owner_id=...&threshold=...
func (s *Server) ownerInsights(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ownerID, err := parseUUID(q.Get("owner_id"), "owner_id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	threshold := insights.DefaultRiskThreshold
	if v := q.Get("threshold"); v != "" {
		if threshold, err = strconv.ParseFloat(v, 64); err != nil {
			respondError(w, http.StatusBadRequest, "threshold must be a number")
			return
		}
	}

	report, err := s.insights.Insights(r.Context(), ownerID, threshold)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}
