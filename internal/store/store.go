package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/rollcall/internal/embedding"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyApproved is returned when reviewing a template that is already approved.
	ErrAlreadyApproved = errors.New("template already approved")
	// ErrSessionClosed is returned when saving a capture into a closed session.
	ErrSessionClosed = errors.New("session already closed")
)

// SessionTypeAIFace marks sessions whose attendance was taken by face capture.
const SessionTypeAIFace = "ai_face"

// Store manages the PostgreSQL pool and pgvector operations.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the necessary tables and vector extension if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS identities (
			id UUID PRIMARY KEY,
			label TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS roster_members (
			section_id UUID NOT NULL,
			identity_id UUID NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			PRIMARY KEY (section_id, identity_id)
		);
		CREATE TABLE IF NOT EXISTS face_templates (
			identity_id UUID PRIMARY KEY REFERENCES identities(id) ON DELETE CASCADE,
			embedding VECTOR(128) NOT NULL,
			model_name TEXT NOT NULL,
			sample_count INT NOT NULL,
			consent_given BOOLEAN NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			reviewed_by UUID,
			reviewed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS attendance_sessions (
			id UUID PRIMARY KEY,
			section_id UUID NOT NULL,
			owner_id UUID NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ,
			session_type TEXT NOT NULL DEFAULT 'regular',
			is_closed BOOLEAN NOT NULL DEFAULT FALSE,
			total_count INT NOT NULL DEFAULT 0,
			present_count INT NOT NULL DEFAULT 0,
			absent_count INT NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS attendance_records (
			session_id UUID NOT NULL REFERENCES attendance_sessions(id) ON DELETE CASCADE,
			identity_id UUID NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			confidence DOUBLE PRECISION,
			captured_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, identity_id)
		);
		CREATE INDEX IF NOT EXISTS face_templates_status_idx ON face_templates (status, created_at);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// CreateIdentity registers a person by label. An existing label is reused and
// its name updated when a non-empty one is given.
func (s *Store) CreateIdentity(ctx context.Context, label, name string) (*types.Identity, error) {
	var id types.Identity
	err := s.pool.QueryRow(ctx, `
		INSERT INTO identities (id, label, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (label) DO UPDATE SET name = COALESCE(NULLIF(EXCLUDED.name, ''), identities.name)
		RETURNING id, label, name, created_at
	`, uuid.New(), label, name).Scan(&id.ID, &id.Label, &id.Name, &id.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// GetIdentity fetches one identity.
func (s *Store) GetIdentity(ctx context.Context, id uuid.UUID) (*types.Identity, error) {
	var out types.Identity
	err := s.pool.QueryRow(ctx, "SELECT id, label, name, created_at FROM identities WHERE id = $1", id).
		Scan(&out.ID, &out.Label, &out.Name, &out.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("identity %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AddRosterMember enrolls an identity in a section, reactivating it if it was inactive.
func (s *Store) AddRosterMember(ctx context.Context, sectionID, identityID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO roster_members (section_id, identity_id, active)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (section_id, identity_id) DO UPDATE SET active = TRUE
	`, sectionID, identityID)
	return err
}

// RemoveRosterMember deactivates a membership. Past attendance records are kept.
func (s *Store) RemoveRosterMember(ctx context.Context, sectionID, identityID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE roster_members SET active = FALSE WHERE section_id = $1 AND identity_id = $2", sectionID, identityID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("roster member %s in section %s: %w", identityID, sectionID, ErrNotFound)
	}
	return nil
}

// RosterMembers returns the active identities of a section.
func (s *Store) RosterMembers(ctx context.Context, sectionID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT identity_id FROM roster_members WHERE section_id = $1 AND active ORDER BY identity_id", sectionID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// Labels maps identities to their labels (registration numbers).
func (s *Store) Labels(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	out := make(map[uuid.UUID]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, "SELECT id, label FROM identities WHERE id = ANY($1)", ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var label string
		if err := rows.Scan(&id, &label); err != nil {
			return nil, err
		}
		out[id] = label
	}
	return out, rows.Err()
}

// ApprovedTemplates returns the raw approved embeddings of the given identities.
func (s *Store) ApprovedTemplates(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]float64, error) {
	out := make(map[uuid.UUID][]float64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT identity_id, embedding FROM face_templates
		WHERE status = $1 AND identity_id = ANY($2)
	`, string(types.ApprovalApproved), ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var vec pgvector.Vector
		if err := rows.Scan(&id, &vec); err != nil {
			return nil, err
		}
		out[id] = toFloat64(vec.Slice())
	}
	return out, rows.Err()
}

// UpsertTemplate stores an enrollment. Re-enrollment replaces the vector and resets the review.
func (s *Store) UpsertTemplate(ctx context.Context, t types.EnrolledTemplate) error {
	vec := pgvector.NewVector(embedding.Vector(t.Embedding).Float32())
	_, err := s.pool.Exec(ctx, `
		INSERT INTO face_templates (identity_id, embedding, model_name, sample_count, consent_given, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (identity_id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			model_name = EXCLUDED.model_name,
			sample_count = EXCLUDED.sample_count,
			consent_given = EXCLUDED.consent_given,
			status = EXCLUDED.status,
			reviewed_by = NULL,
			reviewed_at = NULL,
			updated_at = NOW()
	`, t.IdentityID, vec, t.ModelName, t.SampleCount, t.ConsentGiven, string(t.Status))
	return err
}

// GetTemplate fetches the template of an identity.
func (s *Store) GetTemplate(ctx context.Context, identityID uuid.UUID) (*types.EnrolledTemplate, error) {
	var t types.EnrolledTemplate
	var vec pgvector.Vector
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT identity_id, embedding, model_name, sample_count, consent_given, status,
		       reviewed_by, reviewed_at, created_at, updated_at
		FROM face_templates WHERE identity_id = $1
	`, identityID).Scan(&t.IdentityID, &vec, &t.ModelName, &t.SampleCount, &t.ConsentGiven, &status,
		&t.ReviewedBy, &t.ReviewedAt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template for %s: %w", identityID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	t.Embedding = toFloat64(vec.Slice())
	t.Status = types.ApprovalStatus(status)
	return &t, nil
}

// ReviewTemplate records an approval decision. Approved templates only change
// through re-enrollment.
func (s *Store) ReviewTemplate(ctx context.Context, identityID uuid.UUID, status types.ApprovalStatus, reviewer uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE face_templates SET status = $2, reviewed_by = $3, reviewed_at = $4, updated_at = $4
		WHERE identity_id = $1 AND status <> $5
	`, identityID, string(status), reviewer, at, string(types.ApprovalApproved))
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM face_templates WHERE identity_id = $1)`, identityID).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("template for %s: %w", identityID, ErrAlreadyApproved)
	}
	return fmt.Errorf("template for %s: %w", identityID, ErrNotFound)
}

// ListPending returns templates awaiting review, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]types.PendingEnrollment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.identity_id, i.label, i.name, t.sample_count, t.model_name, t.created_at
		FROM face_templates t JOIN identities i ON i.id = t.identity_id
		WHERE t.status = $1
		ORDER BY t.created_at ASC
	`, string(types.ApprovalPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.PendingEnrollment
	for rows.Next() {
		var p types.PendingEnrollment
		if err := rows.Scan(&p.IdentityID, &p.Label, &p.Name, &p.SampleCount, &p.ModelName, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateSession opens an attendance session.
func (s *Store) CreateSession(ctx context.Context, sectionID, ownerID uuid.UUID, start time.Time) (*types.Session, error) {
	sess := &types.Session{
		ID:          uuid.New(),
		SectionID:   sectionID,
		OwnerID:     ownerID,
		StartTime:   start,
		SessionType: "regular",
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attendance_sessions (id, section_id, owner_id, start_time, session_type)
		VALUES ($1, $2, $3, $4, $5)
	`, sess.ID, sess.SectionID, sess.OwnerID, sess.StartTime, sess.SessionType)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession fetches one session.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*types.Session, error) {
	var sess types.Session
	err := s.pool.QueryRow(ctx, `
		SELECT id, section_id, owner_id, start_time, end_time, session_type, is_closed,
		       total_count, present_count, absent_count
		FROM attendance_sessions WHERE id = $1
	`, id).Scan(&sess.ID, &sess.SectionID, &sess.OwnerID, &sess.StartTime, &sess.EndTime, &sess.SessionType,
		&sess.Closed, &sess.TotalCount, &sess.PresentCount, &sess.AbsentCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// SaveCapture persists a capture atomically: one record per roster identity
// (replacing earlier ones), the session counters, and the session close.
func (s *Store) SaveCapture(ctx context.Context, sessionID uuid.UUID, decisions []types.AttendanceDecision, summary types.SessionSummary, capturedAt time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Lock the session row so concurrent captures serialize and only the first one writes.
	var closed bool
	err = tx.QueryRow(ctx, `SELECT is_closed FROM attendance_sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&closed)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if closed {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionClosed)
	}

	batch := &pgx.Batch{}
	for _, d := range decisions {
		batch.Queue(`
			INSERT INTO attendance_records (session_id, identity_id, status, confidence, captured_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (session_id, identity_id) DO UPDATE SET
				status = EXCLUDED.status,
				confidence = EXCLUDED.confidence,
				captured_at = EXCLUDED.captured_at
		`, sessionID, d.IdentityID, string(d.Status), d.Confidence, d.CapturedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert attendance records: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE attendance_sessions SET
			session_type = $2,
			total_count = $3,
			present_count = $4,
			absent_count = $5,
			end_time = $6,
			is_closed = TRUE
		WHERE id = $1 AND NOT is_closed
	`, sessionID, SessionTypeAIFace, len(decisions), summary.PresentCount, summary.AbsentCount, capturedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionClosed)
	}
	return tx.Commit(ctx)
}

// Records returns the stored decisions of a session, ordered by identity.
func (s *Store) Records(ctx context.Context, sessionID uuid.UUID) ([]types.AttendanceDecision, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT identity_id, status, confidence, captured_at
		FROM attendance_records WHERE session_id = $1 ORDER BY identity_id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.AttendanceDecision
	for rows.Next() {
		var d types.AttendanceDecision
		var status string
		if err := rows.Scan(&d.IdentityID, &status, &d.Confidence, &d.CapturedAt); err != nil {
			return nil, err
		}
		d.Status = types.AttendanceStatus(status)
		out = append(out, d)
	}
	return out, rows.Err()
}

// OwnerSections returns the sections in which the owner has opened sessions.
func (s *Store) OwnerSections(ctx context.Context, ownerID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT DISTINCT section_id FROM attendance_sessions WHERE owner_id = $1 ORDER BY section_id", ownerID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// AIConfidences returns the number of face-captured sessions in the sections
// and every confidence stored by them.
func (s *Store) AIConfidences(ctx context.Context, sectionIDs []uuid.UUID) (int, []float64, error) {
	var sessions int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM attendance_sessions WHERE section_id = ANY($1) AND session_type = $2
	`, sectionIDs, SessionTypeAIFace).Scan(&sessions)
	if err != nil {
		return 0, nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT r.confidence
		FROM attendance_records r JOIN attendance_sessions s ON s.id = r.session_id
		WHERE s.section_id = ANY($1) AND s.session_type = $2 AND r.confidence IS NOT NULL
	`, sectionIDs, SessionTypeAIFace)
	if err != nil {
		return 0, nil, err
	}
	confidences, err := pgx.CollectRows(rows, pgx.RowTo[float64])
	return sessions, confidences, err
}

// RecentSessions returns the newest sessions of the sections, newest first.
func (s *Store) RecentSessions(ctx context.Context, sectionIDs []uuid.UUID, limit int) ([]types.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, section_id, owner_id, start_time, end_time, session_type, is_closed,
		       total_count, present_count, absent_count
		FROM attendance_sessions WHERE section_id = ANY($1)
		ORDER BY start_time DESC LIMIT $2
	`, sectionIDs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Session
	for rows.Next() {
		var sess types.Session
		if err := rows.Scan(&sess.ID, &sess.SectionID, &sess.OwnerID, &sess.StartTime, &sess.EndTime, &sess.SessionType,
			&sess.Closed, &sess.TotalCount, &sess.PresentCount, &sess.AbsentCount); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// AttendanceTallies counts records captured since the given time for every
// active roster member of the sections. Members without records are omitted.
func (s *Store) AttendanceTallies(ctx context.Context, sectionIDs []uuid.UUID, since time.Time) ([]types.AttendanceTally, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT i.id, i.label, i.name,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE r.status = $3)
		FROM attendance_records r
		JOIN attendance_sessions s ON s.id = r.session_id
		JOIN identities i ON i.id = r.identity_id
		WHERE s.section_id = ANY($1) AND r.captured_at >= $2
		  AND EXISTS (
			SELECT 1 FROM roster_members m
			WHERE m.identity_id = r.identity_id AND m.section_id = ANY($1) AND m.active
		  )
		GROUP BY i.id, i.label, i.name
		ORDER BY i.id
	`, sectionIDs, since, string(types.StatusPresent))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.AttendanceTally
	for rows.Next() {
		var t types.AttendanceTally
		if err := rows.Scan(&t.IdentityID, &t.Label, &t.Name, &t.Total, &t.Present); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS attendance_records CASCADE;
		DROP TABLE IF EXISTS attendance_sessions CASCADE;
		DROP TABLE IF EXISTS face_templates CASCADE;
		DROP TABLE IF EXISTS roster_members CASCADE;
		DROP TABLE IF EXISTS identities CASCADE;
	`)
	return err
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
