package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/audionet/verifier/internal/faults"
)

const schema = `
CREATE TABLE IF NOT EXISTS verification_sessions (
	id UUID PRIMARY KEY,
	verification_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'processing',
	stage TEXT NOT NULL DEFAULT 'queued',
	progress DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	initial_data JSONB,
	results JSONB,
	error TEXT,
	warnings JSONB NOT NULL DEFAULT '[]'::jsonb
);
CREATE INDEX IF NOT EXISTS idx_sessions_verification_id ON verification_sessions (verification_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON verification_sessions (status);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON verification_sessions (created_at);
`

const sessionColumns = `id, verification_id, status, stage, progress, created_at, updated_at, initial_data, results, error, warnings`

// Store is the Postgres-backed session store. All mutations are single
// atomic row updates; terminal sessions are frozen by guarding every
// update with status = 'processing'.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// NewStore wraps an already-opened connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:     db,
		logger: log.New(log.Writer(), "[SESSIONS] ", log.LstdFlags),
	}
}

// InitSchema creates the sessions table and its indexes if absent.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return faults.Wrap(faults.KindStorage, err, "init session schema")
	}
	return nil
}

// Ping verifies datastore connectivity; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts a fresh session in status=processing, stage=queued and
// returns its id.
func (s *Store) Create(ctx context.Context, verificationID string, initial *SubmissionData) (string, error) {
	id := uuid.NewString()

	var initialJSON []byte
	if initial != nil {
		var err error
		initialJSON, err = json.Marshal(initial)
		if err != nil {
			return "", faults.Wrap(faults.KindStorage, err, "marshal initial_data")
		}
	}

	const q = `
		INSERT INTO verification_sessions
			(id, verification_id, status, stage, progress, created_at, updated_at, initial_data)
		VALUES ($1, $2, 'processing', 'queued', 0, now(), now(), $3)
	`
	if _, err := s.db.ExecContext(ctx, q, id, verificationID, nullableJSON(initialJSON)); err != nil {
		return "", faults.Wrap(faults.KindStorage, err, "insert session")
	}
	return id, nil
}

// Update applies a partial patch as one atomic UPDATE. It returns true iff
// exactly one processing row matched; a terminal session returns
// (false, nil) and an unknown id a NotFound fault.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (bool, error) {
	sets := []string{"updated_at = now()"}
	args := []interface{}{}
	next := 1

	add := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, next))
		args = append(args, val)
		next++
	}

	if patch.Stage != nil {
		add("stage", string(*patch.Stage))
	}
	if patch.Progress != nil {
		add("progress", *patch.Progress)
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.Results != nil {
		resultsJSON, err := json.Marshal(patch.Results)
		if err != nil {
			return false, faults.Wrap(faults.KindStorage, err, "marshal results")
		}
		add("results", resultsJSON)
	}
	if patch.Error != nil {
		add("error", *patch.Error)
	}

	args = append(args, id)
	q := fmt.Sprintf(
		"UPDATE verification_sessions SET %s WHERE id = $%d AND status = 'processing'",
		strings.Join(sets, ", "), next,
	)

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, faults.Wrap(faults.KindStorage, err, "update session")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, faults.Wrap(faults.KindStorage, err, "update session rows")
	}
	if n == 0 {
		// Zero rows is either a terminal row or an unknown id; an
		// existence check tells them apart.
		var exists bool
		const existsQ = `SELECT EXISTS (SELECT 1 FROM verification_sessions WHERE id = $1)`
		if err := s.db.QueryRowContext(ctx, existsQ, id).Scan(&exists); err != nil {
			return false, faults.Wrap(faults.KindStorage, err, "check session existence")
		}
		if !exists {
			return false, faults.Errorf(faults.KindNotFound, "session %s not found", id)
		}
	}
	return n == 1, nil
}

// UpdateStage advances the stage/progress pair of a processing session.
func (s *Store) UpdateStage(ctx context.Context, id string, stage Stage, progress float64) (bool, error) {
	return s.Update(ctx, id, Patch{Stage: &stage, Progress: &progress})
}

// MarkCompleted freezes a session as completed with the given results.
// A second call on a completed session is a no-op and returns false.
func (s *Store) MarkCompleted(ctx context.Context, id string, results interface{}) (bool, error) {
	status := StatusCompleted
	stage := StageCompleted
	progress := 1.0
	return s.Update(ctx, id, Patch{
		Status:   &status,
		Stage:    &stage,
		Progress: &progress,
		Results:  results,
	})
}

// MarkFailed freezes a session as failed (or cancelled) with the joined
// error strings; progress resets to zero.
func (s *Store) MarkFailed(ctx context.Context, id string, info FailureInfo) (bool, error) {
	status := StatusFailed
	if info.Cancelled {
		status = StatusCancelled
	}
	stage := StageFailed
	progress := 0.0
	msg := strings.Join(info.Errors, "; ")
	if msg == "" {
		msg = "verification failed"
	}
	if info.StageFailed != "" {
		msg = fmt.Sprintf("stage %s: %s", info.StageFailed, msg)
	}
	return s.Update(ctx, id, Patch{
		Status:   &status,
		Stage:    &stage,
		Progress: &progress,
		Error:    &msg,
	})
}

// AddWarnings appends warnings to the session's deduplicated warning set
// in a single statement. An unknown id returns a NotFound fault.
func (s *Store) AddWarnings(ctx context.Context, id string, warnings []string) error {
	if len(warnings) == 0 {
		return nil
	}
	warningsJSON, err := json.Marshal(warnings)
	if err != nil {
		return faults.Wrap(faults.KindStorage, err, "marshal warnings")
	}

	const q = `
		UPDATE verification_sessions
		SET warnings = (
			SELECT COALESCE(jsonb_agg(DISTINCT w), '[]'::jsonb)
			FROM jsonb_array_elements_text(COALESCE(warnings, '[]'::jsonb) || $2::jsonb) AS t(w)
		), updated_at = now()
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, q, id, warningsJSON)
	if err != nil {
		return faults.Wrap(faults.KindStorage, err, "append warnings")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return faults.Wrap(faults.KindStorage, err, "append warnings rows")
	}
	if n == 0 {
		// There is no status guard here, so zero rows means the id
		// does not exist.
		return faults.Errorf(faults.KindNotFound, "session %s not found", id)
	}
	return nil
}

// Get returns the session or nil when the id is unknown.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	q := fmt.Sprintf("SELECT %s FROM verification_sessions WHERE id = $1", sessionColumns)
	row := s.db.QueryRowContext(ctx, q, id)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindStorage, err, "get session")
	}
	return sess, nil
}

// List returns recent sessions, optionally filtered by status.
func (s *Store) List(ctx context.Context, status Status, limit int) ([]*Session, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := fmt.Sprintf("SELECT %s FROM verification_sessions", sessionColumns)
	args := []interface{}{}
	if status != "" {
		q += " WHERE status = $1"
		args = append(args, string(status))
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, faults.Wrap(faults.KindStorage, err, "list sessions")
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, faults.Wrap(faults.KindStorage, err, "scan session")
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess         Session
		status       string
		stage        string
		initialData  []byte
		results      []byte
		errText      sql.NullString
		warningsJSON []byte
	)

	err := row.Scan(
		&sess.ID, &sess.VerificationID, &status, &stage, &sess.Progress,
		&sess.CreatedAt, &sess.UpdatedAt, &initialData, &results, &errText, &warningsJSON,
	)
	if err != nil {
		return nil, err
	}

	sess.Status = Status(status)
	sess.Stage = Stage(stage)
	if len(initialData) > 0 {
		var data SubmissionData
		if err := json.Unmarshal(initialData, &data); err != nil {
			return nil, fmt.Errorf("decode initial_data: %w", err)
		}
		sess.InitialData = &data
	}
	if len(results) > 0 {
		sess.Results = json.RawMessage(results)
	}
	if errText.Valid {
		sess.Error = &errText.String
	}
	if len(warningsJSON) > 0 {
		if err := json.Unmarshal(warningsJSON, &sess.Warnings); err != nil {
			return nil, fmt.Errorf("decode warnings: %w", err)
		}
	}
	return &sess, nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
