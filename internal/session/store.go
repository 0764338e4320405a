package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/manash/promptloop/pkg/models"
	_ "modernc.org/sqlite"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrIterationNotFound = errors.New("iteration not found")
	ErrStatusMismatch    = errors.New("session status does not allow this change")
	ErrIndexConflict     = errors.New("iteration index is not the next index")
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    user_goal TEXT NOT NULL,
    image_provider TEXT NOT NULL,
    image_params_json TEXT,
    prompt TEXT,
    status TEXT NOT NULL DEFAULT 'draft',
    status_reason TEXT,
    max_iterations INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS iterations (
    session_id TEXT NOT NULL,
    idx INTEGER NOT NULL,
    prompt_text TEXT NOT NULL,
    prompt_diff TEXT,
    image_path TEXT,
    judge_score INTEGER,
    judge_notes TEXT,
    user_feedback TEXT,
    created_at TEXT NOT NULL,
    PRIMARY KEY (session_id, idx),
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS cost_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    iteration_index INTEGER NOT NULL,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    cost REAL NOT NULL,
    image_count INTEGER NOT NULL DEFAULT 1,
    timestamp TEXT NOT NULL,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_cost_log_session_id ON cost_log(session_id);
CREATE INDEX IF NOT EXISTS idx_cost_log_provider ON cost_log(provider);
`

const sessionColumns = `id, user_goal, image_provider, image_params_json, prompt, status, status_reason, max_iterations, created_at, updated_at`

const iterationColumns = `idx, prompt_text, prompt_diff, image_path, judge_score, judge_notes, user_feedback, created_at`

// Store persists sessions, their iterations and the cost ledger in sqlite.
// Status changes are conditional updates so that two writers can never both
// move a session out of the same state.
type Store struct {
	db *sql.DB
}

func NewStoreWithPath(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serialises writers anyway; one connection keeps transactions
	// from failing with SQLITE_BUSY under concurrent runs.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	params, err := encodeParams(sess.ImageParams)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserGoal, sess.ImageProvider, params, nullString(sess.Prompt),
		string(sess.Status), nullString(sess.StatusReason), int(sess.MaxIterations),
		formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt))
	return err
}

// GetSession loads a session together with its iterations in index order.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	iters, err := s.ListIterations(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Iterations = iters
	return sess, nil
}

// ListSessions returns all sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC`)
}

func (s *Store) ListSessionsByStatus(ctx context.Context, status Status) ([]*Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY updated_at ASC`, string(status))
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, sess := range sessions {
		iters, err := s.ListIterations(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		sess.Iterations = iters
	}
	return sessions, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return s.expectOne(ctx, res, id, nil)
}

// UpdatePrompt sets the first prompt of a session that is still in draft.
func (s *Store) UpdatePrompt(ctx context.Context, id, prompt string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET prompt = ?, updated_at = ? WHERE id = ? AND status = ?`,
		nullString(prompt), formatTime(at), id, string(StatusDraft))
	if err != nil {
		return err
	}
	return s.expectOne(ctx, res, id, ErrStatusMismatch)
}

// TransitionStatus moves a session from one status to another only if it is
// currently in from. It reports ErrStatusMismatch when another writer got
// there first or the session was never in from.
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to Status, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, status_reason = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), nullString(reason), formatTime(at), id, string(from))
	if err != nil {
		return err
	}
	return s.expectOne(ctx, res, id, ErrStatusMismatch)
}

// AppendIteration records it as the next iteration of a running session.
// it.Index must equal the number of iterations already recorded.
func (s *Store) AppendIteration(ctx context.Context, id string, it Iteration, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT status, (SELECT COUNT(*) FROM iterations WHERE session_id = sessions.id)
		 FROM sessions WHERE id = ?`, id).Scan(&status, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return err
	}
	if Status(status) != StatusRunning {
		return fmt.Errorf("%w: session %s is %s", ErrStatusMismatch, id, status)
	}
	if it.Index != count {
		return fmt.Errorf("%w: got %d, next is %d", ErrIndexConflict, it.Index, count)
	}

	var score sql.NullInt64
	if it.JudgeScore != nil {
		score = sql.NullInt64{Int64: int64(*it.JudgeScore), Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO iterations (session_id, `+iterationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, it.Index, it.PromptText, nullPtr(it.PromptDiff), nullPtr(it.ImagePath), score,
		nullPtr(it.JudgeNotes), nullPtr(it.UserFeedback), formatTime(it.CreatedAt)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, formatTime(at), id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetIteration(ctx context.Context, id string, index int) (*Iteration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+iterationColumns+` FROM iterations WHERE session_id = ? AND idx = ?`, id, index)
	it, err := scanIteration(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.statusOf(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s#%d", ErrIterationNotFound, id, index)
	}
	return it, err
}

func (s *Store) ListIterations(ctx context.Context, id string) ([]Iteration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+iterationColumns+` FROM iterations WHERE session_id = ? ORDER BY idx ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var iters []Iteration
	for rows.Next() {
		it, err := scanIteration(rows)
		if err != nil {
			return nil, err
		}
		iters = append(iters, *it)
	}
	return iters, rows.Err()
}

// SetFeedback is the only update ever applied to a recorded iteration. It
// bumps the session's updated_at in the same transaction.
func (s *Store) SetFeedback(ctx context.Context, id string, index int, feedback string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE iterations SET user_feedback = ? WHERE session_id = ? AND idx = ?`,
		feedback, id, index)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// The pool holds a single connection, so release it before expectOne.
		if err := tx.Rollback(); err != nil {
			return err
		}
		return s.expectOne(ctx, res, id, fmt.Errorf("%w: %s#%d", ErrIterationNotFound, id, index))
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, formatTime(at), id); err != nil {
		return err
	}
	return tx.Commit()
}

// expectOne turns a zero-row update into ErrSessionNotFound when the session
// does not exist, or into otherwise when it does.
func (s *Store) expectOne(ctx context.Context, res sql.Result, id string, otherwise error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.statusOf(ctx, id); err != nil {
		return err
	}
	if otherwise == nil {
		return nil
	}
	return otherwise
}

func (s *Store) statusOf(ctx context.Context, id string) (Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return Status(status), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess                         Session
		params, prompt, reason       sql.NullString
		status, createdAt, updatedAt string
		maxIter                      int
	)
	if err := row.Scan(&sess.ID, &sess.UserGoal, &sess.ImageProvider, &params, &prompt,
		&status, &reason, &maxIter, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if sess.Status, err = ParseStatus(status); err != nil {
		return nil, err
	}
	if sess.MaxIterations, err = NewBudget(maxIter); err != nil {
		return nil, err
	}
	if sess.ImageParams, err = decodeParams(params.String); err != nil {
		return nil, err
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	sess.Prompt = prompt.String
	sess.StatusReason = reason.String
	return &sess, nil
}

func scanIteration(row rowScanner) (*Iteration, error) {
	var (
		it                               Iteration
		diff, imagePath, notes, feedback sql.NullString
		score                            sql.NullInt64
		createdAt                        string
	)
	if err := row.Scan(&it.Index, &it.PromptText, &diff, &imagePath, &score,
		&notes, &feedback, &createdAt); err != nil {
		return nil, err
	}

	if score.Valid {
		sc, err := NewScore(int(score.Int64))
		if err != nil {
			return nil, err
		}
		it.JudgeScore = &sc
	}
	var err error
	if it.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	it.PromptDiff = ptrFromNull(diff)
	it.ImagePath = ptrFromNull(imagePath)
	it.JudgeNotes = ptrFromNull(notes)
	it.UserFeedback = ptrFromNull(feedback)
	return &it, nil
}

func encodeParams(p models.Params) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode image params: %w", err)
	}
	return string(data), nil
}

func decodeParams(data string) (models.Params, error) {
	p := models.Params{}
	if data == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to decode image params: %w", err)
	}
	return p, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func ptrFromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func (s *Store) LogCost(ctx context.Context, entry *CostEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cost_log (session_id, iteration_index, provider, model, cost, image_count, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.IterationIndex, entry.Provider, entry.Model,
		entry.Cost, entry.ImageCount, formatTime(entry.Timestamp))
	return err
}

func (s *Store) GetCostByProvider(ctx context.Context) ([]ProviderCostSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, COALESCE(SUM(cost), 0), COALESCE(SUM(image_count), 0)
		 FROM cost_log GROUP BY provider ORDER BY provider`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []ProviderCostSummary
	for rows.Next() {
		var ps ProviderCostSummary
		if err := rows.Scan(&ps.Provider, &ps.TotalCost, &ps.ImageCount); err != nil {
			return nil, err
		}
		summaries = append(summaries, ps)
	}
	return summaries, rows.Err()
}

func (s *Store) GetTotalCost(ctx context.Context) (*CostSummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0), COALESCE(SUM(image_count), 0), COUNT(*) FROM cost_log`)

	var summary CostSummary
	if err := row.Scan(&summary.TotalCost, &summary.ImageCount, &summary.EntryCount); err != nil {
		return nil, err
	}
	return &summary, nil
}

func (s *Store) GetSessionCost(ctx context.Context, sessionID string) (*CostSummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0), COALESCE(SUM(image_count), 0), COUNT(*)
		 FROM cost_log WHERE session_id = ?`,
		sessionID)

	var summary CostSummary
	if err := row.Scan(&summary.TotalCost, &summary.ImageCount, &summary.EntryCount); err != nil {
		return nil, err
	}
	return &summary, nil
}
