package preload

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quualle/AgencyReporter/internal/database"
	"go.uber.org/zap"
)

// DefaultSessionTimeout is the age after which a running session counts as abandoned
const DefaultSessionTimeout = time.Hour

// Tracker persists sessions in the preload_sessions table. Every transition
// is a single conditional UPDATE on status = 'running', so a terminal
// session never changes again.
type Tracker struct {
	db     *database.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker creates a tracker. A nil now uses time.Now.
func NewTracker(db *database.DB, now func() time.Time, logger *zap.Logger) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{db: db, logger: logger, now: now}
}

// NewSessionKey returns preload_<scope>_<8 hex chars>
func NewSessionKey(scopeID string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("preload_%s_%s", scopeID, id[:8])
}

// Create starts a running session with zero counters
func (t *Tracker) Create(ctx context.Context, scopeID string) (string, error) {
	if scopeID == "" {
		return "", errors.New("preload: empty scope")
	}
	key := NewSessionKey(scopeID)
	_, err := t.db.SQL().ExecContext(ctx, `INSERT INTO preload_sessions
		(session_key, scope_id, status, started_at, total_requests, successful_requests, failed_requests)
		VALUES ($1, $2, $3, $4, 0, 0, 0)`,
		key, scopeID, string(StatusRunning), database.ToMillis(t.now()))
	if err != nil {
		return "", fmt.Errorf("create preload session: %w", err)
	}
	t.logger.Info("preload session created", zap.String("session_key", key), zap.String("scope_id", scopeID))
	return key, nil
}

// UpdateProgress overwrites the cumulative counters of a running session.
// It reports false for unknown and terminal sessions.
func (t *Tracker) UpdateProgress(ctx context.Context, key string, p Progress) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	res, err := t.db.SQL().ExecContext(ctx, `UPDATE preload_sessions
		SET total_requests = $1, successful_requests = $2, failed_requests = $3
		WHERE session_key = $4 AND status = $5`,
		p.Total, p.Successful, p.Failed, key, string(StatusRunning))
	if err != nil {
		return false, fmt.Errorf("update preload progress: %w", err)
	}
	return affected(res)
}

// Complete finalizes a running session as completed or failed. It reports
// false for unknown and terminal sessions.
func (t *Tracker) Complete(ctx context.Context, key string, success bool, errMsg string) (bool, error) {
	status := StatusCompleted
	var msg sql.NullString
	if !success {
		status = StatusFailed
		if errMsg == "" {
			errMsg = "Unknown error"
		}
		msg = sql.NullString{String: errMsg, Valid: true}
	}

	res, err := t.db.SQL().ExecContext(ctx, `UPDATE preload_sessions
		SET status = $1, completed_at = $2, error_message = $3
		WHERE session_key = $4 AND status = $5`,
		string(status), database.ToMillis(t.now()), msg, key, string(StatusRunning))
	if err != nil {
		return false, fmt.Errorf("complete preload session: %w", err)
	}
	ok, err := affected(res)
	if ok {
		t.logger.Info("preload session finished",
			zap.String("session_key", key),
			zap.String("status", string(status)))
	}
	return ok, err
}

const selectSession = `SELECT session_key, scope_id, status, started_at, completed_at,
	total_requests, successful_requests, failed_requests, error_message
	FROM preload_sessions`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var (
		s           Session
		status      string
		startedAt   int64
		completedAt sql.NullInt64
		errMsg      sql.NullString
	)
	if err := row.Scan(&s.Key, &s.ScopeID, &status, &startedAt, &completedAt,
		&s.Total, &s.Successful, &s.Failed, &errMsg); err != nil {
		return Session{}, err
	}
	s.Status = Status(status)
	s.StartedAt = database.FromMillis(startedAt)
	if completedAt.Valid {
		ts := database.FromMillis(completedAt.Int64)
		s.CompletedAt = &ts
	}
	s.ErrorMessage = errMsg.String
	return s, nil
}

// Get returns the session for key
func (t *Tracker) Get(ctx context.Context, key string) (Session, error) {
	s, err := scanSession(t.db.SQL().QueryRowContext(ctx, selectSession+` WHERE session_key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("query preload session: %w", err)
	}
	return s, nil
}

// Recent returns up to limit sessions, newest first
func (t *Tracker) Recent(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := t.db.SQL().QueryContext(ctx, selectSession+` ORDER BY started_at DESC, session_key LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query preload sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan preload session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Running returns the running sessions of scopeID
func (t *Tracker) Running(ctx context.Context, scopeID string) ([]Session, error) {
	rows, err := t.db.SQL().QueryContext(ctx, selectSession+` WHERE scope_id = $1 AND status = $2 ORDER BY started_at`,
		scopeID, string(StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("query running sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan preload session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// CountSince counts sessions started after since
func (t *Tracker) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := t.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM preload_sessions WHERE started_at > $1`,
		database.ToMillis(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count preload sessions: %w", err)
	}
	return n, nil
}

// SweepAbandoned fails running sessions started more than timeout ago
func (t *Tracker) SweepAbandoned(ctx context.Context, timeout time.Duration) (int64, error) {
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	now := t.now()
	res, err := t.db.SQL().ExecContext(ctx, `UPDATE preload_sessions
		SET status = $1, completed_at = $2, error_message = $3
		WHERE status = $4 AND started_at < $5`,
		string(StatusFailed), database.ToMillis(now),
		fmt.Sprintf("session timed out after %s", timeout),
		string(StatusRunning), database.ToMillis(now.Add(-timeout)))
	if err != nil {
		return 0, fmt.Errorf("sweep abandoned sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.logger.Info("abandoned preload sessions failed", zap.Int64("count", n), zap.Duration("timeout", timeout))
	}
	return n, nil
}

// Reset deletes every session
func (t *Tracker) Reset(ctx context.Context) (int64, error) {
	res, err := t.db.SQL().ExecContext(ctx, `DELETE FROM preload_sessions`)
	if err != nil {
		return 0, fmt.Errorf("reset preload sessions: %w", err)
	}
	return res.RowsAffected()
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
