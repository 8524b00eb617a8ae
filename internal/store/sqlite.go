package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/edututor/internal/domain"
	"github.com/ashureev/edututor/internal/shared"
	_ "modernc.org/sqlite"
)

var _ Repository = (*SQLiteStore)(nil)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; pragmas apply to every pooled connection.
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		class_level TEXT NOT NULL,
		board_or_curriculum TEXT NOT NULL,
		goals TEXT NOT NULL DEFAULT '',
		strengths TEXT NOT NULL DEFAULT '',
		weaknesses TEXT NOT NULL DEFAULT '',
		learning_style TEXT NOT NULL DEFAULT '',
		total_sessions INTEGER NOT NULL DEFAULT 0,
		cumulative_summary TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		profile_id TEXT NOT NULL REFERENCES profiles(id),
		created_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL,
		ended_at INTEGER,
		summary_status TEXT NOT NULL DEFAULT 'pending'
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_profile ON sessions(profile_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_idle ON sessions(last_activity_at) WHERE ended_at IS NULL;

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		seq INTEGER NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('student', 'tutor')),
		text TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(session_id, seq)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateProfile inserts a new profile.
func (s *SQLiteStore) CreateProfile(ctx context.Context, p *domain.Profile) error {
	query := `
	INSERT INTO profiles (
		id, display_name, class_level, board_or_curriculum,
		goals, strengths, weaknesses, learning_style,
		total_sessions, cumulative_summary, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var summary interface{}
	if p.CumulativeSummary != nil {
		summary = *p.CumulativeSummary
	}

	return shared.RetryOnConflict(ctx, s.retry, "create profile", func() error {
		_, err := s.db.ExecContext(ctx, query,
			p.ID, p.DisplayName, p.ClassLevel, p.BoardOrCurriculum,
			p.Goals, p.Strengths, p.Weaknesses, p.LearningStyle,
			p.TotalSessions, summary, p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert profile: %w", err)
		}
		return nil
	})
}

// GetProfile retrieves a profile by ID.
func (s *SQLiteStore) GetProfile(ctx context.Context, profileID string) (*domain.Profile, error) {
	query := `
		SELECT id, display_name, class_level, board_or_curriculum,
		       goals, strengths, weaknesses, learning_style,
		       total_sessions, cumulative_summary, created_at, updated_at
		FROM profiles WHERE id = ?`

	var p domain.Profile
	var summary sql.NullString
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, profileID).Scan(
		&p.ID, &p.DisplayName, &p.ClassLevel, &p.BoardOrCurriculum,
		&p.Goals, &p.Strengths, &p.Weaknesses, &p.LearningStyle,
		&p.TotalSessions, &summary, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile row: %w", err)
	}

	if summary.Valid {
		p.CumulativeSummary = &summary.String
	}
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)

	return &p, nil
}

// UpdateCumulativeSummary overwrites the profile's cumulative summary.
func (s *SQLiteStore) UpdateCumulativeSummary(ctx context.Context, profileID, summary string) error {
	query := `UPDATE profiles SET cumulative_summary = ?, updated_at = ? WHERE id = ?`

	return shared.RetryOnConflict(ctx, s.retry, "update summary", func() error {
		result, err := s.db.ExecContext(ctx, query, summary, time.Now().UnixMilli(), profileID)
		if err != nil {
			return fmt.Errorf("update cumulative_summary: %w", err)
		}
		return expectOneRow(result)
	})
}

// CreateSession inserts a session and bumps the profile's session count.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	return shared.RetryOnConflict(ctx, s.retry, "create session", func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			// Write first so the transaction takes the write lock up front.
			result, err := tx.ExecContext(ctx,
				`UPDATE profiles SET total_sessions = total_sessions + 1, updated_at = ? WHERE id = ?`,
				sess.CreatedAt.UnixMilli(), sess.ProfileID)
			if err != nil {
				return fmt.Errorf("increment total_sessions: %w", err)
			}
			if err := expectOneRow(result); err != nil {
				return err
			}

			status := sess.SummaryStatus
			if status == "" {
				status = domain.SummaryPending
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO sessions (id, profile_id, created_at, last_activity_at, ended_at, summary_status)
				VALUES (?, ?, ?, ?, NULL, ?)`,
				sess.ID, sess.ProfileID, sess.CreatedAt.UnixMilli(), sess.LastActivityAt.UnixMilli(), string(status))
			if err != nil {
				return fmt.Errorf("insert session: %w", err)
			}
			return nil
		})
	})
}

const sessionColumns = `s.id, s.profile_id, s.created_at, s.last_activity_at, s.ended_at, s.summary_status`

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions s WHERE s.id = ?`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// LatestActiveSession returns the newest non-terminal session of a profile.
func (s *SQLiteStore) LatestActiveSession(ctx context.Context, profileID string) (*domain.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions s
		WHERE s.profile_id = ? AND s.ended_at IS NULL
		ORDER BY s.created_at DESC, s.rowid DESC
		LIMIT 1`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, profileID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan active session row: %w", err)
	}
	return sess, nil
}

// ListSessions returns a profile's sessions, most recently active first.
func (s *SQLiteStore) ListSessions(ctx context.Context, profileID string, opts ListOptions) ([]*domain.Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	var since int64
	if !opts.Since.IsZero() {
		since = opts.Since.UnixMilli()
	}

	query := `
		SELECT ` + sessionColumns + `,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id),
		       COALESCE((SELECT m.text FROM messages m WHERE m.session_id = s.id ORDER BY m.seq LIMIT 1), '')
		FROM sessions s
		WHERE s.profile_id = ? AND s.created_at >= ?
		ORDER BY s.last_activity_at DESC, s.rowid DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, profileID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer closeRows(rows, "sessions")

	var sessions []*domain.Session
	for rows.Next() {
		var first string
		var count int
		sess, err := scanSession(rows, &count, &first)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess.MessageCount = count
		sess.FirstMessage = domain.Preview(first)
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// ListIdleSessions returns active sessions whose last activity precedes cutoff.
func (s *SQLiteStore) ListIdleSessions(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions s
		WHERE s.ended_at IS NULL AND s.last_activity_at < ?
		ORDER BY s.last_activity_at ASC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, cutoff.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	defer closeRows(rows, "idle sessions")

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan idle session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle sessions: %w", err)
	}
	return sessions, nil
}

// ListPendingSummaries returns ended sessions still marked pending.
func (s *SQLiteStore) ListPendingSummaries(ctx context.Context, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions s
		WHERE s.ended_at IS NOT NULL AND s.summary_status = ?
		ORDER BY s.ended_at ASC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, string(domain.SummaryPending), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending summaries: %w", err)
	}
	defer closeRows(rows, "pending summaries")

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending summaries: %w", err)
	}
	return sessions, nil
}

// EndSession sets ended_at if the session is still active.
func (s *SQLiteStore) EndSession(ctx context.Context, sessionID string, endedAt time.Time) (bool, error) {
	var ended bool
	err := shared.RetryOnConflict(ctx, s.retry, "end session", func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL`,
			endedAt.UnixMilli(), sessionID)
		if err != nil {
			return fmt.Errorf("update ended_at: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		ended = rows == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	if ended {
		return true, nil
	}

	existing, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, ErrNotFound
	}
	return false, nil
}

// SetSummaryStatus records the outcome of the summary step.
func (s *SQLiteStore) SetSummaryStatus(ctx context.Context, sessionID string, status domain.SummaryStatus) error {
	return shared.RetryOnConflict(ctx, s.retry, "set summary status", func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET summary_status = ? WHERE id = ?`, string(status), sessionID)
		if err != nil {
			return fmt.Errorf("update summary_status: %w", err)
		}
		return expectOneRow(result)
	})
}

// AppendMessage adds a message to an active session. The session's
// last_activity_at is bumped in the same transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if !msg.Role.Valid() {
		return fmt.Errorf("append message: invalid role %q", msg.Role)
	}
	return shared.RetryOnConflict(ctx, s.retry, "append message", func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			return appendMessageTx(ctx, tx, msg)
		})
	})
}

func appendMessageTx(ctx context.Context, tx *sql.Tx, msg *domain.Message) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ? WHERE id = ? AND ended_at IS NULL`,
		msg.CreatedAt.UnixMilli(), msg.SessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, msg.SessionID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		return ErrSessionEnded
	}

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`, msg.SessionID).Scan(&seq); err != nil {
		return fmt.Errorf("next message seq: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, seq, role, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, seq, string(msg.Role), msg.Text, msg.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	msg.Seq = seq
	return nil
}

// ListMessages returns the full transcript in order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	query := `
		SELECT id, session_id, seq, role, text, created_at
		FROM messages WHERE session_id = ?
		ORDER BY seq ASC`
	return s.queryMessages(ctx, query, sessionID)
}

// RecentMessages returns the last limit messages in order.
func (s *SQLiteStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return s.ListMessages(ctx, sessionID)
	}
	query := `
		SELECT id, session_id, seq, role, text, created_at FROM (
			SELECT id, session_id, seq, role, text, created_at
			FROM messages WHERE session_id = ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`
	return s.queryMessages(ctx, query, sessionID, limit)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer closeRows(rows, "messages")

	var messages []domain.Message
	for rows.Next() {
		var m domain.Message
		var role string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &role, &m.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = domain.Role(role)
		m.CreatedAt = fromMillis(createdAt)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// Stats returns record counts.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM profiles),
			(SELECT COUNT(*) FROM profiles WHERE cumulative_summary IS NOT NULL),
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM sessions WHERE ended_at IS NULL),
			(SELECT COUNT(*) FROM messages)`

	var st Stats
	if err := s.db.QueryRowContext(ctx, query).Scan(
		&st.Profiles, &st.ProfilesSummarized, &st.Sessions, &st.ActiveSessions, &st.Messages,
	); err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	return &st, nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to roll back transaction", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner, extra ...interface{}) (*domain.Session, error) {
	var sess domain.Session
	var createdAt, lastActivity int64
	var endedAt sql.NullInt64
	var status string

	dest := append([]interface{}{
		&sess.ID, &sess.ProfileID, &createdAt, &lastActivity, &endedAt, &status,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	sess.CreatedAt = fromMillis(createdAt)
	sess.LastActivityAt = fromMillis(lastActivity)
	if endedAt.Valid {
		ts := fromMillis(endedAt.Int64)
		sess.EndedAt = &ts
	}
	sess.SummaryStatus = domain.SummaryStatus(status)
	return &sess, nil
}

func expectOneRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "query", what, "error", err)
	}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
