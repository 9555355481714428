package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions and transcripts in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS voice_sessions (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			status TEXT NOT NULL,
			voice TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			message_count INT NOT NULL DEFAULT 0,
			tool_call_count INT NOT NULL DEFAULT 0,
			rotations INT NOT NULL DEFAULT 0,
			ended_at TIMESTAMPTZ,
			end_reason TEXT NOT NULL DEFAULT '',
			duration_seconds BIGINT NOT NULL DEFAULT 0,
			error_details TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS transcript_entries (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES voice_sessions(id),
			seq BIGINT NOT NULL,
			kind TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_arguments JSONB,
			tool_result JSONB,
			audio_duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (session_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transcript_entries_session_seq ON transcript_entries (session_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_voice_sessions_created ON voice_sessions (created_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, voice, model string) (Session, error) {
	now := time.Now().UTC()
	sess := Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Status:    StatusActive,
		Voice:     voice,
		Model:     model,
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_sessions (id, created_at, updated_at, status, voice, model)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, sess.CreatedAt, sess.UpdatedAt, sess.Status, sess.Voice, sess.Model,
	)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

const sessionColumns = `id, created_at, updated_at, status, voice, model,
	message_count, tool_call_count, rotations, ended_at, end_reason,
	duration_seconds, error_details`

func scanSession(row pgx.Row) (Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.CreatedAt, &sess.UpdatedAt, &sess.Status,
		&sess.Voice, &sess.Model, &sess.MessageCount, &sess.ToolCallCount,
		&sess.Rotations, &sess.EndedAt, &sess.EndReason,
		&sess.DurationSeconds, &sess.ErrorDetails)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM voice_sessions WHERE id=$1`, id)
	return scanSession(row)
}

func (s *PostgresStore) ListSessions(ctx context.Context, status SessionStatus, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + sessionColumns + ` FROM voice_sessions`
	args := []any{}
	if status != "" {
		query += ` WHERE status=$1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0, limit)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) EndSession(ctx context.Context, id, reason, errorDetails string) (Session, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx,
		`UPDATE voice_sessions
		 SET status=$2, end_reason=$3, ended_at=$4, updated_at=$4,
		     duration_seconds=EXTRACT(EPOCH FROM ($4 - created_at))::BIGINT,
		     error_details=$5
		 WHERE id=$1 AND ended_at IS NULL
		 RETURNING `+sessionColumns,
		id, statusForEndReason(reason), reason, now, strings.TrimSpace(errorDetails),
	)
	sess, err := scanSession(row)
	if errors.Is(err, ErrSessionNotFound) {
		// Already ended or unknown; return the current row either way.
		return s.GetSession(ctx, id)
	}
	return sess, err
}

func (s *PostgresStore) AddRotation(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE voice_sessions SET rotations = rotations + 1, updated_at = now() WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("add rotation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	// Sessions have a single writer, so MAX(seq)+1 cannot race with itself.
	row := s.pool.QueryRow(ctx,
		`INSERT INTO transcript_entries
		 (id, session_id, seq, kind, text, tool_name, tool_call_id, tool_arguments, tool_result, audio_duration_ms, created_at)
		 VALUES ($1, $2,
		   (SELECT COALESCE(MAX(seq), 0) + 1 FROM transcript_entries WHERE session_id=$2),
		   $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING seq`,
		e.ID, e.SessionID, e.Kind, e.Text, e.ToolName, e.ToolCallID,
		e.ToolArguments, e.ToolResult, e.AudioDurationMS, e.CreatedAt,
	)
	if err := row.Scan(&e.Seq); err != nil {
		return Entry{}, fmt.Errorf("append entry: %w", err)
	}

	var column string
	switch e.Kind {
	case EntryUser, EntryAssistant:
		column = "message_count"
	case EntryToolCall:
		column = "tool_call_count"
	}
	if column != "" {
		_, err := s.pool.Exec(ctx,
			`UPDATE voice_sessions SET `+column+` = `+column+` + 1, updated_at = now() WHERE id=$1`,
			e.SessionID)
		if err != nil {
			return Entry{}, fmt.Errorf("bump session counters: %w", err)
		}
	}
	return e, nil
}

const entryColumns = `id, session_id, seq, kind, text, tool_name, tool_call_id,
	tool_arguments, tool_result, audio_duration_ms, created_at`

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.SessionID, &e.Seq, &e.Kind, &e.Text, &e.ToolName,
		&e.ToolCallID, &e.ToolArguments, &e.ToolResult, &e.AudioDurationMS, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("scan entry: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) Entries(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM transcript_entries WHERE session_id=$1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) EntryByID(ctx context.Context, sessionID, entryID string) (Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM transcript_entries WHERE session_id=$1 AND id=$2`, sessionID, entryID)
	return scanEntry(row)
}

func (s *PostgresStore) SetAudioDuration(ctx context.Context, sessionID, entryID string, ms int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transcript_entries SET audio_duration_ms=$3 WHERE session_id=$1 AND id=$2`,
		sessionID, entryID, ms)
	if err != nil {
		return fmt.Errorf("set audio duration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (s *PostgresStore) ResumptionContext(ctx context.Context, sessionID string, maxTurns int) ([]ContextItem, error) {
	entries, err := s.Entries(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return resumptionFromEntries(entries, maxTurns), nil
}

func (s *PostgresStore) SessionStats(ctx context.Context) (Stats, error) {
	stats := Stats{ByEndReason: make(map[string]int)}

	row := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'active'),
		        COALESCE(AVG(duration_seconds) FILTER (WHERE ended_at IS NOT NULL), 0)
		 FROM voice_sessions`)
	if err := row.Scan(&stats.TotalSessions, &stats.ActiveSessions, &stats.AvgDurationSeconds); err != nil {
		return Stats{}, fmt.Errorf("session stats: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT end_reason, COUNT(*) FROM voice_sessions
		 WHERE end_reason <> '' GROUP BY end_reason`)
	if err != nil {
		return Stats{}, fmt.Errorf("session stats by reason: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var reason string
		var count int
		if err := rows.Scan(&reason, &count); err != nil {
			return Stats{}, fmt.Errorf("scan stats row: %w", err)
		}
		stats.ByEndReason[reason] = count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate stats rows: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
