package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type SessionStatus string

const (
	StatusActive       SessionStatus = "active"
	StatusCompleted    SessionStatus = "completed"
	StatusDisconnected SessionStatus = "disconnected"
	StatusError        SessionStatus = "error"
)

// End reasons recorded when a session terminates.
const (
	EndReasonUserEnded    = "user_ended"
	EndReasonIdleTimeout  = "idle_timeout"
	EndReasonSessionLimit = "session_limit"
	EndReasonNetworkError = "network_error"
	EndReasonError        = "error"
)

type EntryKind string

const (
	EntryUser       EntryKind = "user"
	EntryAssistant  EntryKind = "assistant"
	EntryToolCall   EntryKind = "tool_call"
	EntryToolResult EntryKind = "tool_result"
	EntrySystem     EntryKind = "system"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrEntryNotFound   = errors.New("entry not found")
)

// Session is the durable record of one logical voice conversation. A session
// may span several upstream connections through rotation.
type Session struct {
	ID              string        `json:"id"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	Status          SessionStatus `json:"status"`
	Voice           string        `json:"voice,omitempty"`
	Model           string        `json:"model,omitempty"`
	MessageCount    int           `json:"message_count"`
	ToolCallCount   int           `json:"tool_call_count"`
	Rotations       int           `json:"rotations"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	EndReason       string        `json:"end_reason,omitempty"`
	DurationSeconds int64         `json:"duration_seconds,omitempty"`
	ErrorDetails    string        `json:"error_details,omitempty"`
}

// Entry is one ordered item in a session's conversation history. Seq is
// assigned by the store on append and is strictly increasing per session.
type Entry struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id"`
	Seq             int64           `json:"seq"`
	Kind            EntryKind       `json:"kind"`
	Text            string          `json:"text,omitempty"`
	ToolName        string          `json:"tool_name,omitempty"`
	ToolCallID      string          `json:"tool_call_id,omitempty"`
	ToolArguments   json.RawMessage `json:"tool_arguments,omitempty"`
	ToolResult      json.RawMessage `json:"tool_result,omitempty"`
	AudioDurationMS int64           `json:"audio_duration_ms,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Stats aggregates terminal session outcomes for debugging and analytics.
type Stats struct {
	TotalSessions      int              `json:"total_sessions"`
	ActiveSessions     int              `json:"active_sessions"`
	ByEndReason        map[string]int   `json:"by_end_reason"`
	AvgDurationSeconds float64          `json:"avg_duration_seconds"`
}

// ContextItem is one turn of resumption context injected into a successor
// connection after rotation or resume.
type ContextItem struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Store persists sessions and their conversation entries.
//
// Entries are append-only: the only mutation after append is
// SetAudioDuration, which records the truncated audio extent of an
// interrupted assistant item. Each session has a single writer (its
// orchestrator); reads may happen concurrently from any goroutine.
type Store interface {
	CreateSession(ctx context.Context, voice, model string) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context, status SessionStatus, limit int) ([]Session, error)
	EndSession(ctx context.Context, id, reason, errorDetails string) (Session, error)
	AddRotation(ctx context.Context, id string) error

	Append(ctx context.Context, e Entry) (Entry, error)
	Entries(ctx context.Context, sessionID string) ([]Entry, error)
	EntryByID(ctx context.Context, sessionID, entryID string) (Entry, error)
	SetAudioDuration(ctx context.Context, sessionID, entryID string, ms int64) error

	ResumptionContext(ctx context.Context, sessionID string, maxTurns int) ([]ContextItem, error)
	SessionStats(ctx context.Context) (Stats, error)
	Close() error
}

func statusForEndReason(reason string) SessionStatus {
	switch reason {
	case EndReasonUserEnded, EndReasonIdleTimeout, EndReasonSessionLimit:
		return StatusCompleted
	case EndReasonNetworkError:
		return StatusDisconnected
	default:
		return StatusError
	}
}
