package transcript

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a simple in-process transcript store for local/dev use.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	entries  map[string][]Entry
	nextSeq  map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		entries:  make(map[string][]Entry),
		nextSeq:  make(map[string]int64),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, voice, model string) (Session, error) {
	now := time.Now().UTC()
	sess := Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Status:    StatusActive,
		Voice:     voice,
		Model:     model,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = &sess
	s.nextSeq[sess.ID] = 1
	return sess, nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *sess, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, status SessionStatus, limit int) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if status != "" && sess.Status != status {
			continue
		}
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) EndSession(_ context.Context, id, reason, errorDetails string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if sess.EndedAt != nil {
		return *sess, nil
	}
	now := time.Now().UTC()
	sess.Status = statusForEndReason(reason)
	sess.EndReason = reason
	sess.EndedAt = &now
	sess.UpdatedAt = now
	sess.DurationSeconds = int64(now.Sub(sess.CreatedAt).Seconds())
	sess.ErrorDetails = strings.TrimSpace(errorDetails)
	return *sess, nil
}

func (s *MemoryStore) AddRotation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Rotations++
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Append(_ context.Context, e Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[e.SessionID]
	if !ok {
		return Entry{}, ErrSessionNotFound
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.Seq = s.nextSeq[e.SessionID]
	s.nextSeq[e.SessionID]++
	s.entries[e.SessionID] = append(s.entries[e.SessionID], e)

	switch e.Kind {
	case EntryUser, EntryAssistant:
		sess.MessageCount++
	case EntryToolCall:
		sess.ToolCallCount++
	}
	sess.UpdatedAt = e.CreatedAt
	return e, nil
}

func (s *MemoryStore) Entries(_ context.Context, sessionID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	arr := s.entries[sessionID]
	out := make([]Entry, len(arr))
	copy(out, arr)
	return out, nil
}

func (s *MemoryStore) EntryByID(_ context.Context, sessionID, entryID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries[sessionID] {
		if e.ID == entryID {
			return e, nil
		}
	}
	return Entry{}, ErrEntryNotFound
}

func (s *MemoryStore) SetAudioDuration(_ context.Context, sessionID, entryID string, ms int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := s.entries[sessionID]
	for i := range arr {
		if arr[i].ID == entryID {
			arr[i].AudioDurationMS = ms
			return nil
		}
	}
	return ErrEntryNotFound
}

func (s *MemoryStore) ResumptionContext(_ context.Context, sessionID string, maxTurns int) ([]ContextItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	return resumptionFromEntries(s.entries[sessionID], maxTurns), nil
}

func (s *MemoryStore) SessionStats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{ByEndReason: make(map[string]int)}
	var totalDur int64
	var ended int
	for _, sess := range s.sessions {
		stats.TotalSessions++
		if sess.Status == StatusActive {
			stats.ActiveSessions++
			continue
		}
		ended++
		if sess.EndReason != "" {
			stats.ByEndReason[sess.EndReason]++
		}
		totalDur += sess.DurationSeconds
	}
	if ended > 0 {
		stats.AvgDurationSeconds = float64(totalDur) / float64(ended)
	}
	return stats, nil
}

func (s *MemoryStore) Close() error { return nil }

// resumptionFromEntries converts the last maxTurns spoken turns into plain
// text context items, most recent last. Tool traffic is collapsed into short
// system notes so the successor model knows what already happened without
// replaying payloads.
func resumptionFromEntries(entries []Entry, maxTurns int) []ContextItem {
	items := make([]ContextItem, 0, maxTurns)
	for _, e := range entries {
		switch e.Kind {
		case EntryUser:
			if e.Text != "" {
				items = append(items, ContextItem{Role: "user", Text: e.Text})
			}
		case EntryAssistant:
			if e.Text != "" {
				items = append(items, ContextItem{Role: "assistant", Text: e.Text})
			}
		case EntryToolResult:
			if e.ToolName != "" {
				items = append(items, ContextItem{Role: "system", Text: "Earlier in this conversation the tool " + e.ToolName + " was executed and its result was shared with the user."})
			}
		}
	}
	if maxTurns > 0 && len(items) > maxTurns {
		items = items[len(items)-maxTurns:]
	}
	return items
}
