package transcript

import (
	"context"
	"encoding/json"
	"testing"
)

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess, err := s.CreateSession(ctx, "marin", "gpt-realtime")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	var last int64
	for i := 0; i < 5; i++ {
		e, err := s.Append(ctx, Entry{SessionID: sess.ID, Kind: EntryUser, Text: "hi"})
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if e.Seq <= last {
			t.Fatalf("Seq = %d, want > %d", e.Seq, last)
		}
		last = e.Seq
	}
}

func TestToolResultRoundTripByID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess, _ := s.CreateSession(ctx, "", "")

	result := json.RawMessage(`{"success":true,"output":"42"}`)
	e, err := s.Append(ctx, Entry{
		SessionID:  sess.ID,
		Kind:       EntryToolResult,
		ToolName:   "web_search",
		ToolCallID: "call_1",
		ToolResult: result,
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := s.EntryByID(ctx, sess.ID, e.ID)
	if err != nil {
		t.Fatalf("EntryByID() error = %v", err)
	}
	if got.ToolCallID != "call_1" || string(got.ToolResult) != string(result) {
		t.Fatalf("unexpected entry: %+v", got)
	}
}

func TestSetAudioDurationRecordsTruncation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess, _ := s.CreateSession(ctx, "", "")
	e, _ := s.Append(ctx, Entry{SessionID: sess.ID, Kind: EntryAssistant, Text: "long answer", AudioDurationMS: 3000})

	if err := s.SetAudioDuration(ctx, sess.ID, e.ID, 1200); err != nil {
		t.Fatalf("SetAudioDuration() error = %v", err)
	}
	got, err := s.EntryByID(ctx, sess.ID, e.ID)
	if err != nil {
		t.Fatalf("EntryByID() error = %v", err)
	}
	if got.AudioDurationMS != 1200 {
		t.Fatalf("AudioDurationMS = %d, want 1200", got.AudioDurationMS)
	}
}

func TestEndSessionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess, _ := s.CreateSession(ctx, "", "")

	first, err := s.EndSession(ctx, sess.ID, EndReasonUserEnded, "")
	if err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if first.Status != StatusCompleted || first.EndReason != EndReasonUserEnded {
		t.Fatalf("unexpected ended session: %+v", first)
	}

	second, err := s.EndSession(ctx, sess.ID, EndReasonError, "boom")
	if err != nil {
		t.Fatalf("second EndSession() error = %v", err)
	}
	if second.EndReason != EndReasonUserEnded {
		t.Fatalf("EndReason = %q, first end must win", second.EndReason)
	}
}

func TestResumptionContextKeepsRecentTurns(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess, _ := s.CreateSession(ctx, "", "")

	for i := 0; i < 4; i++ {
		_, _ = s.Append(ctx, Entry{SessionID: sess.ID, Kind: EntryUser, Text: "question"})
		_, _ = s.Append(ctx, Entry{SessionID: sess.ID, Kind: EntryAssistant, Text: "answer"})
	}
	_, _ = s.Append(ctx, Entry{SessionID: sess.ID, Kind: EntryToolResult, ToolName: "bash"})

	items, err := s.ResumptionContext(ctx, sess.ID, 3)
	if err != nil {
		t.Fatalf("ResumptionContext() error = %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("len(items) = %d, want 3", len(items))
	}
	if items[len(items)-1].Role != "system" {
		t.Fatalf("last item role = %q, want system tool note", items[len(items)-1].Role)
	}
}

func TestSessionStatsAggregatesEndReasons(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a, _ := s.CreateSession(ctx, "", "")
	b, _ := s.CreateSession(ctx, "", "")
	_, _ = s.CreateSession(ctx, "", "")
	_, _ = s.EndSession(ctx, a.ID, EndReasonUserEnded, "")
	_, _ = s.EndSession(ctx, b.ID, EndReasonSessionLimit, "")

	stats, err := s.SessionStats(ctx)
	if err != nil {
		t.Fatalf("SessionStats() error = %v", err)
	}
	if stats.TotalSessions != 3 || stats.ActiveSessions != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.ByEndReason[EndReasonUserEnded] != 1 || stats.ByEndReason[EndReasonSessionLimit] != 1 {
		t.Fatalf("unexpected end reason counts: %+v", stats.ByEndReason)
	}
}
