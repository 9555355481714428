package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tbellucci/voicebridge/internal/dispatch"
	"github.com/tbellucci/voicebridge/internal/events"
	"github.com/tbellucci/voicebridge/internal/realtime"
	"github.com/tbellucci/voicebridge/internal/transcript"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   []realtime.ClientEvent
	closed bool
	events chan any
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan any, 32)}
}

func (c *fakeConn) Events() <-chan any { return c.events }

func (c *fakeConn) Send(_ context.Context, ev realtime.ClientEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	c.sent = append(c.sent, ev)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeConn) push(ev any) { c.events <- ev }

func (c *fakeConn) sentTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, ev := range c.sent {
		out[i] = ev.Type
	}
	return out
}

func (c *fakeConn) sentPayload(i int) map[string]any {
	c.mu.Lock()
	ev := c.sent[i]
	c.mu.Unlock()
	raw, _ := json.Marshal(ev)
	var out map[string]any
	json.Unmarshal(raw, &out)
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu           sync.Mutex
	conns        []*fakeConn
	secretCalls  int
	failAfter    int // fail secret creation after this many successes; 0 disables
}

func (d *fakeDialer) CreateClientSecret(_ context.Context, _ realtime.SessionConfig) (realtime.ClientSecret, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.secretCalls++
	if d.failAfter > 0 && d.secretCalls > d.failAfter {
		return realtime.ClientSecret{}, errors.New("secret issuance unavailable")
	}
	return realtime.ClientSecret{Value: "ek_test", ExpiresAt: time.Now().Add(time.Minute)}, nil
}

func (d *fakeDialer) Dial(_ context.Context, _ string, _ realtime.ClientSecret) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type scriptExecutor struct {
	delay  time.Duration
	output string
}

func (e *scriptExecutor) Execute(ctx context.Context, name string, args json.RawMessage) (dispatch.Result, error) {
	if e.delay > 0 {
		select {
		case <-ctx.Done():
			return dispatch.Result{}, ctx.Err()
		case <-time.After(e.delay):
		}
	}
	out := e.output
	if out == "" {
		out = `{"ok":true}`
	}
	return dispatch.Result{Success: true, Output: json.RawMessage(out)}, nil
}

func (e *scriptExecutor) Tools(context.Context) ([]dispatch.ToolSchema, error) { return nil, nil }
func (e *scriptExecutor) Healthy(context.Context) bool                        { return true }

// pacedExecutor delays each call by a per-tool duration.
type pacedExecutor struct {
	delays map[string]time.Duration
}

func (e *pacedExecutor) Execute(ctx context.Context, name string, _ json.RawMessage) (dispatch.Result, error) {
	if d := e.delays[name]; d > 0 {
		select {
		case <-ctx.Done():
			return dispatch.Result{}, ctx.Err()
		case <-time.After(d):
		}
	}
	return dispatch.Result{Success: true, Output: json.RawMessage(`{"from":"` + name + `"}`)}, nil
}

func (e *pacedExecutor) Tools(context.Context) ([]dispatch.ToolSchema, error) { return nil, nil }
func (e *pacedExecutor) Healthy(context.Context) bool                        { return true }

type harness struct {
	orch   *Orchestrator
	dialer *fakeDialer
	store  transcript.Store
	bus    *events.Bus
}

func newHarness(t *testing.T, exec dispatch.Executor, tune func(*Params)) *harness {
	t.Helper()
	store := transcript.NewMemoryStore()
	sess, err := store.CreateSession(context.Background(), "marin", "gpt-realtime")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	bus := events.NewBus()
	dialer := &fakeDialer{}
	if exec == nil {
		exec = &scriptExecutor{}
	}
	p := Params{
		SessionID:  sess.ID,
		Voice:      "marin",
		Model:      "gpt-realtime",
		Store:      store,
		Bus:        bus,
		Dispatcher: dispatch.NewDispatcher(exec, time.Second, 0),
		Dialer:     dialer,
		HardLimit:  time.Hour,
	}
	if tune != nil {
		tune(&p)
	}
	orch := New(p)
	if _, err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { orch.Close(transcript.EndReasonUserEnded) })
	return &harness{orch: orch, dialer: dialer, store: store, bus: bus}
}

func (h *harness) conn() *fakeConn { return h.dialer.conn(0) }

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func countType(types []string, want string) int {
	n := 0
	for _, tp := range types {
		if tp == want {
			n++
		}
	}
	return n
}

func TestStartConfiguresUpstreamSession(t *testing.T) {
	h := newHarness(t, nil, nil)
	types := h.conn().sentTypes()
	if len(types) == 0 || types[0] != "session.update" {
		t.Fatalf("first outbound event = %v, want session.update", types)
	}

	h.conn().push(realtime.SessionCreated{SessionID: "sess_up"})
	waitFor(t, "active state", func() bool { return h.orch.State() == StateActive })
}

func TestSecondResponseAttemptIsRejected(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.conn().push(realtime.SessionCreated{})
	h.conn().push(realtime.ResponseCreated{ResponseID: "resp_1"})
	waitFor(t, "response in flight", func() bool { return h.orch.Responding() })

	if err := h.orch.RequestResponse(); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("concurrent request error = %v, want ErrProtocolViolation", err)
	}
	if got := countType(h.conn().sentTypes(), "response.create"); got != 0 {
		t.Fatalf("response.create sent %d times despite in-flight response", got)
	}

	h.conn().push(realtime.ResponseDone{ResponseID: "resp_1", Status: "completed"})
	waitFor(t, "response settled", func() bool { return !h.orch.Responding() })

	if err := h.orch.RequestResponse(); err != nil {
		t.Fatalf("RequestResponse after settle: %v", err)
	}
	if got := countType(h.conn().sentTypes(), "response.create"); got != 1 {
		t.Fatalf("response.create count = %d, want 1", got)
	}
}

func TestToolBatchAppendsAllResultsThenOneFollowUp(t *testing.T) {
	h := newHarness(t, &scriptExecutor{output: `{"answer":42}`}, nil)
	h.conn().push(realtime.ResponseDone{
		ResponseID: "resp_1",
		Status:     "completed",
		FunctionCalls: []realtime.FunctionCall{
			{CallID: "call_1", Name: "delegate", Arguments: json.RawMessage(`{"task":"a"}`)},
			{CallID: "call_2", Name: "delegate", Arguments: json.RawMessage(`{"task":"b"}`)},
		},
	})

	waitFor(t, "follow-up response", func() bool {
		return countType(h.conn().sentTypes(), "response.create") == 1
	})

	types := h.conn().sentTypes()
	if got := countType(types, "conversation.item.create"); got != 2 {
		t.Fatalf("result items = %d, want 2", got)
	}
	if got := countType(types, "response.create"); got != 1 {
		t.Fatalf("follow-ups = %d, want exactly 1", got)
	}
	if types[len(types)-1] != "response.create" {
		t.Fatalf("follow-up not last: %v", types)
	}

	entries, err := h.store.Entries(context.Background(), h.orch.ID())
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	var calls, results int
	for _, e := range entries {
		switch e.Kind {
		case transcript.EntryToolCall:
			calls++
		case transcript.EntryToolResult:
			results++
		}
	}
	if calls != 2 || results != 2 {
		t.Fatalf("transcript calls/results = %d/%d, want 2/2", calls, results)
	}
}

func TestOverlappingToolBatchesEachGetOneFollowUp(t *testing.T) {
	exec := &pacedExecutor{delays: map[string]time.Duration{"slow_lookup": 80 * time.Millisecond}}
	h := newHarness(t, exec, nil)

	h.conn().push(realtime.ResponseDone{
		ResponseID: "resp_1",
		Status:     "completed",
		FunctionCalls: []realtime.FunctionCall{
			{CallID: "call_slow", Name: "slow_lookup", Arguments: json.RawMessage(`{}`)},
		},
	})
	h.conn().push(realtime.ResponseDone{
		ResponseID: "resp_2",
		Status:     "completed",
		FunctionCalls: []realtime.FunctionCall{
			{CallID: "call_fast", Name: "fast_lookup", Arguments: json.RawMessage(`{}`)},
		},
	})

	// The fast batch drains first and takes the only free follow-up slot.
	waitFor(t, "both result items", func() bool {
		return countType(h.conn().sentTypes(), "conversation.item.create") == 2
	})
	if got := countType(h.conn().sentTypes(), "response.create"); got != 1 {
		t.Fatalf("follow-ups before fast batch's response settled = %d, want 1", got)
	}

	// The slow batch's follow-up is released once that response finishes.
	h.conn().push(realtime.ResponseDone{ResponseID: "resp_3", Status: "completed"})
	waitFor(t, "second follow-up", func() bool {
		return countType(h.conn().sentTypes(), "response.create") == 2
	})

	itemCallID := func(payload map[string]any) string {
		item, _ := payload["item"].(map[string]any)
		id, _ := item["call_id"].(string)
		return id
	}
	types := h.conn().sentTypes()
	fastItem, slowItem, firstFollowUp, secondFollowUp := -1, -1, -1, -1
	for i, tp := range types {
		switch tp {
		case "conversation.item.create":
			switch itemCallID(h.conn().sentPayload(i)) {
			case "call_fast":
				fastItem = i
			case "call_slow":
				slowItem = i
			}
		case "response.create":
			if firstFollowUp < 0 {
				firstFollowUp = i
			} else {
				secondFollowUp = i
			}
		}
	}
	if fastItem < 0 || slowItem < 0 || firstFollowUp < 0 || secondFollowUp < 0 {
		t.Fatalf("missing outbound events: %v", types)
	}
	if fastItem > firstFollowUp {
		t.Fatalf("fast batch follow-up at %d precedes its result item at %d: %v", firstFollowUp, fastItem, types)
	}
	if slowItem > secondFollowUp {
		t.Fatalf("slow batch follow-up at %d precedes its result item at %d: %v", secondFollowUp, slowItem, types)
	}
}

func TestUnrecognizedUpstreamFramePublishesToolFailed(t *testing.T) {
	h := newHarness(t, nil, nil)
	failed, unsub := h.bus.Subscribe("tool.failed")
	defer unsub()

	h.conn().push(realtime.UnknownEvent{Type: "weird.frame"})

	select {
	case ev := <-failed:
		if ev.Data["reason"] != "unrecognized_event" || ev.Data["type"] != "weird.frame" {
			t.Fatalf("tool.failed data = %v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no tool.failed event for unrecognized frame")
	}
}

func TestToolTimeoutYieldsStructuredFailureAndFollowUp(t *testing.T) {
	h := newHarness(t, nil, func(p *Params) {
		p.Dispatcher = dispatch.NewDispatcher(&scriptExecutor{delay: time.Minute}, 30*time.Millisecond, 0)
	})
	failed, unsub := h.bus.Subscribe("tool.failed")
	defer unsub()

	h.conn().push(realtime.ResponseDone{
		ResponseID: "resp_1",
		Status:     "completed",
		FunctionCalls: []realtime.FunctionCall{
			{CallID: "call_1", Name: "delegate", Arguments: json.RawMessage(`{}`)},
		},
	})

	waitFor(t, "follow-up after timeout", func() bool {
		return countType(h.conn().sentTypes(), "response.create") == 1
	})

	select {
	case ev := <-failed:
		if ev.Data["call_id"] != "call_1" {
			t.Fatalf("failed event data = %v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no tool.failed event")
	}

	types := h.conn().sentTypes()
	idx := -1
	for i, tp := range types {
		if tp == "conversation.item.create" {
			idx = i
		}
	}
	if idx < 0 {
		t.Fatalf("no result item in %v", types)
	}
	payload := h.conn().sentPayload(idx)
	item, _ := payload["item"].(map[string]any)
	output, _ := item["output"].(string)
	if !strings.Contains(output, `"success":false`) {
		t.Fatalf("timeout result output = %q, want structured failure", output)
	}
	if !strings.Contains(output, "timeout") {
		t.Fatalf("timeout result output = %q, want timeout marker", output)
	}
}

func TestInterruptionTruncatesToDeliveredAudio(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.conn().push(realtime.ResponseCreated{ResponseID: "resp_1"})
	h.conn().push(realtime.AudioDelta{ItemID: "item_1", DurationMS: 5000})
	h.conn().push(realtime.SpeechStarted{AudioStartMS: 100})

	waitFor(t, "truncate event", func() bool {
		return countType(h.conn().sentTypes(), "conversation.item.truncate") == 1
	})

	types := h.conn().sentTypes()
	if countType(types, "response.cancel") != 1 {
		t.Fatalf("expected one response.cancel, got %v", types)
	}
	idx := -1
	for i, tp := range types {
		if tp == "conversation.item.truncate" {
			idx = i
		}
	}
	payload := h.conn().sentPayload(idx)
	endMS, ok := payload["audio_end_ms"].(float64)
	if !ok {
		t.Fatalf("truncate payload = %v", payload)
	}
	// Playback had barely started, so the delivered extent must be far below
	// the 5000 ms that were generated.
	if endMS >= 5000 {
		t.Fatalf("audio_end_ms = %v, want < generated 5000", endMS)
	}
}

func TestAssistantEntryRecordsTruncatedDuration(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.conn().push(realtime.ResponseCreated{ResponseID: "resp_1"})
	h.conn().push(realtime.AudioDelta{ItemID: "item_1", DurationMS: 4000})
	h.conn().push(realtime.SpeechStarted{})
	waitFor(t, "truncate", func() bool {
		return countType(h.conn().sentTypes(), "conversation.item.truncate") == 1
	})
	h.conn().push(realtime.AssistantTranscript{ItemID: "item_1", Transcript: "as I was saying"})

	waitFor(t, "assistant entry", func() bool {
		entries, _ := h.store.Entries(context.Background(), h.orch.ID())
		for _, e := range entries {
			if e.Kind == transcript.EntryAssistant {
				return true
			}
		}
		return false
	})
	entries, _ := h.store.Entries(context.Background(), h.orch.ID())
	for _, e := range entries {
		if e.Kind != transcript.EntryAssistant {
			continue
		}
		if e.AudioDurationMS >= 4000 {
			t.Fatalf("audio duration = %d, want truncated below 4000", e.AudioDurationMS)
		}
	}
}

func TestRotationSwapsConnectionAndRestartsClock(t *testing.T) {
	h := newHarness(t, nil, func(p *Params) {
		p.HardLimit = 400 * time.Millisecond
		p.WarningMargin = 320 * time.Millisecond
		p.HandoffMargin = 100 * time.Millisecond
	})
	rotated, unsub := h.bus.Subscribe("session.rotated")
	defer unsub()
	warned, unsubWarn := h.bus.Subscribe("session.rotation_warning")
	defer unsubWarn()

	h.conn().push(realtime.SessionCreated{})
	h.conn().push(realtime.UserTranscript{ItemID: "item_u", Transcript: "remember the budget"})

	select {
	case <-warned:
	case <-time.After(time.Second):
		t.Fatal("no rotation warning")
	}
	select {
	case <-rotated:
	case <-time.After(time.Second):
		t.Fatal("no rotation")
	}

	if h.dialer.connCount() != 2 {
		t.Fatalf("connections = %d, want 2", h.dialer.connCount())
	}
	waitFor(t, "old connection closed", func() bool { return h.dialer.conn(0).isClosed() })

	successor := h.dialer.conn(1)
	types := successor.sentTypes()
	if countType(types, "session.update") != 1 {
		t.Fatalf("successor events = %v, want session.update", types)
	}
	// The successor starts from the transcript digest, not from silence.
	found := false
	for i, tp := range types {
		if tp != "conversation.item.create" {
			continue
		}
		payload := successor.sentPayload(i)
		raw, _ := json.Marshal(payload)
		if strings.Contains(string(raw), "remember the budget") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no resumption context on successor: %v", types)
	}

	// Stop before the restarted lifetime clock schedules another rotation.
	h.orch.Close(transcript.EndReasonUserEnded)

	sess, err := h.store.GetSession(context.Background(), h.orch.ID())
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Rotations != 1 {
		t.Fatalf("rotations = %d, want 1", sess.Rotations)
	}
	if h.orch.Rotations() != 1 {
		t.Fatalf("orchestrator rotations = %d, want 1", h.orch.Rotations())
	}
}

func TestRotationFailureEndsSessionCleanly(t *testing.T) {
	h := newHarness(t, nil, func(p *Params) {
		p.HardLimit = 250 * time.Millisecond
		p.WarningMargin = 200 * time.Millisecond
		p.HandoffMargin = 100 * time.Millisecond
	})
	h.dialer.mu.Lock()
	h.dialer.failAfter = 1
	h.dialer.mu.Unlock()

	ended, unsub := h.bus.Subscribe("session.ended")
	defer unsub()

	select {
	case ev := <-ended:
		if ev.Data["reason"] != transcript.EndReasonSessionLimit {
			t.Fatalf("end reason = %v, want %s", ev.Data["reason"], transcript.EndReasonSessionLimit)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end at hard limit")
	}

	select {
	case <-h.orch.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}

	// Exactly one terminal event.
	select {
	case ev := <-ended:
		t.Fatalf("second ended event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	sess, err := h.store.GetSession(context.Background(), h.orch.ID())
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.EndReason != transcript.EndReasonSessionLimit {
		t.Fatalf("stored end reason = %q", sess.EndReason)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, nil, nil)
	ended, unsub := h.bus.Subscribe("session.ended")
	defer unsub()

	if err := h.orch.Close(transcript.EndReasonUserEnded); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := h.orch.Close(transcript.EndReasonUserEnded); err != nil && !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("no ended event")
	}
	select {
	case ev := <-ended:
		t.Fatalf("second ended event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	if h.orch.State() != StateEnded {
		t.Fatalf("state = %s, want ended", h.orch.State())
	}
}

func TestUpstreamDropEndsWithNetworkError(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.conn().Close()

	select {
	case <-h.orch.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not end on connection drop")
	}
	sess, _ := h.store.GetSession(context.Background(), h.orch.ID())
	if sess.EndReason != transcript.EndReasonNetworkError {
		t.Fatalf("end reason = %q, want %s", sess.EndReason, transcript.EndReasonNetworkError)
	}
	if sess.Status != transcript.StatusDisconnected {
		t.Fatalf("status = %q, want %s", sess.Status, transcript.StatusDisconnected)
	}
}
