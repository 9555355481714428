package realtime

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func TestParseServerEventKinds(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want any
	}{
		{
			name: "session created",
			raw:  `{"type":"session.created","session":{"id":"sess_1"}}`,
			want: SessionCreated{SessionID: "sess_1"},
		},
		{
			name: "response created",
			raw:  `{"type":"response.created","response":{"id":"resp_1"}}`,
			want: ResponseCreated{ResponseID: "resp_1"},
		},
		{
			name: "speech started",
			raw:  `{"type":"input_audio_buffer.speech_started","audio_start_ms":420}`,
			want: SpeechStarted{AudioStartMS: 420},
		},
		{
			name: "cancelled response collapses",
			raw:  `{"type":"response.done","response":{"id":"resp_2","status":"cancelled"}}`,
			want: ResponseCancelled{ResponseID: "resp_2"},
		},
		{
			name: "user transcript",
			raw:  `{"type":"conversation.item.input_audio_transcription.completed","item_id":"item_9","transcript":"hello"}`,
			want: UserTranscript{ItemID: "item_9", Transcript: "hello"},
		},
		{
			name: "error frame",
			raw:  `{"type":"error","error":{"code":"rate_limit_exceeded","message":"slow down"}}`,
			want: ErrorEvent{Code: "rate_limit_exceeded", Message: "slow down"},
		},
		{
			name: "unrecognized type",
			raw:  `{"type":"rate_limits.updated"}`,
			want: UnknownEvent{Type: "rate_limits.updated"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseServerEvent([]byte(tc.raw))
			if err != nil {
				t.Fatalf("parseServerEvent: %v", err)
			}
			gotJSON, _ := json.Marshal(got)
			wantJSON, _ := json.Marshal(tc.want)
			if string(gotJSON) != string(wantJSON) {
				t.Fatalf("got %T %s, want %T %s", got, gotJSON, tc.want, wantJSON)
			}
		})
	}
}

func TestParseServerEventFunctionCallBatch(t *testing.T) {
	raw := `{"type":"response.done","response":{"id":"resp_3","status":"completed","output":[
		{"id":"item_a","type":"message"},
		{"id":"item_b","type":"function_call","call_id":"call_1","name":"delegate","arguments":"{\"task\":\"x\"}"},
		{"id":"item_c","type":"function_call","call_id":"call_2","name":"search","arguments":"{}"}
	]}}`

	got, err := parseServerEvent([]byte(raw))
	if err != nil {
		t.Fatalf("parseServerEvent: %v", err)
	}
	done, ok := got.(ResponseDone)
	if !ok {
		t.Fatalf("got %T, want ResponseDone", got)
	}
	if done.Status != "completed" {
		t.Fatalf("status = %q", done.Status)
	}
	if len(done.FunctionCalls) != 2 {
		t.Fatalf("function calls = %d, want 2", len(done.FunctionCalls))
	}
	if done.FunctionCalls[0].CallID != "call_1" || done.FunctionCalls[0].Name != "delegate" {
		t.Fatalf("first call = %+v", done.FunctionCalls[0])
	}
	if done.FunctionCalls[1].CallID != "call_2" {
		t.Fatalf("second call = %+v", done.FunctionCalls[1])
	}
}

func TestParseServerEventRejectsGarbage(t *testing.T) {
	if _, err := parseServerEvent([]byte("not json")); err == nil {
		t.Fatal("expected error for non-JSON frame")
	}
}

func TestPCMDurationMS(t *testing.T) {
	// 480 bytes of PCM16 at 24 kHz is 10 ms of audio.
	chunk := base64.StdEncoding.EncodeToString(make([]byte, 480))
	if got := pcmDurationMS(chunk); got != 10 {
		t.Fatalf("duration = %d, want 10", got)
	}
	if got := pcmDurationMS(""); got != 0 {
		t.Fatalf("empty chunk duration = %d, want 0", got)
	}
}

func TestAudioDeltaCarriesDuration(t *testing.T) {
	chunk := base64.StdEncoding.EncodeToString(make([]byte, 48*250))
	raw, _ := json.Marshal(map[string]any{
		"type":    "response.output_audio.delta",
		"item_id": "item_1",
		"delta":   chunk,
	})
	got, err := parseServerEvent(raw)
	if err != nil {
		t.Fatalf("parseServerEvent: %v", err)
	}
	delta, ok := got.(AudioDelta)
	if !ok {
		t.Fatalf("got %T, want AudioDelta", got)
	}
	if delta.DurationMS != 250 {
		t.Fatalf("duration = %d, want 250", delta.DurationMS)
	}
}

func TestClientEventShapes(t *testing.T) {
	t.Run("truncate", func(t *testing.T) {
		raw, err := json.Marshal(TruncateEvent("item_1", 1200))
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var out map[string]any
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if out["type"] != "conversation.item.truncate" {
			t.Fatalf("type = %v", out["type"])
		}
		if out["item_id"] != "item_1" || out["audio_end_ms"] != float64(1200) {
			t.Fatalf("payload = %v", out)
		}
	})

	t.Run("function output", func(t *testing.T) {
		raw, _ := json.Marshal(FunctionOutputEvent("call_1", `{"ok":true}`))
		var out struct {
			Type string `json:"type"`
			Item struct {
				Type   string `json:"type"`
				CallID string `json:"call_id"`
				Output string `json:"output"`
			} `json:"item"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if out.Type != "conversation.item.create" || out.Item.Type != "function_call_output" {
			t.Fatalf("shape = %+v", out)
		}
		if out.Item.CallID != "call_1" {
			t.Fatalf("call_id = %q", out.Item.CallID)
		}
	})

	t.Run("system message uses input_text", func(t *testing.T) {
		raw, _ := json.Marshal(SystemMessageEvent("context note"))
		var out struct {
			Item struct {
				Role    string `json:"role"`
				Content []struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"content"`
			} `json:"item"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if out.Item.Role != "system" || len(out.Item.Content) != 1 {
			t.Fatalf("shape = %+v", out)
		}
		if out.Item.Content[0].Type != "input_text" || out.Item.Content[0].Text != "context note" {
			t.Fatalf("content = %+v", out.Item.Content[0])
		}
	})
}
