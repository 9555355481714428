package realtime

import (
	"encoding/json"
	"strconv"
)

// ClientEvent is a frame sent to the speech model. Constructors below build
// the supported variants; the orchestrator never assembles raw JSON.
type ClientEvent struct {
	Type    string
	payload map[string]any
}

func (e ClientEvent) MarshalJSON() ([]byte, error) {
	body := make(map[string]any, len(e.payload)+1)
	for k, v := range e.payload {
		body[k] = v
	}
	body["type"] = e.Type
	return json.Marshal(body)
}

// SessionUpdateEvent configures voice, instructions and the exposed tool set
// after the connection is established.
func SessionUpdateEvent(voice, instructions string, tools []ToolDefinition) ClientEvent {
	session := map[string]any{
		"type": "realtime",
	}
	if instructions != "" {
		session["instructions"] = instructions
	}
	if voice != "" {
		session["audio"] = map[string]any{
			"output": map[string]any{"voice": voice},
		}
	}
	if tools != nil {
		session["tools"] = tools
	}
	return ClientEvent{Type: "session.update", payload: map[string]any{"session": session}}
}

// ToolDefinition is a function tool in the upstream wire format.
type ToolDefinition struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// FunctionOutputEvent appends a tool result item. CallID must be the id the
// model assigned to the originating call.
func FunctionOutputEvent(callID string, output string) ClientEvent {
	return ClientEvent{Type: "conversation.item.create", payload: map[string]any{
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	}}
}

// SystemMessageEvent injects a system note, used for rotation context handoff.
func SystemMessageEvent(text string) ClientEvent {
	return messageEvent("system", text)
}

// ConversationMessageEvent injects a plain message item with the given role.
func ConversationMessageEvent(role, text string) ClientEvent {
	return messageEvent(role, text)
}

func messageEvent(role, text string) ClientEvent {
	contentType := "input_text"
	if role == "assistant" {
		contentType = "text"
	}
	return ClientEvent{Type: "conversation.item.create", payload: map[string]any{
		"item": map[string]any{
			"type": "message",
			"role": role,
			"content": []map[string]any{
				{"type": contentType, "text": text},
			},
		},
	}}
}

// ResponseCreateEvent asks the model to produce its next turn.
func ResponseCreateEvent() ClientEvent {
	return ClientEvent{Type: "response.create", payload: map[string]any{}}
}

// ResponseCancelEvent aborts the response currently in flight.
func ResponseCancelEvent() ClientEvent {
	return ClientEvent{Type: "response.cancel", payload: map[string]any{}}
}

// TruncateEvent trims a spoken item to the audio actually delivered before an
// interruption. audioEndMS must reflect delivered audio, never the full
// generated duration.
func TruncateEvent(itemID string, audioEndMS int64) ClientEvent {
	return ClientEvent{Type: "conversation.item.truncate", payload: map[string]any{
		"item_id":       itemID,
		"content_index": 0,
		"audio_end_ms":  audioEndMS,
	}}
}

func (e ClientEvent) String() string {
	return e.Type + "(" + strconv.Itoa(len(e.payload)) + " fields)"
}
