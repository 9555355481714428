package realtime

import (
	"encoding/json"
	"fmt"
)

// Server event types, normalized from the upstream realtime wire protocol.
// The adapter parses raw wire frames into exactly one of the structs below;
// anything it does not recognize becomes UnknownEvent so the orchestrator can
// treat it as a protocol violation instead of a silent no-op.

type SessionCreated struct {
	SessionID string
}

type SessionUpdated struct{}

type ResponseCreated struct {
	ResponseID string
}

// ResponseDone closes a model turn. FunctionCalls carries every tool call the
// model emitted in this turn, which defines the batch boundary for the
// tool-call handshake.
type ResponseDone struct {
	ResponseID    string
	Status        string
	FunctionCalls []FunctionCall
}

// FunctionCall is a completed tool-call request from the model. CallID is
// assigned upstream and must be echoed on the result item.
type FunctionCall struct {
	CallID    string
	ItemID    string
	Name      string
	Arguments json.RawMessage
}

// SpeechStarted reports that the user began speaking. While a response is in
// flight this is an interruption.
type SpeechStarted struct {
	AudioStartMS int64
}

type SpeechStopped struct {
	AudioEndMS int64
}

// AudioDelta reports one chunk of synthesized output audio streamed toward
// the client. DurationMS is the playable length of the chunk; the
// orchestrator accumulates it to know how much audio was delivered when an
// interruption lands.
type AudioDelta struct {
	ItemID     string
	DurationMS int64
}

// AudioDone reports the full generated duration of an assistant audio item.
type AudioDone struct {
	ItemID     string
	DurationMS int64
}

// AssistantTranscript is the final transcript of a finished assistant item.
type AssistantTranscript struct {
	ItemID     string
	Transcript string
}

// UserTranscript is the transcription of committed user input audio.
type UserTranscript struct {
	ItemID     string
	Transcript string
}

type ItemCreated struct {
	ItemID string
	Type   string
}

type ResponseCancelled struct {
	ResponseID string
}

// ErrorEvent is an upstream error frame.
type ErrorEvent struct {
	Code    string
	Message string
}

// UnknownEvent carries a wire event type the adapter has no mapping for.
type UnknownEvent struct {
	Type string
}

// Output audio is PCM16 at 24 kHz: 48 bytes per millisecond.
const pcm16BytesPerMS = 48

type wireEvent struct {
	Type       string          `json:"type"`
	Session    *wireSession    `json:"session,omitempty"`
	Response   *wireResponse   `json:"response,omitempty"`
	Item       *wireItem       `json:"item,omitempty"`
	ItemID     string          `json:"item_id,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	AudioStart int64           `json:"audio_start_ms,omitempty"`
	AudioEnd   int64           `json:"audio_end_ms,omitempty"`
	Error      *wireError      `json:"error,omitempty"`
}

type wireSession struct {
	ID string `json:"id"`
}

type wireResponse struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	Output []wireItem `json:"output,omitempty"`
}

type wireItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// parseServerEvent normalizes one raw wire frame into a tagged event value.
func parseServerEvent(raw []byte) (any, error) {
	var ev wireEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("invalid server event: %w", err)
	}

	switch ev.Type {
	case "session.created":
		var id string
		if ev.Session != nil {
			id = ev.Session.ID
		}
		return SessionCreated{SessionID: id}, nil
	case "session.updated":
		return SessionUpdated{}, nil
	case "response.created":
		var id string
		if ev.Response != nil {
			id = ev.Response.ID
		}
		return ResponseCreated{ResponseID: id}, nil
	case "response.done":
		done := ResponseDone{}
		if ev.Response != nil {
			done.ResponseID = ev.Response.ID
			done.Status = ev.Response.Status
			for _, item := range ev.Response.Output {
				if item.Type != "function_call" {
					continue
				}
				done.FunctionCalls = append(done.FunctionCalls, FunctionCall{
					CallID:    item.CallID,
					ItemID:    item.ID,
					Name:      item.Name,
					Arguments: json.RawMessage(item.Arguments),
				})
			}
			if done.Status == "cancelled" {
				return ResponseCancelled{ResponseID: done.ResponseID}, nil
			}
		}
		return done, nil
	case "input_audio_buffer.speech_started":
		return SpeechStarted{AudioStartMS: ev.AudioStart}, nil
	case "input_audio_buffer.speech_stopped":
		return SpeechStopped{AudioEndMS: ev.AudioEnd}, nil
	case "response.output_audio.delta":
		return AudioDelta{ItemID: ev.ItemID, DurationMS: pcmDurationMS(ev.Delta)}, nil
	case "response.output_audio.done":
		return AudioDone{ItemID: ev.ItemID}, nil
	case "response.output_audio_transcript.done":
		return AssistantTranscript{ItemID: ev.ItemID, Transcript: ev.Transcript}, nil
	case "conversation.item.input_audio_transcription.completed":
		return UserTranscript{ItemID: ev.ItemID, Transcript: ev.Transcript}, nil
	case "conversation.item.created":
		created := ItemCreated{}
		if ev.Item != nil {
			created.ItemID = ev.Item.ID
			created.Type = ev.Item.Type
		}
		return created, nil
	case "error":
		out := ErrorEvent{}
		if ev.Error != nil {
			out.Code = ev.Error.Code
			out.Message = ev.Error.Message
		}
		return out, nil
	default:
		return UnknownEvent{Type: ev.Type}, nil
	}
}

// pcmDurationMS derives the playable duration of a base64 PCM16 chunk
// without decoding it.
func pcmDurationMS(b64 string) int64 {
	if b64 == "" {
		return 0
	}
	// 4 base64 chars encode 3 bytes; padding overestimates by at most 1 ms.
	rawLen := int64(len(b64)) * 3 / 4
	return rawLen / pcm16BytesPerMS
}
