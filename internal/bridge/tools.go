package bridge

import (
	"context"
	"encoding/json"

	"github.com/tbellucci/voicebridge/internal/dispatch"
	"github.com/tbellucci/voicebridge/internal/events"
	"github.com/tbellucci/voicebridge/internal/realtime"
	"github.com/tbellucci/voicebridge/internal/transcript"
)

type toolResult struct {
	gen        int
	responseID string
	call       realtime.FunctionCall
	res        dispatch.Result
	err        error
}

// startToolBatch records a completed model turn's function calls and fans
// them out. The batch is the handshake unit: every call gets its result item
// appended, then exactly one follow-up response is requested. Turns can
// overlap, so each batch drains under its own response id.
func (o *Orchestrator) startToolBatch(responseID string, calls []realtime.FunctionCall) {
	gen := o.batchGen
	o.batchRemaining[responseID] = len(calls)

	for _, call := range calls {
		o.appendEntry(transcript.Entry{
			Kind:          transcript.EntryToolCall,
			ToolName:      call.Name,
			ToolCallID:    call.CallID,
			ToolArguments: call.Arguments,
		})
		o.publish(events.ToolStarted, map[string]any{
			"tool":    call.Name,
			"call_id": call.CallID,
		})
		go o.executeTool(gen, responseID, call)
	}
}

// executeTool runs off the loop goroutine, bounded by the semaphore, and
// reports back through toolResults. It never touches orchestrator state.
func (o *Orchestrator) executeTool(gen int, responseID string, call realtime.FunctionCall) {
	ctx := context.Background()
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer o.sem.Release(1)

	o.publish(events.ToolProgress, map[string]any{
		"tool":    call.Name,
		"call_id": call.CallID,
		"status":  "executing",
	})
	res, err := o.dispatcher.Execute(ctx, call.Name, call.Arguments, 0)
	select {
	case o.toolResults <- toolResult{gen: gen, responseID: responseID, call: call, res: res, err: err}:
	case <-o.done:
	}
}

// handleToolResult runs on the loop. Failures become structured result items
// so the model always receives an answer for every call it made.
func (o *Orchestrator) handleToolResult(r toolResult) {
	if r.gen != o.batchGen {
		// The connection rotated underneath this call; its call id no longer
		// exists upstream.
		o.publish(events.ToolFailed, map[string]any{
			"tool":    r.call.Name,
			"call_id": r.call.CallID,
			"reason":  "stale",
		})
		if o.metrics != nil {
			o.metrics.ObserveToolCall(r.call.Name, "stale", r.res.Duration)
		}
		return
	}
	if o.State() == StateEnded {
		return
	}

	payload := r.res
	status := "completed"
	if r.err != nil {
		payload = dispatch.Result{Success: false, Error: r.err.Error(), Duration: r.res.Duration}
		status = string(dispatch.KindOf(r.err))
	} else {
		payload.Success = true
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		encoded = []byte(`{"success":false,"error":"result encoding failed"}`)
	}

	o.appendEntry(transcript.Entry{
		Kind:       transcript.EntryToolResult,
		ToolName:   r.call.Name,
		ToolCallID: r.call.CallID,
		ToolResult: encoded,
	})
	if o.metrics != nil {
		o.metrics.ObserveToolCall(r.call.Name, status, r.res.Duration)
	}

	eventData := map[string]any{
		"tool":        r.call.Name,
		"call_id":     r.call.CallID,
		"duration_ms": r.res.Duration.Milliseconds(),
	}
	if r.err != nil {
		eventData["error"] = r.err.Error()
		o.publish(events.ToolFailed, eventData)
	} else {
		if payload.Truncated {
			eventData["truncated"] = true
		}
		o.publish(events.ToolCompleted, eventData)
	}

	if o.send(realtime.FunctionOutputEvent(r.call.CallID, string(encoded))) != nil {
		return
	}

	o.batchRemaining[r.responseID]--
	if o.batchRemaining[r.responseID] > 0 {
		return
	}
	delete(o.batchRemaining, r.responseID)
	// A follow-up cannot be sent while another response is in flight; it is
	// owed and released when that turn finishes.
	if o.responding {
		o.followUpsOwed++
		return
	}
	o.beginResponse()
}
