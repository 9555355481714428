package bridge

import (
	"time"

	"github.com/tbellucci/voicebridge/internal/events"
	"github.com/tbellucci/voicebridge/internal/realtime"
	"github.com/tbellucci/voicebridge/internal/reliability"
	"github.com/tbellucci/voicebridge/internal/transcript"
)

// run is the session loop. Every state mutation happens here; external
// callers and tool goroutines reach the loop through channels.
func (o *Orchestrator) run() {
	for {
		select {
		case ev, ok := <-o.events:
			if !ok {
				o.finish(transcript.EndReasonNetworkError, "upstream connection closed")
				return
			}
			o.handleServerEvent(ev)
		case res := <-o.toolResults:
			o.handleToolResult(res)
		case cmd := <-o.cmds:
			cmd.errc <- cmd.fn()
		case sec := <-o.successorCh:
			o.handleSuccessorSecret(sec)
		case rc := <-o.rotatedCh:
			o.handleRotatedConn(rc)
		case <-o.warningT.C:
			o.beginRotationWarning()
		case <-o.handoffT.C:
			o.beginHandoff()
		case <-o.hardT.C:
			o.finish(transcript.EndReasonSessionLimit, ErrSessionExpired.Error())
			return
		case <-o.done:
			return
		}
		if o.State() == StateEnded {
			return
		}
	}
}

func (o *Orchestrator) handleServerEvent(ev any) {
	if o.metrics != nil {
		o.metrics.RealtimeEvents.WithLabelValues("inbound", serverEventName(ev)).Inc()
	}

	switch e := ev.(type) {
	case realtime.SessionCreated:
		if o.State() == StateConnecting {
			o.setState(StateActive)
		}
	case realtime.SessionUpdated:
		// Configuration acknowledged; nothing to track.
	case realtime.ResponseCreated:
		o.responding = true
		o.responseID = e.ResponseID
	case realtime.ResponseDone:
		o.responding = false
		o.responseID = ""
		o.clearAudioTracking()
		if len(e.FunctionCalls) > 0 {
			o.startToolBatch(e.ResponseID, e.FunctionCalls)
		}
		if o.followUpsOwed > 0 {
			o.followUpsOwed--
			o.beginResponse()
		}
	case realtime.ResponseCancelled:
		o.responding = false
		o.responseID = ""
	case realtime.SpeechStarted:
		o.publish(events.SpeechStarted, map[string]any{"audio_start_ms": e.AudioStartMS})
		if o.responding {
			o.interrupt()
		}
	case realtime.SpeechStopped:
		o.publish(events.SpeechStopped, map[string]any{"audio_end_ms": e.AudioEndMS})
	case realtime.AudioDelta:
		if _, seen := o.audioFirstAt[e.ItemID]; !seen {
			o.audioFirstAt[e.ItemID] = time.Now()
		}
		o.audioStreamed[e.ItemID] += e.DurationMS
		o.audioItemID = e.ItemID
	case realtime.AudioDone:
		// Generation finished; delivery may still lag behind.
	case realtime.AssistantTranscript:
		o.appendAssistantEntry(e)
	case realtime.UserTranscript:
		o.appendEntry(transcript.Entry{Kind: transcript.EntryUser, Text: e.Transcript})
	case realtime.ItemCreated:
		// Item bookkeeping happens on the terminal events.
	case realtime.ErrorEvent:
		o.handleUpstreamError(e)
	case realtime.UnknownEvent:
		o.violation("unknown_event")
		o.publish(events.ToolFailed, map[string]any{
			"reason": "unrecognized_event",
			"type":   e.Type,
		})
	}
}

// interrupt handles the user speaking over an in-flight response: cancel the
// response upstream and truncate the spoken item to what the listener
// actually heard, never the full generated duration.
func (o *Orchestrator) interrupt() {
	if o.send(realtime.ResponseCancelEvent()) != nil {
		return
	}
	o.responding = false
	o.responseID = ""

	item := o.audioItemID
	if item == "" {
		return
	}
	delivered := o.deliveredMS(item, time.Now())
	o.audioTruncated[item] = delivered
	if o.metrics != nil {
		o.metrics.TruncationGap.Observe(float64(o.audioStreamed[item] - delivered))
	}
	if o.send(realtime.TruncateEvent(item, delivered)) != nil {
		return
	}
	// The transcript entry may already exist when the item finished speaking
	// before the interruption landed.
	if entryID, ok := o.audioEntryID[item]; ok {
		ctx, cancel := o.storeCtx()
		o.store.SetAudioDuration(ctx, o.id, entryID, delivered)
		cancel()
	}
}

// deliveredMS estimates how much of an item reached the listener: playback
// runs in real time from the first chunk, while generation streams ahead of
// it, so elapsed wall time bounds delivery from above and the streamed total
// bounds it from the other side.
func (o *Orchestrator) deliveredMS(itemID string, now time.Time) int64 {
	streamed := o.audioStreamed[itemID]
	first, ok := o.audioFirstAt[itemID]
	if !ok {
		return 0
	}
	elapsed := now.Sub(first).Milliseconds()
	if elapsed < streamed {
		return elapsed
	}
	return streamed
}

func (o *Orchestrator) appendAssistantEntry(e realtime.AssistantTranscript) {
	duration := o.audioStreamed[e.ItemID]
	if truncated, ok := o.audioTruncated[e.ItemID]; ok {
		duration = truncated
	}
	entry := o.appendEntry(transcript.Entry{
		Kind:            transcript.EntryAssistant,
		Text:            e.Transcript,
		AudioDurationMS: duration,
	})
	if entry.ID != "" {
		o.audioEntryID[e.ItemID] = entry.ID
	}
}

func (o *Orchestrator) appendEntry(e transcript.Entry) transcript.Entry {
	e.SessionID = o.id
	ctx, cancel := o.storeCtx()
	defer cancel()
	stored, err := o.store.Append(ctx, e)
	if err != nil {
		return transcript.Entry{}
	}
	return stored
}

func (o *Orchestrator) clearAudioTracking() {
	o.audioItemID = ""
	clear(o.audioStreamed)
	clear(o.audioFirstAt)
	clear(o.audioTruncated)
	clear(o.audioEntryID)
}

func (o *Orchestrator) handleUpstreamError(e realtime.ErrorEvent) {
	// Most error frames are transient and the connection stays usable. An
	// expired upstream session is terminal: rotation missed its window.
	if e.Code == "session_expired" {
		o.finish(transcript.EndReasonSessionLimit, e.Message)
		return
	}
	if !reliability.IsRetryableRealtimeErrorCode(e.Code) {
		o.violation("upstream_error")
	}
}

// beginResponse requests one model turn. At most one response may be in
// flight; concurrent attempts are rejected, never queued.
func (o *Orchestrator) beginResponse() error {
	if o.State() == StateEnded {
		return ErrSessionEnded
	}
	if o.responding {
		o.violation("response_in_flight")
		return ErrProtocolViolation
	}
	if err := o.send(realtime.ResponseCreateEvent()); err != nil {
		return err
	}
	o.responding = true
	return nil
}

func (o *Orchestrator) violation(kind string) {
	if o.metrics != nil {
		o.metrics.ProtocolViolations.WithLabelValues(kind).Inc()
	}
}

// finish terminates the session exactly once: timers stopped, connection
// closed, transcript flushed, one ended event.
func (o *Orchestrator) finish(reason, errorDetails string) {
	o.endOnce.Do(func() {
		o.setState(StateEnded)
		o.stopLifetimeTimers()
		if o.conn != nil {
			o.conn.Close()
		}

		ctx, cancel := o.storeCtx()
		defer cancel()
		o.store.EndSession(ctx, o.id, reason, errorDetails)

		if o.metrics != nil {
			o.metrics.ActiveSessions.Dec()
		}
		data := map[string]any{"reason": reason}
		if errorDetails != "" {
			data["error"] = errorDetails
		}
		o.publish(events.SessionEnded, data)
		close(o.done)
	})
}

func (o *Orchestrator) armLifetimeTimers() {
	o.warningT = time.NewTimer(o.hardLimit - o.warningMargin)
	o.handoffT = time.NewTimer(o.hardLimit - o.handoffMargin)
	o.hardT = time.NewTimer(o.hardLimit)
}

func (o *Orchestrator) stopLifetimeTimers() {
	for _, t := range []*time.Timer{o.warningT, o.handoffT, o.hardT} {
		if t != nil {
			t.Stop()
		}
	}
}

func serverEventName(ev any) string {
	switch ev.(type) {
	case realtime.SessionCreated:
		return "session.created"
	case realtime.SessionUpdated:
		return "session.updated"
	case realtime.ResponseCreated:
		return "response.created"
	case realtime.ResponseDone:
		return "response.done"
	case realtime.ResponseCancelled:
		return "response.cancelled"
	case realtime.SpeechStarted:
		return "speech.started"
	case realtime.SpeechStopped:
		return "speech.stopped"
	case realtime.AudioDelta:
		return "audio.delta"
	case realtime.AudioDone:
		return "audio.done"
	case realtime.AssistantTranscript:
		return "assistant.transcript"
	case realtime.UserTranscript:
		return "user.transcript"
	case realtime.ItemCreated:
		return "item.created"
	case realtime.ErrorEvent:
		return "error"
	default:
		return "unknown"
	}
}
