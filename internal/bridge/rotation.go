package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tbellucci/voicebridge/internal/events"
	"github.com/tbellucci/voicebridge/internal/realtime"
)

// Rotation replaces the upstream connection before the platform's hard
// lifetime limit. The warning timer starts credential preparation early so
// the handoff itself only has to dial, inject context and swap. If nothing
// usable exists when the hard timer fires, the session ends cleanly instead
// of dying mid-sentence.

func (o *Orchestrator) beginRotationWarning() {
	if o.State() != StateActive {
		return
	}
	o.setState(StateRotationWarning)
	o.publish(events.SessionRotationWarning, map[string]any{
		"expires_in_ms": time.Until(o.epoch.Add(o.hardLimit)).Milliseconds(),
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		secret, err := o.dialer.CreateClientSecret(ctx, o.sessionConfig())
		select {
		case o.successorCh <- successorSecret{secret: secret, err: err}:
		case <-o.done:
		}
	}()
}

func (o *Orchestrator) handleSuccessorSecret(sec successorSecret) {
	if sec.err != nil {
		o.successorErr = sec.err
	} else {
		s := sec.secret
		o.successor = &s
	}
	if o.handoffDue {
		o.startHandoff()
	}
}

func (o *Orchestrator) beginHandoff() {
	switch o.State() {
	case StateActive:
		// The warning phase never ran, so no secret is being prepared;
		// start the handoff from scratch.
		o.handoffDue = true
		o.startHandoff()
	case StateRotationWarning:
		o.handoffDue = true
		if o.successor != nil || o.successorErr != nil {
			o.startHandoff()
		}
		// Otherwise the secret is still being prepared; its arrival picks
		// the handoff up, and the hard timer bounds the wait.
	}
}

// startHandoff opens the successor connection off the loop and reports back
// through rotatedCh. A failed early secret is retried from scratch here.
func (o *Orchestrator) startHandoff() {
	if o.State() == StateRotating || o.State() == StateEnded {
		return
	}
	o.setState(StateRotating)
	secret := o.successor
	o.successor = nil
	o.successorErr = nil
	o.handoffDue = false

	ctxSnapshot := o.resumptionDigest()

	go func() {
		conn, err := o.openSuccessor(secret, ctxSnapshot)
		select {
		case o.rotatedCh <- rotatedConn{conn: conn, err: err}:
		case <-o.done:
			if conn != nil {
				conn.Close()
			}
		}
	}()
}

func (o *Orchestrator) openSuccessor(secret *realtime.ClientSecret, contextDigest string) (Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if secret == nil {
		fresh, err := o.dialer.CreateClientSecret(ctx, o.sessionConfig())
		if err != nil {
			return nil, err
		}
		secret = &fresh
	}

	conn, err := o.dialer.Dial(ctx, o.model, *secret)
	if err != nil {
		return nil, err
	}
	if err := o.sendOnConn(conn, realtime.SessionUpdateEvent(o.voice, o.instructions, o.tools)); err != nil {
		conn.Close()
		return nil, err
	}
	if contextDigest != "" {
		if err := o.sendOnConn(conn, realtime.SystemMessageEvent(contextDigest)); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func (o *Orchestrator) handleRotatedConn(rc rotatedConn) {
	if o.State() != StateRotating {
		if rc.conn != nil {
			rc.conn.Close()
		}
		return
	}
	if rc.err != nil {
		if o.metrics != nil {
			o.metrics.Rotations.WithLabelValues("failure").Inc()
		}
		// Still Rotating; the hard timer ends the session if no retry path
		// remains.
		return
	}
	o.completeRotation(rc.conn)
}

// completeRotation swaps the live connection and restarts the lifetime
// clock. In-flight tool calls from the old connection are invalidated: their
// call ids do not exist on the successor.
func (o *Orchestrator) completeRotation(conn Conn) {
	old := o.conn
	o.conn = conn
	o.events = conn.Events()
	if old != nil {
		go old.Close()
	}

	o.batchGen++
	clear(o.batchRemaining)
	o.followUpsOwed = 0
	o.responding = false
	o.responseID = ""
	o.clearAudioTracking()

	o.epoch = time.Now()
	o.stopLifetimeTimers()
	o.armLifetimeTimers()

	ctx, cancel := o.storeCtx()
	o.store.AddRotation(ctx, o.id)
	cancel()

	o.mu.Lock()
	o.rotations++
	count := o.rotations
	o.state = StateActive
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.Rotations.WithLabelValues("success").Inc()
	}
	o.publish(events.SessionRotated, map[string]any{"rotation": count})
}

// resumptionDigest flattens recent transcript turns into one system note for
// the successor connection.
func (o *Orchestrator) resumptionDigest() string {
	ctx, cancel := o.storeCtx()
	defer cancel()
	items, err := o.store.ResumptionContext(ctx, o.id, resumptionTurns)
	if err != nil || len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Context from earlier in this conversation:\n")
	for _, item := range items {
		fmt.Fprintf(&b, "%s: %s\n", item.Role, item.Text)
	}
	return b.String()
}
