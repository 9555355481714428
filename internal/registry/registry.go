package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tbellucci/voicebridge/internal/bridge"
	"github.com/tbellucci/voicebridge/internal/dispatch"
	"github.com/tbellucci/voicebridge/internal/events"
	"github.com/tbellucci/voicebridge/internal/observability"
	"github.com/tbellucci/voicebridge/internal/realtime"
	"github.com/tbellucci/voicebridge/internal/transcript"
)

// ErrOverloaded rejects session admission at capacity. Existing sessions are
// never touched to make room.
var ErrOverloaded = errors.New("session capacity reached")

// Defaults applies when CreateParams leaves a field empty.
type Defaults struct {
	Voice         string
	Model         string
	Instructions  string
	HardLimit     time.Duration
	WarningMargin time.Duration
	HandoffMargin time.Duration
	MaxConcurrent int64
}

// CreateParams shapes one new session.
type CreateParams struct {
	Voice        string
	Model        string
	Instructions string
	Tools        []realtime.ToolDefinition
}

// Registry owns the live orchestrators: bounded admission, lookup and
// teardown. Terminated sessions remove themselves.
type Registry struct {
	capacity int
	defaults Defaults

	store      transcript.Store
	bus        *events.Bus
	dispatcher *dispatch.Dispatcher
	metrics    *observability.Metrics
	dialer     bridge.Dialer

	mu       sync.RWMutex
	pending  int
	sessions map[string]*bridge.Orchestrator
}

const storeTimeout = 5 * time.Second

func New(capacity int, defaults Defaults, store transcript.Store, bus *events.Bus, dispatcher *dispatch.Dispatcher, metrics *observability.Metrics, dialer bridge.Dialer) *Registry {
	if capacity <= 0 {
		capacity = 32
	}
	return &Registry{
		capacity:   capacity,
		defaults:   defaults,
		store:      store,
		bus:        bus,
		dispatcher: dispatcher,
		metrics:    metrics,
		dialer:     dialer,
		sessions:   make(map[string]*bridge.Orchestrator),
	}
}

// Create admits one session: transcript record, orchestrator, upstream
// credential. The returned secret goes to the caller for the media leg.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*bridge.Orchestrator, realtime.ClientSecret, error) {
	if p.Voice == "" {
		p.Voice = r.defaults.Voice
	}
	if p.Model == "" {
		p.Model = r.defaults.Model
	}
	if p.Instructions == "" {
		p.Instructions = r.defaults.Instructions
	}

	r.mu.Lock()
	if len(r.sessions)+r.pending >= r.capacity {
		r.mu.Unlock()
		return nil, realtime.ClientSecret{}, ErrOverloaded
	}
	// Reserve the slot before the slow upstream work so concurrent creates
	// cannot overshoot capacity.
	r.pending++
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		r.pending--
		r.mu.Unlock()
	}

	sess, err := r.store.CreateSession(ctx, p.Voice, p.Model)
	if err != nil {
		release()
		return nil, realtime.ClientSecret{}, err
	}

	orch := bridge.New(bridge.Params{
		SessionID:     sess.ID,
		Voice:         p.Voice,
		Model:         p.Model,
		Instructions:  p.Instructions,
		Tools:         p.Tools,
		Store:         r.store,
		Bus:           r.bus,
		Dispatcher:    r.dispatcher,
		Metrics:       r.metrics,
		Dialer:        r.dialer,
		HardLimit:     r.defaults.HardLimit,
		WarningMargin: r.defaults.WarningMargin,
		HandoffMargin: r.defaults.HandoffMargin,
		MaxConcurrent: r.defaults.MaxConcurrent,
	})

	secret, err := orch.Start(ctx)
	if err != nil {
		release()
		endCtx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		r.store.EndSession(endCtx, sess.ID, transcript.EndReasonError, err.Error())
		cancel()
		return nil, realtime.ClientSecret{}, err
	}

	r.mu.Lock()
	r.pending--
	r.sessions[sess.ID] = orch
	r.mu.Unlock()

	go r.reapOnDone(orch)
	return orch, secret, nil
}

// reapOnDone drops the registry slot once the session terminates for any
// reason, including rotation failure and upstream drops.
func (r *Registry) reapOnDone(orch *bridge.Orchestrator) {
	<-orch.Done()
	r.mu.Lock()
	if current, ok := r.sessions[orch.ID()]; ok && current == orch {
		delete(r.sessions, orch.ID())
	}
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (*bridge.Orchestrator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	orch, ok := r.sessions[id]
	if !ok || orch == nil {
		return nil, false
	}
	return orch, true
}

// Remove ends a session and waits for its transcript flush. Removing an
// unknown id is a no-op.
func (r *Registry) Remove(id, reason string) {
	r.mu.Lock()
	orch, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok || orch == nil {
		return
	}
	orch.Close(reason)
	<-orch.Done()
}

func (r *Registry) List() []*bridge.Orchestrator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*bridge.Orchestrator, 0, len(r.sessions))
	for _, orch := range r.sessions {
		if orch != nil {
			out = append(out, orch)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll ends every live session, used on shutdown.
func (r *Registry) CloseAll(reason string) {
	for _, orch := range r.List() {
		r.Remove(orch.ID(), reason)
	}
}
