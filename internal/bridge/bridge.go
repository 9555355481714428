package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tbellucci/voicebridge/internal/dispatch"
	"github.com/tbellucci/voicebridge/internal/events"
	"github.com/tbellucci/voicebridge/internal/observability"
	"github.com/tbellucci/voicebridge/internal/realtime"
	"github.com/tbellucci/voicebridge/internal/transcript"
)

var (
	// ErrProtocolViolation reports a response.create attempt while another
	// response is in flight. The attempt is rejected, never queued.
	ErrProtocolViolation = errors.New("response already in flight")

	// ErrSessionExpired reports that the session hit its hard lifetime limit
	// without a successful connection rotation.
	ErrSessionExpired = errors.New("session lifetime limit reached")

	// ErrSessionEnded is returned by operations on an orchestrator that has
	// already terminated.
	ErrSessionEnded = errors.New("session ended")
)

// State is the lifecycle phase of an orchestrator.
type State string

const (
	StateConnecting      State = "connecting"
	StateActive          State = "active"
	StateRotationWarning State = "rotation_warning"
	StateRotating        State = "rotating"
	StateEnded           State = "ended"
)

// Conn is one live upstream event connection.
type Conn interface {
	Events() <-chan any
	Send(ctx context.Context, ev realtime.ClientEvent) error
	Close() error
}

// Dialer issues upstream credentials and opens event connections. The
// realtime client satisfies it through NewDialer; tests substitute fakes.
type Dialer interface {
	CreateClientSecret(ctx context.Context, cfg realtime.SessionConfig) (realtime.ClientSecret, error)
	Dial(ctx context.Context, model string, secret realtime.ClientSecret) (Conn, error)
}

type clientDialer struct {
	client *realtime.Client
}

func NewDialer(c *realtime.Client) Dialer {
	return &clientDialer{client: c}
}

func (d *clientDialer) CreateClientSecret(ctx context.Context, cfg realtime.SessionConfig) (realtime.ClientSecret, error) {
	return d.client.CreateClientSecret(ctx, cfg)
}

func (d *clientDialer) Dial(ctx context.Context, model string, secret realtime.ClientSecret) (Conn, error) {
	return d.client.Dial(ctx, model, secret)
}

const (
	defaultHardLimit     = 55 * time.Minute
	defaultWarningMargin = 5 * time.Minute
	defaultHandoffMargin = time.Minute
	defaultMaxTools      = 5
	resumptionTurns      = 12

	sendTimeout  = 5 * time.Second
	storeTimeout = 5 * time.Second
	dialTimeout  = 15 * time.Second
)

// Params configures one orchestrator. SessionID must already exist in Store.
type Params struct {
	SessionID    string
	Voice        string
	Model        string
	Instructions string
	Tools        []realtime.ToolDefinition

	Store      transcript.Store
	Bus        *events.Bus
	Dispatcher *dispatch.Dispatcher
	Metrics    *observability.Metrics
	Dialer     Dialer

	HardLimit     time.Duration
	WarningMargin time.Duration
	HandoffMargin time.Duration
	MaxConcurrent int64
}

// Orchestrator owns one voice session: a single goroutine consumes the
// upstream event stream in order and is the only writer of session state.
// Tool executions fan out to bounded goroutines and re-enter the loop
// through toolResults, so ordering decisions always happen on the loop.
type Orchestrator struct {
	id           string
	voice        string
	model        string
	instructions string
	tools        []realtime.ToolDefinition

	store      transcript.Store
	bus        *events.Bus
	dispatcher *dispatch.Dispatcher
	metrics    *observability.Metrics
	dialer     Dialer

	hardLimit     time.Duration
	warningMargin time.Duration
	handoffMargin time.Duration
	sem           *semaphore.Weighted

	conn     Conn
	events   <-chan any
	epoch    time.Time
	warningT *time.Timer
	handoffT *time.Timer
	hardT    *time.Timer

	// Loop-owned response tracking.
	responding     bool
	responseID     string
	audioItemID    string
	audioStreamed  map[string]int64
	audioFirstAt   map[string]time.Time
	audioTruncated map[string]int64
	audioEntryID   map[string]string

	// Loop-owned tool batch tracking, keyed by the response turn that issued
	// the calls. Batches from overlapping turns drain independently; each owes
	// exactly one follow-up response once its last result item is appended.
	// batchGen invalidates results from before a rotation.
	batchGen       int
	batchRemaining map[string]int
	followUpsOwed  int

	// Loop-owned rotation tracking.
	successor    *realtime.ClientSecret
	successorErr error
	handoffDue   bool

	toolResults chan toolResult
	successorCh chan successorSecret
	rotatedCh   chan rotatedConn
	cmds        chan command

	done    chan struct{}
	endOnce sync.Once

	mu        sync.Mutex
	state     State
	rotations int
	startedAt time.Time
}

type command struct {
	fn   func() error
	errc chan error
}

type successorSecret struct {
	secret realtime.ClientSecret
	err    error
}

type rotatedConn struct {
	conn Conn
	err  error
}

func New(p Params) *Orchestrator {
	if p.HardLimit <= 0 {
		p.HardLimit = defaultHardLimit
	}
	if p.WarningMargin <= 0 || p.WarningMargin >= p.HardLimit {
		p.WarningMargin = defaultWarningMargin
	}
	if p.HandoffMargin <= 0 || p.HandoffMargin >= p.WarningMargin {
		p.HandoffMargin = defaultHandoffMargin
	}
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = defaultMaxTools
	}
	return &Orchestrator{
		id:             p.SessionID,
		voice:          p.Voice,
		model:          p.Model,
		instructions:   p.Instructions,
		tools:          p.Tools,
		store:          p.Store,
		bus:            p.Bus,
		dispatcher:     p.Dispatcher,
		metrics:        p.Metrics,
		dialer:         p.Dialer,
		hardLimit:      p.HardLimit,
		warningMargin:  p.WarningMargin,
		handoffMargin:  p.HandoffMargin,
		sem:            semaphore.NewWeighted(p.MaxConcurrent),
		audioStreamed:  make(map[string]int64),
		audioFirstAt:   make(map[string]time.Time),
		audioTruncated: make(map[string]int64),
		audioEntryID:   make(map[string]string),
		batchRemaining: make(map[string]int),
		toolResults:    make(chan toolResult, 16),
		successorCh:    make(chan successorSecret, 1),
		rotatedCh:      make(chan rotatedConn, 1),
		cmds:           make(chan command),
		done:           make(chan struct{}),
		state:          StateConnecting,
	}
}

func (o *Orchestrator) ID() string { return o.id }

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Rotations() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rotations
}

func (o *Orchestrator) StartedAt() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.startedAt
}

// Done closes when the session has fully ended and its transcript status is
// flushed.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) sessionConfig() realtime.SessionConfig {
	return realtime.SessionConfig{
		Model:        o.model,
		Voice:        o.voice,
		Instructions: o.instructions,
		Tools:        o.tools,
	}
}

// Start issues the upstream credential, opens the event connection and
// launches the session loop. The returned secret is handed to the caller for
// the media connection; it is the same upstream session the loop observes.
func (o *Orchestrator) Start(ctx context.Context) (realtime.ClientSecret, error) {
	secret, err := o.dialer.CreateClientSecret(ctx, o.sessionConfig())
	if err != nil {
		return realtime.ClientSecret{}, err
	}
	conn, err := o.dialer.Dial(ctx, o.model, secret)
	if err != nil {
		return realtime.ClientSecret{}, err
	}
	o.conn = conn
	o.events = conn.Events()

	if err := o.sendOnConn(conn, realtime.SessionUpdateEvent(o.voice, o.instructions, o.tools)); err != nil {
		conn.Close()
		return realtime.ClientSecret{}, err
	}

	now := time.Now()
	o.epoch = now
	o.mu.Lock()
	o.startedAt = now
	o.mu.Unlock()
	o.armLifetimeTimers()

	if o.metrics != nil {
		o.metrics.ActiveSessions.Inc()
	}
	o.publish(events.SessionStarted, map[string]any{
		"voice": o.voice,
		"model": o.model,
	})

	go o.run()
	return secret, nil
}

// Close ends the session with the given transcript end reason. Idempotent.
// Valid only after a successful Start.
func (o *Orchestrator) Close(reason string) error {
	if reason == "" {
		reason = transcript.EndReasonUserEnded
	}
	return o.do(func() error {
		o.finish(reason, "")
		return nil
	})
}

// RequestResponse asks the model to produce a turn, used after out-of-band
// context injection. Rejected with ErrProtocolViolation while a response is
// in flight.
func (o *Orchestrator) RequestResponse() error {
	return o.do(func() error {
		return o.beginResponse()
	})
}

// Responding reports whether a model response is currently in flight. The
// check runs on the loop goroutine, so it is ordered with event handling.
func (o *Orchestrator) Responding() bool {
	var r bool
	if o.do(func() error { r = o.responding; return nil }) != nil {
		return false
	}
	return r
}

// InjectMessage appends a conversation item out of band, without requesting
// a response.
func (o *Orchestrator) InjectMessage(role, text string) error {
	return o.do(func() error {
		return o.send(realtime.ConversationMessageEvent(role, text))
	})
}

// do runs fn on the loop goroutine and waits for its result.
func (o *Orchestrator) do(fn func() error) error {
	cmd := command{fn: fn, errc: make(chan error, 1)}
	select {
	case o.cmds <- cmd:
		return <-cmd.errc
	case <-o.done:
		return ErrSessionEnded
	}
}

func (o *Orchestrator) publish(t events.Type, data map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{
		Type:      t,
		SessionID: o.id,
		At:        time.Now(),
		Data:      data,
	})
	if o.metrics != nil {
		o.metrics.SessionEvents.WithLabelValues(string(t)).Inc()
	}
}

func (o *Orchestrator) sendOnConn(c Conn, ev realtime.ClientEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if o.metrics != nil {
		o.metrics.RealtimeEvents.WithLabelValues("outbound", ev.Type).Inc()
	}
	return c.Send(ctx, ev)
}

// send writes to the current connection; a write failure is a dead upstream
// and ends the session.
func (o *Orchestrator) send(ev realtime.ClientEvent) error {
	if err := o.sendOnConn(o.conn, ev); err != nil {
		o.finish(transcript.EndReasonNetworkError, err.Error())
		return err
	}
	return nil
}

func (o *Orchestrator) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}
