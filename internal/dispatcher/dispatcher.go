// Package dispatcher is the background agent's event router. Platform
// events (push deliveries, notification clicks, recovery triggers and
// foreground commands) are routed through a table of handlers that run one
// at a time against an explicit per-agent State.
package dispatcher

import (
	"context"
	"fmt"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/dar-k-dev/p-progress/internal/delivery"
	"github.com/dar-k-dev/p-progress/internal/logging"
	"github.com/dar-k-dev/p-progress/internal/metrics"
	"github.com/dar-k-dev/p-progress/internal/workerpool"
)

var log = logging.L("dispatcher")

// EventKind names an agent event.
type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notificationclick"
	EventNotificationClose EventKind = "notificationclose"
	EventSync              EventKind = "sync"
	EventMessage           EventKind = "message"
)

// Foreground commands carried by EventMessage.
const (
	CommandSkipWaiting      = "SKIP_WAITING"
	CommandShowNotification = "SHOW_NOTIFICATION"
	CommandCheckUpdate      = "CHECK_UPDATE"
)

const (
	settingsUpdatePath = "/settings?update=true"
	pushDedupeWindow   = 10 * time.Minute
)

// Command is a message from a foreground process.
type Command struct {
	Type    string   `json:"type"`
	Payload *Payload `json:"payload,omitempty"`
}

// Event is one platform event.
type Event struct {
	Kind EventKind

	// push
	MessageID string
	Body      []byte

	// notificationclick, notificationclose
	Notification Notification
	Action       string

	// message
	Command Command
}

// Handler processes one event.
type Handler func(ctx context.Context, st *State, ev Event) error

// State is the agent's mutable record. Handlers receive it explicitly and
// the router guarantees they never run concurrently.
type State struct {
	Installed   bool
	Waiting     bool
	Controlling bool
	ActivatedAt time.Time

	PushesReceived  int
	FallbacksShown  int
	LastPushAt      time.Time
	LastSyncAt      time.Time
	LastSyncResult  delivery.DrainResult
	seenPushMessage *cache.Cache
}

// NewState returns a fresh agent record.
func NewState() *State {
	return &State{
		Waiting:         true,
		seenPushMessage: cache.New(pushDedupeWindow, 2*pushDedupeWindow),
	}
}

// UpdateChecker starts an update check without waiting for it.
type UpdateChecker interface {
	TriggerCheck()
}

// Options wires the dispatcher to its collaborators.
type Options struct {
	// Origin is the application's base URL. Windows on it count as ours.
	Origin string

	Notifier  Notifier
	Windows   Windows
	Queue     *delivery.Queue
	Deliverer Deliverer
	Checker   UpdateChecker

	// ReceiptURL, when set, receives a POST for every displayed notification.
	ReceiptURL string

	QueueSize      int
	HandlerTimeout time.Duration
	Drain          delivery.DrainOptions
}

// Dispatcher routes events to handlers.
type Dispatcher struct {
	opts     Options
	origin   *url.URL
	state    *State
	handlers map[EventKind]Handler
	pool     *workerpool.Pool
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a dispatcher with the default handler table.
func New(opts Options) (*Dispatcher, error) {
	origin, err := url.Parse(opts.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("dispatcher: invalid origin %q", opts.Origin)
	}
	if opts.Notifier == nil {
		opts.Notifier = NewTray()
	}
	if opts.Windows == nil {
		opts.Windows = NewBrowserWindows()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		opts:   opts,
		origin: origin,
		state:  NewState(),
		pool:   workerpool.New("dispatcher", 1, opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	d.handlers = map[EventKind]Handler{
		EventInstall:           d.handleInstall,
		EventActivate:          d.handleActivate,
		EventPush:              d.handlePush,
		EventNotificationClick: d.handleClick,
		EventNotificationClose: d.handleClose,
		EventSync:              d.handleSync,
		EventMessage:           d.handleMessage,
	}
	return d, nil
}

// Handle replaces or adds the handler for kind. Call before dispatching.
func (d *Dispatcher) Handle(kind EventKind, h Handler) {
	d.handlers[kind] = h
}

// Dispatch queues ev and returns without waiting for it to run.
func (d *Dispatcher) Dispatch(ev Event) error {
	return d.pool.Submit(func() { d.route(ev) })
}

// DispatchWait queues ev and waits for its handler. The handler's error is
// returned to the caller and also logged at the router.
func (d *Dispatcher) DispatchWait(ctx context.Context, ev Event) error {
	done := make(chan error, 1)
	if err := d.pool.SubmitWait(ctx, func() { done <- d.route(ev) }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the agent state. It runs on the event queue so
// it never observes a handler mid-way.
func (d *Dispatcher) Snapshot(ctx context.Context) (State, error) {
	ch := make(chan State, 1)
	if err := d.pool.SubmitWait(ctx, func() {
		st := *d.state
		st.seenPushMessage = nil
		ch <- st
	}); err != nil {
		return State{}, err
	}
	select {
	case st := <-ch:
		return st, nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// Close stops accepting events and waits for queued ones.
func (d *Dispatcher) Close(ctx context.Context) error {
	err := d.pool.Drain(ctx)
	d.cancel()
	return err
}

// route runs the handler for ev. Errors and panics stop here so one bad
// event cannot take the agent down.
func (d *Dispatcher) route(ev Event) (err error) {
	start := time.Now()
	l := logging.WithEvent(log, string(ev.Kind))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
			l.Error("event handler panicked", "panic", r, "stack", string(debug.Stack()))
		}
		result := "ok"
		if err != nil {
			result = "error"
			l.Warn("event handler failed", logging.KeyError, err, logging.KeyDurationMs, time.Since(start).Milliseconds())
		}
		metrics.RecordEvent(string(ev.Kind), result)
	}()

	h, ok := d.handlers[ev.Kind]
	if !ok {
		return fmt.Errorf("no handler for event %q", ev.Kind)
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.opts.HandlerTimeout)
	defer cancel()
	ctx = logging.NewContext(ctx, l)

	err = h(ctx, d.state, ev)
	if err == nil {
		l.Debug("event handled", logging.KeyDurationMs, time.Since(start).Milliseconds())
	}
	return err
}
