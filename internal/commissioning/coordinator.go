package commissioning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iliyamo/campground-power/internal/gateway"
	"github.com/iliyamo/campground-power/internal/model"
	"github.com/iliyamo/campground-power/internal/notify"
)

// Gateway is the part of the pairing service a Coordinator drives.
type Gateway interface {
	StartPairing(ctx context.Context, baseTopic string, sessionID uint64) error
	StopPairing(ctx context.Context, baseTopic string) error
	Rename(ctx context.Context, baseTopic, ieee, newName string) error
	Remove(ctx context.Context, baseTopic, ieee string, force bool) error
	Status(ctx context.Context, baseTopic string) (*gateway.Status, error)
}

// Registry stores commissioned devices.
type Registry interface {
	Create(ctx context.Context, d *model.Device) error
}

// Notifier receives progress updates for operators.
type Notifier interface {
	Publish(n notify.Notification)
}

// EventSource delivers the area's gateway events.  *gateway.Stream
// satisfies it.
type EventSource interface {
	Run(ctx context.Context, h gateway.Handlers) error
}

// Config wires a Coordinator to its area.
type Config struct {
	Area        model.Area
	Gateway     Gateway
	Registry    Registry
	Notifier    Notifier
	Source      EventSource
	Window      time.Duration // join window, default 4m
	ClearAfter  time.Duration // reset delay after success, default 5s
	CallTimeout time.Duration // bound on each gateway or registry call, default 10s
}

// Progress is the payload of commissioning notifications.
type Progress struct {
	model.PairingSession
	Error string `json:"error,omitempty"`
	Retry bool   `json:"retry,omitempty"`
}

// StreamStatus is the payload of stream_status notifications.
type StreamStatus struct {
	State gateway.ConnState `json:"state"`
	Error string            `json:"error,omitempty"`
}

// Coordinator owns the single pairing session of one area.  All state
// changes go through Transition under mu; gateway events, operator actions
// and timers are serialised.  Gateway calls never run under mu: a
// transition that depends on one is reserved first and settled when the
// call returns.
type Coordinator struct {
	cfg    Config
	now    func() time.Time
	logger *log.Entry
	seq    atomic.Uint64

	mu      sync.Mutex
	session model.PairingSession
	rev     uint64
	busy    bool
	stream  gateway.ConnState
	expiry  *time.Timer
	clear   *time.Timer
	cancel  context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// NewCoordinator returns an idle Coordinator.  Call Connect to start
// following the gateway's event stream.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Window <= 0 {
		cfg.Window = 4 * time.Minute
	}
	if cfg.ClearAfter <= 0 {
		cfg.ClearAfter = 5 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	c := &Coordinator{
		cfg:     cfg,
		now:     time.Now,
		logger:  log.WithFields(log.Fields{"component": "coordinator", "area": cfg.Area.ID}),
		session: idle(cfg.Area),
	}
	c.seq.Store(uint64(time.Now().UnixMilli()))
	return c
}

// Area returns the area this coordinator manages.
func (c *Coordinator) Area() model.Area { return c.cfg.Area }

// Connect starts reading the event stream in the background.  It is a
// no-op when already connected or when no source is configured.
func (c *Coordinator) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrShutdown
	}
	if c.cancel != nil || c.cfg.Source == nil {
		c.mu.Unlock()
		return nil
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.cfg.Source.Run(ctx, gateway.Handlers{
			OnEvent: func(env gateway.Envelope) { _ = c.Handle(env) },
			OnState: c.onStreamState,
			OnReconnect: func(ctx context.Context) {
				if err := c.Resync(ctx); err != nil {
					c.logger.WithError(err).Warn("resync after reconnect failed")
				}
			},
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.WithError(err).Error("event stream stopped")
		}
	}()
	return nil
}

// Shutdown stops the event stream and all timers.  The session is left as
// is; the gateway's own pairing timeout ends any open join window.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	stopTimer(c.expiry)
	stopTimer(c.clear)
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Snapshot returns the current session, expiring it first when its join
// window has passed.
func (c *Coordinator) Snapshot() model.PairingSession {
	c.mu.Lock()
	effects := c.expireLocked()
	s := c.session
	c.mu.Unlock()
	c.run(effects)
	return s
}

// StreamState returns the last reported event stream state.
func (c *Coordinator) StreamState() gateway.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// Start opens a pairing session.  It fails with a *ConflictError when the
// area already has one, and with the gateway's error when pairing mode
// could not be entered, in which case the area stays idle.
func (c *Coordinator) Start(ctx context.Context) (model.PairingSession, error) {
	id := c.seq.Add(1)
	return c.step(ctx, Start{SessionID: id, Area: c.cfg.Area, At: c.now(), Window: c.cfg.Window}, nil)
}

// Stop ends the session unconditionally.  The gateway is told to leave
// pairing mode in the background; a failure is reported on the
// notification channel and never undoes the local reset.
func (c *Coordinator) Stop(ctx context.Context) (model.PairingSession, error) {
	return c.step(ctx, Stop{}, nil)
}

// SubmitLabel sends the operator's meter label to the gateway.  The state
// stays ReadyToName until the rename_response event arrives.
func (c *Coordinator) SubmitLabel(ctx context.Context, label string) (model.PairingSession, error) {
	return c.step(ctx, SubmitLabel{Label: label}, nil)
}

// Remove force-removes a failed device from the mesh and clears the session.
func (c *Coordinator) Remove(ctx context.Context) (model.PairingSession, error) {
	return c.step(ctx, Remove{}, nil)
}

// Retry clears a failed session without touching the gateway.
func (c *Coordinator) Retry(ctx context.Context) (model.PairingSession, error) {
	return c.step(ctx, Retry{}, nil)
}

// PairNext clears a finished session so another device can be paired.
func (c *Coordinator) PairNext(ctx context.Context) (model.PairingSession, error) {
	return c.step(ctx, PairNext{}, nil)
}

// Handle applies one gateway event.  Stale events yield ErrStaleEvent and
// leave the session untouched.
func (c *Coordinator) Handle(env gateway.Envelope) error {
	in, err := Decode(env)
	if err != nil {
		c.logger.WithError(err).WithField("event", env.Event).Warn("undecodable gateway event")
		return err
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = c.now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
	defer cancel()

	_, err = c.step(ctx, in.Event, &in)
	switch {
	case err == nil:
	case errors.Is(err, ErrStaleEvent):
		c.logger.WithFields(log.Fields{"event": env.Event, "session_id": in.SessionID}).Debug("dropping stale event")
	default:
		c.logger.WithError(err).WithField("event", env.Event).Warn("gateway event rejected")
	}
	return err
}

// Resync asks the gateway for its pairing status and reconciles the local
// session with it.  Events missed while disconnected are not replayed.
func (c *Coordinator) Resync(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	st, err := c.cfg.Gateway.Status(cctx, c.cfg.Area.BaseTopic)
	if err != nil {
		return err
	}
	_, err = c.step(ctx, Resynced{PairingActive: st.Active}, nil)
	return err
}

func (c *Coordinator) step(ctx context.Context, ev Event, in *Inbound) (model.PairingSession, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return model.PairingSession{}, ErrShutdown
	}
	effects := c.expireLocked()
	if in != nil {
		if err := Accept(c.session, *in); err != nil {
			s := c.session
			c.mu.Unlock()
			c.run(effects)
			return s, err
		}
	}

	next, out, err := Transition(c.session, ev)
	if err != nil {
		s := c.session
		c.mu.Unlock()
		c.run(effects)
		return s, err
	}
	if in != nil && next.Active() {
		next.LastEventAt = in.ReceivedAt
	}
	required, deferred := splitEffects(out)
	if len(required) > 0 {
		if c.busy {
			s := c.session
			c.mu.Unlock()
			c.run(effects)
			return s, ErrBusy
		}
		prev := c.session
		c.busy = true
		c.setLocked(next, true)
		rev := c.rev
		c.mu.Unlock()
		c.run(effects)
		return c.finish(ctx, ev, prev, next, rev, required, deferred)
	}

	c.setLocked(next, len(out) > 0)
	rest := c.armLocked(deferred, true)
	s := c.session
	c.mu.Unlock()

	c.run(append(effects, rest...))
	c.logTransition(ev, s)
	return s, nil
}

// finish performs the effects that gate a reserved transition without
// holding mu and then settles the outcome.  The reserved session stays
// installed while the calls run, so Stop, Snapshot and gateway events are
// never blocked by a slow gateway.  A Stop or expiry during the call wins:
// the late result is dropped.
func (c *Coordinator) finish(ctx context.Context, ev Event, prev, next model.PairingSession, rev uint64, required, deferred []Effect) (model.PairingSession, error) {
	callErr, persistErr := c.perform(ctx, required)

	c.mu.Lock()
	c.busy = false
	if c.closed {
		c.mu.Unlock()
		return model.PairingSession{}, ErrShutdown
	}
	untouched := c.rev == rev

	switch {
	case callErr != nil:
		if untouched {
			if prev.Active() {
				prev.LastError = callErr.Error()
			}
			c.setLocked(prev, true)
		}
		s := c.session
		c.mu.Unlock()
		c.publish(s, callErr)
		return s, callErr

	case c.session.ID != next.ID:
		s := c.session
		c.mu.Unlock()
		if started(required) {
			go c.bestEffort(CallGateway{Op: OpStop, BaseTopic: c.cfg.Area.BaseTopic})
		}
		c.logger.WithFields(log.Fields{"event": ev.eventName(), "session_id": next.ID}).Info("session changed during gateway call")
		return s, ErrSuperseded

	case persistErr != nil:
		failed := c.session
		failed.State = model.PairingFailed
		failed.LastError = fmt.Sprintf("device could not be registered: %v", persistErr)
		c.setLocked(failed, true)
		c.mu.Unlock()
		c.publish(failed, persistErr)
		return failed, nil
	}

	rest := c.armLocked(deferred, untouched)
	s := c.session
	c.mu.Unlock()

	c.run(rest)
	c.logTransition(ev, s)
	return s, nil
}

// perform runs required gateway calls and device registration in order.
// A gateway failure aborts the transition; a registration failure fails
// the device attempt instead.
func (c *Coordinator) perform(ctx context.Context, required []Effect) (callErr, persistErr error) {
	for _, ef := range required {
		switch e := ef.(type) {
		case CallGateway:
			if err := c.call(ctx, e); err != nil {
				return err, nil
			}
		case PersistDevice:
			d := e.Device
			if err := c.persist(ctx, &d); err != nil {
				c.logger.WithError(err).WithField("meter", d.MeterNumber).Error("registering commissioned device failed")
				return nil, err
			}
			c.logger.WithFields(log.Fields{"meter": d.MeterNumber, "ieee": d.IEEEAddress, "test_failed": d.RelayTestFailed}).Info("device commissioned")
		}
	}
	return nil, nil
}

// splitEffects separates the effects that gate a transition from those
// carried out once it is committed.
func splitEffects(effects []Effect) (required, deferred []Effect) {
	for _, ef := range effects {
		switch e := ef.(type) {
		case CallGateway:
			if e.Required {
				required = append(required, e)
				continue
			}
		case PersistDevice:
			required = append(required, e)
			continue
		}
		deferred = append(deferred, ef)
	}
	return required, deferred
}

func started(effects []Effect) bool {
	for _, ef := range effects {
		if call, ok := ef.(CallGateway); ok && call.Op == OpStart {
			return true
		}
	}
	return false
}

// setLocked installs s.  changed bumps the revision that in-flight
// gateway calls compare against.
func (c *Coordinator) setLocked(s model.PairingSession, changed bool) {
	c.session = s
	if changed {
		c.rev++
	}
}

// armLocked arms the requested timers and returns the
// effects left to run.  Progress notifications are dropped when notify is
// false, because a newer state has already been published.
func (c *Coordinator) armLocked(effects []Effect, notify bool) []Effect {
	var rest []Effect
	for _, ef := range effects {
		switch e := ef.(type) {
		case ScheduleExpiry:
			c.expiry = c.timerLocked(c.expiry, e.At.Sub(c.now()), Expire{SessionID: e.SessionID})
		case ScheduleClear:
			c.clear = c.timerLocked(c.clear, c.cfg.ClearAfter, Clear{SessionID: e.SessionID})
		case NotifyProgress:
			if notify {
				rest = append(rest, e)
			}
		default:
			rest = append(rest, ef)
		}
	}
	return rest
}

func (c *Coordinator) logTransition(ev Event, s model.PairingSession) {
	if s.ID != 0 {
		c.logger.WithFields(log.Fields{"event": ev.eventName(), "session_id": s.ID, "state": s.State}).Debug("pairing transition")
	}
}

// expireLocked implements the lazy deadline check: a session still waiting
// for a join past its deadline is returned to idle.
func (c *Coordinator) expireLocked() []Effect {
	s := c.session
	if s.State != model.PairingAwaitingJoin || s.Deadline.IsZero() || c.now().Before(s.Deadline) {
		return nil
	}
	next, effects, err := Transition(s, Expire{SessionID: s.ID})
	if err != nil {
		return nil
	}
	c.setLocked(next, true)
	c.logger.WithField("session_id", s.ID).Info("pairing window expired")
	return effects
}

func (c *Coordinator) timerLocked(prev *time.Timer, d time.Duration, ev Event) *time.Timer {
	stopTimer(prev)
	if d < 0 {
		d = 0
	}
	return time.AfterFunc(d, func() {
		_, err := c.step(context.Background(), ev, nil)
		if err != nil && !errors.Is(err, ErrStaleEvent) && !errors.Is(err, ErrShutdown) {
			c.logger.WithError(err).WithField("event", ev.eventName()).Warn("timer transition failed")
		}
	})
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// run executes the effects that need no lock: best-effort gateway calls in
// the background and operator notifications.
func (c *Coordinator) run(effects []Effect) {
	for _, ef := range effects {
		switch e := ef.(type) {
		case CallGateway:
			go c.bestEffort(e)
		case NotifyProgress:
			c.publish(e.Session, e.Err)
		}
	}
}

func (c *Coordinator) bestEffort(call CallGateway) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
	defer cancel()
	if err := c.call(ctx, call); err != nil {
		c.logger.WithError(err).WithField("op", call.Op).Warn("gateway call failed")
		c.mu.Lock()
		s := c.session
		c.mu.Unlock()
		c.publish(s, err)
	}
}

func (c *Coordinator) call(ctx context.Context, call CallGateway) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	switch call.Op {
	case OpStart:
		return c.cfg.Gateway.StartPairing(ctx, call.BaseTopic, call.SessionID)
	case OpStop:
		return c.cfg.Gateway.StopPairing(ctx, call.BaseTopic)
	case OpRename:
		return c.cfg.Gateway.Rename(ctx, call.BaseTopic, call.IEEEAddress, call.Name)
	case OpRemove:
		return c.cfg.Gateway.Remove(ctx, call.BaseTopic, call.IEEEAddress, call.Force)
	}
	return fmt.Errorf("unsupported gateway op %q", call.Op)
}

func (c *Coordinator) persist(ctx context.Context, d *model.Device) error {
	if c.cfg.Registry == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	return c.cfg.Registry.Create(ctx, d)
}

func (c *Coordinator) publish(s model.PairingSession, err error) {
	if c.cfg.Notifier == nil {
		return
	}
	p := Progress{PairingSession: s}
	if err != nil {
		p.Error = err.Error()
		var netErr *gateway.NetworkError
		p.Retry = errors.As(err, &netErr)
	}
	c.cfg.Notifier.Publish(notify.Notification{Kind: notify.KindCommissioning, Area: c.cfg.Area.ID, Data: p})
}

func (c *Coordinator) onStreamState(st gateway.ConnState, err error) {
	c.mu.Lock()
	c.stream = st
	c.mu.Unlock()

	entry := c.logger.WithField("state", st)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Info("event stream state changed")

	if c.cfg.Notifier == nil {
		return
	}
	payload := StreamStatus{State: st}
	if err != nil {
		payload.Error = err.Error()
	}
	c.cfg.Notifier.Publish(notify.Notification{Kind: notify.KindStreamStatus, Area: c.cfg.Area.ID, Data: payload})
}
