package commissioning

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/campground-power/internal/gateway"
	"github.com/iliyamo/campground-power/internal/model"
	"github.com/iliyamo/campground-power/internal/notify"
	"github.com/iliyamo/campground-power/internal/repository"
)

type gwCall struct {
	Op        GatewayOp
	BaseTopic string
	IEEE      string
	Name      string
	Force     bool
}

type fakeGateway struct {
	mu        sync.Mutex
	calls     []gwCall
	down      bool
	renameErr error
	active    bool

	// hold, when set, parks StartPairing until closed; held reports entry.
	hold chan struct{}
	held chan struct{}
}

func (g *fakeGateway) record(c gwCall) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, c)
	if g.down {
		return &gateway.NetworkError{Op: string(c.Op), Err: errors.New("connection refused")}
	}
	return nil
}

func (g *fakeGateway) StartPairing(_ context.Context, baseTopic string, _ uint64) error {
	if g.hold != nil {
		g.held <- struct{}{}
		<-g.hold
	}
	return g.record(gwCall{Op: OpStart, BaseTopic: baseTopic})
}

func (g *fakeGateway) StopPairing(_ context.Context, baseTopic string) error {
	return g.record(gwCall{Op: OpStop, BaseTopic: baseTopic})
}

func (g *fakeGateway) Rename(_ context.Context, baseTopic, ieee, name string) error {
	if err := g.record(gwCall{Op: OpRename, BaseTopic: baseTopic, IEEE: ieee, Name: name}); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.renameErr
}

func (g *fakeGateway) Remove(_ context.Context, baseTopic, ieee string, force bool) error {
	return g.record(gwCall{Op: OpRemove, BaseTopic: baseTopic, IEEE: ieee, Force: force})
}

func (g *fakeGateway) Status(context.Context, string) (*gateway.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down {
		return nil, &gateway.NetworkError{Op: "status", Err: errors.New("connection refused")}
	}
	return &gateway.Status{Active: g.active}, nil
}

func (g *fakeGateway) setDown(v bool) {
	g.mu.Lock()
	g.down = v
	g.mu.Unlock()
}

func (g *fakeGateway) callsOf(op GatewayOp) []gwCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []gwCall
	for _, c := range g.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

type fakeRegistry struct {
	mu      sync.Mutex
	created []model.Device
	err     error
}

func (r *fakeRegistry) Create(_ context.Context, d *model.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	d.ID = int64(len(r.created) + 1)
	r.created = append(r.created, *d)
	return nil
}

type recorder struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recorder) Publish(n notify.Notification) {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
}

func (r *recorder) progress() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Progress
	for _, n := range r.got {
		if p, ok := n.Data.(Progress); ok {
			out = append(out, p)
		}
	}
	return out
}

func envelope(name, data string) gateway.Envelope {
	return gateway.Envelope{Event: name, Data: json.RawMessage(data)}
}

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *fakeGateway, *fakeRegistry, *recorder) {
	t.Helper()
	gw, reg, rec := &fakeGateway{}, &fakeRegistry{}, &recorder{}
	cfg.Area = zone1
	cfg.Gateway = gw
	cfg.Registry = reg
	cfg.Notifier = rec
	c := NewCoordinator(cfg)
	t.Cleanup(c.Shutdown)
	return c, gw, reg, rec
}

func driveToReadyToName(t *testing.T, c *Coordinator) {
	t.Helper()
	_, err := c.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Handle(envelope("device_joined", `{"ieee_address":"0x00124b"}`)))
	require.NoError(t, c.Handle(envelope("interview_started", `{}`)))
	require.NoError(t, c.Handle(envelope("interview_successful", `{"model":"TS011F","vendor":"TuYa"}`)))
	require.Equal(t, model.PairingReadyToName, c.Snapshot().State)
}

func TestCoordinator_interviewFailedThenRemove(t *testing.T) {
	c, gw, _, rec := newTestCoordinator(t, Config{})
	ctx := context.Background()

	s, err := c.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.PairingAwaitingJoin, s.State)
	assert.Len(t, gw.callsOf(OpStart), 1)

	require.NoError(t, c.Handle(envelope("device_joined", `{"ieee_address":"0x00124b"}`)))
	assert.Equal(t, model.PairingDeviceJoined, c.Snapshot().State)
	require.NoError(t, c.Handle(envelope("interview_started", `{}`)))
	require.NoError(t, c.Handle(envelope("interview_failed", `{}`)))
	assert.Equal(t, model.PairingFailed, c.Snapshot().State)

	s, err = c.Remove(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.PairingIdle, s.State)
	assert.Equal(t, []gwCall{{Op: OpRemove, BaseTopic: "z2m/zone1", IEEE: "0x00124b", Force: true}}, gw.callsOf(OpRemove))

	var sawFailure bool
	for _, p := range rec.progress() {
		if p.State == model.PairingFailed && p.Error != "" {
			sawFailure = true
		}
	}
	assert.True(t, sawFailure)
}

func TestCoordinator_secondStartConflicts(t *testing.T) {
	c, gw, _, _ := newTestCoordinator(t, Config{})
	first, err := c.Start(context.Background())
	require.NoError(t, err)

	_, err = c.Start(context.Background())
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, first.ID, conflict.SessionID)
	assert.Equal(t, first, c.Snapshot())
	assert.Len(t, gw.callsOf(OpStart), 1)
}

func TestCoordinator_sessionIDsIncrease(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, Config{})
	a, err := c.Start(context.Background())
	require.NoError(t, err)
	_, err = c.Stop(context.Background())
	require.NoError(t, err)
	b, err := c.Start(context.Background())
	require.NoError(t, err)
	assert.Greater(t, b.ID, a.ID)
}

func TestCoordinator_startWithGatewayDownStaysIdle(t *testing.T) {
	c, gw, _, _ := newTestCoordinator(t, Config{})
	gw.setDown(true)

	_, err := c.Start(context.Background())
	var netErr *gateway.NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.False(t, c.Snapshot().Active())
}

func TestCoordinator_stopResetsEvenWhenGatewayIsDown(t *testing.T) {
	c, gw, _, rec := newTestCoordinator(t, Config{})
	driveToReadyToName(t, c)
	gw.setDown(true)

	s, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.PairingIdle, s.State)
	assert.False(t, c.Snapshot().Active())

	assert.Eventually(t, func() bool { return len(gw.callsOf(OpStop)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		for _, p := range rec.progress() {
			if p.Retry && p.State == model.PairingIdle {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinator_stopWinsOverBlockedStart(t *testing.T) {
	c, gw, _, _ := newTestCoordinator(t, Config{})
	gw.hold = make(chan struct{})
	gw.held = make(chan struct{}, 1)

	startErr := make(chan error, 1)
	go func() {
		_, err := c.Start(context.Background())
		startErr <- err
	}()
	<-gw.held

	_, err := c.Start(context.Background())
	var conflict *ConflictError
	assert.True(t, errors.As(err, &conflict), "the reserved session blocks a second start")
	assert.ErrorIs(t, c.Handle(envelope("device_joined", `{"ieee_address":"0x00124b","session_id":1}`)), ErrStaleEvent)

	stopped := make(chan model.PairingSession, 1)
	go func() {
		s, err := c.Stop(context.Background())
		assert.NoError(t, err)
		stopped <- s
	}()
	select {
	case s := <-stopped:
		assert.Equal(t, model.PairingIdle, s.State)
	case <-time.After(time.Second):
		t.Fatal("stop waited for the in-flight start call")
	}
	assert.False(t, c.Snapshot().Active())

	close(gw.hold)
	select {
	case err := <-startErr:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(time.Second):
		t.Fatal("start did not return")
	}
	assert.False(t, c.Snapshot().Active())
	// Stop's own call plus the one closing the window the late start opened.
	assert.Eventually(t, func() bool { return len(gw.callsOf(OpStop)) == 2 }, time.Second, 5*time.Millisecond)
}

func TestCoordinator_dropsStaleEvents(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, Config{})
	s, err := c.Start(context.Background())
	require.NoError(t, err)

	err = c.Handle(envelope("device_joined", `{"ieee_address":"0x1","session_id":`+jsonUint(s.ID+1)+`}`))
	assert.ErrorIs(t, err, ErrStaleEvent)
	assert.Equal(t, model.PairingAwaitingJoin, c.Snapshot().State)

	_, err = c.Stop(context.Background())
	require.NoError(t, err)
	err = c.Handle(envelope("device_joined", `{"ieee_address":"0x1"}`))
	assert.ErrorIs(t, err, ErrStaleEvent)
	assert.Equal(t, model.PairingIdle, c.Snapshot().State)

	assert.NoError(t, c.Handle(envelope("connected", `{}`)))
}

func jsonUint(v uint64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestCoordinator_timerExpiresJoinWindow(t *testing.T) {
	c, gw, _, _ := newTestCoordinator(t, Config{Window: 20 * time.Millisecond})
	_, err := c.Start(context.Background())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		s := c.Snapshot()
		return s.State == model.PairingIdle && s.LastError == msgWindowExpired
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(gw.callsOf(OpStop)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestCoordinator_lazyExpiryOnNextInteraction(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, Config{})
	var offset atomic.Int64
	c.now = func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }

	_, err := c.Start(context.Background())
	require.NoError(t, err)
	offset.Store(int64(5 * time.Minute))

	err = c.Handle(envelope("device_joined", `{"ieee_address":"0x1"}`))
	assert.ErrorIs(t, err, ErrStaleEvent)
	assert.Equal(t, model.PairingIdle, c.Snapshot().State)

	_, err = c.Start(context.Background())
	assert.NoError(t, err)
}

func TestCoordinator_renameRejectedCanBeResubmitted(t *testing.T) {
	c, gw, _, _ := newTestCoordinator(t, Config{})
	driveToReadyToName(t, c)

	_, err := c.SubmitLabel(context.Background(), "F20")
	require.NoError(t, err)
	require.NoError(t, c.Handle(envelope("rename_response", `{"status":"error","error":"name taken"}`)))

	s := c.Snapshot()
	assert.Equal(t, model.PairingReadyToName, s.State)
	assert.Equal(t, "name taken", s.LastError)
	assert.Equal(t, "0x00124b", s.IEEEAddress)
	assert.Equal(t, "TS011F", s.Model)

	_, err = c.SubmitLabel(context.Background(), "F21")
	require.NoError(t, err)
	require.NoError(t, c.Handle(envelope("rename_response", `{"status":"ok"}`)))
	assert.Equal(t, model.PairingTesting, c.Snapshot().State)

	renames := gw.callsOf(OpRename)
	require.Len(t, renames, 2)
	assert.Equal(t, "F21", renames[1].Name)
	assert.Equal(t, "0x00124b", renames[1].IEEE)
}

func TestCoordinator_renameCallFailureKeepsState(t *testing.T) {
	c, gw, _, _ := newTestCoordinator(t, Config{})
	driveToReadyToName(t, c)
	gw.mu.Lock()
	gw.renameErr = &gateway.GatewayError{Op: "rename", Message: "device busy"}
	gw.mu.Unlock()

	_, err := c.SubmitLabel(context.Background(), "F20")
	var gwErr *gateway.GatewayError
	require.True(t, errors.As(err, &gwErr))

	s := c.Snapshot()
	assert.Equal(t, model.PairingReadyToName, s.State)
	assert.Empty(t, s.PendingLabel)
	assert.Contains(t, s.LastError, "device busy")
}

func driveToTesting(t *testing.T, c *Coordinator) {
	t.Helper()
	driveToReadyToName(t, c)
	_, err := c.SubmitLabel(context.Background(), "F20")
	require.NoError(t, err)
	require.NoError(t, c.Handle(envelope("rename_response", `{"status":"ok"}`)))
	require.NoError(t, c.Handle(envelope("relay_command_sent", `{"state":"OFF"}`)))
	require.NoError(t, c.Handle(envelope("relay_command_sent", `{"state":"ON"}`)))
}

func TestCoordinator_successPersistsAndClears(t *testing.T) {
	c, _, reg, _ := newTestCoordinator(t, Config{ClearAfter: 20 * time.Millisecond})
	driveToTesting(t, c)

	require.NoError(t, c.Handle(envelope("relay_test_complete", `{"success":true}`)))
	assert.Equal(t, model.PairingSucceeded, c.Snapshot().State)

	reg.mu.Lock()
	require.Len(t, reg.created, 1)
	d := reg.created[0]
	reg.mu.Unlock()
	assert.Equal(t, "F20", d.MeterNumber)
	assert.Equal(t, "0x00124b", d.IEEEAddress)
	assert.Equal(t, "zone-1", d.AreaID)
	assert.Equal(t, "TuYa", d.Vendor)
	assert.False(t, d.RelayTestFailed)

	assert.Eventually(t, func() bool { return c.Snapshot().State == model.PairingIdle }, time.Second, 5*time.Millisecond)
}

func TestCoordinator_failedRelayTestIsPersistedAndHeld(t *testing.T) {
	c, _, reg, _ := newTestCoordinator(t, Config{ClearAfter: 10 * time.Millisecond})
	driveToTesting(t, c)

	require.NoError(t, c.Handle(envelope("relay_test_complete", `{"success":false}`)))
	time.Sleep(30 * time.Millisecond)

	s := c.Snapshot()
	assert.Equal(t, model.PairingSucceeded, s.State)
	assert.True(t, s.TestFailed)
	reg.mu.Lock()
	assert.True(t, reg.created[0].RelayTestFailed)
	reg.mu.Unlock()

	s, err := c.PairNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.PairingIdle, s.State)
}

func TestCoordinator_registrationFailureMarksFailed(t *testing.T) {
	c, _, reg, _ := newTestCoordinator(t, Config{})
	reg.err = repository.ErrConflict
	driveToTesting(t, c)

	require.NoError(t, c.Handle(envelope("relay_test_complete", `{"success":true}`)))
	s := c.Snapshot()
	assert.Equal(t, model.PairingFailed, s.State)
	assert.Contains(t, s.LastError, "could not be registered")

	_, err := c.Retry(context.Background())
	require.NoError(t, err)
	assert.False(t, c.Snapshot().Active())
}

type scriptedSource struct {
	events []gateway.Envelope
	ran    chan struct{}
}

func (s *scriptedSource) Run(ctx context.Context, h gateway.Handlers) error {
	h.OnState(gateway.StateConnected, nil)
	for _, e := range s.events {
		h.OnEvent(e)
	}
	h.OnState(gateway.StateReconnecting, errors.New("EOF"))
	h.OnState(gateway.StateConnected, nil)
	h.OnReconnect(ctx)
	close(s.ran)
	<-ctx.Done()
	return ctx.Err()
}

func TestCoordinator_connectFollowsStreamAndResyncs(t *testing.T) {
	src := &scriptedSource{ran: make(chan struct{})}
	c, gw, _, rec := newTestCoordinator(t, Config{})
	c.cfg.Source = src

	_, err := c.Start(context.Background())
	require.NoError(t, err)
	src.events = []gateway.Envelope{envelope("connected", `{}`), envelope("pairing_started", `{"baseTopic":"z2m/zone1"}`)}
	gw.mu.Lock()
	gw.active = false
	gw.mu.Unlock()

	require.NoError(t, c.Connect(context.Background()))
	select {
	case <-src.ran:
	case <-time.After(time.Second):
		t.Fatal("source did not run")
	}

	s := c.Snapshot()
	assert.Equal(t, model.PairingIdle, s.State)
	assert.Equal(t, msgResyncExpired, s.LastError)
	assert.Equal(t, gateway.StateConnected, c.StreamState())

	rec.mu.Lock()
	var statuses int
	for _, n := range rec.got {
		if n.Kind == notify.KindStreamStatus {
			statuses++
		}
	}
	rec.mu.Unlock()
	assert.Equal(t, 3, statuses)

	c.Shutdown()
	_, err = c.Start(context.Background())
	assert.ErrorIs(t, err, ErrShutdown)
}

type staticAreas struct {
	mu    sync.Mutex
	areas []model.Area
}

func (s *staticAreas) Areas(context.Context) ([]model.Area, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Area(nil), s.areas...), nil
}

func TestManager_refreshAndLookup(t *testing.T) {
	lister := &staticAreas{areas: []model.Area{{ID: "zone-2", BaseTopic: "z2m/zone2"}, zone1}}
	gw := &fakeGateway{}
	m := NewManager(lister, func(a model.Area) *Coordinator {
		return NewCoordinator(Config{Area: a, Gateway: gw})
	})
	defer m.Shutdown()

	areas, err := m.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, areas, 2)
	assert.Equal(t, "zone-1", areas[0].ID)

	c1, err := m.Get("zone-1")
	require.NoError(t, err)
	c2, err := m.Get("zone-2")
	require.NoError(t, err)

	_, err = c1.Start(context.Background())
	require.NoError(t, err)
	_, err = c2.Start(context.Background())
	require.NoError(t, err, "areas pair independently")

	_, err = m.Get("zone-9")
	assert.ErrorIs(t, err, ErrUnknownArea)

	lister.mu.Lock()
	lister.areas = []model.Area{zone1}
	lister.mu.Unlock()
	_, err = m.Refresh(context.Background())
	require.NoError(t, err)
	_, err = m.Get("zone-2")
	assert.NoError(t, err, "area with an active session is kept")

	_, err = c2.Stop(context.Background())
	require.NoError(t, err)
	_, err = m.Refresh(context.Background())
	require.NoError(t, err)
	_, err = m.Get("zone-2")
	assert.ErrorIs(t, err, ErrUnknownArea)
}
