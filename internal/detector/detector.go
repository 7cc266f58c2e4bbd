// Package detector reconciles live meter telemetry against authorisation
// facts and forces unauthorised meters off.
package detector

import (
	"context"
	"errors"
	"hash/fnv"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/campground-power/internal/model"
	"github.com/iliyamo/campground-power/internal/notify"
	"github.com/iliyamo/campground-power/internal/repository"
)

// Registry supplies authorisation facts and the energised devices swept
// on every interval.
type Registry interface {
	AuthFacts(ctx context.Context, meter string) (model.AuthFacts, error)
	ActiveLoads(ctx context.Context) ([]model.Device, error)
}

// Commander enqueues the corrective OFF with a re-check under lock.
type Commander interface {
	ForceOff(ctx context.Context, meter string, recheck func(model.AuthFacts) bool) (model.ForceOffResult, error)
}

// IncidentStore persists unauthorised attempt records.
type IncidentStore interface {
	Create(ctx context.Context, a *model.UnauthorizedAttempt) error
}

// IncidentPublisher forwards incidents to other systems over the broker.
type IncidentPublisher interface {
	PublishIncident(ctx context.Context, a model.UnauthorizedAttempt) error
}

// BypassChecker answers whether an administrative bypass covers a meter.
// *bypass.Ledger satisfies it.
type BypassChecker interface {
	IsAuthorized(ctx context.Context, meter string) (bool, error)
}

// Notifier receives incidents for operators.
type Notifier interface {
	Publish(n notify.Notification)
}

// Deps are the collaborators of a Detector.  Bypass, Publisher and
// Notifier may be nil; Debouncer defaults to no debouncing.  Without Bypass
// the bypass flag is read from the registry's authorisation facts.
type Deps struct {
	Registry  Registry
	Bypass    BypassChecker
	Commands  Commander
	Incidents IncidentStore
	Debouncer Debouncer
	Notifier  Notifier
	Publisher IncidentPublisher
}

// Config tunes the loop.
type Config struct {
	SweepInterval time.Duration
	Workers       int
}

// Result describes one evaluation.  Command is nil when no corrective
// action was needed.
type Result struct {
	Decision model.Decision
	Command  *model.ControlCommand
	Created  bool
	Incident *model.UnauthorizedAttempt
}

// Stats are cumulative loop counters.
type Stats struct {
	Evaluated int64 `json:"evaluated"`
	ForcedOff int64 `json:"forced_off"`
	Incidents int64 `json:"incidents"`
	Errors    int64 `json:"errors"`
}

// Detector is the anomaly detector.
type Detector struct {
	deps   Deps
	cfg    Config
	now    func() time.Time
	logger *log.Entry

	evaluated, forcedOff, incidents, errs atomic.Int64
}

// New returns a Detector.
func New(deps Deps, cfg Config) *Detector {
	if deps.Debouncer == nil {
		deps.Debouncer = noDebounce{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Detector{
		deps:   deps,
		cfg:    cfg,
		now:    time.Now,
		logger: log.WithField("component", "detector"),
	}
}

// Stats returns a snapshot of the counters.
func (d *Detector) Stats() Stats {
	return Stats{
		Evaluated: d.evaluated.Load(),
		ForcedOff: d.forcedOff.Load(),
		Incidents: d.incidents.Load(),
		Errors:    d.errs.Load(),
	}
}

func unauthorized(f model.AuthFacts) bool { return !model.Evaluate(f).Authorized }

// Evaluate checks one sample.  It keeps no state between calls, so a
// sample delivered twice yields at most one pending OFF command.
func (d *Detector) Evaluate(ctx context.Context, s model.TelemetrySample) (Result, error) {
	var res Result
	if !s.Energized() {
		return res, nil
	}
	d.evaluated.Add(1)

	if d.deps.Bypass != nil {
		ok, err := d.deps.Bypass.IsAuthorized(ctx, s.MeterNumber)
		if err != nil {
			return res, err
		}
		if ok {
			res.Decision = model.Decision{Authorized: true}
			return res, nil
		}
	}

	facts, err := d.deps.Registry.AuthFacts(ctx, s.MeterNumber)
	if err != nil {
		return res, err
	}
	res.Decision = model.Evaluate(facts)
	if res.Decision.Authorized {
		return res, nil
	}

	fo, err := d.deps.Commands.ForceOff(ctx, s.MeterNumber, unauthorized)
	if err != nil {
		return res, err
	}
	res.Decision = model.Evaluate(fo.Facts)
	if fo.Skipped {
		return res, nil
	}
	res.Command = &fo.Command
	res.Created = fo.Created
	if fo.Created {
		d.forcedOff.Add(1)
	}

	entry := d.logger.WithFields(log.Fields{
		"meter":      s.MeterNumber,
		"reason":     res.Decision.Reason,
		"power_w":    s.PowerW,
		"command_id": fo.Command.ID,
		"created":    fo.Created,
	})
	entry.Warn("unauthorised load forced off")

	allowed, err := d.deps.Debouncer.Allow(ctx, s.MeterNumber)
	if err != nil {
		entry.WithError(err).Warn("incident debounce unavailable")
		allowed = true
	}
	if !allowed {
		return res, nil
	}

	incident := d.incidentFor(s, fo)
	if err := d.deps.Incidents.Create(ctx, incident); err != nil {
		if rerr := d.deps.Debouncer.Release(ctx, s.MeterNumber); rerr != nil {
			entry.WithError(rerr).Warn("releasing incident debounce failed")
		}
		return res, err
	}
	res.Incident = incident
	d.incidents.Add(1)

	if d.deps.Notifier != nil {
		d.deps.Notifier.Publish(notify.Notification{Kind: notify.KindIncident, Meter: s.MeterNumber, Data: incident, At: incident.DetectedAt})
	}
	if d.deps.Publisher != nil {
		if err := d.deps.Publisher.PublishIncident(ctx, *incident); err != nil {
			entry.WithError(err).Warn("publish incident failed")
		}
	}
	return res, nil
}

func (d *Detector) incidentFor(s model.TelemetrySample, fo model.ForceOffResult) *model.UnauthorizedAttempt {
	dec := model.Evaluate(fo.Facts)
	power := s.PowerW
	topic := s.SourceTopic
	if topic == "" {
		topic = fo.Facts.BaseTopic
	}
	return &model.UnauthorizedAttempt{
		MeterNumber: s.MeterNumber,
		DetectedAt:  d.now().UTC(),
		ActionTaken: model.ActionForcedOff,
		HadCustomer: dec.HadCustomer,
		HadPackage:  dec.HadPackage,
		Details: model.IncidentDetails{
			Reason:    dec.Reason,
			BaseTopic: topic,
			Power:     &power,
			State:     string(s.State),
			CommandID: fo.Command.ID,
		},
	}
}

// Sweep evaluates every device the registry last saw energised.  It is
// the poll path and the retry path for samples whose evaluation failed.
func (d *Detector) Sweep(ctx context.Context) (int, error) {
	samples, err := d.sweepSamples(ctx)
	if err != nil {
		return 0, err
	}
	for _, s := range samples {
		d.evaluateLogged(ctx, s)
	}
	return len(samples), nil
}

func (d *Detector) sweepSamples(ctx context.Context) ([]model.TelemetrySample, error) {
	devices, err := d.deps.Registry.ActiveLoads(ctx)
	if err != nil {
		return nil, err
	}
	now := d.now()
	out := make([]model.TelemetrySample, 0, len(devices))
	for _, dev := range devices {
		out = append(out, model.TelemetrySample{
			MeterNumber: dev.MeterNumber,
			State:       dev.RelayState,
			PowerW:      dev.PowerW,
			HasState:    true,
			HasPower:    true,
			SourceTopic: dev.BaseTopic,
			ReceivedAt:  now,
		})
	}
	return out, nil
}

func (d *Detector) evaluateLogged(ctx context.Context, s model.TelemetrySample) {
	_, err := d.Evaluate(ctx, s)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrDeviceNotFound):
		d.logger.WithField("meter", s.MeterNumber).Debug("telemetry for unregistered meter")
	case ctx.Err() != nil:
	default:
		d.errs.Add(1)
		d.logger.WithError(err).WithField("meter", s.MeterNumber).Error("evaluation failed; retrying on next tick")
	}
}

// Run consumes pushed samples and sweeps the registry every
// SweepInterval until ctx ends.  Samples of one meter are always handled
// by the same worker, in arrival order.  Failures are logged and never
// stop the loop.
func (d *Detector) Run(ctx context.Context, samples <-chan model.TelemetrySample) error {
	g, ctx := errgroup.WithContext(ctx)

	lanes := make([]chan model.TelemetrySample, d.cfg.Workers)
	for i := range lanes {
		lane := make(chan model.TelemetrySample, 64)
		lanes[i] = lane
		g.Go(func() error {
			for s := range lane {
				d.evaluateLogged(ctx, s)
			}
			return nil
		})
	}
	route := func(s model.TelemetrySample) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(s.MeterNumber))
		select {
		case lanes[h.Sum32()%uint32(len(lanes))] <- s:
		case <-ctx.Done():
		}
	}

	g.Go(func() error {
		defer func() {
			for _, l := range lanes {
				close(l)
			}
		}()
		var tick <-chan time.Time
		if d.cfg.SweepInterval > 0 {
			t := time.NewTicker(d.cfg.SweepInterval)
			defer t.Stop()
			tick = t.C
		}
		d.logger.WithFields(log.Fields{"workers": len(lanes), "sweep": d.cfg.SweepInterval}).Info("detector running")
		for {
			select {
			case <-ctx.Done():
				return nil
			case s, ok := <-samples:
				if !ok {
					samples = nil
					continue
				}
				route(s)
			case <-tick:
				batch, err := d.sweepSamples(ctx)
				if err != nil {
					d.errs.Add(1)
					d.logger.WithError(err).Error("sweep failed")
					continue
				}
				for _, s := range batch {
					route(s)
				}
			}
		}
	})
	return g.Wait()
}
