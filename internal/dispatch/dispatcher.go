// Package dispatch is the only path by which the service changes physical
// meter state.  Commands are recorded as intent; meters pick them up
// asynchronously and there is no synchronous hardware acknowledgement.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/iliyamo/campground-power/internal/model"
)

// ErrInvalidValue rejects a command argument the meters do not understand.
var ErrInvalidValue = errors.New("invalid command value")

// Store is the persistent command queue.
type Store interface {
	Enqueue(ctx context.Context, meter string, kind model.CommandKind, value model.RelayState) (model.ControlCommand, error)
	ForceOff(ctx context.Context, meter string, recheck func(model.AuthFacts) bool) (model.ForceOffResult, error)
	Pending(ctx context.Context, meter string) ([]model.ControlCommand, error)
}

// Publisher announces new commands to the relay workers.  A nil Publisher
// leaves workers to poll the queue table.
type Publisher interface {
	PublishCommand(ctx context.Context, cmd model.ControlCommand) error
}

// Dispatcher enqueues control commands.  It enforces no authorisation:
// callers (the anomaly detector, the bypass-gated operator API) decide
// whether a command is allowed.
type Dispatcher struct {
	store Store
	pub   Publisher
}

// New returns a Dispatcher backed by store.  pub may be nil.
func New(store Store, pub Publisher) *Dispatcher {
	return &Dispatcher{store: store, pub: pub}
}

// Enqueue records the intent to apply kind/value to the meter and returns
// the command id.  Re-enqueuing the same tuple is safe; meters treat a
// repeated state as a no-op.
func (d *Dispatcher) Enqueue(ctx context.Context, meter string, kind model.CommandKind, value model.RelayState) (int64, error) {
	if kind == model.CommandSetState && value != model.RelayOn && value != model.RelayOff {
		return 0, fmt.Errorf("%w: SET_STATE %q", ErrInvalidValue, value)
	}
	cmd, err := d.store.Enqueue(ctx, meter, kind, value)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s %s for %s: %w", kind, value, meter, err)
	}
	d.announce(ctx, cmd)
	return cmd.ID, nil
}

// ForceOff enqueues SET_STATE OFF unless recheck, evaluated under the
// device row lock, reports the meter is authorised after all.  An already
// pending OFF is reused rather than duplicated.
func (d *Dispatcher) ForceOff(ctx context.Context, meter string, recheck func(model.AuthFacts) bool) (model.ForceOffResult, error) {
	res, err := d.store.ForceOff(ctx, meter, recheck)
	if err != nil {
		return res, fmt.Errorf("force off %s: %w", meter, err)
	}
	if res.Created {
		d.announce(ctx, res.Command)
	}
	return res, nil
}

// Pending lists the meter's commands still awaiting delivery.
func (d *Dispatcher) Pending(ctx context.Context, meter string) ([]model.ControlCommand, error) {
	return d.store.Pending(ctx, meter)
}

func (d *Dispatcher) announce(ctx context.Context, cmd model.ControlCommand) {
	fields := log.Fields{"component": "dispatcher", "meter": cmd.MeterNumber, "command_id": cmd.ID, "value": cmd.Value}
	log.WithFields(fields).Info("command enqueued")
	if d.pub == nil {
		return
	}
	if err := d.pub.PublishCommand(ctx, cmd); err != nil {
		// The row is already queued; workers polling the table still see it.
		log.WithFields(fields).Warnf("publish command failed: %v", err)
	}
}
