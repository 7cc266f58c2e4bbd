package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/campground-power/internal/model"
)

// CommandRepo is the meter_commands queue consumed by the relay workers.
// Rows are only ever appended by this service; delivery status is advanced
// out of band by whatever talks to the hardware.
type CommandRepo struct {
	db          *sql.DB
	devices     *DeviceRepo
	reuseWindow time.Duration
	now         func() time.Time
}

// DefaultOffReuseWindow is how long a pending OFF stands in for a new one.
const DefaultOffReuseWindow = 2 * time.Minute

// NewCommandRepo returns a CommandRepo.  The device repository supplies the
// locked authorisation read used by ForceOff.
func NewCommandRepo(db *sql.DB, devices *DeviceRepo) *CommandRepo {
	return &CommandRepo{db: db, devices: devices, reuseWindow: DefaultOffReuseWindow, now: time.Now}
}

// WithReuseWindow sets how old a pending OFF may be and still satisfy
// ForceOff.  A non-positive window disables reuse.
func (r *CommandRepo) WithReuseWindow(d time.Duration) *CommandRepo {
	r.reuseWindow = d
	return r
}

// Enqueue appends a PENDING command for the meter.  It never checks
// authorisation and never collapses repeated commands.
func (r *CommandRepo) Enqueue(ctx context.Context, meter string, kind model.CommandKind, value model.RelayState) (model.ControlCommand, error) {
	var meterID int64
	err := r.db.QueryRowContext(ctx, `SELECT id FROM devices WHERE meter_number = ?`, meter).Scan(&meterID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ControlCommand{}, ErrDeviceNotFound
	}
	if err != nil {
		return model.ControlCommand{}, err
	}
	cmd, err := r.insertTx(ctx, r.db, meterID, kind, value)
	cmd.MeterNumber = meter
	return cmd, err
}

func (r *CommandRepo) insertTx(ctx context.Context, q querier, meterID int64, kind model.CommandKind, value model.RelayState) (model.ControlCommand, error) {
	now := r.now().UTC()
	res, err := q.ExecContext(ctx,
		`INSERT INTO meter_commands (meter_id, command, value, status, created_at) VALUES (?, ?, ?, 'PENDING', ?)`,
		meterID, string(kind), string(value), now)
	if err != nil {
		return model.ControlCommand{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.ControlCommand{}, err
	}
	return model.ControlCommand{
		ID:        id,
		MeterID:   meterID,
		Command:   kind,
		Value:     value,
		Status:    model.CommandPending,
		CreatedAt: now,
	}, nil
}

// latestPendingTx returns the newest PENDING command of the given kind for a
// meter, or nil when there is none.
func (r *CommandRepo) latestPendingTx(ctx context.Context, q querier, meterID int64, kind model.CommandKind) (*model.ControlCommand, error) {
	var (
		c             model.ControlCommand
		cmd, v, state string
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, meter_id, command, value, status, created_at FROM meter_commands
         WHERE meter_id = ? AND command = ? AND status = 'PENDING' ORDER BY id DESC LIMIT 1`,
		meterID, string(kind)).Scan(&c.ID, &c.MeterID, &cmd, &v, &state, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Command = model.CommandKind(cmd)
	c.Value = model.RelayState(v)
	c.Status = model.CommandStatus(state)
	return &c, nil
}

// ForceOff enqueues SET_STATE OFF for a meter unless, under the device row
// lock, recheck reports the meter is no longer unauthorised.  When the
// newest pending SET_STATE is an OFF younger than the reuse window that
// command is returned instead of inserting another, so repeated evaluations
// of the same telemetry never pile up corrective commands.  Older pending
// rows are never advanced by this service and do not count: the meter was
// energised again after them, so a fresh OFF is queued.
func (r *CommandRepo) ForceOff(ctx context.Context, meter string, recheck func(model.AuthFacts) bool) (model.ForceOffResult, error) {
	var out model.ForceOffResult
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return out, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	facts, err := r.devices.AuthFactsTx(ctx, tx, meter, true)
	if err != nil {
		return out, err
	}
	out.Facts = facts
	if !recheck(facts) {
		out.Skipped = true
		return out, nil
	}

	pending, err := r.latestPendingTx(ctx, tx, facts.MeterID, model.CommandSetState)
	if err != nil {
		return out, err
	}
	if r.reusable(pending) {
		out.Command = *pending
	} else {
		cmd, err := r.insertTx(ctx, tx, facts.MeterID, model.CommandSetState, model.RelayOff)
		if err != nil {
			return out, err
		}
		out.Command = cmd
		out.Created = true
	}
	if err := tx.Commit(); err != nil {
		return model.ForceOffResult{}, err
	}
	committed = true
	out.Command.MeterNumber = meter
	return out, nil
}

func (r *CommandRepo) reusable(c *model.ControlCommand) bool {
	if c == nil || c.Value != model.RelayOff || r.reuseWindow <= 0 {
		return false
	}
	return r.now().Sub(c.CreatedAt) < r.reuseWindow
}

// Pending lists the meter's PENDING commands, newest first.
func (r *CommandRepo) Pending(ctx context.Context, meter string) ([]model.ControlCommand, error) {
	const q = `SELECT c.id, c.meter_id, d.meter_number, c.command, c.value, c.status, c.created_at
               FROM meter_commands c
               JOIN devices d ON d.id = c.meter_id
               WHERE d.meter_number = ? AND c.status = 'PENDING'
               ORDER BY c.id DESC`
	rows, err := r.db.QueryContext(ctx, q, meter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ControlCommand
	for rows.Next() {
		var (
			c              model.ControlCommand
			cmd, v, status string
		)
		if err := rows.Scan(&c.ID, &c.MeterID, &c.MeterNumber, &cmd, &v, &status, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Command = model.CommandKind(cmd)
		c.Value = model.RelayState(v)
		c.Status = model.CommandStatus(status)
		out = append(out, c)
	}
	return out, rows.Err()
}
