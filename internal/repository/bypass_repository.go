package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/campground-power/internal/model"
)

// BypassRepo stores bypass authorisations on the devices table together
// with the append-only meter_bypass_audit trail.
type BypassRepo struct {
	db *sql.DB
}

// NewBypassRepo returns a new BypassRepo bound to the given database.
func NewBypassRepo(db *sql.DB) *BypassRepo { return &BypassRepo{db: db} }

// BypassChange describes one enable or disable request.  At is used both
// for admin_bypass_at and for the audit row so the audit entry never
// postdates the grant it explains.
type BypassChange struct {
	MeterNumber string
	Enable      bool
	Reason      string
	Actor       model.Actor
	At          time.Time
}

// Apply locks the device row, rewrites the bypass columns and appends an
// audit entry in a single transaction.  Disabling clears every grant
// column.  Re-applying the current state is allowed and still audited.
func (r *BypassRepo) Apply(ctx context.Context, ch BypassChange) (*model.BypassAuditEntry, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var meterID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM devices WHERE meter_number = ? FOR UPDATE`, ch.MeterNumber).Scan(&meterID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}

	at := ch.At.UTC()
	action := model.AuditDisabled
	if ch.Enable {
		action = model.AuditEnabled
		_, err = tx.ExecContext(ctx,
			`UPDATE devices SET admin_bypass = 1, admin_bypass_by = ?, admin_bypass_by_email = ?, admin_bypass_at = ?, admin_bypass_reason = ? WHERE id = ?`,
			ch.Actor.ID, ch.Actor.Email, at, ch.Reason, meterID)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE devices SET admin_bypass = 0, admin_bypass_by = NULL, admin_bypass_by_email = NULL, admin_bypass_at = NULL, admin_bypass_reason = NULL WHERE id = ?`,
			meterID)
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO meter_bypass_audit (meter_id, action, reason, performed_by, performed_by_email, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		meterID, string(action), ch.Reason, ch.Actor.ID, ch.Actor.Email, at)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return &model.BypassAuditEntry{
		ID:               id,
		MeterID:          meterID,
		MeterNumber:      ch.MeterNumber,
		Action:           action,
		Reason:           ch.Reason,
		PerformedBy:      ch.Actor.ID,
		PerformedByEmail: ch.Actor.Email,
		CreatedAt:        at,
	}, nil
}

// IsActive reports the bypass flag of a meter.
func (r *BypassRepo) IsActive(ctx context.Context, meter string) (bool, error) {
	var active bool
	err := r.db.QueryRowContext(ctx, `SELECT admin_bypass FROM devices WHERE meter_number = ?`, meter).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrDeviceNotFound
	}
	return active, err
}

// Audit returns the audit trail of a meter, oldest first.
func (r *BypassRepo) Audit(ctx context.Context, meter string) ([]model.BypassAuditEntry, error) {
	const q = `SELECT a.id, a.meter_id, d.meter_number, a.action, a.reason, a.performed_by, a.performed_by_email, a.created_at
               FROM meter_bypass_audit a
               JOIN devices d ON d.id = a.meter_id
               WHERE d.meter_number = ?
               ORDER BY a.id`
	rows, err := r.db.QueryContext(ctx, q, meter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BypassAuditEntry
	for rows.Next() {
		var (
			e      model.BypassAuditEntry
			action string
		)
		if err := rows.Scan(&e.ID, &e.MeterID, &e.MeterNumber, &action, &e.Reason, &e.PerformedBy, &e.PerformedByEmail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Action = model.AuditAction(action)
		out = append(out, e)
	}
	return out, rows.Err()
}
