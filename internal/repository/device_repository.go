package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/campground-power/internal/model"
)

// DeviceRepo is the Device Registry: durable records of commissioned meters,
// their live telemetry and their authorisation facts.  Mutations are single
// statements or run inside a transaction holding the device row lock, so an
// operator and the anomaly detector never lose each other's updates.
type DeviceRepo struct {
	db *sql.DB
}

// NewDeviceRepo returns a new DeviceRepo bound to the provided database.
func NewDeviceRepo(db *sql.DB) *DeviceRepo { return &DeviceRepo{db: db} }

// DB exposes the underlying handle so callers can open transactions that
// span several repositories.
func (r *DeviceRepo) DB() *sql.DB { return r.db }

const deviceColumns = `id, meter_number, ieee_address, area_id, base_topic, model, vendor,
       is_online, relay_state, power_w, relay_test_failed,
       admin_bypass, admin_bypass_by, admin_bypass_by_email, admin_bypass_at, admin_bypass_reason,
       current_customer_id, last_seen_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(s rowScanner) (*model.Device, error) {
	var (
		d                                 model.Device
		ieee, bypassBy, bypassEmail, note sql.NullString
		bypassAt, lastSeen                sql.NullTime
		customer                          sql.NullInt64
		relay                             string
	)
	err := s.Scan(
		&d.ID, &d.MeterNumber, &ieee, &d.AreaID, &d.BaseTopic, &d.Model, &d.Vendor,
		&d.IsOnline, &relay, &d.PowerW, &d.RelayTestFailed,
		&d.Bypass.Active, &bypassBy, &bypassEmail, &bypassAt, &note,
		&customer, &lastSeen, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.IEEEAddress = ieee.String
	d.RelayState = model.ParseRelayState(relay)
	d.Bypass.GrantedBy = stringPtr(bypassBy)
	d.Bypass.GrantedByEmail = stringPtr(bypassEmail)
	d.Bypass.Reason = stringPtr(note)
	if bypassAt.Valid {
		t := bypassAt.Time
		d.Bypass.GrantedAt = &t
	}
	if customer.Valid {
		c := customer.Int64
		d.CurrentCustomerID = &c
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		d.LastSeenAt = &t
	}
	return &d, nil
}

// GetByMeter returns the device with the given meter number or
// ErrDeviceNotFound.
func (r *DeviceRepo) GetByMeter(ctx context.Context, meter string) (*model.Device, error) {
	d, err := scanDevice(r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE meter_number = ?`, meter))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	return d, err
}

// GetByIEEE looks a device up by its hardware address.
func (r *DeviceRepo) GetByIEEE(ctx context.Context, ieee string) (*model.Device, error) {
	d, err := scanDevice(r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE ieee_address = ?`, ieee))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	return d, err
}

// List returns all devices ordered by meter number, optionally restricted to
// one area.  An empty areaID lists every area.
func (r *DeviceRepo) List(ctx context.Context, areaID string) ([]model.Device, error) {
	q := `SELECT ` + deviceColumns + ` FROM devices`
	var args []any
	if areaID != "" {
		q += ` WHERE area_id = ?`
		args = append(args, areaID)
	}
	q += ` ORDER BY meter_number`
	return r.queryDevices(ctx, q, args...)
}

// ActiveLoads returns devices whose last telemetry shows the relay ON and a
// positive power draw.  The anomaly detector sweeps these periodically.
func (r *DeviceRepo) ActiveLoads(ctx context.Context) ([]model.Device, error) {
	return r.queryDevices(ctx, `SELECT `+deviceColumns+` FROM devices WHERE relay_state = 'ON' AND power_w > 0 ORDER BY meter_number`)
}

func (r *DeviceRepo) queryDevices(ctx context.Context, q string, args ...any) ([]model.Device, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// Create inserts a newly commissioned device and fills in its ID.  A
// duplicate meter number or IEEE address yields ErrConflict.
func (r *DeviceRepo) Create(ctx context.Context, d *model.Device) error {
	const q = `INSERT INTO devices (meter_number, ieee_address, area_id, base_topic, model, vendor, is_online, relay_state, relay_test_failed)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	var ieee sql.NullString
	if d.IEEEAddress != "" {
		ieee = sql.NullString{String: d.IEEEAddress, Valid: true}
	}
	state := d.RelayState
	if state == "" {
		state = model.RelayUnknown
	}
	res, err := r.db.ExecContext(ctx, q, d.MeterNumber, ieee, d.AreaID, d.BaseTopic, d.Model, d.Vendor, d.IsOnline, string(state), d.RelayTestFailed)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("meter %s: %w", d.MeterNumber, ErrConflict)
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	d.ID = id
	d.RelayState = state
	return nil
}

// Delete removes a device by meter number.
func (r *DeviceRepo) Delete(ctx context.Context, meter string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE meter_number = ?`, meter)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// ApplyTelemetry records a state report and returns the sample as stored.
// Fields the report did not carry keep their registry values (COALESCE), so
// a power-only report never resets the relay state and a state-only report
// never zeroes the power.  The update touches only telemetry columns so
// concurrent bypass changes on the same row are never overwritten.  It
// returns ErrDeviceNotFound for meters that are not commissioned.
func (r *DeviceRepo) ApplyTelemetry(ctx context.Context, s model.TelemetrySample) (model.TelemetrySample, error) {
	seen := s.ReceivedAt
	if seen.IsZero() {
		seen = time.Now().UTC()
	}
	var (
		state sql.NullString
		power sql.NullFloat64
	)
	if s.HasState {
		state = sql.NullString{String: string(s.State), Valid: true}
	}
	if s.HasPower {
		power = sql.NullFloat64{Float64: s.PowerW, Valid: true}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE devices SET relay_state = COALESCE(?, relay_state), power_w = COALESCE(?, power_w), is_online = 1, last_seen_at = ? WHERE meter_number = ?`,
		state, power, seen, s.MeterNumber)
	if err != nil {
		return s, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return s, ErrDeviceNotFound
	}
	var relay string
	err = tx.QueryRowContext(ctx, `SELECT relay_state, power_w FROM devices WHERE meter_number = ?`, s.MeterNumber).
		Scan(&relay, &s.PowerW)
	if err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	committed = true
	s.State = model.ParseRelayState(relay)
	s.HasState, s.HasPower = true, true
	return s, nil
}

// SetOnline updates the availability flag reported by the gateway.
func (r *DeviceRepo) SetOnline(ctx context.Context, meter string, online bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE devices SET is_online = ? WHERE meter_number = ?`, online, meter)
	return err
}

// AuthFacts loads the authorisation facts for a meter without locking.
func (r *DeviceRepo) AuthFacts(ctx context.Context, meter string) (model.AuthFacts, error) {
	return r.AuthFactsTx(ctx, r.db, meter, false)
}

// AuthFactsTx loads bypass, customer assignment and the customer's package
// for a meter.  With forUpdate the device row is locked until q (which must
// then be a *sql.Tx) commits or rolls back.  The package chosen is an active
// one when the customer has any, otherwise the most recently updated.
func (r *DeviceRepo) AuthFactsTx(ctx context.Context, q querier, meter string, forUpdate bool) (model.AuthFacts, error) {
	stmt := `SELECT id, meter_number, base_topic, admin_bypass, current_customer_id FROM devices WHERE meter_number = ?`
	if forUpdate {
		stmt += ` FOR UPDATE`
	}
	var (
		f        model.AuthFacts
		customer sql.NullInt64
	)
	err := q.QueryRowContext(ctx, stmt, meter).Scan(&f.MeterID, &f.MeterNumber, &f.BaseTopic, &f.Bypass, &customer)
	if errors.Is(err, sql.ErrNoRows) {
		return f, ErrDeviceNotFound
	}
	if err != nil {
		return f, err
	}
	if !customer.Valid {
		return f, nil
	}
	c := customer.Int64
	f.CustomerID = &c

	const pq = `SELECT id, customer_id, status, remaining_kwh FROM customer_packages
                WHERE customer_id = ?
                ORDER BY status = 'active' DESC, updated_at DESC, id DESC LIMIT 1`
	var (
		p      model.CustomerPackage
		status string
	)
	err = q.QueryRowContext(ctx, pq, c).Scan(&p.ID, &p.CustomerID, &status, &p.RemainingKWh)
	if errors.Is(err, sql.ErrNoRows) {
		return f, nil
	}
	if err != nil {
		return f, err
	}
	p.Status = model.PackageStatus(status)
	f.Package = &p
	return f, nil
}
