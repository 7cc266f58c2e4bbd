package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/iliyamo/campground-power/internal/model"
)

// IncidentRepo persists UnauthorizedAttempt records.  Rows are immutable.
type IncidentRepo struct {
	db *sql.DB
}

// NewIncidentRepo returns a new IncidentRepo bound to the given database.
func NewIncidentRepo(db *sql.DB) *IncidentRepo { return &IncidentRepo{db: db} }

// Create inserts the record and fills in its ID.
func (r *IncidentRepo) Create(ctx context.Context, a *model.UnauthorizedAttempt) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO unauthorized_attempts (meter_number, detected_at, action_taken, had_customer, had_package, details) VALUES (?, ?, ?, ?, ?, ?)`,
		a.MeterNumber, a.DetectedAt.UTC(), a.ActionTaken, a.HadCustomer, a.HadPackage, details)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	a.ID = id
	return nil
}

// Recent returns up to limit records, newest first.  A non-empty meter
// restricts the list to that meter.
func (r *IncidentRepo) Recent(ctx context.Context, meter string, limit int) ([]model.UnauthorizedAttempt, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id, meter_number, detected_at, action_taken, had_customer, had_package, details FROM unauthorized_attempts`
	args := []any{}
	if meter != "" {
		q += ` WHERE meter_number = ?`
		args = append(args, meter)
	}
	q += ` ORDER BY detected_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.UnauthorizedAttempt
	for rows.Next() {
		var (
			a   model.UnauthorizedAttempt
			raw []byte
		)
		if err := rows.Scan(&a.ID, &a.MeterNumber, &a.DetectedAt, &a.ActionTaken, &a.HadCustomer, &a.HadPackage, &raw); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &a.Details); err != nil {
				return nil, fmt.Errorf("decode details of incident %d: %w", a.ID, err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
