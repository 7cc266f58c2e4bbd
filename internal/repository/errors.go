// Package repository defines the MySQL-backed stores of the service and the
// error values shared between them.  These sentinel values allow higher
// layers such as handlers to distinguish between different failure
// scenarios.  ErrDeviceNotFound means no meter with the requested number
// exists, while ErrConflict signals that an insert collided with an
// existing meter number or hardware address.
package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrDeviceNotFound is returned when a meter number does not match any row
// in the devices table.  Handlers should translate this into HTTP 404.
var ErrDeviceNotFound = errors.New("device not found")

// ErrConflict is returned when an insert violates a unique key, such as
// commissioning a second device under an existing meter number.  Handlers
// should translate this into an HTTP 409 response.
var ErrConflict = errors.New("conflict")

// querier is satisfied by both *sql.DB and *sql.Tx so read helpers can run
// inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// isDuplicateKey reports whether err is MySQL error 1062 (ER_DUP_ENTRY).
func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
