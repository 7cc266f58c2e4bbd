package model

import "time"

// BypassAuthorization is the administrative override stored alongside a
// device.  When Active is false the grant metadata is nil.
type BypassAuthorization struct {
	Active         bool       `json:"active"`                     // devices.admin_bypass
	GrantedBy      *string    `json:"granted_by,omitempty"`       // devices.admin_bypass_by
	GrantedByEmail *string    `json:"granted_by_email,omitempty"` // devices.admin_bypass_by_email
	GrantedAt      *time.Time `json:"granted_at,omitempty"`       // devices.admin_bypass_at
	Reason         *string    `json:"reason,omitempty"`           // devices.admin_bypass_reason
}

// AuditAction is the kind of bypass change recorded in the audit log.
type AuditAction string

const (
	AuditEnabled  AuditAction = "enabled"
	AuditDisabled AuditAction = "disabled"
)

// BypassAuditEntry is one append-only row of `meter_bypass_audit`.  These
// rows are the only record of who authorised unattended power and why.
type BypassAuditEntry struct {
	ID               int64       `json:"id"`
	MeterID          int64       `json:"meter_id"`
	MeterNumber      string      `json:"meter_number"`
	Action           AuditAction `json:"action"`
	Reason           string      `json:"reason"`
	PerformedBy      string      `json:"performed_by"`
	PerformedByEmail string      `json:"performed_by_email"`
	CreatedAt        time.Time   `json:"timestamp"`
}

// Role is the caller role supplied by the authentication layer.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleStaff Role = "staff"
	RoleNone  Role = "none"
)

// Actor identifies the operator performing a mutation.
type Actor struct {
	ID    string
	Email string
	Role  Role
}

// CanManageBypass reports whether the actor's role may change bypass state.
func (a Actor) CanManageBypass() bool {
	return a.Role == RoleAdmin || a.Role == RoleStaff
}
