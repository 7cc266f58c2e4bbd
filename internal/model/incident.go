package model

import "time"

// ReasonCode explains why energizing a meter was not authorised.
type ReasonCode string

const (
	ReasonNone            ReasonCode = ""
	ReasonNoCustomer      ReasonCode = "no_customer"
	ReasonNoActivePackage ReasonCode = "no_active_package"
	ReasonPackageDepleted ReasonCode = "package_depleted"
)

// ActionForcedOff is the only corrective action the detector takes.
const ActionForcedOff = "forced_off"

// IncidentDetails is stored as JSON in unauthorized_attempts.details.
type IncidentDetails struct {
	Reason    ReasonCode `json:"reason"`
	BaseTopic string     `json:"base_topic,omitempty"`
	Power     *float64   `json:"power,omitempty"`
	State     string     `json:"state,omitempty"`
	CommandID int64      `json:"command_id,omitempty"`
}

// UnauthorizedAttempt is an immutable record written by the anomaly
// detector each time it forces a meter off.
type UnauthorizedAttempt struct {
	ID          int64           `json:"id"`
	MeterNumber string          `json:"meter_number"`
	DetectedAt  time.Time       `json:"detected_at"`
	ActionTaken string          `json:"action_taken"`
	HadCustomer bool            `json:"had_customer"`
	HadPackage  bool            `json:"had_package"`
	Details     IncidentDetails `json:"details"`
}
