package model

import "time"

// CommandKind enumerates control commands understood by meters.
type CommandKind string

// CommandSetState switches the relay to the command value (ON/OFF).
const CommandSetState CommandKind = "SET_STATE"

// CommandStatus tracks delivery of a command.  Hardware acknowledgement is
// out of band, so PENDING is the only status this service writes.
type CommandStatus string

const (
	CommandPending   CommandStatus = "PENDING"
	CommandSent      CommandStatus = "SENT"
	CommandCompleted CommandStatus = "COMPLETED"
	CommandFailed    CommandStatus = "FAILED"
)

// ControlCommand mirrors a row of `meter_commands`.
//
// Fields:
//
//	ID          – primary key identifier, returned to callers as the command id.
//	MeterID     – devices.id of the target meter.
//	MeterNumber – meter label, filled by joins for display.
//	Command     – command kind (SET_STATE).
//	Value       – command argument (ON/OFF).
//	Status      – delivery status.
//	CreatedAt   – enqueue time.
type ControlCommand struct {
	ID          int64         `json:"id"`
	MeterID     int64         `json:"meter_id"`
	MeterNumber string        `json:"meter_number,omitempty"`
	Command     CommandKind   `json:"command"`
	Value       RelayState    `json:"value"`
	Status      CommandStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
}

// ForceOffResult reports what a guarded OFF enqueue did.
//
// Fields:
//
//	Command – the pending OFF command (new or pre-existing); zero when Skipped.
//	Created – a new command row was inserted.
//	Skipped – authorisation changed under the lock, nothing was enqueued.
//	Facts   – the authorisation facts read under the lock.
type ForceOffResult struct {
	Command ControlCommand
	Created bool
	Skipped bool
	Facts   AuthFacts
}
