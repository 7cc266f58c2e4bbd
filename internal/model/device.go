package model

import "time"

// RelayState is the last known position of a meter's relay.
type RelayState string

const (
	RelayOn      RelayState = "ON"
	RelayOff     RelayState = "OFF"
	RelayUnknown RelayState = "UNKNOWN"
)

// ParseRelayState normalises a state string reported by a device.  Anything
// that is not ON or OFF maps to RelayUnknown.
func ParseRelayState(s string) RelayState {
	switch s {
	case "ON", "on", "On":
		return RelayOn
	case "OFF", "off", "Off":
		return RelayOff
	}
	return RelayUnknown
}

// Device represents a commissioned power meter as stored in the
// `devices` table.  A device row is created when commissioning
// succeeds and removed only by an explicit operator action.
//
// Fields:
//
//	ID                – primary key identifier.
//	MeterNumber       – unique human label (e.g. F20); also the mesh friendly name.
//	IEEEAddress       – stable hardware address of the radio module.
//	AreaID            – area (gateway) the device belongs to.
//	BaseTopic         – MQTT base topic of the area's gateway.
//	Model, Vendor     – interview metadata.
//	IsOnline          – availability reported by the gateway.
//	RelayState        – last known relay position.
//	PowerW            – last known power draw in watts.
//	RelayTestFailed   – set when the commissioning relay test did not pass.
//	Bypass            – administrative override, see BypassAuthorization.
//	CurrentCustomerID – assigned customer, nil when the spot is vacant.
//	LastSeenAt        – time of the last telemetry sample.
type Device struct {
	ID                int64               `json:"id"`                            // devices.id
	MeterNumber       string              `json:"meter_number"`                  // devices.meter_number
	IEEEAddress       string              `json:"ieee_address,omitempty"`        // devices.ieee_address
	AreaID            string              `json:"area_id"`                       // devices.area_id
	BaseTopic         string              `json:"base_topic"`                    // devices.base_topic
	Model             string              `json:"model"`                         // devices.model
	Vendor            string              `json:"vendor"`                        // devices.vendor
	IsOnline          bool                `json:"is_online"`                     // devices.is_online
	RelayState        RelayState          `json:"relay_state"`                   // devices.relay_state
	PowerW            float64             `json:"power_w"`                       // devices.power_w
	RelayTestFailed   bool                `json:"relay_test_failed"`             // devices.relay_test_failed
	Bypass            BypassAuthorization `json:"bypass"`                        // devices.admin_bypass*
	CurrentCustomerID *int64              `json:"current_customer_id,omitempty"` // devices.current_customer_id (nullable)
	LastSeenAt        *time.Time          `json:"last_seen_at,omitempty"`        // devices.last_seen_at (nullable)
	CreatedAt         time.Time           `json:"created_at"`                    // devices.created_at
	UpdatedAt         time.Time           `json:"updated_at"`                    // devices.updated_at
}

// Energized reports whether the last known telemetry shows the relay closed
// and current flowing.
func (d Device) Energized() bool {
	return d.RelayState == RelayOn && d.PowerW > 0
}
