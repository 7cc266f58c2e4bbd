package model

import "time"

// TelemetrySample is one state report from a meter, received over MQTT,
// AMQP, or synthesised by the detector's sweep from the registry.
// HasState and HasPower mark the fields the report actually carried; a
// partial report leaves the other field's registry value in place.
type TelemetrySample struct {
	MeterNumber string     `json:"meter_number"`
	State       RelayState `json:"state"`
	PowerW      float64    `json:"power"`
	HasState    bool       `json:"-"`
	HasPower    bool       `json:"-"`
	SourceTopic string     `json:"topic,omitempty"`
	ReceivedAt  time.Time  `json:"received_at"`
}

// Energized mirrors Device.Energized for a raw sample.
func (s TelemetrySample) Energized() bool {
	return s.State == RelayOn && s.PowerW > 0
}
