// Package queue defines message payloads exchanged over the message broker
// and the RabbitMQ consumer and publisher that carry them.
package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/campground-power/internal/model"
)

// TelemetryMessage is one meter report relayed by an edge bridge onto the
// telemetry queue.  State and Power are optional; an absent field keeps
// the registry's value.
type TelemetryMessage struct {
	MeterNumber string    `json:"meter_number"`
	State       *string   `json:"state,omitempty"`
	Power       *float64  `json:"power,omitempty"`
	Topic       string    `json:"topic,omitempty"`
	ReportedAt  time.Time `json:"reported_at,omitempty"`
}

// Sample converts the message into a telemetry sample stamped with at
// when the bridge did not report a time.
func (m TelemetryMessage) Sample(at time.Time) (model.TelemetrySample, error) {
	meter := strings.TrimSpace(m.MeterNumber)
	if meter == "" {
		return model.TelemetrySample{}, fmt.Errorf("telemetry message without meter_number")
	}
	if m.State == nil && m.Power == nil {
		return model.TelemetrySample{}, fmt.Errorf("telemetry message for %s carries neither state nor power", meter)
	}
	if !m.ReportedAt.IsZero() {
		at = m.ReportedAt
	}
	s := model.TelemetrySample{
		MeterNumber: meter,
		SourceTopic: m.Topic,
		ReceivedAt:  at,
	}
	if m.State != nil {
		s.State = model.ParseRelayState(*m.State)
		s.HasState = true
	}
	if m.Power != nil {
		s.PowerW = *m.Power
		s.HasPower = true
	}
	return s, nil
}

// CommandIssued is published for every newly enqueued control command so
// the relay worker does not have to poll meter_commands.
type CommandIssued struct {
	CommandID   int64     `json:"command_id"`
	MeterNumber string    `json:"meter_number"`
	Command     string    `json:"command"`
	Value       string    `json:"value"`
	IssuedAt    time.Time `json:"issued_at"`
}

// IncidentRaised is published when the detector forces a meter off.
type IncidentRaised struct {
	IncidentID  int64     `json:"incident_id"`
	MeterNumber string    `json:"meter_number"`
	Reason      string    `json:"reason"`
	Power       *float64  `json:"power,omitempty"`
	BaseTopic   string    `json:"base_topic,omitempty"`
	CommandID   int64     `json:"command_id,omitempty"`
	HadCustomer bool      `json:"had_customer"`
	HadPackage  bool      `json:"had_package"`
	DetectedAt  time.Time `json:"detected_at"`
}

func commandIssued(cmd model.ControlCommand) CommandIssued {
	at := cmd.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return CommandIssued{
		CommandID:   cmd.ID,
		MeterNumber: cmd.MeterNumber,
		Command:     string(cmd.Command),
		Value:       string(cmd.Value),
		IssuedAt:    at,
	}
}

func incidentRaised(a model.UnauthorizedAttempt) IncidentRaised {
	return IncidentRaised{
		IncidentID:  a.ID,
		MeterNumber: a.MeterNumber,
		Reason:      string(a.Details.Reason),
		Power:       a.Details.Power,
		BaseTopic:   a.Details.BaseTopic,
		CommandID:   a.Details.CommandID,
		HadCustomer: a.HadCustomer,
		HadPackage:  a.HadPackage,
		DetectedAt:  a.DetectedAt,
	}
}
