// Package telemetry ingests meter state reports, records them in the
// device registry and hands them to the anomaly detector.
package telemetry

import (
	"context"
	"errors"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/iliyamo/campground-power/internal/model"
	"github.com/iliyamo/campground-power/internal/repository"
)

// Registry is the part of the device registry telemetry writes to.
type Registry interface {
	ApplyTelemetry(ctx context.Context, s model.TelemetrySample) (model.TelemetrySample, error)
	SetOnline(ctx context.Context, meter string, online bool) error
}

// Ingestor is shared by the MQTT and AMQP inputs.
type Ingestor struct {
	reg     Registry
	out     chan<- model.TelemetrySample
	dropped atomic.Int64
	logger  *log.Entry
}

// NewIngestor returns an Ingestor forwarding samples to out.
func NewIngestor(reg Registry, out chan<- model.TelemetrySample) *Ingestor {
	return &Ingestor{reg: reg, out: out, logger: log.WithField("component", "telemetry")}
}

// Ingest records the sample and forwards the merged registry state to the
// detector, so a partial report is judged together with the last known
// value of the field it left out.  Samples for unregistered meters are
// dropped.  When the detector is saturated the sample is left to the next
// sweep, which reads the registry.
func (i *Ingestor) Ingest(ctx context.Context, s model.TelemetrySample) error {
	s, err := i.reg.ApplyTelemetry(ctx, s)
	if err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			i.logger.WithField("meter", s.MeterNumber).Debug("telemetry for unregistered meter")
			return nil
		}
		return err
	}
	if i.out == nil {
		return nil
	}
	select {
	case i.out <- s:
	default:
		i.dropped.Add(1)
		i.logger.WithField("meter", s.MeterNumber).Warn("detector busy; sample left to the sweep")
	}
	return nil
}

// Availability records a meter's online flag.
func (i *Ingestor) Availability(ctx context.Context, meter string, online bool) error {
	err := i.reg.SetOnline(ctx, meter, online)
	if errors.Is(err, repository.ErrDeviceNotFound) {
		return nil
	}
	return err
}

// Dropped counts samples not handed to the detector.
func (i *Ingestor) Dropped() int64 { return i.dropped.Load() }
