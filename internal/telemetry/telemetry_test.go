package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/campground-power/internal/model"
	"github.com/iliyamo/campground-power/internal/repository"
)

func TestParseTopic(t *testing.T) {
	bases := []string{"z2m/zone1", "z2m/zone2/"}
	cases := []struct {
		topic        string
		meter        string
		availability bool
		ok           bool
	}{
		{"z2m/zone1/F20", "F20", false, true},
		{"z2m/zone2/F31/availability", "F31", true, true},
		{"z2m/zone1/bridge/state", "", false, false},
		{"z2m/zone1/F20/set", "", false, false},
		{"other/F20", "", false, false},
		{"z2m/zone1/", "", false, false},
	}
	for _, tc := range cases {
		t.Run(tc.topic, func(t *testing.T) {
			meter, availability, ok := parseTopic(bases, tc.topic)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.meter, meter)
			assert.Equal(t, tc.availability, availability)
		})
	}
}

func TestParseState(t *testing.T) {
	s, ok := parseState([]byte(`{"state":"ON","power":350.2,"linkquality":80}`))
	require.True(t, ok)
	assert.Equal(t, model.TelemetrySample{State: model.RelayOn, PowerW: 350.2, HasState: true, HasPower: true}, s)

	_, ok = parseState([]byte(`{"linkquality":80}`))
	assert.False(t, ok)
	_, ok = parseState([]byte(`online`))
	assert.False(t, ok)
}

func TestParseState_partialReportsMarkOnlyPresentFields(t *testing.T) {
	s, ok := parseState([]byte(`{"power":12}`))
	require.True(t, ok)
	assert.True(t, s.HasPower)
	assert.False(t, s.HasState, "a power-only report must not claim a relay state")
	assert.Equal(t, 12.0, s.PowerW)

	s, ok = parseState([]byte(`{"state":"OFF"}`))
	require.True(t, ok)
	assert.True(t, s.HasState)
	assert.False(t, s.HasPower, "a state-only report must not claim zero power")
	assert.Equal(t, model.RelayOff, s.State)
}

func TestParseAvailability(t *testing.T) {
	for payload, want := range map[string]bool{"online": true, "offline": false, `{"state":"online"}`: true, ` OFFLINE `: false} {
		online, ok := parseAvailability([]byte(payload))
		assert.True(t, ok, payload)
		assert.Equal(t, want, online, payload)
	}
	_, ok := parseAvailability([]byte("maybe"))
	assert.False(t, ok)
}

type sinkCall struct {
	sample model.TelemetrySample
	meter  string
	online bool
}

type fakeSink struct{ calls []sinkCall }

func (f *fakeSink) Ingest(_ context.Context, s model.TelemetrySample) error {
	f.calls = append(f.calls, sinkCall{sample: s})
	return nil
}

func (f *fakeSink) Availability(_ context.Context, meter string, online bool) error {
	f.calls = append(f.calls, sinkCall{meter: meter, online: online})
	return nil
}

func TestSubscriber_handle(t *testing.T) {
	sink := &fakeSink{}
	s := NewSubscriber(SubscriberConfig{BrokerURL: "tcp://127.0.0.1:1883", ClientID: "test", BaseTopics: []string{"z2m/zone1"}}, sink)
	fixed := time.Unix(5000, 0)
	s.now = func() time.Time { return fixed }
	assert.Equal(t, []string{"z2m/zone1/+", "z2m/zone1/+/availability"}, s.Topics())

	ctx := context.Background()
	require.NoError(t, s.handle(ctx, "z2m/zone1/F20", []byte(`{"state":"ON","power":350}`)))
	require.NoError(t, s.handle(ctx, "z2m/zone1/F20/availability", []byte(`offline`)))
	require.NoError(t, s.handle(ctx, "z2m/zone1/bridge/devices", []byte(`[]`)))
	require.NoError(t, s.handle(ctx, "z2m/zone1/F20", []byte(`{"action":"single"}`)))
	assert.Error(t, s.handle(ctx, "z2m/zone1/F20/availability", []byte(`??`)))

	require.Len(t, sink.calls, 2)
	assert.Equal(t, model.TelemetrySample{MeterNumber: "F20", State: model.RelayOn, PowerW: 350, HasState: true, HasPower: true, SourceTopic: "z2m/zone1/F20", ReceivedAt: fixed}, sink.calls[0].sample)
	assert.Equal(t, sinkCall{meter: "F20", online: false}, sink.calls[1])
}

type fakeRegistry struct {
	applied []model.TelemetrySample
	online  map[string]bool
	stored  map[string]model.TelemetrySample
}

func (r *fakeRegistry) ApplyTelemetry(_ context.Context, s model.TelemetrySample) (model.TelemetrySample, error) {
	if s.MeterNumber == "ghost" {
		return s, repository.ErrDeviceNotFound
	}
	if s.MeterNumber == "broken" {
		return s, errors.New("db down")
	}
	r.applied = append(r.applied, s)
	merged, ok := r.stored[s.MeterNumber]
	if !ok {
		return s, nil
	}
	if s.HasState {
		merged.State = s.State
	}
	if s.HasPower {
		merged.PowerW = s.PowerW
	}
	merged.MeterNumber = s.MeterNumber
	merged.HasState, merged.HasPower = true, true
	r.stored[s.MeterNumber] = merged
	return merged, nil
}

func (r *fakeRegistry) SetOnline(_ context.Context, meter string, online bool) error {
	if meter == "ghost" {
		return repository.ErrDeviceNotFound
	}
	r.online[meter] = online
	return nil
}

func TestIngestor_forwardsMergedStateForPartialReports(t *testing.T) {
	reg := &fakeRegistry{
		online: map[string]bool{},
		stored: map[string]model.TelemetrySample{"F20": {State: model.RelayOn, PowerW: 0}},
	}
	out := make(chan model.TelemetrySample, 1)
	ing := NewIngestor(reg, out)

	require.NoError(t, ing.Ingest(context.Background(), model.TelemetrySample{MeterNumber: "F20", PowerW: 90, HasPower: true}))
	got := <-out
	assert.Equal(t, model.RelayOn, got.State, "relay state comes from the registry row")
	assert.Equal(t, 90.0, got.PowerW)
	assert.True(t, got.Energized())
}

func TestIngestor(t *testing.T) {
	reg := &fakeRegistry{online: map[string]bool{}}
	out := make(chan model.TelemetrySample, 1)
	ing := NewIngestor(reg, out)
	ctx := context.Background()

	require.NoError(t, ing.Ingest(ctx, model.TelemetrySample{MeterNumber: "F20", State: model.RelayOn, PowerW: 10}))
	assert.Len(t, reg.applied, 1)
	assert.Equal(t, "F20", (<-out).MeterNumber)

	require.NoError(t, ing.Ingest(ctx, model.TelemetrySample{MeterNumber: "ghost"}))
	assert.Empty(t, out)

	assert.Error(t, ing.Ingest(ctx, model.TelemetrySample{MeterNumber: "broken"}))

	require.NoError(t, ing.Ingest(ctx, model.TelemetrySample{MeterNumber: "F21"}))
	require.NoError(t, ing.Ingest(ctx, model.TelemetrySample{MeterNumber: "F22"}))
	assert.Equal(t, int64(1), ing.Dropped())
	assert.Len(t, reg.applied, 3, "registry is updated even when the detector is busy")

	require.NoError(t, ing.Availability(ctx, "F20", false))
	require.NoError(t, ing.Availability(ctx, "ghost", true))
	assert.Equal(t, map[string]bool{"F20": false}, reg.online)
}
