package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/iliyamo/campground-power/internal/model"
)

// Sink receives parsed MQTT reports.  *Ingestor satisfies it.
type Sink interface {
	Ingest(ctx context.Context, s model.TelemetrySample) error
	Availability(ctx context.Context, meter string, online bool) error
}

// SubscriberConfig holds broker settings.
type SubscriberConfig struct {
	BrokerURL  string
	ClientID   string
	Username   string
	Password   string
	BaseTopics []string
}

// Subscriber follows the gateways' MQTT topics: `<base>/<meter>` carries
// a JSON state report and `<base>/<meter>/availability` the online flag.
type Subscriber struct {
	cfg    SubscriberConfig
	sink   Sink
	client mqtt.Client
	now    func() time.Time
	logger *log.Entry
}

// NewSubscriber builds the MQTT client.  Nothing connects until Run.
func NewSubscriber(cfg SubscriberConfig, sink Sink) *Subscriber {
	s := &Subscriber{
		cfg:    cfg,
		sink:   sink,
		now:    time.Now,
		logger: log.WithFields(log.Fields{"component": "mqtt", "broker": cfg.BrokerURL}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	// Unique per process so several instances can share one broker.
	opts.SetClientID(fmt.Sprintf("%s-%s", cfg.ClientID, uuid.New().String()[:8]))
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.WithError(err).Warn("connection lost")
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		s.logger.Info("reconnecting")
	})
	// Subscriptions are not kept across clean sessions; renew them on
	// every (re)connect.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		s.logger.Info("connected")
		if err := s.subscribe(c); err != nil {
			s.logger.WithError(err).Error("subscribe failed")
		}
	})
	s.client = mqtt.NewClient(opts)
	return s
}

// Topics lists the subscription filters.
func (s *Subscriber) Topics() []string {
	var out []string
	for _, base := range s.cfg.BaseTopics {
		base = strings.TrimRight(base, "/")
		out = append(out, base+"/+", base+"/+/availability")
	}
	return out
}

// Run connects and processes messages until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	token := s.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
	case <-ctx.Done():
		s.client.Disconnect(0)
		return ctx.Err()
	}
	<-ctx.Done()
	s.client.Disconnect(250)
	s.logger.Info("disconnected")
	return ctx.Err()
}

func (s *Subscriber) subscribe(c mqtt.Client) error {
	for _, topic := range s.Topics() {
		if token := c.Subscribe(topic, 1, s.onMessage); token.Wait() && token.Error() != nil {
			return fmt.Errorf("subscribe %s: %w", topic, token.Error())
		}
		s.logger.WithField("topic", topic).Info("subscribed")
	}
	return nil
}

func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.handle(ctx, msg.Topic(), msg.Payload()); err != nil {
		s.logger.WithError(err).WithField("topic", msg.Topic()).Warn("telemetry message dropped")
	}
}

func (s *Subscriber) handle(ctx context.Context, topic string, payload []byte) error {
	meter, availability, ok := parseTopic(s.cfg.BaseTopics, topic)
	if !ok {
		return nil
	}
	if availability {
		online, ok := parseAvailability(payload)
		if !ok {
			return fmt.Errorf("unrecognised availability payload %q", payload)
		}
		return s.sink.Availability(ctx, meter, online)
	}
	sample, ok := parseState(payload)
	if !ok {
		return nil
	}
	sample.MeterNumber = meter
	sample.SourceTopic = topic
	sample.ReceivedAt = s.now()
	return s.sink.Ingest(ctx, sample)
}

// parseTopic maps a topic onto a meter.  Gateway housekeeping under
// `<base>/bridge/` is ignored.
func parseTopic(bases []string, topic string) (meter string, availability, ok bool) {
	for _, base := range bases {
		prefix := strings.TrimRight(base, "/") + "/"
		if !strings.HasPrefix(topic, prefix) {
			continue
		}
		parts := strings.Split(strings.TrimPrefix(topic, prefix), "/")
		if parts[0] == "" || parts[0] == "bridge" {
			return "", false, false
		}
		switch {
		case len(parts) == 1:
			return parts[0], false, true
		case len(parts) == 2 && parts[1] == "availability":
			return parts[0], true, true
		}
		return "", false, false
	}
	return "", false, false
}

type statePayload struct {
	State *string  `json:"state"`
	Power *float64 `json:"power"`
}

// parseState reads a JSON state report.  Reports carrying neither state
// nor power (button presses, link quality) are skipped.  Only the fields
// present are marked on the sample.
func parseState(payload []byte) (model.TelemetrySample, bool) {
	var p statePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return model.TelemetrySample{}, false
	}
	if p.State == nil && p.Power == nil {
		return model.TelemetrySample{}, false
	}
	var s model.TelemetrySample
	if p.State != nil {
		s.State = model.ParseRelayState(*p.State)
		s.HasState = true
	}
	if p.Power != nil {
		s.PowerW = *p.Power
		s.HasPower = true
	}
	return s, true
}

func parseAvailability(payload []byte) (online bool, ok bool) {
	v := strings.TrimSpace(string(payload))
	if strings.HasPrefix(v, "{") {
		var p struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return false, false
		}
		v = p.State
	}
	switch strings.ToLower(v) {
	case "online":
		return true, true
	case "offline":
		return false, true
	}
	return false, false
}
