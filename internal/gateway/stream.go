package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// Envelope is one message from the event stream: {event, data}.
// ReceivedAt is stamped locally when the message is read.
type Envelope struct {
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"-"`
}

// ConnState is the stream's connection status as shown to operators.
type ConnState string

const (
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateDisconnected ConnState = "disconnected"
)

// Handlers receive stream output.  All callbacks run on the stream's own
// goroutine, so events are delivered in the order they were read.
type Handlers struct {
	OnEvent     func(Envelope)
	OnState     func(state ConnState, err error)
	OnReconnect func(ctx context.Context)
}

// Stream is a reconnecting reader of the pairing service's event stream
// for one area.
type Stream struct {
	url               string
	http              *http.Client
	initial           time.Duration
	max               time.Duration
	disconnectedAfter time.Duration
	now               func() time.Time
}

// Stream returns an event stream reader for baseTopic.  Reconnect delays
// grow exponentially up to maxBackoff; after disconnectedAfter of
// continuous failure the state is reported as disconnected.
func (c *Client) Stream(baseTopic string, maxBackoff, disconnectedAfter time.Duration) *Stream {
	return NewStream(c.baseURL+"/events?baseTopic="+url.QueryEscape(baseTopic), maxBackoff, disconnectedAfter)
}

// NewStream returns a Stream reading from rawURL.
func NewStream(rawURL string, maxBackoff, disconnectedAfter time.Duration) *Stream {
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	return &Stream{
		url:               rawURL,
		http:              &http.Client{},
		initial:           500 * time.Millisecond,
		max:               maxBackoff,
		disconnectedAfter: disconnectedAfter,
		now:               time.Now,
	}
}

// Run reads the stream until ctx is cancelled, reconnecting on every drop.
// OnReconnect fires after each successful connection except the first;
// events missed while disconnected are never replayed.
func (s *Stream) Run(ctx context.Context, h Handlers) error {
	logger := log.WithFields(log.Fields{"component": "stream", "url": s.url})

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initial
	b.MaxInterval = s.max
	b.MaxElapsedTime = 0
	b.Reset()

	var (
		connections  int
		failingSince time.Time
		state        ConnState
	)
	setState := func(st ConnState, err error) {
		if st == state {
			return
		}
		state = st
		if h.OnState != nil {
			h.OnState(st, err)
		}
	}

	for {
		body, err := s.open(ctx)
		if err == nil {
			connections++
			b.Reset()
			failingSince = time.Time{}
			setState(StateConnected, nil)
			logger.WithField("connections", connections).Info("event stream connected")
			if connections > 1 && h.OnReconnect != nil {
				h.OnReconnect(ctx)
			}
			err = s.read(body, h)
			body.Close()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if failingSince.IsZero() {
			failingSince = s.now()
		}
		if s.disconnectedAfter > 0 && s.now().Sub(failingSince) >= s.disconnectedAfter {
			setState(StateDisconnected, err)
		} else if state != StateDisconnected {
			setState(StateReconnecting, err)
		}

		wait := b.NextBackOff()
		logger.WithError(err).WithField("retry_in", wait).Warn("event stream dropped")
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Stream) open(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("event stream status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// read consumes SSE frames (event:/data: lines terminated by a blank line)
// and bare JSON lines until the body ends.
func (s *Stream) read(body io.Reader, h Handlers) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var (
		name string
		data strings.Builder
	)
	flush := func() {
		if data.Len() > 0 {
			s.dispatch(name, data.String(), h)
		}
		name = ""
		data.Reset()
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(line[len("data:"):], " "))
		case strings.HasPrefix(line, "{"):
			s.dispatch("", line, h)
		}
	}
	flush()
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (s *Stream) dispatch(name, payload string, h Handlers) {
	env, err := parseEnvelope(name, payload)
	if err != nil {
		log.WithFields(log.Fields{"component": "stream", "payload": payload}).WithError(err).Warn("discarding malformed event")
		return
	}
	env.ReceivedAt = s.now()
	if h.OnEvent != nil {
		h.OnEvent(env)
	}
}

var errNoEventName = errors.New("event has no name")

// parseEnvelope accepts either a full {event,data} object or, when the SSE
// frame carried an event: line, a bare data object.
func parseEnvelope(name, payload string) (Envelope, error) {
	if !json.Valid([]byte(payload)) {
		return Envelope{}, fmt.Errorf("invalid JSON")
	}
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err == nil && env.Event != "" {
		return env, nil
	}
	if name == "" {
		return Envelope{}, errNoEventName
	}
	return Envelope{Event: name, Data: json.RawMessage(payload)}, nil
}
