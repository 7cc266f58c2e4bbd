// Package notify is the operator notification channel: an in-process
// fan-out of incident and commissioning events to connected operator
// clients, optionally bridged over Redis pub/sub so every service instance
// sees the same feed.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Kind classifies a notification for operator clients.
type Kind string

const (
	KindIncident      Kind = "incident"
	KindCommissioning Kind = "commissioning"
	KindStreamStatus  Kind = "stream_status"
	KindBypass        Kind = "bypass"
)

// Notification is one message on the operator feed.
type Notification struct {
	ID     string    `json:"id"`
	Kind   Kind      `json:"kind"`
	Area   string    `json:"area,omitempty"`
	Meter  string    `json:"meter,omitempty"`
	Data   any       `json:"data,omitempty"`
	At     time.Time `json:"at"`
	Origin string    `json:"origin,omitempty"`
}

// Forwarder carries locally published notifications to other instances.
type Forwarder interface {
	Forward(ctx context.Context, n Notification) error
}

type subscriber struct {
	ch   chan Notification
	once sync.Once
}

// Hub fans notifications out to subscribers.  Publish never blocks: a
// subscriber whose buffer is full misses the message.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]*subscriber
	buffer  int
	origin  string
	fwd     Forwarder
	dropped atomic.Int64
}

// NewHub returns a Hub whose subscribers buffer up to buffer messages.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[string]*subscriber),
		buffer: buffer,
		origin: uuid.NewString(),
	}
}

// Origin identifies this hub instance on a shared bridge.
func (h *Hub) Origin() string { return h.origin }

// SetForwarder attaches a cross-instance bridge.
func (h *Hub) SetForwarder(f Forwarder) {
	h.mu.Lock()
	h.fwd = f
	h.mu.Unlock()
}

// Publish stamps n and delivers it to local subscribers and, when a
// forwarder is attached, to other instances.
func (h *Hub) Publish(n Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	n.Origin = h.origin
	h.Deliver(n)

	h.mu.RLock()
	fwd := h.fwd
	h.mu.RUnlock()
	if fwd == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := fwd.Forward(ctx, n); err != nil {
			log.WithFields(log.Fields{"component": "notify", "kind": n.Kind}).Warnf("forward notification: %v", err)
		}
	}()
}

// Deliver hands n to local subscribers only.
func (h *Hub) Deliver(n Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, s := range h.subs {
		select {
		case s.ch <- n:
		default:
			total := h.dropped.Add(1)
			log.WithFields(log.Fields{"component": "notify", "subscriber": id, "kind": n.Kind, "dropped_total": total}).Debug("subscriber buffer full, dropping notification")
		}
	}
}

// Subscribe registers a subscriber.  The returned channel is closed when
// ctx ends or the cancel func is called, whichever comes first.
func (h *Hub) Subscribe(ctx context.Context) (<-chan Notification, func()) {
	id := uuid.NewString()
	s := &subscriber{ch: make(chan Notification, h.buffer)}
	h.mu.Lock()
	h.subs[id] = s
	h.mu.Unlock()

	cancel := func() {
		s.once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(s.ch)
			h.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return s.ch, cancel
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because of full buffers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
