package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RedisBridge shares notifications between service instances through a
// Redis pub/sub channel.  Messages published by the local hub are skipped
// on the way back in.
type RedisBridge struct {
	rdb     *redis.Client
	channel string
	hub     *Hub
}

// NewRedisBridge connects hub to channel and registers itself as the hub's
// forwarder.  Call Run to start receiving.
func NewRedisBridge(rdb *redis.Client, channel string, hub *Hub) *RedisBridge {
	b := &RedisBridge{rdb: rdb, channel: channel, hub: hub}
	hub.SetForwarder(b)
	return b
}

// Forward publishes n on the shared channel.
func (b *RedisBridge) Forward(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return b.rdb.Publish(ctx, b.channel, body).Err()
}

// Run relays notifications from other instances to local subscribers until
// ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var n Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				log.WithFields(log.Fields{"component": "notify", "channel": b.channel}).Warnf("bad bridged notification: %v", err)
				continue
			}
			if n.Origin == b.hub.Origin() {
				continue
			}
			b.hub.Deliver(n)
		}
	}
}
