package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"authrelay.org/internal/obs"
)

// DefaultChannel is the Redis pub/sub channel shared by relay instances.
const DefaultChannel = "authrelay:session-updates"

const publishTimeout = 2 * time.Second

// RedisBridge relays events between instances. Publish goes to Redis; Run
// feeds everything received on the channel into the local bus, including
// this instance's own events.
type RedisBridge struct {
	client  redis.UniversalClient
	channel string
	local   *Bus

	readyOnce sync.Once
	ready     chan struct{}
}

// NewRedisBridge wires client to local on channel (DefaultChannel if empty).
func NewRedisBridge(client redis.UniversalClient, channel string, local *Bus) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBridge{client: client, channel: channel, local: local, ready: make(chan struct{})}
}

// Publish sends evt to every instance. If Redis is unavailable the event is
// still delivered to local subscribers.
func (r *RedisBridge) Publish(evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		r.local.Publish(evt)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		obs.Logger().Warn().Err(err).Str("channel", r.channel).Msg("redis publish failed, delivering locally")
		r.local.Publish(evt)
	}
}

// Ready is closed once Run holds an active subscription.
func (r *RedisBridge) Ready() <-chan struct{} { return r.ready }

// Run subscribes to the channel and republishes into the local bus until ctx
// ends.
func (r *RedisBridge) Run(ctx context.Context) error {
	ps := r.client.Subscribe(ctx, r.channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.readyOnce.Do(func() { close(r.ready) })

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil || evt.AttrID == "" {
				obs.Logger().Warn().Str("channel", r.channel).Msg("dropping malformed update event")
				continue
			}
			r.local.Publish(evt)
		}
	}
}
