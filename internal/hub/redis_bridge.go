package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"log"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"ue1live/pkg/types"
)

// DefaultRedisChannel carries change events between server instances.
const DefaultRedisChannel = "ue1live:changes"

// RedisBridge relays change events over Redis pub/sub so subscribers on one
// instance see writes committed through another.
type RedisBridge struct {
	client  *redis.Client
	channel string
	origin  string
}

type bridgeMessage struct {
	Origin string            `json:"origin"`
	Event  types.ChangeEvent `json:"event"`
}

// NewRedisBridge wraps client. origin identifies this instance; messages it
// published itself are ignored on receipt.
func NewRedisBridge(client *redis.Client, channel, origin string) *RedisBridge {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBridge{client: client, channel: channel, origin: origin}
}

// Publish implements Bridge.
func (b *RedisBridge) Publish(ctx context.Context, event types.ChangeEvent) error {
	payload, err := encodeBridgeMessage(b.origin, event)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return errors.Wrapf(err, "redis publish to %s", b.channel)
	}
	return nil
}

// Run implements Bridge. It blocks until ctx is cancelled or the pub/sub
// connection fails.
func (b *RedisBridge) Run(ctx context.Context, deliver func(types.ChangeEvent)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return errors.Wrapf(err, "redis subscribe to %s", b.channel)
	}
	log.Printf("Change bridge listening on redis channel %s", b.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis pub/sub channel closed")
			}
			origin, event, err := decodeBridgeMessage([]byte(msg.Payload))
			if err != nil {
				log.Printf("Ignoring malformed change on %s: %v", b.channel, err)
				continue
			}
			if origin == b.origin {
				continue
			}
			deliver(event)
		}
	}
}

// Close implements Bridge.
func (b *RedisBridge) Close() error {
	return b.client.Close()
}

func encodeBridgeMessage(origin string, event types.ChangeEvent) ([]byte, error) {
	payload, err := json.Marshal(bridgeMessage{Origin: origin, Event: event})
	if err != nil {
		return nil, errors.Wrap(err, "encode change event")
	}
	return payload, nil
}

func decodeBridgeMessage(payload []byte) (string, types.ChangeEvent, error) {
	var msg bridgeMessage
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		return "", types.ChangeEvent{}, errors.Wrap(err, "decode change event")
	}
	if msg.Event.Table == "" {
		return "", types.ChangeEvent{}, errors.New("change event has no table")
	}
	msg.Event.Row = msg.Event.Row.Normalize()
	return msg.Origin, msg.Event, nil
}
