// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bureau-foundation/loom/lib/codec"
)

// fanoutChannelPrefix namespaces the pub/sub channels, one per room.
const fanoutChannelPrefix = "loom:room:"

// fanoutMessage is the envelope published per relayed frame. Instance
// lets the publisher skip its own echo; Body is the frame payload,
// uncompressed, re-encoded per receiver.
type fanoutMessage struct {
	Instance string           `cbor:"i"`
	Room     string           `cbor:"r"`
	Type     byte             `cbor:"t"`
	Body     codec.RawMessage `cbor:"b"`
}

// Fanout bridges room traffic between relay instances through Redis
// pub/sub, so one room can span several relays behind a load
// balancer. The instances share one durable store: the instance that
// received an update persists it, the others only apply and
// rebroadcast. Delivery is best effort; an instance that misses a
// message still converges through handshakes against the shared
// store.
type Fanout struct {
	client   *redis.Client
	instance string
	logger   *slog.Logger
}

// NewFanout wraps a Redis client for cross-instance relay. Each
// Fanout mints a random instance id to filter its own publications
// out of the subscription.
func NewFanout(client *redis.Client, logger *slog.Logger) (*Fanout, error) {
	if client == nil {
		return nil, fmt.Errorf("sync: redis client is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("sync: logger is required")
	}
	instance := uuid.NewString()
	return &Fanout{
		client:   client,
		instance: instance,
		logger:   logger.With("fanout_instance", instance),
	}, nil
}

// Publish sends one frame to the other instances serving the room.
// Failures are logged, not returned: local members already have the
// frame, and remote members recover by resync.
func (f *Fanout) Publish(ctx context.Context, room string, frameType byte, payload any) {
	body, err := codec.Marshal(payload)
	if err != nil {
		f.logger.Error("fanout: encode frame", "room", room, "error", err)
		return
	}
	message, err := codec.Marshal(fanoutMessage{
		Instance: f.instance,
		Room:     room,
		Type:     frameType,
		Body:     body,
	})
	if err != nil {
		f.logger.Error("fanout: encode envelope", "room", room, "error", err)
		return
	}
	if err := f.client.Publish(ctx, fanoutChannelPrefix+room, message).Err(); err != nil {
		f.logger.Warn("fanout: publish failed", "room", room, "error", err)
	}
}

// run consumes the pattern subscription until ctx is done, handing
// each foreign frame to apply. The Redis client reconnects and
// resubscribes on its own; frames missed during an outage are
// recovered by handshake, not replay.
func (f *Fanout) run(ctx context.Context, apply func(room string, frameType byte, body []byte)) error {
	pubsub := f.client.PSubscribe(ctx, fanoutChannelPrefix+"*")
	defer pubsub.Close()

	messages := pubsub.Channel()
	f.logger.Info("fanout subscribed", "pattern", fanoutChannelPrefix+"*")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return fmt.Errorf("sync: fanout subscription closed")
			}
			var envelope fanoutMessage
			if err := codec.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				f.logger.Warn("fanout: undecodable message", "channel", msg.Channel, "error", err)
				continue
			}
			if envelope.Instance == f.instance {
				continue
			}
			apply(envelope.Room, envelope.Type, envelope.Body)
		}
	}
}
