package broker

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/TheRockettek/Sandwich-Conduit/internal/gateway"
	"github.com/TheRockettek/Sandwich-Conduit/internal/metrics"
	"github.com/rs/zerolog"
)

// forwardableOps are the only operations accepted from shard queues.
// Everything else is connection lifecycle the producer owns itself.
var forwardableOps = map[gateway.GatewayOp]bool{
	gateway.GatewayOpStatusUpdate:        true,
	gateway.GatewayOpVoiceStateUpdate:    true,
	gateway.GatewayOpRequestGuildMembers: true,
}

// Bridge connects a shard manager to the message broker. Inbound dispatches
// are published by event type and each shard consumes its own command
// queue.
type Bridge struct {
	manager Manager
	broker  *Broker

	// EventBlacklist holds event types that are dropped instead of
	// published.
	EventBlacklist map[string]bool

	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// Manager is the surface the bridge needs from the shard manager.
type Manager interface {
	Events() <-chan gateway.ShardEvent
	Spawned() <-chan *gateway.Shard
	TotalShards() int
}

// NewBridge wires a manager to a broker. Blacklisted event types are
// matched against the dispatch type exactly.
func NewBridge(manager Manager, b *Broker, blacklist []string, logger zerolog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())

	blocked := make(map[string]bool, len(blacklist))
	for _, eventType := range blacklist {
		blocked[eventType] = true
	}

	return &Bridge{
		manager: manager,
		broker:  b,

		EventBlacklist: blocked,

		log: logger.With().Str("component", "bridge").Logger(),

		ctx:    ctx,
		cancel: cancel,
	}
}

// Open starts the publish and subscribe pumps.
func (br *Bridge) Open() {
	go br.pumpEvents()
	go br.pumpSpawned()
}

// pumpEvents publishes every dispatched packet under its event type.
func (br *Bridge) pumpEvents() {
	events := br.manager.Events()

	for {
		select {
		case <-br.ctx.Done():
			return
		case event := <-events:
			if br.EventBlacklist[event.Payload.Type] {
				continue
			}

			err := br.broker.Publish(br.ctx, event.Payload.Type, event.Payload.Data)
			if err != nil {
				br.log.Error().Err(err).
					Str("type", event.Payload.Type).
					Msg("Failed to publish event")

				continue
			}

			metrics.EventsPublished.WithLabelValues(event.Payload.Type).Inc()
		}
	}
}

// pumpSpawned subscribes each shard to its command queue as it comes up.
func (br *Bridge) pumpSpawned() {
	spawned := br.manager.Spawned()

	for {
		select {
		case <-br.ctx.Done():
			return
		case shard := <-spawned:
			key := strconv.Itoa(shard.ShardID)

			if err := br.broker.Subscribe(key, br.shardHandler(shard)); err != nil {
				br.log.Error().Err(err).
					Int("shard", shard.ShardID).
					Msg("Failed to subscribe shard queue")
			}
		}
	}
}

// shardHandler decodes outbound commands for one shard and writes them to
// its socket. Redelivery is only wanted for transport failures; malformed
// or disallowed packets are acked and dropped.
func (br *Bridge) shardHandler(shard *gateway.Shard) Handler {
	return func(delivery Delivery) {
		packet := gateway.SendPacket{}
		if err := json.Unmarshal(delivery.Body, &packet); err != nil {
			br.log.Warn().Err(err).
				Int("shard", shard.ShardID).
				Msg("Discarding malformed command")

			_ = delivery.Ack(false)

			return
		}

		if !forwardableOps[packet.Op] {
			br.log.Warn().
				Int("op", int(packet.Op)).
				Int("shard", shard.ShardID).
				Msg("Discarding command with disallowed op")

			_ = delivery.Ack(false)

			return
		}

		if err := shard.SendPayload(packet.Op, packet.Data); err != nil {
			br.log.Error().Err(err).
				Int("shard", shard.ShardID).
				Msg("Failed to forward command to shard")

			_ = delivery.Nack(false, true)

			return
		}

		_ = delivery.Ack(false)
	}
}

// Close stops both pumps. The broker itself is closed by its owner.
func (br *Bridge) Close() {
	br.cancel()
}
