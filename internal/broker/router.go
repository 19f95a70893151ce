package broker

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// SendQueueKey is the routing key producers publish outbound commands to
// when they only know the target guild.
const SendQueueKey = "SEND"

// Snowflake accepts both quoted and bare id representations on the wire.
type Snowflake uint64

// UnmarshalJSON implements json.Unmarshaler.
func (s *Snowflake) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)

	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return xerrors.Errorf("failed to parse snowflake: %w", err)
	}

	*s = Snowflake(id)

	return nil
}

// SendRequest is the envelope consumed from the SEND queue. Packet is kept
// raw so republishing is byte identical.
type SendRequest struct {
	GuildID Snowflake       `json:"guild_id"`
	Packet  json.RawMessage `json:"packet"`
}

// ShardForGuild returns the shard responsible for a guild under Discord's
// sharding formula.
func ShardForGuild(guildID uint64, totalShards int) int {
	return int((guildID >> 22) % uint64(totalShards))
}

// Router drains the SEND queue and republishes each packet to the queue of
// the shard that owns the target guild.
type Router struct {
	broker      *Broker
	totalShards int

	log zerolog.Logger
}

// NewRouter creates a router for a fixed fleet size.
func NewRouter(b *Broker, totalShards int, logger zerolog.Logger) *Router {
	return &Router{
		broker:      b,
		totalShards: totalShards,
		log:         logger.With().Str("component", "router").Logger(),
	}
}

// Open begins consuming the SEND queue.
func (r *Router) Open() error {
	return r.broker.Subscribe(SendQueueKey, r.handle)
}

// handle routes a single delivery. The delivery is only acked once the
// broker has confirmed the republish, so a drop anywhere mid-route
// redelivers rather than loses the command.
func (r *Router) handle(delivery Delivery) {
	request := SendRequest{}
	if err := json.Unmarshal(delivery.Body, &request); err != nil {
		r.log.Warn().Err(err).Msg("Discarding malformed send request")

		_ = delivery.Ack(false)

		return
	}

	shardID := ShardForGuild(uint64(request.GuildID), r.totalShards)

	err := r.broker.PublishConfirm(r.broker.ctx, strconv.Itoa(shardID), request.Packet)
	if err != nil {
		r.log.Error().Err(err).Int("shard", shardID).Msg("Failed to route send request")

		_ = delivery.Nack(false, true)

		return
	}

	_ = delivery.Ack(false)
}
