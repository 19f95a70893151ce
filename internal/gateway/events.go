package gateway

import (
	"encoding/json"
	"time"
)

// GatewayOp represents a packet operation code.
type GatewayOp int

// Operation codes used by the Discord gateway.
const (
	GatewayOpDispatch GatewayOp = iota
	GatewayOpHeartbeat
	GatewayOpIdentify
	GatewayOpStatusUpdate
	GatewayOpVoiceStateUpdate
	_
	GatewayOpResume
	GatewayOpReconnect
	GatewayOpRequestGuildMembers
	GatewayOpInvalidSession
	GatewayOpHello
	GatewayOpHeartbeatACK
)

// Close codes sent by the gateway. The terminal set means the session can
// never succeed with the current configuration, so reconnecting is pointless.
const (
	CloseAuthenticationFailed = 4004
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// Synthetic dispatch types emitted by the manager itself rather than discord.
const (
	EventShardReady      = "SHARD_READY"
	EventShardDisconnect = "SHARD_DISCONNECT"
	EventShardTerminated = "SHARD_TERMINATED"
)

// ReceivedPayload is the structure of all gateway packets we receive.
type ReceivedPayload struct {
	Op       GatewayOp       `json:"op"`
	Sequence int64           `json:"s,omitempty"`
	Type     string          `json:"t,omitempty"`
	Data     json.RawMessage `json:"d,omitempty"`
}

// SentPayload is the structure of all gateway packets we send.
type SentPayload struct {
	Op   int         `json:"op"`
	Data interface{} `json:"d"`
}

// Hello is the data of the initial op 10 packet.
type Hello struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
}

// Ready is the data of the READY dispatch.
type Ready struct {
	Version   int    `json:"v"`
	SessionID string `json:"session_id"`
	Shard     [2]int `json:"shard,omitempty"`
}

// Identify is the data sent when identifying.
type Identify struct {
	Token              string             `json:"token"`
	Properties         IdentifyProperties `json:"properties"`
	Compress           bool               `json:"compress,omitempty"`
	LargeThreshold     int                `json:"large_threshold,omitempty"`
	Shard              *[2]int            `json:"shard,omitempty"`
	Presence           interface{}        `json:"presence,omitempty"`
	GuildSubscriptions bool               `json:"guild_subscriptions"`
	Intents            int                `json:"intents,omitempty"`
}

// IdentifyProperties is the data on the program that identified.
type IdentifyProperties struct {
	OS      string `json:"$os"`
	Browser string `json:"$browser"`
	Device  string `json:"$device"`
}

// Resume is the data sent when resuming an existing session.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

// SendPacket is an outbound command read from a shard queue. Data is kept
// raw so the packet passes through byte identical.
type SendPacket struct {
	Op   GatewayOp       `json:"op"`
	Data json.RawMessage `json:"d"`
}

// ShardEvent couples a packet with the shard that received it. This is what
// the manager's merged stream yields.
type ShardEvent struct {
	Shard   *Shard
	Payload ReceivedPayload
}

// GatewayBot is the response of the /gateway/bot endpoint.
type GatewayBot struct {
	URL               string `json:"url"`
	Shards            int    `json:"shards"`
	SessionStartLimit struct {
		Total          int `json:"total"`
		Remaining      int `json:"remaining"`
		ResetAfter     int `json:"reset_after"`
		MaxConcurrency int `json:"max_concurrency"`
	} `json:"session_start_limit"`
}

// TooManyRequests is the body of a 429 response.
type TooManyRequests struct {
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"retry_after"`
	Global     bool          `json:"global"`
}

func isTerminalCloseCode(code int) bool {
	switch code {
	case CloseAuthenticationFailed,
		CloseInvalidShard,
		CloseShardingRequired,
		CloseInvalidAPIVersion,
		CloseInvalidIntents,
		CloseDisallowedIntents:
		return true
	}

	return false
}
