package broker

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/TheRockettek/Sandwich-Conduit/internal/gateway"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestForwardableOps(t *testing.T) {
	assert.True(t, forwardableOps[gateway.GatewayOpStatusUpdate])
	assert.True(t, forwardableOps[gateway.GatewayOpVoiceStateUpdate])
	assert.True(t, forwardableOps[gateway.GatewayOpRequestGuildMembers])

	// Lifecycle operations never come from the queue.
	assert.False(t, forwardableOps[gateway.GatewayOpIdentify])
	assert.False(t, forwardableOps[gateway.GatewayOpResume])
	assert.False(t, forwardableOps[gateway.GatewayOpHeartbeat])
	assert.False(t, forwardableOps[gateway.GatewayOpDispatch])
}

func TestBridgeBlacklist(t *testing.T) {
	bridge := NewBridge(nil, nil, []string{"PRESENCE_UPDATE", "TYPING_START"}, testLogger())
	defer bridge.Close()

	assert.True(t, bridge.EventBlacklist["PRESENCE_UPDATE"])
	assert.True(t, bridge.EventBlacklist["TYPING_START"])
	assert.False(t, bridge.EventBlacklist["MESSAGE_CREATE"])
}
