package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sentFrame mirrors what the fake gateway reads off the socket.
type sentFrame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

// newFakeGateway runs script against every connection made to it and
// returns a ws:// url. Scripts must return on read errors as shards may
// reconnect and run the script again.
func newFakeGateway(t *testing.T, script func(conn *websocket.Conn)) string {
	t.Helper()

	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(rw, req, nil)
		if err != nil {
			return
		}

		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func writeFrame(conn *websocket.Conn, frame string) error {
	return conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func readFrame(conn *websocket.Conn) (*sentFrame, error) {
	_, message, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	frame := &sentFrame{}
	if err = json.Unmarshal(message, frame); err != nil {
		return nil, err
	}

	return frame, nil
}

// drain keeps the connection open until the client goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func testShard(t *testing.T, url string, merged chan ShardEvent) *Shard {
	t.Helper()

	s := newShard(1, 4, "Bot token", url, ShardOptions{},
		merged, NewBucket(1, time.Millisecond), zerolog.Nop())
	t.Cleanup(func() { s.Close(websocket.CloseNormalClosure) })

	return s
}

func TestShardIdentifies(t *testing.T) {
	identified := make(chan Identify, 1)

	url := newFakeGateway(t, func(conn *websocket.Conn) {
		if writeFrame(conn, `{"op":10,"d":{"heartbeat_interval":45000}}`) != nil {
			return
		}

		frame, err := readFrame(conn)
		if err != nil {
			return
		}

		identify := Identify{}
		if json.Unmarshal(frame.D, &identify) != nil {
			return
		}

		if frame.Op == int(GatewayOpIdentify) {
			identified <- identify
		}

		if writeFrame(conn, `{"op":0,"s":1,"t":"READY","d":{"v":7,"session_id":"abc123"}}`) != nil {
			return
		}

		drain(conn)
	})

	merged := make(chan ShardEvent, 16)
	s := testShard(t, url, merged)

	go s.Open()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.WaitForReady(ctx))
	assert.Equal(t, StatusReady, s.Status())

	identify := <-identified
	assert.Equal(t, "Bot token", identify.Token)
	require.NotNil(t, identify.Shard)
	assert.Equal(t, [2]int{1, 4}, *identify.Shard)
	assert.NotEmpty(t, identify.Properties.OS)
	assert.Equal(t, "Sandwich-Conduit", identify.Properties.Browser)

	s.mu.RLock()
	sessionID := s.sessionID
	s.mu.RUnlock()
	assert.Equal(t, "abc123", sessionID)
	assert.Equal(t, int64(1), atomic.LoadInt64(s.seq))

	// The synthetic ready marker arrives before the READY dispatch itself.
	first := <-merged
	assert.Equal(t, EventShardReady, first.Payload.Type)

	second := <-merged
	assert.Equal(t, "READY", second.Payload.Type)
	assert.Same(t, s, second.Shard)
}

func TestShardResumes(t *testing.T) {
	resumed := make(chan Resume, 1)

	url := newFakeGateway(t, func(conn *websocket.Conn) {
		if writeFrame(conn, `{"op":10,"d":{"heartbeat_interval":45000}}`) != nil {
			return
		}

		frame, err := readFrame(conn)
		if err != nil {
			return
		}

		resume := Resume{}
		if json.Unmarshal(frame.D, &resume) != nil {
			return
		}

		if frame.Op == int(GatewayOpResume) {
			resumed <- resume
		}

		if writeFrame(conn, `{"op":0,"s":11,"t":"RESUMED","d":{}}`) != nil {
			return
		}

		drain(conn)
	})

	merged := make(chan ShardEvent, 16)
	s := testShard(t, url, merged)

	s.sessionID = "abc123"
	atomic.StoreInt64(s.seq, 10)

	go s.Open()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.WaitForReady(ctx))

	resume := <-resumed
	assert.Equal(t, "Bot token", resume.Token)
	assert.Equal(t, "abc123", resume.SessionID)
	assert.Equal(t, int64(10), resume.Sequence)
}

func TestShardReidentifiesOnInvalidSession(t *testing.T) {
	identifies := make(chan struct{}, 2)

	url := newFakeGateway(t, func(conn *websocket.Conn) {
		if writeFrame(conn, `{"op":10,"d":{"heartbeat_interval":45000}}`) != nil {
			return
		}

		frame, err := readFrame(conn)
		if err != nil || frame.Op != int(GatewayOpIdentify) {
			return
		}

		identifies <- struct{}{}

		// Reject the session outright; d:false means it cannot be resumed.
		if writeFrame(conn, `{"op":9,"d":false}`) != nil {
			return
		}

		frame, err = readFrame(conn)
		if err != nil || frame.Op != int(GatewayOpIdentify) {
			return
		}

		identifies <- struct{}{}

		if writeFrame(conn, `{"op":0,"s":1,"t":"READY","d":{"v":7,"session_id":"second"}}`) != nil {
			return
		}

		drain(conn)
	})

	merged := make(chan ShardEvent, 16)
	s := testShard(t, url, merged)

	go s.Open()

	// The second identify only happens after the mandated 1 to 5 second
	// pause, so the ready wait needs headroom.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	require.NoError(t, s.WaitForReady(ctx))

	assert.Len(t, identifies, 2)

	s.mu.RLock()
	sessionID := s.sessionID
	s.mu.RUnlock()
	assert.Equal(t, "second", sessionID)
}

func TestShardClosesZombiedConnection(t *testing.T) {
	closeCode := make(chan int, 1)

	url := newFakeGateway(t, func(conn *websocket.Conn) {
		// A 50ms heartbeat interval without any acks zombies the shard on
		// its second tick.
		if writeFrame(conn, `{"op":10,"d":{"heartbeat_interval":50}}`) != nil {
			return
		}

		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, 4000) {
					select {
					case closeCode <- 4000:
					default:
					}
				}

				return
			}
		}
	})

	merged := make(chan ShardEvent, 16)
	s := testShard(t, url, merged)

	go s.Open()

	select {
	case code := <-closeCode:
		assert.Equal(t, 4000, code)
	case <-time.After(5 * time.Second):
		t.Fatal("shard never closed the zombied connection")
	}
}

func TestShardAnswersHeartbeatRequests(t *testing.T) {
	beats := make(chan int64, 1)

	url := newFakeGateway(t, func(conn *websocket.Conn) {
		if writeFrame(conn, `{"op":10,"d":{"heartbeat_interval":45000}}`) != nil {
			return
		}

		// Skip the identify.
		if _, err := readFrame(conn); err != nil {
			return
		}

		if writeFrame(conn, `{"op":0,"s":5,"t":"READY","d":{"v":7,"session_id":"abc"}}`) != nil {
			return
		}

		if writeFrame(conn, `{"op":1}`) != nil {
			return
		}

		frame, err := readFrame(conn)
		if err != nil || frame.Op != int(GatewayOpHeartbeat) {
			return
		}

		var seq int64
		if json.Unmarshal(frame.D, &seq) == nil {
			beats <- seq
		}

		drain(conn)
	})

	merged := make(chan ShardEvent, 16)
	s := testShard(t, url, merged)

	go s.Open()

	select {
	case seq := <-beats:
		// The requested heartbeat carries the last seen sequence.
		assert.Equal(t, int64(5), seq)
	case <-time.After(5 * time.Second):
		t.Fatal("shard never answered the heartbeat request")
	}
}

func TestShardTerminatesOnFatalCloseCode(t *testing.T) {
	url := newFakeGateway(t, func(conn *websocket.Conn) {
		if writeFrame(conn, `{"op":10,"d":{"heartbeat_interval":45000}}`) != nil {
			return
		}

		if _, err := readFrame(conn); err != nil {
			return
		}

		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseAuthenticationFailed, "Authentication failed."), deadline)
	})

	merged := make(chan ShardEvent, 16)
	s := testShard(t, url, merged)

	go s.Open()

	deadline := time.After(5 * time.Second)

	for {
		select {
		case event := <-merged:
			if event.Payload.Type != EventShardTerminated {
				continue
			}

			terminated := ShardTerminated{}
			require.NoError(t, json.Unmarshal(event.Payload.Data, &terminated))
			assert.Equal(t, 1, terminated.ShardID)
			assert.Equal(t, StatusTerminated, s.Status())

			// Waiters must not hang once the shard is dead.
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			assert.Error(t, s.WaitForReady(ctx))

			return
		case <-deadline:
			t.Fatal("shard never terminated")
		}
	}
}

func TestIsTerminalCloseCode(t *testing.T) {
	for _, code := range []int{4004, 4010, 4011, 4012, 4013, 4014} {
		assert.True(t, isTerminalCloseCode(code), "code %d", code)
	}

	for _, code := range []int{1000, 1001, 4000, 4001, 4008, 4009} {
		assert.False(t, isTerminalCloseCode(code), "code %d", code)
	}
}
