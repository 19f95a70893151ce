package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

const (
	// reconnectCloseCode is used when we close a zombied connection.
	reconnectCloseCode = 4000

	// maxReconnectWait caps the reconnect backoff.
	maxReconnectWait = 120 * time.Second
)

// errReconnect tells the session loop to reopen the connection immediately.
var errReconnect = errors.New("gateway requested a reconnect")

// ErrShardTerminated is wrapped around close codes the shard can never
// recover from, such as an invalid token or disallowed intents.
var ErrShardTerminated = errors.New("shard received a terminal close code")

// Status represents the state of a shard connection.
type Status int32

// Shard statuses. A shard only has an active heartbeat loop while it is
// Identifying, Resuming or Ready.
const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusHelloReceived
	StatusIdentifying
	StatusResuming
	StatusReady
	StatusReconnecting
	StatusTerminated
)

func (st Status) String() string {
	switch st {
	case StatusConnecting:
		return "Connecting"
	case StatusHelloReceived:
		return "HelloReceived"
	case StatusIdentifying:
		return "Identifying"
	case StatusResuming:
		return "Resuming"
	case StatusReady:
		return "Ready"
	case StatusReconnecting:
		return "Reconnecting"
	case StatusTerminated:
		return "Terminated"
	case StatusDisconnected:
	}

	return "Disconnected"
}

// ShardReady is the data of a SHARD_READY synthetic dispatch.
type ShardReady struct {
	ShardID int `json:"shard_id"`
}

// ShardDisconnect is the data of a SHARD_DISCONNECT synthetic dispatch.
type ShardDisconnect struct {
	ShardID    int `json:"shard_id"`
	StatusCode int `json:"status_code"`
}

// ShardTerminated is the data of a SHARD_TERMINATED synthetic dispatch.
type ShardTerminated struct {
	ShardID int    `json:"shard_id"`
	Reason  string `json:"reason"`
}

// Shard represents a single gateway connection. It owns its socket and its
// heartbeat loop, and pushes everything it receives onto the manager's
// merged channel. It deliberately holds no reference back to the manager.
type Shard struct {
	ShardID    int
	ShardCount int

	Token  string
	Logger zerolog.Logger

	GatewayURL string
	Options    ShardOptions

	// events is the sender end of the manager's merged channel.
	events chan<- ShardEvent

	// identify paces Identify calls across the whole fleet.
	identify *Bucket

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	conn      *Connection
	sessionID string
	ready     chan struct{}

	status *int32
	seq    *int64

	heartbeatMu       sync.Mutex
	acked             bool
	lastHeartbeatAck  time.Time
	lastHeartbeatSent time.Time
}

// ShardOptions are the identify options shared by every shard in a fleet.
type ShardOptions struct {
	Compress           bool
	LargeThreshold     int
	GuildSubscriptions bool
	Intents            int
	Presence           interface{}
}

func newShard(shardID int, shardCount int, token string, gatewayURL string,
	options ShardOptions, events chan<- ShardEvent, identify *Bucket,
	logger zerolog.Logger) *Shard {
	ctx, cancel := context.WithCancel(context.Background())

	return &Shard{
		ShardID:    shardID,
		ShardCount: shardCount,

		Token:  token,
		Logger: logger.With().Int("shard", shardID).Logger(),

		GatewayURL: gatewayURL,
		Options:    options,

		events:   events,
		identify: identify,

		ctx:    ctx,
		cancel: cancel,

		ready: make(chan struct{}),

		status: new(int32),
		seq:    new(int64),
	}
}

// Open runs the shard until it is closed or terminates. Reconnects are
// retried with capped exponential backoff; terminal close codes surface a
// SHARD_TERMINATED event instead.
func (s *Shard) Open() {
	wait := time.Second

	for {
		start := time.Now()
		err := s.connect()

		if s.ctx.Err() != nil {
			return
		}

		if err == nil || errors.Is(err, errReconnect) {
			// Clean reconnect request from the gateway; reopen straight away.
			wait = time.Second

			continue
		}

		if errors.Is(err, ErrShardTerminated) {
			s.Logger.Error().Err(err).Msg("Shard cannot continue")
			s.setStatus(StatusTerminated)
			s.emitSynthetic(EventShardTerminated, ShardTerminated{
				ShardID: s.ShardID,
				Reason:  err.Error(),
			})

			// Unblocks anything waiting on the shard becoming ready.
			s.cancel()

			return
		}

		// A session that lived for a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			wait = time.Second
		}

		s.setStatus(StatusReconnecting)
		s.Logger.Warn().Err(err).Dur("retry", wait).Msg("Reconnecting to gateway")

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(wait):
		}

		wait *= 2
		if wait > maxReconnectWait {
			wait = maxReconnectWait
		}
	}
}

// connect runs a single websocket session: dial, hello, identify or resume,
// then the read loop until an error occurs.
func (s *Shard) connect() (err error) {
	s.setStatus(StatusConnecting)

	conn, err := Dial(s.ctx, s.GatewayURL)
	if err != nil {
		return xerrors.Errorf("failed to connect to gateway: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	if s.ready == nil {
		s.ready = make(chan struct{})
	}
	s.mu.Unlock()

	defer func() {
		_ = conn.CloseWithCode(websocket.CloseNormalClosure)

		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()

		if s.currentStatus() != StatusTerminated {
			s.setStatus(StatusDisconnected)
		}
	}()

	// The first packet must be a Hello.
	message, err := conn.Read()
	if err != nil {
		return s.classifyReadError(err)
	}

	var payload ReceivedPayload
	if err = json.Unmarshal(message, &payload); err != nil {
		return xerrors.Errorf("failed to decode hello payload: %w", err)
	}

	if payload.Op != GatewayOpHello {
		return xerrors.Errorf("expected op %d, got op %d", GatewayOpHello, payload.Op)
	}

	hello := Hello{}
	if err = json.Unmarshal(payload.Data, &hello); err != nil {
		return xerrors.Errorf("failed to decode hello data: %w", err)
	}

	s.setStatus(StatusHelloReceived)

	interval := hello.HeartbeatInterval * time.Millisecond
	s.Logger.Debug().Dur("interval", interval).Msg("Received hello")

	s.heartbeatMu.Lock()
	s.acked = true
	s.lastHeartbeatAck = time.Now().UTC()
	s.heartbeatMu.Unlock()

	heartbeatCtx, stopHeartbeat := context.WithCancel(s.ctx)
	defer stopHeartbeat()

	go s.heartbeat(heartbeatCtx, conn, interval)

	if s.canResume() {
		if err = s.sendResume(conn); err != nil {
			return err
		}
	} else {
		if err = s.sendIdentify(conn); err != nil {
			return err
		}
	}

	for {
		message, err = conn.Read()
		if err != nil {
			return s.classifyReadError(err)
		}

		payload = ReceivedPayload{}
		if err = json.Unmarshal(message, &payload); err != nil {
			// A malformed packet is not worth the connection.
			s.Logger.Error().Err(err).Msg("Failed to decode gateway message")

			continue
		}

		if err = s.handlePayload(conn, payload); err != nil {
			return err
		}
	}
}

// handlePayload dispatches a single decoded packet.
func (s *Shard) handlePayload(conn *Connection, payload ReceivedPayload) (err error) {
	if payload.Sequence != 0 {
		atomic.StoreInt64(s.seq, payload.Sequence)
	}

	switch payload.Op {
	case GatewayOpDispatch:
		return s.handleDispatch(payload)

	case GatewayOpHeartbeat:
		// The gateway expects an immediate heartbeat in response.
		return s.sendHeartbeat(conn)

	case GatewayOpHeartbeatACK:
		s.heartbeatMu.Lock()
		s.acked = true
		s.lastHeartbeatAck = time.Now().UTC()
		s.heartbeatMu.Unlock()

	case GatewayOpReconnect:
		s.Logger.Info().Msg("Gateway requested reconnect")
		_ = conn.CloseWithCode(websocket.CloseNormalClosure)

		return errReconnect

	case GatewayOpInvalidSession:
		resumable := false
		_ = json.Unmarshal(payload.Data, &resumable)

		if !resumable {
			s.clearSession()
		}

		s.Logger.Warn().Bool("resumable", resumable).Msg("Received invalid session")

		// Discord asks for a randomised wait before re-authenticating.
		wait := time.Duration(rand.Intn(4)+1) * time.Second
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case <-time.After(wait):
		}

		if resumable {
			return s.sendResume(conn)
		}

		return s.sendIdentify(conn)

	case GatewayOpHello, GatewayOpIdentify, GatewayOpResume,
		GatewayOpStatusUpdate, GatewayOpVoiceStateUpdate,
		GatewayOpRequestGuildMembers:
		// Never received mid-session.
	default:
		s.Logger.Warn().Int("op", int(payload.Op)).Msg("Received unknown op")
	}

	return nil
}

// handleDispatch captures session state from READY / RESUMED and forwards
// the packet to the manager.
func (s *Shard) handleDispatch(payload ReceivedPayload) error {
	switch payload.Type {
	case "READY":
		ready := Ready{}
		if err := json.Unmarshal(payload.Data, &ready); err != nil {
			s.Logger.Error().Err(err).Msg("Failed to decode READY")
		} else {
			s.mu.Lock()
			s.sessionID = ready.SessionID
			s.mu.Unlock()
		}

		s.markReady()
		s.emitSynthetic(EventShardReady, ShardReady{ShardID: s.ShardID})
	case "RESUMED":
		s.markReady()
	}

	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.events <- ShardEvent{Shard: s, Payload: payload}:
	}

	return nil
}

// heartbeat sends heartbeats on the hello interval. If the previous
// heartbeat was never acknowledged the connection is considered zombied and
// closed with code 4000, which surfaces on the read loop as a reconnect.
func (s *Shard) heartbeat(ctx context.Context, conn *Connection, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.heartbeatMu.Lock()
		acked := s.acked
		s.acked = false
		s.lastHeartbeatSent = time.Now().UTC()
		s.heartbeatMu.Unlock()

		if !acked {
			s.Logger.Error().Msg("Heartbeat was not acknowledged, closing zombied connection")
			_ = conn.CloseWithCode(reconnectCloseCode)

			return
		}

		if err := s.sendHeartbeat(conn); err != nil {
			s.Logger.Error().Err(err).Msg("Failed to send heartbeat")

			return
		}
	}
}

func (s *Shard) sendHeartbeat(conn *Connection) error {
	seq := atomic.LoadInt64(s.seq)
	s.Logger.Debug().Int64("seq", seq).Msg("Sending heartbeat")

	return s.writePayload(conn, GatewayOpHeartbeat, seq)
}

func (s *Shard) sendIdentify(conn *Connection) error {
	if err := s.identify.Wait(s.ctx); err != nil {
		return err
	}

	s.setStatus(StatusIdentifying)
	s.Logger.Debug().Msg("Sending identify")

	shard := [2]int{s.ShardID, s.ShardCount}

	return s.writePayload(conn, GatewayOpIdentify, Identify{
		Token: s.Token,
		Properties: IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: "Sandwich-Conduit",
			Device:  "Sandwich-Conduit",
		},
		Compress:           s.Options.Compress,
		LargeThreshold:     s.Options.LargeThreshold,
		Shard:              &shard,
		Presence:           s.Options.Presence,
		GuildSubscriptions: s.Options.GuildSubscriptions,
		Intents:            s.Options.Intents,
	})
}

func (s *Shard) sendResume(conn *Connection) error {
	s.setStatus(StatusResuming)

	s.mu.RLock()
	sessionID := s.sessionID
	s.mu.RUnlock()

	seq := atomic.LoadInt64(s.seq)
	s.Logger.Debug().Str("session", sessionID).Int64("seq", seq).Msg("Sending resume")

	return s.writePayload(conn, GatewayOpResume, Resume{
		Token:     s.Token,
		SessionID: sessionID,
		Sequence:  seq,
	})
}

func (s *Shard) writePayload(conn *Connection, op GatewayOp, data interface{}) error {
	frame, err := json.Marshal(SentPayload{Op: int(op), Data: data})
	if err != nil {
		return xerrors.Errorf("failed to marshal payload: %w", err)
	}

	return conn.Send(frame)
}

// SendPayload enqueues an arbitrary gateway command on the shard's write
// channel. Used by broker consumers for status, voice and member requests.
func (s *Shard) SendPayload(op GatewayOp, data interface{}) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return ErrConnectionClosed
	}

	return s.writePayload(conn, op, data)
}

// classifyReadError maps a read error onto the close code policy.
func (s *Shard) classifyReadError(err error) error {
	closeErr := &websocket.CloseError{}
	if errors.As(err, &closeErr) && isTerminalCloseCode(closeErr.Code) {
		return xerrors.Errorf("close code %d: %s: %w",
			closeErr.Code, closeErr.Text, ErrShardTerminated)
	}

	return err
}

func (s *Shard) canResume() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sessionID != "" && atomic.LoadInt64(s.seq) != 0
}

func (s *Shard) clearSession() {
	s.mu.Lock()
	s.sessionID = ""
	s.mu.Unlock()

	atomic.StoreInt64(s.seq, 0)
}

func (s *Shard) markReady() {
	s.setStatus(StatusReady)

	s.mu.Lock()
	if s.ready != nil {
		close(s.ready)
		s.ready = nil
	}
	s.mu.Unlock()
}

// WaitForReady blocks until the shard reaches Ready or the context is done.
func (s *Shard) WaitForReady(ctx context.Context) error {
	s.mu.RLock()
	ready := s.ready
	s.mu.RUnlock()

	if ready == nil {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-ready:
		return nil
	}
}

// Close shuts the shard down with the given close code and stops its
// reader, heartbeat and writer.
func (s *Shard) Close(code int) {
	s.cancel()

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.CloseWithCode(code)
	}

	s.setStatus(StatusDisconnected)
	s.emitSynthetic(EventShardDisconnect, ShardDisconnect{
		ShardID:    s.ShardID,
		StatusCode: code,
	})
}

// Latency returns the round trip time between the last heartbeat sent and
// the last acknowledgement.
func (s *Shard) Latency() time.Duration {
	s.heartbeatMu.Lock()
	defer s.heartbeatMu.Unlock()

	return s.lastHeartbeatAck.Sub(s.lastHeartbeatSent)
}

// Status returns the current shard status.
func (s *Shard) Status() Status {
	return s.currentStatus()
}

func (s *Shard) currentStatus() Status {
	return Status(atomic.LoadInt32(s.status))
}

func (s *Shard) setStatus(status Status) {
	atomic.StoreInt32(s.status, int32(status))
	s.Logger.Debug().Str("status", status.String()).Msg("Shard status changed")
}

// emitSynthetic pushes a manager-generated dispatch onto the merged channel.
func (s *Shard) emitSynthetic(eventType string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}

	payload := ReceivedPayload{
		Op:   GatewayOpDispatch,
		Type: eventType,
		Data: raw,
	}

	event := ShardEvent{Shard: s, Payload: payload}

	if s.ctx.Err() == nil {
		select {
		case s.events <- event:
		case <-s.ctx.Done():
		}

		return
	}

	// The shard is closing; deliver best effort without blocking shutdown.
	select {
	case s.events <- event:
	default:
		s.Logger.Warn().Str("type", eventType).Msg("Merged channel full, dropping synthetic event")
	}
}
