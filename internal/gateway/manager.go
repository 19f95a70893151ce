package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// BufferSize sets a maximum buffer size for channels.
const BufferSize = 2048

// identifyInterval paces Identify calls. Discord enforces 1 identify per 5
// seconds per token; 6 is used for safety.
const identifyInterval = 6 * time.Second

// ErrNoTokenProvided is when no token was passed to the Manager.
var ErrNoTokenProvided = errors.New("no token was provided")

// ErrNotEnoughSessions is caused when the remaining sessions provided by
// /gateway/bot is smaller than the shards to be deployed.
var ErrNotEnoughSessions = errors.New("not enough sessions remaining to start manager")

// ManagerConfiguration represents all configurable elements of a Manager.
type ManagerConfiguration struct {
	Token string

	// ShardCount of 0 uses the count recommended by /gateway/bot.
	ShardCount int

	Options ShardOptions
}

// Manager spawns shards subject to identify pacing and multiplexes their
// packets into a single event stream. It is the sole owner of the shard
// table.
type Manager struct {
	Token string
	log   zerolog.Logger

	Configuration ManagerConfiguration

	// Client is the http client used for REST requests.
	Client *Client

	// GatewayResponse stores the /gateway/bot object for future use.
	GatewayResponse *GatewayBot
	ShardCount      int

	shardsMu sync.RWMutex
	shards   map[int]*Shard

	// merged receives every packet from every shard.
	merged chan ShardEvent

	events  chan ShardEvent
	spawned chan *Shard

	identify *Bucket

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates the manager and its REST client.
func NewManager(configuration ManagerConfiguration, logger zerolog.Logger) (m *Manager, err error) {
	if configuration.Token == "" {
		return nil, ErrNoTokenProvided
	}

	if configuration.Options.LargeThreshold == 0 {
		configuration.Options.LargeThreshold = 250
	}

	ctx, cancel := context.WithCancel(context.Background())

	m = &Manager{
		Token:         configuration.Token,
		log:           logger,
		Configuration: configuration,
		Client:        NewClient(configuration.Token, logger),

		shards: make(map[int]*Shard),

		merged:  make(chan ShardEvent, BufferSize),
		events:  make(chan ShardEvent, BufferSize),
		spawned: make(chan *Shard, 1),

		identify: NewBucket(1, identifyInterval),

		ctx:    ctx,
		cancel: cancel,
	}

	return m, nil
}

// Open fetches /gateway/bot, fixes the shard count and begins spawning.
// Shards appear on Spawned once Ready; packets appear on Events.
func (m *Manager) Open(ctx context.Context) (err error) {
	gr, err := m.Client.FetchGatewayBot(ctx)
	if err != nil {
		return err
	}

	m.GatewayResponse = gr

	m.log.Info().
		Str("gateway", gr.URL).
		Int("shards", gr.Shards).
		Int("remaining", gr.SessionStartLimit.Remaining).
		Msg("Retrieved gateway information")

	if m.Configuration.ShardCount > 0 {
		m.ShardCount = m.Configuration.ShardCount
	} else {
		m.ShardCount = gr.Shards
	}

	if m.ShardCount > gr.SessionStartLimit.Remaining {
		return ErrNotEnoughSessions
	}

	m.log.Info().Int("shards", m.ShardCount).Msg("Creating shards")

	go m.forwardEvents()
	go m.spawnAll()

	return nil
}

// Spawned yields each shard once it has transitioned to Ready.
func (m *Manager) Spawned() <-chan *Shard {
	return m.spawned
}

// Events yields dispatched packets from every shard, tagged with the shard
// that received them.
func (m *Manager) Events() <-chan ShardEvent {
	return m.events
}

// Shard returns the shard with the given id, if present in the table.
func (m *Manager) Shard(shardID int) (s *Shard, ok bool) {
	m.shardsMu.RLock()
	defer m.shardsMu.RUnlock()

	s, ok = m.shards[shardID]

	return
}

// TotalShards returns the fixed fleet size.
func (m *Manager) TotalShards() int {
	return m.ShardCount
}

// GatewayURL returns the socket url learned from /gateway/bot with the
// query parameters the shards connect with.
func (m *Manager) GatewayURL() string {
	return m.GatewayResponse.URL + "?v=" + APIVersion + "&encoding=json"
}

// spawnAll identifies shards sequentially. The next shard is not started
// until the previous one is Ready, which keeps identifies serial on top of
// the identify bucket spacing.
func (m *Manager) spawnAll() {
	for shardID := 0; shardID < m.ShardCount; shardID++ {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		shard, err := m.spawn(shardID)
		if err != nil {
			m.log.Error().Err(err).Int("shard", shardID).Msg("Failed to spawn shard")

			continue
		}

		select {
		case <-m.ctx.Done():
			return
		case m.spawned <- shard:
		}
	}
}

// spawn registers a shard in the table, opens it and waits for Ready.
func (m *Manager) spawn(shardID int) (s *Shard, err error) {
	m.log.Info().Int("shard", shardID).Msg("Starting shard")

	s = newShard(shardID, m.ShardCount, m.Token, m.GatewayURL(),
		m.Configuration.Options, m.merged, m.identify, m.log)

	m.shardsMu.Lock()
	m.shards[shardID] = s
	m.shardsMu.Unlock()

	go s.Open()

	if err = s.WaitForReady(m.ctx); err != nil {
		return nil, xerrors.Errorf("shard %d never became ready: %w", shardID, err)
	}

	return s, nil
}

// forwardEvents is the single consumer of the merged channel. It maintains
// the shard table on terminal failures and forwards dispatches.
func (m *Manager) forwardEvents() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case event := <-m.merged:
			if event.Payload.Type == EventShardTerminated {
				m.shardsMu.Lock()
				delete(m.shards, event.Shard.ShardID)
				m.shardsMu.Unlock()

				m.log.Error().Int("shard", event.Shard.ShardID).Msg("Shard terminated")
			}

			if event.Payload.Op != GatewayOpDispatch || event.Payload.Type == "" {
				continue
			}

			select {
			case <-m.ctx.Done():
				return
			case m.events <- event:
			}
		}
	}
}

// Close gracefully closes all shards and stops the event pump.
func (m *Manager) Close() {
	m.log.Info().Msg("Closing manager")

	m.shardsMu.Lock()
	shards := make([]*Shard, 0, len(m.shards))
	for _, s := range m.shards {
		shards = append(shards, s)
	}
	m.shards = make(map[int]*Shard)
	m.shardsMu.Unlock()

	for _, s := range shards {
		s.Close(1000)
	}

	m.cancel()
}
