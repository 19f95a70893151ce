package broker

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// reconnectWait is the initial delay between AMQP reconnect attempts. The
// delay doubles up to maxReconnectWait.
const (
	reconnectWait    = time.Second
	maxReconnectWait = 30 * time.Second
)

// Delivery is the subset of an AMQP delivery handlers receive.
type Delivery = amqp.Delivery

// Handler consumes a single delivery from a subscribed queue. Handlers are
// responsible for acking.
type Handler func(delivery Delivery)

// Broker owns the AMQP connection and the direct exchange all queues bind
// to. It recovers the channel and restarts consumers when the connection
// drops.
type Broker struct {
	URL      string
	Group    string
	Subgroup string

	log zerolog.Logger

	mu   sync.RWMutex
	conn *amqp.Connection
	ch   *amqp.Channel

	// subscriptions are replayed after a reconnect.
	subsMu sync.Mutex
	subs   map[string]Handler

	ctx    context.Context
	cancel context.CancelFunc
}

// NewBroker creates a broker publishing on the direct exchange named after
// group. Subgroup, when set, prefixes queue names so multiple deployments
// can share one exchange.
func NewBroker(url string, group string, subgroup string, logger zerolog.Logger) *Broker {
	ctx, cancel := context.WithCancel(context.Background())

	return &Broker{
		URL:      url,
		Group:    group,
		Subgroup: subgroup,

		log: logger,

		subs: make(map[string]Handler),

		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect dials AMQP and declares the exchange. A watcher goroutine redials
// when the connection closes.
func (b *Broker) Connect() (err error) {
	if err = b.connect(); err != nil {
		return err
	}

	go b.watch()

	return nil
}

func (b *Broker) connect() (err error) {
	conn, err := amqp.Dial(b.URL)
	if err != nil {
		return xerrors.Errorf("failed to connect to amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()

		return xerrors.Errorf("failed to open channel: %w", err)
	}

	if err = ch.ExchangeDeclare(
		b.Group, // name
		"direct",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()

		return xerrors.Errorf("failed to declare exchange: %w", err)
	}

	// Confirm mode lets PublishConfirm wait for the broker to accept a
	// message before its source delivery is acked.
	if err = ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()

		return xerrors.Errorf("failed to put channel in confirm mode: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.ch = ch
	b.mu.Unlock()

	b.log.Info().Str("exchange", b.Group).Msg("Connected to amqp")

	return nil
}

// watch waits for the connection to close and reconnects with capped
// backoff, replaying any subscriptions afterwards.
func (b *Broker) watch() {
	for {
		b.mu.RLock()
		conn := b.conn
		b.mu.RUnlock()

		closed := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-b.ctx.Done():
			return
		case closeErr := <-closed:
			if closeErr == nil {
				// Clean shutdown.
				return
			}

			b.log.Warn().Err(closeErr).Msg("Amqp connection closed, reconnecting")
		}

		wait := reconnectWait

		for {
			if err := b.connect(); err == nil {
				break
			} else {
				b.log.Error().Err(err).Dur("retry", wait).Msg("Failed to reconnect to amqp")
			}

			select {
			case <-b.ctx.Done():
				return
			case <-time.After(wait):
			}

			wait *= 2
			if wait > maxReconnectWait {
				wait = maxReconnectWait
			}
		}

		b.resubscribe()
	}
}

func (b *Broker) resubscribe() {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	for key, handler := range b.subs {
		if err := b.consume(key, handler); err != nil {
			b.log.Error().Err(err).Str("key", key).Msg("Failed to resubscribe")
		}
	}
}

// QueueName returns the durable queue name for a routing key, applying the
// subgroup prefix. The routing key itself never carries the prefix.
func (b *Broker) QueueName(key string) string {
	if b.Subgroup != "" {
		return b.Group + ":" + b.Subgroup + ":" + key
	}

	return b.Group + ":" + key
}

// Publish sends body to the exchange with the given routing key without
// waiting for the broker's confirmation. Used for the event firehose where
// throughput beats per-message guarantees.
func (b *Broker) Publish(ctx context.Context, key string, body []byte) error {
	_, err := b.publish(ctx, key, body)

	return err
}

// PublishConfirm publishes and blocks until the broker confirms it has
// accepted the message. An error or a nacked confirm means the message
// cannot be assumed delivered.
func (b *Broker) PublishConfirm(ctx context.Context, key string, body []byte) error {
	confirm, err := b.publish(ctx, key, body)
	if err != nil {
		return err
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return xerrors.Errorf("failed to confirm publish to %s: %w", key, err)
	}

	if !acked {
		return xerrors.Errorf("publish to %s was nacked by the broker", key)
	}

	return nil
}

func (b *Broker) publish(ctx context.Context, key string, body []byte) (*amqp.DeferredConfirmation, error) {
	b.mu.RLock()
	ch := b.ch
	b.mu.RUnlock()

	if ch == nil {
		return nil, xerrors.New("amqp channel is not open")
	}

	return ch.PublishWithDeferredConfirmWithContext(ctx,
		b.Group, // exchange
		key,     // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

// Subscribe declares and binds a durable queue for the routing key and
// starts consuming it. The subscription survives reconnects.
func (b *Broker) Subscribe(key string, handler Handler) error {
	b.subsMu.Lock()
	b.subs[key] = handler
	b.subsMu.Unlock()

	return b.consume(key, handler)
}

func (b *Broker) consume(key string, handler Handler) error {
	b.mu.RLock()
	ch := b.ch
	b.mu.RUnlock()

	if ch == nil {
		return xerrors.New("amqp channel is not open")
	}

	queue := b.QueueName(key)

	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return xerrors.Errorf("failed to declare queue %s: %w", queue, err)
	}

	if err := ch.QueueBind(queue, key, b.Group, false, nil); err != nil {
		return xerrors.Errorf("failed to bind queue %s: %w", queue, err)
	}

	deliveries, err := ch.Consume(
		queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return xerrors.Errorf("failed to consume queue %s: %w", queue, err)
	}

	go func() {
		for {
			select {
			case <-b.ctx.Done():
				return
			case delivery, ok := <-deliveries:
				if !ok {
					// Channel died; watch() restarts us after reconnecting.
					return
				}

				handler(delivery)
			}
		}
	}()

	b.log.Info().Str("queue", queue).Msg("Consuming queue")

	return nil
}

// Close stops consumers and closes the channel and connection. Unacked
// deliveries return to their queues.
func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ch != nil {
		b.ch.Close()
		b.ch = nil
	}

	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}
