package mqtt

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-edge/internal/infrastructure/config"
)

// inboundBuffer is the channel depth between paho's router and the
// dispatch task. The router blocks when it fills, which is the desired
// backpressure: inbound ordering is preserved either way.
const inboundBuffer = 16

// shutdownFlushTimeout bounds the final queue flush on graceful
// shutdown. Messages still queued after this window are lost.
const shutdownFlushTimeout = 5 * time.Second

// Handler is the hub-side contract for one broker session.
//
// ControlTopic is the single subscription issued per session, before any
// session task starts. OnMessage is invoked once per inbound message, in
// arrival order; one message is fully handled before the next is taken.
type Handler interface {
	ControlTopic() string
	OnMessage(topic, payload string)
}

// SessionTask is a caller-supplied unit of work scoped to one connected
// session. Tasks start after the subscription is established and are
// cancelled together with the drain and dispatch tasks when the session
// ends. A task error tears the session down.
type SessionTask func(ctx context.Context) error

// Logger is the logging surface the client needs.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Stats is a snapshot of client counters for monitoring.
type Stats struct {
	Sessions   uint64 // successfully established sessions
	Reconnects uint64 // failed sessions that triggered backoff
	Published  uint64 // messages delivered to the broker
	Dropped    uint64 // messages lost to a mid-publish failure
	Received   uint64 // inbound messages dispatched
	QueueLen   int    // messages currently waiting
}

// Client supervises the connection to the MQTT broker.
//
// It owns the session lifecycle: connect, subscribe, run the session's
// task group, tear down on the first transport error, sleep an
// exponentially growing interval, and retry forever. Producers hand
// messages to Send or Enqueue at any time; the publish queue outlives
// individual sessions, so messages produced during an outage are
// delivered once connectivity returns.
//
// Thread Safety:
//   - Send, Enqueue, State, Stats and ClientID are safe for concurrent
//     use from any goroutine.
//   - Run must be called at most once.
type Client struct {
	cfg      config.MQTTConfig
	topics   Topics
	clientID string
	queue    *PublishQueue
	log      Logger

	state atomic.Int32

	sessions   atomic.Uint64
	reconnects atomic.Uint64
	published  atomic.Uint64
	dropped    atomic.Uint64
	received   atomic.Uint64

	// newClient and sleep are replaceable for tests.
	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client
	sleep     func(ctx context.Context, d time.Duration) error
}

// inboundMessage is one decoded broker message awaiting dispatch.
type inboundMessage struct {
	topic   string
	payload string
}

// New creates a client for the given broker configuration.
//
// No connection is attempted until Run is called. When the config does
// not supply a client ID a random 22-character base-62 one is generated
// here and reused for every session.
//
// Parameters:
//   - cfg: MQTT configuration from config.yaml
//   - topics: topic builders carrying the hub's prefix
//   - log: logger (may be nil to disable logging)
//
// Returns:
//   - *Client: client ready for Run
func New(cfg config.MQTTConfig, topics Topics, log Logger) *Client {
	clientID := cfg.Broker.ClientID
	if clientID == "" {
		clientID = generateClientID()
	}

	return &Client{
		cfg:       cfg,
		topics:    topics,
		clientID:  clientID,
		queue:     NewPublishQueue(),
		log:       log,
		newClient: pahomqtt.NewClient,
		sleep:     sleepContext,
	}
}

// Run is the supervisor loop. It never returns while ctx is live: each
// iteration establishes a session, runs it to its first failure, then
// backs off and retries.
//
// Backoff starts at the configured initial delay and doubles after every
// failed session, capped at the configured maximum. The sleep before a
// retry uses the pre-doubling value; the doubled value is stored for the
// next failure. A session that reaches a successful subscribe resets the
// interval to the initial delay.
//
// Returns nil once ctx is cancelled and the current session (if any) has
// been torn down.
func (c *Client) Run(ctx context.Context, handler Handler, tasks ...SessionTask) error {
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}

	delay := c.cfg.GetInitialDelay()
	maxDelay := c.cfg.GetMaxDelay()

	for {
		c.setState(StateConnecting)

		established, err := c.session(ctx, handler, tasks)
		if established {
			delay = c.cfg.GetInitialDelay()
		}

		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return nil
		}

		c.reconnects.Add(1)
		c.logError("broker session failed",
			"error", err,
			"retry_in", delay.String(),
		)

		next := delay * 2
		if next > maxDelay {
			next = maxDelay
		}

		c.setState(StateBackoff)
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			c.setState(StateDisconnected)
			return nil
		}
		delay = next
	}
}

// session runs one connect-to-teardown cycle.
//
// The returned bool reports whether the session got far enough to reset
// the backoff interval: merely opening the socket does not count, a
// successful subscribe does.
func (c *Client) session(ctx context.Context, handler Handler, tasks []SessionTask) (bool, error) {
	// A fresh paho client per attempt; stale handshake state from a
	// failed attempt must not leak into the next.
	opts := buildClientOptions(c.cfg, c.clientID)
	configureLWT(opts, c.topics, c.clientID)

	lost := make(chan error, 1)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		select {
		case lost <- err:
		default:
		}
	})

	pc := c.newClient(opts)

	token := pc.Connect()
	if !token.WaitTimeout(c.cfg.GetConnectTimeout()) {
		return false, fmt.Errorf("%w: %w after %v", ErrConnectionFailed, ErrTimeout, c.cfg.GetConnectTimeout())
	}
	if err := token.Error(); err != nil {
		return false, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer pc.Disconnect(defaultDisconnectQuiesce)

	// The control subscription is issued before any task starts; its
	// failure aborts the session here.
	inbound := make(chan inboundMessage, inboundBuffer)
	controlTopic := handler.ControlTopic()
	onInbound := func(_ pahomqtt.Client, msg pahomqtt.Message) {
		// Paho's ordered router calls this sequentially; the channel
		// preserves that order for the dispatch task.
		select {
		case inbound <- inboundMessage{topic: msg.Topic(), payload: string(msg.Payload())}:
		case <-ctx.Done():
		}
	}
	if err := subscribe(pc, controlTopic, byte(c.cfg.QoS), onInbound, c.cfg.GetSubscribeTimeout()); err != nil {
		return false, err
	}

	// The subscribe went through, so the link is genuinely usable:
	// this is the point where backoff resets.
	c.sessions.Add(1)

	online := OutboundMessage{
		Topic:   c.topics.SystemStatus(),
		Payload: buildOnlinePayload(c.clientID),
		QoS:     1,
		Retain:  true,
	}
	if err := publishMessage(pc, online, c.cfg.GetPublishTimeout()); err != nil {
		return true, err
	}

	c.setState(StateConnected)
	c.logInfo("broker session established",
		"client_id", c.clientID,
		"control_topic", controlTopic,
		"queued", c.queue.Len(),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.drainTask(gctx, pc)
	})
	g.Go(func() error {
		c.dispatchTask(gctx, inbound, handler)
		return nil
	})
	g.Go(func() error {
		select {
		case err := <-lost:
			return fmt.Errorf("%w: %w", ErrConnectionLost, err)
		case <-gctx.Done():
			return nil
		}
	})
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			return task(gctx)
		})
	}

	err := g.Wait()

	if ctx.Err() != nil {
		// Graceful shutdown: flush what producers already queued, then
		// best-effort unsubscribe and a retained offline status
		// distinct from the LWT crash payload.
		c.logInfo("closing broker session", "queued", c.queue.Len())
		c.flushQueue(pc)
		_ = unsubscribe(pc, controlTopic, c.cfg.GetSubscribeTimeout())
		offline := OutboundMessage{
			Topic:   c.topics.SystemStatus(),
			Payload: buildOfflinePayload(c.clientID),
			QoS:     1,
			Retain:  true,
		}
		_ = publishMessage(pc, offline, c.cfg.GetPublishTimeout())
	}

	return true, err
}

// drainTask moves messages from the publish queue to the broker, one at
// a time, in FIFO order.
//
// A publish failure is a session failure: the in-flight message has
// already left the queue and is not restored, so its loss is logged
// explicitly before the error escalates to the supervisor.
func (c *Client) drainTask(ctx context.Context, pc pahomqtt.Client) error {
	for {
		msg, err := c.queue.Dequeue(ctx)
		if err != nil {
			// Session cancelled while waiting; nothing in flight.
			return nil
		}

		if pubErr := publishMessage(pc, msg, c.cfg.GetPublishTimeout()); pubErr != nil {
			c.queue.Ack()
			c.dropped.Add(1)
			c.logWarn("outbound message dropped",
				"topic", msg.Topic,
				"error", pubErr,
			)
			return pubErr
		}

		c.queue.Ack()
		c.published.Add(1)
		c.logDebug("message published", "topic", msg.Topic)
	}
}

// flushQueue empties the publish queue during graceful shutdown, inside
// a bounded window. The drain task has already exited at this point, so
// producers are quiet and the loop can only shrink the queue.
func (c *Client) flushQueue(pc pahomqtt.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()

	for c.queue.Len() > 0 {
		msg, err := c.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		if pubErr := publishMessage(pc, msg, c.cfg.GetPublishTimeout()); pubErr != nil {
			c.queue.Ack()
			c.dropped.Add(1)
			c.logWarn("outbound message dropped",
				"topic", msg.Topic,
				"error", pubErr,
			)
			return
		}
		c.queue.Ack()
		c.published.Add(1)
	}
	_ = c.queue.Wait(ctx)
}

// dispatchTask forwards inbound messages to the handler, synchronously
// and in arrival order.
func (c *Client) dispatchTask(ctx context.Context, inbound <-chan inboundMessage, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-inbound:
			c.received.Add(1)
			handler.OnMessage(msg.topic, msg.payload)
		}
	}
}

// Send queues a message with the configured default QoS and no retain
// flag. It never blocks, regardless of connection state.
//
// Returns false when an identical message is already pending.
func (c *Client) Send(topic, payload string) bool {
	return c.Enqueue(OutboundMessage{
		Topic:   topic,
		Payload: payload,
		QoS:     byte(c.cfg.QoS),
	})
}

// Enqueue queues a fully-specified message. It never blocks.
//
// Returns false when an identical message is already pending.
func (c *Client) Enqueue(msg OutboundMessage) bool {
	return c.queue.Enqueue(msg)
}

// State returns the supervisor's current connection state.
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// ClientID returns the identifier used for every broker session.
func (c *Client) ClientID() string {
	return c.clientID
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() Stats {
	return Stats{
		Sessions:   c.sessions.Load(),
		Reconnects: c.reconnects.Load(),
		Published:  c.published.Load(),
		Dropped:    c.dropped.Load(),
		Received:   c.received.Load(),
		QueueLen:   c.queue.Len(),
	}
}

func (c *Client) setState(s ConnectionState) {
	c.state.Store(int32(s))
}

// sleepContext sleeps for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Nil-guarded logging helpers.

func (c *Client) logDebug(msg string, args ...any) {
	if c.log != nil {
		c.log.Debug(msg, args...)
	}
}

func (c *Client) logInfo(msg string, args ...any) {
	if c.log != nil {
		c.log.Info(msg, args...)
	}
}

func (c *Client) logWarn(msg string, args ...any) {
	if c.log != nil {
		c.log.Warn(msg, args...)
	}
}

func (c *Client) logError(msg string, args ...any) {
	if c.log != nil {
		c.log.Error(msg, args...)
	}
}
