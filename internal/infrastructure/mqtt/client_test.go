package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-edge/internal/infrastructure/config"
)

// =============================================================================
// Mocks
// =============================================================================

// mockToken implements pahomqtt.Token with an immediate result.
type mockToken struct {
	err error
}

func (t *mockToken) Wait() bool                     { return true }
func (t *mockToken) WaitTimeout(time.Duration) bool { return true }
func (t *mockToken) Error() error                   { return t.err }
func (t *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type mockPublish struct {
	Topic    string
	Payload  string
	QoS      byte
	Retained bool
}

// mockBroker implements pahomqtt.Client with scriptable failures and an
// ordered event log.
type mockBroker struct {
	mu sync.Mutex

	// connectErrs and subscribeErrs are popped per call; an exhausted
	// list means success.
	connectErrs   []error
	subscribeErrs []error

	// publishErr, when set, decides per-topic publish failures.
	publishErr func(topic string) error

	// publishHold, when set, is called before a publish is recorded;
	// tests use it to park the drain task mid-delivery.
	publishHold func(topic string)

	events    []string
	published []mockPublish
	callback  pahomqtt.MessageHandler
	connected bool

	// pubCh receives every successful publish, for test synchronisation.
	pubCh chan mockPublish
}

func newMockBroker() *mockBroker {
	return &mockBroker{
		pubCh: make(chan mockPublish, 64),
	}
}

func (m *mockBroker) Connect() pahomqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.connectErrs) > 0 {
		err := m.connectErrs[0]
		m.connectErrs = m.connectErrs[1:]
		if err != nil {
			m.events = append(m.events, "connect-failed")
			return &mockToken{err: err}
		}
	}
	m.connected = true
	m.events = append(m.events, "connect")
	return &mockToken{}
}

func (m *mockBroker) Subscribe(topic string, _ byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.subscribeErrs) > 0 {
		err := m.subscribeErrs[0]
		m.subscribeErrs = m.subscribeErrs[1:]
		if err != nil {
			m.events = append(m.events, "subscribe-failed:"+topic)
			return &mockToken{err: err}
		}
	}
	m.callback = callback
	m.events = append(m.events, "subscribe:"+topic)
	return &mockToken{}
}

func (m *mockBroker) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	m.mu.Lock()
	hold := m.publishHold
	m.mu.Unlock()
	if hold != nil {
		hold(topic)
	}

	m.mu.Lock()
	if m.publishErr != nil {
		if err := m.publishErr(topic); err != nil {
			m.events = append(m.events, "publish-failed:"+topic)
			m.mu.Unlock()
			return &mockToken{err: err}
		}
	}
	pub := mockPublish{
		Topic:    topic,
		Payload:  string(payload.([]byte)),
		QoS:      qos,
		Retained: retained,
	}
	m.published = append(m.published, pub)
	m.events = append(m.events, "publish:"+topic)
	m.mu.Unlock()

	m.pubCh <- pub
	return &mockToken{}
}

func (m *mockBroker) Unsubscribe(topics ...string) pahomqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, "unsubscribe:"+strings.Join(topics, ","))
	return &mockToken{}
}

func (m *mockBroker) Disconnect(_ uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.events = append(m.events, "disconnect")
}

func (m *mockBroker) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockBroker) IsConnectionOpen() bool { return m.IsConnected() }

func (m *mockBroker) SubscribeMultiple(_ map[string]byte, _ pahomqtt.MessageHandler) pahomqtt.Token {
	return &mockToken{}
}

func (m *mockBroker) AddRoute(_ string, _ pahomqtt.MessageHandler) {}

func (m *mockBroker) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

func (m *mockBroker) getEvents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	copy(out, m.events)
	return out
}

func (m *mockBroker) getCallback() pahomqtt.MessageHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callback
}

// mockMessage implements pahomqtt.Message for injecting inbound traffic.
type mockMessage struct {
	topic   string
	payload string
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return 0 }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 0 }
func (m *mockMessage) Payload() []byte   { return []byte(m.payload) }
func (m *mockMessage) Ack()              {}

// mockHandler implements Handler and records deliveries in order.
type mockHandler struct {
	mu       sync.Mutex
	received []string
	ch       chan string
}

func newMockHandler() *mockHandler {
	return &mockHandler{ch: make(chan string, 64)}
}

func (h *mockHandler) ControlTopic() string { return "grayedge/cmd/relay/+/set" }

func (h *mockHandler) OnMessage(topic, payload string) {
	h.mu.Lock()
	h.received = append(h.received, topic+"="+payload)
	h.mu.Unlock()
	h.ch <- topic + "=" + payload
}

// =============================================================================
// Helpers
// =============================================================================

func testConfig(initialDelay, maxDelay int) config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "grayedge-test",
		},
		QoS: 0,
		Timeouts: config.MQTTTimeoutConfig{
			Connect:   1,
			Publish:   1,
			Subscribe: 1,
		},
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: initialDelay,
			MaxDelay:     maxDelay,
		},
	}
}

// newTestClient wires a client to the mock broker with an instant,
// recorded backoff sleep.
func newTestClient(broker *mockBroker, initialDelay, maxDelay int) (*Client, chan time.Duration) {
	c := New(testConfig(initialDelay, maxDelay), Topics{Prefix: "grayedge"}, nil)

	sleeps := make(chan time.Duration, 32)
	c.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps <- d
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}
	c.newClient = func(_ *pahomqtt.ClientOptions) pahomqtt.Client {
		return broker
	}

	return c, sleeps
}

func waitDuration(t *testing.T, ch chan time.Duration, what string) time.Duration {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
		return 0
	}
}

func waitPublish(t *testing.T, broker *mockBroker, topic string) mockPublish {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case pub := <-broker.pubCh:
			if pub.Topic == topic {
				return pub
			}
		case <-deadline:
			t.Fatalf("timeout waiting for publish on %s", topic)
		}
	}
}

func waitRunDone(t *testing.T, done chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

// =============================================================================
// Supervisor behaviour
// =============================================================================

// TestRunBackoffAndDelivery drives the normative recovery scenario: two
// failed connection attempts, then success. The observed sleeps are 1s
// then 2s, and a message queued before any attempt is delivered exactly
// once after the session comes up.
func TestRunBackoffAndDelivery(t *testing.T) {
	broker := newMockBroker()
	broker.connectErrs = []error{
		errors.New("connection refused"),
		errors.New("connection refused"),
	}

	client, sleeps := newTestClient(broker, 1, 900)
	handler := newMockHandler()

	sensorTopic := "grayedge/sensor/temp-boiler/state"
	if !client.Send(sensorTopic, `{"value":21.5}`) {
		t.Fatal("Send() = false, want true")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx, handler)
	}()

	if d := waitDuration(t, sleeps, "first backoff sleep"); d != time.Second {
		t.Errorf("first sleep = %v, want 1s", d)
	}
	if d := waitDuration(t, sleeps, "second backoff sleep"); d != 2*time.Second {
		t.Errorf("second sleep = %v, want 2s", d)
	}

	pub := waitPublish(t, broker, sensorTopic)
	if pub.Payload != `{"value":21.5}` {
		t.Errorf("published payload = %q, want %q", pub.Payload, `{"value":21.5}`)
	}

	// Exactly one delivery attempt for the queued message.
	time.Sleep(50 * time.Millisecond)
	if stats := client.Stats(); stats.Published != 1 {
		t.Errorf("Stats().Published = %d, want 1", stats.Published)
	}
	if client.queue.Len() != 0 {
		t.Errorf("queue.Len() = %d, want 0", client.queue.Len())
	}

	// The control subscription was issued exactly once, before the
	// queued message went out.
	events := broker.getEvents()
	subIdx, pubIdx := -1, -1
	subCount := 0
	for i, ev := range events {
		if strings.HasPrefix(ev, "subscribe:") {
			subCount++
			if subIdx < 0 {
				subIdx = i
			}
		}
		if ev == "publish:"+sensorTopic && pubIdx < 0 {
			pubIdx = i
		}
	}
	if subCount != 1 {
		t.Errorf("subscribe count = %d, want 1", subCount)
	}
	if subIdx < 0 || pubIdx < 0 || subIdx > pubIdx {
		t.Errorf("subscribe (index %d) must precede message publish (index %d)", subIdx, pubIdx)
	}

	cancel()
	waitRunDone(t, done)
}

// TestRunBackoffCap verifies the doubling interval saturates at the
// configured maximum.
func TestRunBackoffCap(t *testing.T) {
	broker := newMockBroker()
	// Enough failures to pass the cap; the list outlives the test.
	for i := 0; i < 10; i++ {
		broker.connectErrs = append(broker.connectErrs, errors.New("unreachable"))
	}

	client, sleeps := newTestClient(broker, 1, 4)
	handler := newMockHandler()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx, handler)
	}()

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		4 * time.Second,
		4 * time.Second,
	}
	for i, w := range want {
		if d := waitDuration(t, sleeps, fmt.Sprintf("sleep %d", i)); d != w {
			t.Errorf("sleep %d = %v, want %v", i, d, w)
		}
	}

	cancel()
	waitRunDone(t, done)
}

// TestRunSubscribeFailureAborts checks that a failed control
// subscription ends the session before anything is published.
func TestRunSubscribeFailureAborts(t *testing.T) {
	broker := newMockBroker()
	broker.subscribeErrs = []error{errors.New("not authorised")}

	client, sleeps := newTestClient(broker, 1, 900)
	handler := newMockHandler()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx, handler)
	}()

	if d := waitDuration(t, sleeps, "backoff after subscribe failure"); d != time.Second {
		t.Errorf("sleep = %v, want 1s", d)
	}

	// Second session succeeds and publishes the online status.
	waitPublish(t, broker, "grayedge/system/status")

	// Nothing was published during the aborted session.
	events := broker.getEvents()
	sawSecondSubscribe := false
	for _, ev := range events {
		if strings.HasPrefix(ev, "subscribe:") {
			sawSecondSubscribe = true
		}
		if strings.HasPrefix(ev, "publish:") && !sawSecondSubscribe {
			t.Errorf("publish before a successful subscribe: %v", events)
			break
		}
	}

	cancel()
	waitRunDone(t, done)
}

// TestRunPublishFailureDropsInFlight verifies the documented
// at-most-once policy for the message being published when the
// transport fails: it is counted as dropped and not re-queued, and the
// session is torn down.
func TestRunPublishFailureDropsInFlight(t *testing.T) {
	sensorTopic := "grayedge/sensor/flow/state"

	broker := newMockBroker()
	broker.publishErr = func(topic string) error {
		if topic == sensorTopic {
			return errors.New("broken pipe")
		}
		return nil
	}

	client, sleeps := newTestClient(broker, 1, 900)
	handler := newMockHandler()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx, handler)
	}()

	// Session up: online status out.
	waitPublish(t, broker, "grayedge/system/status")

	client.Send(sensorTopic, `{"value":0}`)

	// The failed publish escalates to a session failure.
	if d := waitDuration(t, sleeps, "backoff after publish failure"); d != time.Second {
		t.Errorf("sleep = %v, want 1s", d)
	}

	stats := client.Stats()
	if stats.Dropped != 1 {
		t.Errorf("Stats().Dropped = %d, want 1", stats.Dropped)
	}
	if stats.QueueLen != 0 {
		t.Errorf("Stats().QueueLen = %d, want 0 (in-flight message is not restored)", stats.QueueLen)
	}

	cancel()
	waitRunDone(t, done)
}

// TestRunDispatchPreservesOrder injects inbound messages through the
// captured subscription callback and checks the handler sees them in
// arrival order.
func TestRunDispatchPreservesOrder(t *testing.T) {
	broker := newMockBroker()
	client, _ := newTestClient(broker, 1, 900)
	handler := newMockHandler()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx, handler)
	}()

	waitPublish(t, broker, "grayedge/system/status")

	callback := broker.getCallback()
	if callback == nil {
		t.Fatal("subscription callback not captured")
	}

	want := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		topic := "grayedge/cmd/relay/pump/set"
		payload := fmt.Sprintf("msg-%d", i)
		want = append(want, topic+"="+payload)
		callback(broker, &mockMessage{topic: topic, payload: payload})
	}

	for i, w := range want {
		select {
		case got := <-handler.ch:
			if got != w {
				t.Errorf("delivery %d = %q, want %q", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for delivery %d", i)
		}
	}

	cancel()
	waitRunDone(t, done)
}

// TestRunGracefulShutdown cancels a connected supervisor and checks the
// teardown path: unsubscribe, retained offline status, disconnect, and
// a quiet nil return.
func TestRunGracefulShutdown(t *testing.T) {
	broker := newMockBroker()
	client, _ := newTestClient(broker, 1, 900)
	handler := newMockHandler()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx, handler)
	}()

	waitPublish(t, broker, "grayedge/system/status")

	cancel()
	waitRunDone(t, done)

	if got := client.State(); got != StateDisconnected {
		t.Errorf("State() = %v, want %v", got, StateDisconnected)
	}

	var sawUnsubscribe, sawOffline, sawDisconnect bool
	for _, pub := range func() []mockPublish {
		broker.mu.Lock()
		defer broker.mu.Unlock()
		return append([]mockPublish(nil), broker.published...)
	}() {
		if pub.Topic == "grayedge/system/status" && strings.Contains(pub.Payload, "graceful_shutdown") {
			sawOffline = true
			if !pub.Retained {
				t.Error("offline status not retained")
			}
		}
	}
	for _, ev := range broker.getEvents() {
		if strings.HasPrefix(ev, "unsubscribe:") {
			sawUnsubscribe = true
		}
		if ev == "disconnect" {
			sawDisconnect = true
		}
	}
	if !sawUnsubscribe {
		t.Error("graceful shutdown did not unsubscribe")
	}
	if !sawOffline {
		t.Error("graceful shutdown did not publish offline status")
	}
	if !sawDisconnect {
		t.Error("graceful shutdown did not disconnect")
	}
}

// TestRunShutdownFlushesQueue parks the drain task mid-publish, queues
// another message behind it, then cancels. Both messages must still
// reach the broker: the first completes normally, the second rides the
// shutdown flush.
func TestRunShutdownFlushesQueue(t *testing.T) {
	broker := newMockBroker()
	client, _ := newTestClient(broker, 1, 900)
	handler := newMockHandler()

	gate := make(chan struct{})
	broker.mu.Lock()
	broker.publishHold = func(topic string) {
		if topic == "grayedge/sensor/a/state" {
			<-gate
		}
	}
	broker.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx, handler)
	}()

	waitPublish(t, broker, "grayedge/system/status")

	// First message parks the drain task inside Publish.
	client.Send("grayedge/sensor/a/state", "1")
	// Second message waits in the queue behind it.
	client.Send("grayedge/sensor/b/state", "2")

	cancel()
	close(gate)

	waitRunDone(t, done)

	var sawA, sawB bool
	broker.mu.Lock()
	for _, pub := range broker.published {
		switch pub.Topic {
		case "grayedge/sensor/a/state":
			sawA = true
		case "grayedge/sensor/b/state":
			sawB = true
		}
	}
	broker.mu.Unlock()

	if !sawA {
		t.Error("in-flight message lost on shutdown")
	}
	if !sawB {
		t.Error("queued message not flushed on shutdown")
	}
	if got := client.Stats().QueueLen; got != 0 {
		t.Errorf("QueueLen after shutdown = %d, want 0", got)
	}
}

// TestRunResetsBackoffAfterSuccess fails once, succeeds, fails the
// session, and expects the next sleep to start over at the initial
// delay rather than continuing the doubling.
func TestRunResetsBackoffAfterSuccess(t *testing.T) {
	broker := newMockBroker()
	broker.connectErrs = []error{
		errors.New("refused"), // session 1: connect fails, sleep 1s
		nil,                   // session 2: up
		errors.New("refused"), // session 3: connect fails again
	}

	client, sleeps := newTestClient(broker, 1, 900)
	handler := newMockHandler()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx, handler)
	}()

	if d := waitDuration(t, sleeps, "sleep 1"); d != time.Second {
		t.Errorf("sleep 1 = %v, want 1s", d)
	}

	// Session 2 establishes, then dies from a connection-lost signal.
	waitPublish(t, broker, "grayedge/system/status")

	// Find the session's lost handler by failing a publish instead:
	// simpler here to kill it with a publish error on the next message.
	broker.mu.Lock()
	broker.publishErr = func(topic string) error {
		if topic != "grayedge/system/status" {
			return errors.New("gone")
		}
		return nil
	}
	broker.mu.Unlock()
	client.Send("grayedge/sensor/x/state", "1")

	// Sleep after session 2's failure restarts at the initial delay.
	if d := waitDuration(t, sleeps, "sleep 2"); d != time.Second {
		t.Errorf("sleep 2 = %v, want 1s (reset after success)", d)
	}
	// Session 3's connect failure doubles from there.
	if d := waitDuration(t, sleeps, "sleep 3"); d != 2*time.Second {
		t.Errorf("sleep 3 = %v, want 2s", d)
	}

	cancel()
	waitRunDone(t, done)
}

// =============================================================================
// Options and identifiers
// =============================================================================

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig(1, 900)
	opts := buildClientOptions(cfg, "abc123")

	if !opts.CleanSession {
		t.Error("CleanSession = false, want true")
	}
	if opts.AutoReconnect {
		t.Error("AutoReconnect = true, want false (supervisor owns reconnection)")
	}
	if opts.ConnectRetry {
		t.Error("ConnectRetry = true, want false")
	}
	if !opts.Order {
		t.Error("Order = false, want true (inbound ordering)")
	}
	if opts.ClientID != "abc123" {
		t.Errorf("ClientID = %q, want %q", opts.ClientID, "abc123")
	}
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want [tcp://127.0.0.1:1883]", opts.Servers)
	}
}

func TestGenerateClientID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := generateClientID()
		if len(id) != clientIDLength {
			t.Fatalf("len(id) = %d, want %d", len(id), clientIDLength)
		}
		for _, r := range id {
			if !strings.ContainsRune(base62Alphabet, r) {
				t.Fatalf("id %q contains non-base62 rune %q", id, r)
			}
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestNewGeneratesClientIDWhenUnset(t *testing.T) {
	cfg := testConfig(1, 900)
	cfg.Broker.ClientID = ""

	client := New(cfg, Topics{Prefix: "grayedge"}, nil)
	if len(client.ClientID()) != clientIDLength {
		t.Errorf("ClientID() length = %d, want %d", len(client.ClientID()), clientIDLength)
	}

	// Configured IDs pass through untouched.
	cfg.Broker.ClientID = "fixed"
	client = New(cfg, Topics{Prefix: "grayedge"}, nil)
	if client.ClientID() != "fixed" {
		t.Errorf("ClientID() = %q, want %q", client.ClientID(), "fixed")
	}
}

// =============================================================================
// Connection state names
// =============================================================================

func TestConnectionStateString(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateBackoff, "backoff"},
		{ConnectionState(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("ConnectionState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
