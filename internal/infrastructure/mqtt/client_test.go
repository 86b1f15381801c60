package mqtt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/bumper-core/internal/infrastructure/config"
	"github.com/nerrad567/bumper-core/internal/infrastructure/logging"
	"github.com/nerrad567/bumper-core/internal/mqttserver"
)

const (
	testSecret  = "helper-secret-for-tests"
	testTimeout = 5 * time.Second
)

// openRegistry accepts every bot and no companion app.
type openRegistry struct{}

func (openRegistry) Authenticate(context.Context, string, string) (bool, error) { return false, nil }
func (openRegistry) BotAdd(context.Context, string, string, string, string, string) error {
	return nil
}
func (openRegistry) BotSetMQTT(context.Context, string, bool) error          { return nil }
func (openRegistry) ClientAdd(context.Context, string, string, string) error { return nil }
func (openRegistry) ClientSetMQTT(context.Context, string, bool) error       { return nil }

// startBroker runs an MQTT listener on a loopback ephemeral port.
func startBroker(t *testing.T) string {
	t.Helper()

	srv, err := mqttserver.New(mqttserver.Deps{
		Addr:            "127.0.0.1:0",
		Registry:        openRegistry{},
		Logger:          logging.Discard(),
		HelperBotSecret: testSecret,
	})
	if err != nil {
		t.Fatalf("mqttserver.New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Listen(ctx); err != nil {
		cancel()
		t.Fatalf("Listen() error = %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx) //nolint:errcheck // test broker
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return srv.Addr().String()
}

// testOptions returns helper bot options for the given broker.
func testOptions(broker string) Options {
	return Options{
		Broker:   broker,
		Password: testSecret,
		HelperBotConfig: config.HelperBotConfig{
			Enabled:           true,
			ClientID:          "helperbot@bumper/helperbot",
			QoS:               1,
			ReconnectDelay:    1,
			MaxReconnectDelay: 5,
		},
	}
}

func connectHelper(t *testing.T, broker string) *Client {
	t.Helper()

	c := New(testOptions(broker))
	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// fakeBot connects as a bot and answers every command addressed to it.
func fakeBot(t *testing.T, broker, did, class, res string, answer func(cmd string, payload []byte) []byte) {
	t.Helper()

	opts := pahomqtt.NewClientOptions().
		AddBroker("tcp://" + broker).
		SetClientID(did + "@" + class + "/" + res).
		SetUsername("sn_" + did).
		SetAutoReconnect(false)
	bot := pahomqtt.NewClient(opts)
	if tok := bot.Connect(); !tok.WaitTimeout(testTimeout) || tok.Error() != nil {
		t.Fatalf("bot connect error = %v", tok.Error())
	}
	t.Cleanup(func() { bot.Disconnect(100) })

	filter := "iot/p2p/+/helperbot/bumper/helperbot/" + did + "/" + class + "/" + res + "/q/+/j"
	tok := bot.Subscribe(filter, 1, func(c pahomqtt.Client, m pahomqtt.Message) {
		levels := strings.Split(m.Topic(), "/")
		cmd, rid := levels[2], levels[10]
		c.Publish(Topics{}.CommandResponse(cmd, did, class, res, rid), 1, false, answer(cmd, m.Payload()))
	})
	if !tok.WaitTimeout(testTimeout) || tok.Error() != nil {
		t.Fatalf("bot subscribe error = %v", tok.Error())
	}
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect(t *testing.T) {
	broker := startBroker(t)
	c := connectHelper(t, broker)

	if !c.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
	if !c.HasSubscription(Topics{}.AllCommandResponses()) {
		t.Error("Connect should subscribe to command responses")
	}
}

func TestConnect_WrongSecret(t *testing.T) {
	broker := startBroker(t)

	opts := testOptions(broker)
	opts.Password = "wrong"
	c := New(opts)

	err := c.Connect(t.Context())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after refused connect")
	}
}

func TestConnect_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Nothing listens on this port; the cancelled context wins.
	c := New(testOptions("127.0.0.1:1"))
	if err := c.Connect(ctx); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClose(t *testing.T) {
	broker := startBroker(t)
	c := connectHelper(t, broker)

	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	broker := startBroker(t)
	c := connectHelper(t, broker)

	if err := c.HealthCheck(t.Context()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := c.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() with cancelled context should fail")
	}

	c.Close()
	if err := c.HealthCheck(t.Context()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after Close error = %v, want ErrNotConnected", err)
	}
}

func TestOnDisconnectCallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := mqttserver.New(mqttserver.Deps{
		Addr:            "127.0.0.1:0",
		Registry:        openRegistry{},
		Logger:          logging.Discard(),
		HelperBotSecret: testSecret,
	})
	if err != nil {
		t.Fatalf("mqttserver.New() error = %v", err)
	}
	if err := srv.Listen(ctx); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	go srv.Serve(ctx) //nolint:errcheck // test broker

	c := New(testOptions(srv.Addr().String()))
	lost := make(chan error, 1)
	c.SetOnDisconnect(func(err error) { lost <- err })
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	srv.Close()

	select {
	case <-lost:
	case <-time.After(testTimeout):
		t.Fatal("OnDisconnect callback not invoked")
	}
}

// =============================================================================
// Publish / Subscribe Tests
// =============================================================================

func TestPublish_Validation(t *testing.T) {
	broker := startBroker(t)
	c := connectHelper(t, broker)

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", nil, 1, ErrInvalidTopic},
		{"invalid qos", "iot/test", nil, 3, ErrInvalidQoS},
		{"payload too large", "iot/test", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Publish(tt.topic, tt.payload, tt.qos); !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := c.Publish("iot/test", nil, 1); err != nil {
		t.Errorf("Publish() with nil payload error = %v", err)
	}
}

func TestPublish_NotConnected(t *testing.T) {
	c := New(testOptions("127.0.0.1:1"))
	if err := c.Publish("iot/test", []byte("x"), 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	if err := c.Subscribe("iot/test", 0, func(string, []byte) error { return nil }); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
}

func TestSubscribe_Validation(t *testing.T) {
	broker := startBroker(t)
	c := connectHelper(t, broker)

	noop := func(string, []byte) error { return nil }
	if err := c.Subscribe("", 1, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	if err := c.Subscribe("iot/x", 3, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("invalid qos error = %v", err)
	}
	if err := c.Subscribe("iot/x", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v", err)
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	broker := startBroker(t)
	c := connectHelper(t, broker)

	before := c.SubscriptionCount()

	var mu sync.Mutex
	var got []string
	received := make(chan struct{}, 4)
	topic := Topics{}.BotReports("E0001")

	err := c.Subscribe(topic, 1, func(topic string, _ []byte) error {
		mu.Lock()
		got = append(got, topic)
		mu.Unlock()
		received <- struct{}{}
		return errors.New("handler errors are logged, not fatal")
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if c.SubscriptionCount() != before+1 {
		t.Errorf("SubscriptionCount() = %d, want %d", c.SubscriptionCount(), before+1)
	}

	if err := c.Publish("iot/atr/onBattery/E0001/ls1ok3/atom/j", []byte(`{"value":100}`), 1); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case <-received:
	case <-time.After(testTimeout):
		t.Fatal("report not delivered")
	}

	if err := c.Unsubscribe(topic); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if c.HasSubscription(topic) {
		t.Error("HasSubscription() = true after Unsubscribe")
	}
	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v", err)
	}
}

// =============================================================================
// Command Tests
// =============================================================================

func TestSendCommand(t *testing.T) {
	broker := startBroker(t)
	fakeBot(t, broker, "E0001", "ls1ok3", "atom", func(cmd string, payload []byte) []byte {
		return []byte(`{"cmd":"` + cmd + `","echo":` + string(payload) + `}`)
	})
	c := connectHelper(t, broker)

	ctx, cancel := context.WithTimeout(t.Context(), testTimeout)
	defer cancel()

	resp, err := c.SendCommand(ctx, Command{
		Name:     "getBattery",
		DID:      "E0001",
		Class:    "ls1ok3",
		Resource: "atom",
		Payload:  []byte(`{"n":1}`),
	})
	if err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}

	if resp.Command != "getBattery" || resp.DID != "E0001" || resp.Class != "ls1ok3" || resp.Resource != "atom" {
		t.Errorf("response = %+v", resp)
	}
	if string(resp.Payload) != `{"cmd":"getBattery","echo":{"n":1}}` {
		t.Errorf("payload = %s", resp.Payload)
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", c.PendingCount())
	}
}

func TestSendCommand_Timeout(t *testing.T) {
	broker := startBroker(t)
	c := connectHelper(t, broker)

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()

	_, err := c.SendCommand(ctx, Command{Name: "getBattery", DID: "nobody", Class: "ls1ok3", Resource: "atom"})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("SendCommand() error = %v, want ErrTimeout", err)
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d after timeout, want 0", c.PendingCount())
	}
}

func TestSendCommand_Invalid(t *testing.T) {
	c := New(testOptions("127.0.0.1:1"))

	if _, err := c.SendCommand(t.Context(), Command{Name: "getBattery"}); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("SendCommand() error = %v, want ErrInvalidCommand", err)
	}
	cmd := Command{Name: "getBattery", DID: "E0001", Class: "ls1ok3", Resource: "atom"}
	if _, err := c.SendCommand(t.Context(), cmd); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendCommand() error = %v, want ErrNotConnected", err)
	}
}

func TestHandleResponse_Unrecognised(t *testing.T) {
	c := New(testOptions("127.0.0.1:1"))
	if err := c.handleResponse("iot/atr/onBattery/E0001/ls1ok3/atom/j", nil); err == nil {
		t.Error("handleResponse() should reject a non-response topic")
	}
	// A well-formed response nobody waits for is dropped silently.
	topic := Topics{}.CommandResponse("getBattery", "E0001", "ls1ok3", "atom", "deadbeef")
	if err := c.handleResponse(topic, nil); err != nil {
		t.Errorf("handleResponse() error = %v", err)
	}
}

// =============================================================================
// Topic Tests
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{
			name:     "CommandRequest",
			got:      Topics{}.CommandRequest("getBattery", "E0001", "ls1ok3", "atom", "a1b2c3d4"),
			expected: "iot/p2p/getBattery/helperbot/bumper/helperbot/E0001/ls1ok3/atom/q/a1b2c3d4/j",
		},
		{
			name:     "CommandResponse",
			got:      Topics{}.CommandResponse("getBattery", "E0001", "ls1ok3", "atom", "a1b2c3d4"),
			expected: "iot/p2p/getBattery/E0001/ls1ok3/atom/helperbot/bumper/helperbot/p/a1b2c3d4/j",
		},
		{
			name:     "AllCommandResponses",
			got:      Topics{}.AllCommandResponses(),
			expected: "iot/p2p/+/+/+/+/helperbot/bumper/helperbot/p/+/+",
		},
		{
			name:     "BotReports",
			got:      Topics{}.BotReports("E0001"),
			expected: "iot/atr/+/E0001/#",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("got %q, want %q", tt.got, tt.expected)
			}
		})
	}
}

func TestParseResponseTopic(t *testing.T) {
	resp, ok := parseResponseTopic("iot/p2p/clean/E0001/ls1ok3/atom/helperbot/bumper/helperbot/p/a1b2c3d4/j")
	if !ok {
		t.Fatal("parseResponseTopic() rejected a valid topic")
	}
	if resp.Command != "clean" || resp.DID != "E0001" || resp.RequestID != "a1b2c3d4" {
		t.Errorf("parsed = %+v", resp)
	}

	for _, topic := range []string{
		"iot/p2p/clean/helperbot/bumper/helperbot/E0001/ls1ok3/atom/q/a1b2c3d4/j",
		"iot/p2p/clean/E0001/ls1ok3/atom/someone/else/here/p/a1b2c3d4/j",
		"iot/p2p/short",
	} {
		if _, ok := parseResponseTopic(topic); ok {
			t.Errorf("parseResponseTopic(%q) accepted", topic)
		}
	}
}

func TestNewRequestID(t *testing.T) {
	a, b := newRequestID(), newRequestID()
	if len(a) != requestIDLength {
		t.Errorf("len = %d, want %d", len(a), requestIDLength)
	}
	if a == b {
		t.Error("request ids should differ")
	}
}
