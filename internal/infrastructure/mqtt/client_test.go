package mqtt

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-ramses/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "graylogic-ramses-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// disconnectedClient returns a Client whose paho client never connected.
func disconnectedClient() *Client {
	c := newClient(testConfig(), nil)
	c.client = pahomqtt.NewClient(c.options)
	return c
}

// fakeMessage implements pahomqtt.Message.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// mockLogger implements Logger interface for testing.
type mockLogger struct {
	infos  []string
	errors []string
	warns  []string
	mu     sync.Mutex
}

func (l *mockLogger) Info(msg string, _ ...any) {
	l.mu.Lock()
	l.infos = append(l.infos, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

// =============================================================================
// Options Tests
// =============================================================================

func TestBrokerURL(t *testing.T) {
	cfg := testConfig()
	if got := brokerURL(cfg); got != "tcp://127.0.0.1:1883" {
		t.Errorf("brokerURL() = %q", got)
	}

	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883
	if got := brokerURL(cfg); got != "ssl://127.0.0.1:8883" {
		t.Errorf("brokerURL() with TLS = %q", got)
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.MQTTAuthConfig{Username: "bridge", Password: "secret"}

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v", opts.Servers)
	}
	if opts.ClientID != "graylogic-ramses-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "bridge" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q", opts.Username, opts.Password)
	}
	if !opts.CleanSession || !opts.AutoReconnect || !opts.ConnectRetry {
		t.Error("expected clean session with auto reconnect")
	}
	if opts.TLSConfig != nil {
		t.Error("TLSConfig set without TLS")
	}
}

func TestBuildClientOptionsTLS(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true

	opts := buildClientOptions(cfg)
	if opts.TLSConfig == nil {
		t.Fatal("TLSConfig = nil with TLS enabled")
	}
	if opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Errorf("MinVersion = %x, want %x", opts.TLSConfig.MinVersion, tlsMinVersion)
	}
}

func TestConfigureWill(t *testing.T) {
	tests := []struct {
		name    string
		will    *Will
		enabled bool
	}{
		{"nil", nil, false},
		{"empty topic", &Will{Payload: []byte("x")}, false},
		{"health", &Will{Topic: "graylogic/health/ramses", Payload: []byte(`{"status":"offline"}`), QoS: 1, Retained: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := pahomqtt.NewClientOptions()
			configureWill(opts, tt.will)

			if opts.WillEnabled != tt.enabled {
				t.Fatalf("WillEnabled = %v, want %v", opts.WillEnabled, tt.enabled)
			}
			if !tt.enabled {
				return
			}
			if opts.WillTopic != tt.will.Topic {
				t.Errorf("WillTopic = %q", opts.WillTopic)
			}
			if string(opts.WillPayload) != string(tt.will.Payload) {
				t.Errorf("WillPayload = %q", opts.WillPayload)
			}
			if opts.WillQos != 1 || !opts.WillRetained {
				t.Errorf("WillQos = %d, WillRetained = %v", opts.WillQos, opts.WillRetained)
			}
		})
	}
}

// =============================================================================
// Disconnected Client Tests
// =============================================================================

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true for nil client")
	}
}

func TestHealthCheck(t *testing.T) {
	client := disconnectedClient()

	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() cancelled error = %v, want context.Canceled", err)
	}
}

func TestPublishValidation(t *testing.T) {
	client := disconnectedClient()

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		want    error
	}{
		{"empty topic", "", []byte("x"), 0, ErrInvalidTopic},
		{"invalid qos", "RAMSES/GATEWAY/18:000730/tx", []byte("x"), 3, ErrInvalidQoS},
		{"oversized", "RAMSES/GATEWAY/18:000730/tx", make([]byte, maxPayloadSize+1), 0, ErrPayloadTooLarge},
		{"disconnected", "RAMSES/GATEWAY/18:000730/tx", []byte("x"), 0, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	client := disconnectedClient()
	handler := func(string, []byte) error { return nil }

	tests := []struct {
		name    string
		topic   string
		qos     byte
		handler MessageHandler
		want    error
	}{
		{"empty topic", "", 0, handler, ErrInvalidTopic},
		{"invalid qos", "a/b", 3, handler, ErrInvalidQoS},
		{"nil handler", "a/b", 0, nil, ErrSubscribeFailed},
		{"disconnected", "a/b", 0, handler, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Subscribe(tt.topic, tt.qos, tt.handler)
			if !errors.Is(err, tt.want) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.want)
			}
		})
	}

	if subs := client.Subscriptions(); len(subs) != 0 {
		t.Errorf("Subscriptions() = %v after failed subscribes", subs)
	}
}

func TestUnsubscribeValidation(t *testing.T) {
	client := disconnectedClient()

	if err := client.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v", err)
	}
	if err := client.Unsubscribe("a/b"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe() error = %v", err)
	}
}

// =============================================================================
// Callback and Handler Tests
// =============================================================================

func TestConnectionCallbacks(t *testing.T) {
	client := newClient(testConfig(), nil)

	var connects int
	var lost error
	client.SetOnConnect(func() { connects++ })
	client.SetOnDisconnect(func(err error) { lost = err })

	client.handleConnect()
	if connects != 1 {
		t.Errorf("onConnect calls = %d, want 1", connects)
	}

	dropErr := errors.New("broker went away")
	client.handleDisconnect(dropErr)
	if !errors.Is(lost, dropErr) {
		t.Errorf("onDisconnect error = %v, want %v", lost, dropErr)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after disconnect")
	}

	client.SetOnConnect(nil)
	client.handleConnect()
	if connects != 1 {
		t.Error("cleared onConnect was invoked")
	}
}

func TestRestoreSubscriptionsLogsFailures(t *testing.T) {
	client := disconnectedClient()
	logger := &mockLogger{}
	client.SetLogger(logger)

	handler := func(string, []byte) error { return nil }
	client.subscriptions["RAMSES/GATEWAY/18:000730/rx"] = subscription{qos: 0, handler: handler}
	client.subscriptions["graylogic/command/ramses/+"] = subscription{qos: 1, handler: handler}

	client.handleConnect()

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.warns) != 2 {
		t.Errorf("warns = %v, want one per subscription", logger.warns)
	}
	if len(logger.infos) != 1 || !strings.Contains(logger.infos[0], "restored") {
		t.Errorf("infos = %v", logger.infos)
	}

	want := []string{"RAMSES/GATEWAY/18:000730/rx", "graylogic/command/ramses/+"}
	if got := client.Subscriptions(); !slices.Equal(got, want) {
		t.Errorf("Subscriptions() = %v, want %v", got, want)
	}
}

func TestWrapHandler(t *testing.T) {
	client := newClient(testConfig(), nil)
	logger := &mockLogger{}
	client.SetLogger(logger)

	var gotTopic, gotPayload string
	ok := client.wrapHandler(func(topic string, payload []byte) error {
		gotTopic, gotPayload = topic, string(payload)
		return nil
	})
	ok(nil, &fakeMessage{topic: "RAMSES/GATEWAY/18:000730/rx", payload: []byte(`{"msg":"x"}`)})
	if gotTopic != "RAMSES/GATEWAY/18:000730/rx" || gotPayload != `{"msg":"x"}` {
		t.Errorf("handler got %q %q", gotTopic, gotPayload)
	}

	failing := client.wrapHandler(func(string, []byte) error {
		return errors.New("bad envelope")
	})
	failing(nil, &fakeMessage{topic: "t"})

	panicking := client.wrapHandler(func(string, []byte) error {
		panic("boom")
	})
	panicking(nil, &fakeMessage{topic: "t"})

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.warns) != 1 || !strings.Contains(logger.warns[0], "handler error") {
		t.Errorf("warns = %v", logger.warns)
	}
	if len(logger.errors) != 1 || !strings.Contains(logger.errors[0], "panic") {
		t.Errorf("errors = %v", logger.errors)
	}
}

func TestWrapHandlerWithoutLogger(t *testing.T) {
	client := newClient(testConfig(), nil)
	handler := client.wrapHandler(func(string, []byte) error {
		panic("boom")
	})
	handler(nil, &fakeMessage{topic: "t"})

	client.SetLogger(&mockLogger{})
	if client.getLogger() == nil {
		t.Error("getLogger() = nil after SetLogger()")
	}
	client.SetLogger(nil)
	if client.getLogger() != nil {
		t.Error("getLogger() should be nil after SetLogger(nil)")
	}
}
