package ramses

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// fakeGateway records transmitted lines and lets tests inject received ones.
type fakeGateway struct {
	mu       sync.Mutex
	sent     []string
	err      error
	callback func(Envelope)
}

func (g *fakeGateway) Send(_ context.Context, line string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.sent = append(g.sent, line)
	return nil
}

func (g *fakeGateway) SetOnEnvelope(callback func(Envelope)) {
	g.mu.Lock()
	g.callback = callback
	g.mu.Unlock()
}

func (g *fakeGateway) setErr(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

func (g *fakeGateway) Sent() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.sent))
	copy(out, g.sent)
	return out
}

// Receive delivers a line through the registered callback.
func (g *fakeGateway) Receive(line string) {
	g.mu.Lock()
	cb := g.callback
	g.mu.Unlock()
	if cb != nil {
		cb(Envelope{Timestamp: time.Now().Format(time.RFC3339Nano), Line: line})
	}
}

// fakeTimer is one callback registered with fakeScheduler.
type fakeTimer struct {
	delay     time.Duration
	fn        func()
	cancelled bool
	fired     bool
}

// fakeScheduler holds timers until the test fires them.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, fn func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{delay: d, fn: fn}
	s.timers = append(s.timers, t)
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if t.cancelled || t.fired {
			return false
		}
		t.cancelled = true
		return true
	}
}

// Pending returns the number of armed timers.
func (s *fakeScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.cancelled && !t.fired {
			n++
		}
	}
	return n
}

// FireAll runs every armed timer once. Timers armed by the callbacks wait
// for the next call.
func (s *fakeScheduler) FireAll() int {
	s.mu.Lock()
	var due []*fakeTimer
	for _, t := range s.timers {
		if !t.cancelled && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
	return len(due)
}

// Delays returns the delay of every timer ever armed.
func (s *fakeScheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.timers))
	for i, t := range s.timers {
		out[i] = t.delay
	}
	return out
}

// testLogger records log lines by level.
type testLogger struct {
	mu    sync.Mutex
	lines map[string][]string
}

func newTestLogger() *testLogger {
	return &testLogger{lines: make(map[string][]string)}
}

func (l *testLogger) record(level, msg string, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines[level] = append(l.lines[level], fmt.Sprint(append([]any{msg}, kv...)...))
}

func (l *testLogger) Debug(msg string, kv ...any) { l.record("debug", msg, kv) }
func (l *testLogger) Info(msg string, kv ...any)  { l.record("info", msg, kv) }
func (l *testLogger) Warn(msg string, kv ...any)  { l.record("warn", msg, kv) }
func (l *testLogger) Error(msg string, kv ...any) { l.record("error", msg, kv) }

func (l *testLogger) Count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines[level])
}

// fakeMetrics counts engine metric calls.
type fakeMetrics struct {
	mu        sync.Mutex
	received  map[string]int
	sent      int
	matched   int
	retried   int
	abandoned int
	pending   int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{received: make(map[string]int)}
}

func (m *fakeMetrics) FrameReceived(_ Code, result string) {
	m.mu.Lock()
	m.received[result]++
	m.mu.Unlock()
}

func (m *fakeMetrics) FrameSent(Code) {
	m.mu.Lock()
	m.sent++
	m.mu.Unlock()
}

func (m *fakeMetrics) RequestMatched(Code) {
	m.mu.Lock()
	m.matched++
	m.mu.Unlock()
}

func (m *fakeMetrics) RequestRetried(Code) {
	m.mu.Lock()
	m.retried++
	m.mu.Unlock()
}

func (m *fakeMetrics) RequestAbandoned(Code) {
	m.mu.Lock()
	m.abandoned++
	m.mu.Unlock()
}

func (m *fakeMetrics) PendingRequests(n int) {
	m.mu.Lock()
	m.pending = n
	m.mu.Unlock()
}

func (m *fakeMetrics) Received(result string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.received[result]
}

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu         sync.Mutex
	published  []mockPublish
	handlers   map[string]func(topic string, payload []byte)
	connected  bool
	publishErr error
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockPublish, len(m.published))
	copy(out, m.published)
	return out
}

func (m *MockMQTTClient) HasSubscription(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[topic]
	return ok
}

// SimulateMessage delivers payload to every handler whose pattern matches
// topic. Only the single level wildcard is supported.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	var matched []func(string, []byte)
	for pattern, h := range m.handlers {
		if topicMatches(pattern, topic) {
			matched = append(matched, h)
		}
	}
	m.mu.Unlock()

	for _, h := range matched {
		h(topic, payload)
	}
}

func topicMatches(pattern, topic string) bool {
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")
	if len(p) != len(t) {
		return false
	}
	for i := range p {
		if p[i] != "+" && p[i] != t[i] {
			return false
		}
	}
	return true
}
