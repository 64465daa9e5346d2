package ramses

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// DefaultBaseTopic is the topic prefix used by ramses_esp firmware.
const DefaultBaseTopic = "RAMSES/GATEWAY"

// MQTTClient is the subset of the MQTT client the ESP gateway needs.
// It is satisfied by an adapter around *mqtt.Client (see cmd/graylogic-ramses).
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// Unsubscribe removes a subscription.
	Unsubscribe(topic string) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// ESPTopics builds the topics of one ramses_esp gateway.
type ESPTopics struct {
	Base    string
	Gateway string
}

// Online is the wildcard under which gateways announce themselves.
//
// Example: RAMSES/GATEWAY/+
func (t ESPTopics) Online() string {
	return t.Base + "/+"
}

// RX carries received frames as {"ts": ..., "msg": ...}.
//
// Example: RAMSES/GATEWAY/18:149960/rx
func (t ESPTopics) RX() string {
	return fmt.Sprintf("%s/%s/rx", t.Base, t.Gateway)
}

// TX accepts frames to transmit as {"msg": ...}.
func (t ESPTopics) TX() string {
	return fmt.Sprintf("%s/%s/tx", t.Base, t.Gateway)
}

// Version carries the gateway firmware version.
func (t ESPTopics) Version() string {
	return fmt.Sprintf("%s/%s/info/version", t.Base, t.Gateway)
}

// ESPGatewayOptions configures an ESPGateway.
type ESPGatewayOptions struct {
	// Client is required.
	Client MQTTClient

	// BaseTopic defaults to DefaultBaseTopic.
	BaseTopic string

	// GatewayID is the gateway's device id. When empty, Discover learns it
	// from the first announcement under the base topic.
	GatewayID Address

	// QoS for transmitted frames.
	QoS byte

	// OnVersion is called with the firmware version published by the
	// gateway. Optional.
	OnVersion func(gateway Address, version string)

	Logger Logger
}

// ESPGateway is a Gateway reached through a ramses_esp stick over MQTT.
//
// Thread Safety: All methods are safe for concurrent use.
type ESPGateway struct {
	client    MQTTClient
	base      string
	qos       byte
	onVersion func(Address, string)

	gatewayID Address
	idMu      sync.RWMutex

	onEnvelope func(Envelope)
	callbackMu sync.RWMutex

	subscribed []string
	subMu      sync.Mutex

	logger Logger
}

// txEnvelope is the JSON accepted on the tx topic.
type txEnvelope struct {
	Line string `json:"msg"`
}

// NewESPGateway creates a gateway. Call Discover (when the id is unknown)
// and then Start.
func NewESPGateway(opts ESPGatewayOptions) (*ESPGateway, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("mqtt client is required")
	}
	base := strings.TrimSuffix(opts.BaseTopic, "/")
	if base == "" {
		base = DefaultBaseTopic
	}
	return &ESPGateway{
		client:    opts.Client,
		base:      base,
		qos:       opts.QoS,
		onVersion: opts.OnVersion,
		gatewayID: opts.GatewayID,
		logger:    opts.Logger,
	}, nil
}

// GatewayID returns the gateway id, empty until known.
func (g *ESPGateway) GatewayID() Address {
	g.idMu.RLock()
	defer g.idMu.RUnlock()
	return g.gatewayID
}

// Topics returns the topics of the current gateway.
func (g *ESPGateway) Topics() ESPTopics {
	return ESPTopics{Base: g.base, Gateway: g.GatewayID().String()}
}

// Discover waits for a gateway to announce itself under the base topic and
// adopts its id. It returns immediately when the id is already known.
//
// Returns:
//   - Address: The gateway id
//   - error: The context error when cancelled, or a subscribe failure
func (g *ESPGateway) Discover(ctx context.Context) (Address, error) {
	if id := g.GatewayID(); !id.IsEmpty() {
		g.logInfo("using configured gateway", "gateway", id.String())
		return id, nil
	}

	found := make(chan Address, 1)
	online := ESPTopics{Base: g.base}.Online()
	err := g.client.Subscribe(online, 1, func(topic string, _ []byte) {
		id, err := ParseAddress(topic[strings.LastIndex(topic, "/")+1:])
		if err != nil || id.IsEmpty() {
			g.logDebug("ignoring announcement", "topic", topic)
			return
		}
		select {
		case found <- id:
		default:
		}
	})
	if err != nil {
		return NoAddress, fmt.Errorf("%w: subscribe %s: %w", ErrTransport, online, err)
	}
	defer func() {
		if err := g.client.Unsubscribe(online); err != nil {
			g.logWarn("unsubscribe failed", "topic", online, "error", err)
		}
	}()

	select {
	case id := <-found:
		g.idMu.Lock()
		g.gatewayID = id
		g.idMu.Unlock()
		g.logInfo("discovered gateway", "gateway", id.String())
		return id, nil
	case <-ctx.Done():
		return NoAddress, ctx.Err()
	}
}

// Start subscribes to the gateway's rx and version topics.
func (g *ESPGateway) Start() error {
	if g.GatewayID().IsEmpty() {
		return fmt.Errorf("%w: gateway id unknown", ErrUnknownRole)
	}
	topics := g.Topics()

	subs := []struct {
		topic   string
		handler func(string, []byte)
	}{
		{topics.RX(), g.handleRX},
		{topics.Version(), g.handleVersion},
	}
	for _, s := range subs {
		if err := g.client.Subscribe(s.topic, 1, s.handler); err != nil {
			return fmt.Errorf("%w: subscribe %s: %w", ErrTransport, s.topic, err)
		}
		g.subMu.Lock()
		g.subscribed = append(g.subscribed, s.topic)
		g.subMu.Unlock()
		g.logDebug("subscribed", "topic", s.topic)
	}
	return nil
}

// Stop removes the gateway subscriptions.
func (g *ESPGateway) Stop() {
	g.subMu.Lock()
	topics := g.subscribed
	g.subscribed = nil
	g.subMu.Unlock()

	for _, topic := range topics {
		if err := g.client.Unsubscribe(topic); err != nil {
			g.logWarn("unsubscribe failed", "topic", topic, "error", err)
		}
	}
}

// Send implements Gateway by publishing {"msg": line} on the tx topic.
func (g *ESPGateway) Send(ctx context.Context, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.GatewayID().IsEmpty() {
		return fmt.Errorf("%w: gateway id unknown", ErrTransport)
	}

	payload, err := json.Marshal(txEnvelope{Line: line})
	if err != nil {
		return fmt.Errorf("%w: encode envelope: %w", ErrTransport, err)
	}
	topic := g.Topics().TX()
	if err := g.client.Publish(topic, payload, g.qos, false); err != nil {
		return fmt.Errorf("%w: publish %s: %w", ErrTransport, topic, err)
	}
	return nil
}

// SetOnEnvelope implements Gateway.
func (g *ESPGateway) SetOnEnvelope(callback func(Envelope)) {
	g.callbackMu.Lock()
	g.onEnvelope = callback
	g.callbackMu.Unlock()
}

func (g *ESPGateway) handleRX(topic string, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		g.logWarn("discarding malformed envelope", "topic", topic, "payload", string(payload), "error", err)
		return
	}
	if env.Line == "" {
		g.logWarn("discarding envelope without msg", "topic", topic, "payload", string(payload))
		return
	}

	g.callbackMu.RLock()
	cb := g.onEnvelope
	g.callbackMu.RUnlock()
	if cb != nil {
		cb(env)
	}
}

func (g *ESPGateway) handleVersion(_ string, payload []byte) {
	version := strings.TrimSpace(string(payload))
	id := g.GatewayID()
	g.logInfo("gateway firmware", "gateway", id.String(), "version", version)
	if g.onVersion != nil {
		g.onVersion(id, version)
	}
}

func (g *ESPGateway) logInfo(msg string, keysAndValues ...any) {
	if g.logger != nil {
		g.logger.Info(msg, keysAndValues...)
	}
}

func (g *ESPGateway) logWarn(msg string, keysAndValues ...any) {
	if g.logger != nil {
		g.logger.Warn(msg, keysAndValues...)
	}
}

func (g *ESPGateway) logDebug(msg string, keysAndValues ...any) {
	if g.logger != nil {
		g.logger.Debug(msg, keysAndValues...)
	}
}
