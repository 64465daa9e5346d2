package ramses

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"
)

// Coordinator defaults.
const (
	DefaultHumidityPollInterval = 5 * time.Minute

	// commandTimeout bounds the handling of one command from Core.
	commandTimeout = 10 * time.Second
)

// TelemetryWriter stores readings in a time series database.
// Implemented by the InfluxDB client.
type TelemetryWriter interface {
	WriteReading(deviceID, role string, fields map[string]any, at time.Time)
}

// DeviceStore records devices heard on air. Implemented by DeviceRecorder.
type DeviceStore interface {
	RecordFrame(src Address, signal int)
	RecordDiscovery(role Role, addr Address)
	RecordDeviceInfo(addr Address, info *DeviceInfoPayload)
	RecordGatewayVersion(gateway Address, version string)
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	// Engine is the protocol engine. Required.
	Engine *Engine

	// MQTT publishes state to Core and receives commands. Optional.
	MQTT MQTTClient

	// Telemetry receives sensor readings. Optional.
	Telemetry TelemetryWriter

	// Devices records devices and discoveries. Optional.
	Devices DeviceStore

	// HumidityPollInterval defaults to DefaultHumidityPollInterval.
	HumidityPollInterval time.Duration

	// DeviceIDs maps roles to Gray Logic device ids. Unmapped roles use
	// "ramses-{role}".
	DeviceIDs map[Role]string

	Logger Logger
}

// Coordinator turns decoded frames into device state. It keeps one state
// snapshot per role, publishes it to Gray Logic Core on every change,
// writes telemetry, executes commands from Core and polls humidity.
//
// Thread Safety: All methods are safe for concurrent use.
type Coordinator struct {
	engine       *Engine
	mqtt         MQTTClient
	telemetry    TelemetryWriter
	devices      DeviceStore
	pollInterval time.Duration
	deviceIDs    map[Role]string

	state   map[Role]map[string]any
	stateMu sync.RWMutex

	// publishMu orders retained state publishes per role.
	publishMu map[Role]*sync.Mutex

	pollOnce sync.Once

	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewCoordinator creates a coordinator. Call Start to register it with the
// engine.
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	interval := opts.HumidityPollInterval
	if interval <= 0 {
		interval = DefaultHumidityPollInterval
	}

	ids := make(map[Role]string, len(Roles))
	for _, r := range Roles {
		ids[r] = "ramses-" + string(r)
	}
	maps.Copy(ids, opts.DeviceIDs)

	publishMu := make(map[Role]*sync.Mutex, len(Roles))
	for _, r := range Roles {
		publishMu[r] = &sync.Mutex{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		engine:       opts.Engine,
		mqtt:         opts.MQTT,
		telemetry:    opts.Telemetry,
		devices:      opts.Devices,
		pollInterval: interval,
		deviceIDs:    ids,
		state:        make(map[Role]map[string]any),
		publishMu:    publishMu,
		ctx:          ctx,
		ctxCancel:    cancel,
		logger:       opts.Logger,
	}, nil
}

// handledCodes are the codes the coordinator registers handlers for.
var handledCodes = []Code{
	CodeFanState, CodeFanMode, CodeFanModeTimer, CodeCO2, CodeHumidity, CodeVentDemand,
	CodeDeviceInfo, CodeDeviceID, CodeBattery, CodeBind, CodeStartup,
}

// Start registers the handlers and subscribes to commands from Core.
func (c *Coordinator) Start() error {
	c.engine.RegisterHandler(CodeFanState, c.handleFanState)
	c.engine.RegisterHandler(CodeFanMode, c.handleFanMode)
	c.engine.RegisterHandler(CodeFanModeTimer, c.handleFanMode)
	c.engine.RegisterHandler(CodeCO2, c.handleCO2)
	c.engine.RegisterHandler(CodeHumidity, c.handleHumidity)
	c.engine.RegisterHandler(CodeVentDemand, c.handleVentDemand)
	c.engine.RegisterHandler(CodeDeviceInfo, c.handleDeviceInfo)
	c.engine.RegisterHandler(CodeDeviceID, c.handleDeviceID)
	c.engine.RegisterHandler(CodeBattery, c.handleBattery)
	c.engine.RegisterHandler(CodeBind, c.handleBind)
	c.engine.RegisterHandler(CodeStartup, c.handleStartup)
	c.engine.OnDiscovery(c.handleDiscovery)
	c.engine.OnAbandoned(c.handleAbandoned)

	if c.mqtt != nil {
		if err := c.mqtt.Subscribe(CommandSubscribeTopic(), 1, c.handleCommand); err != nil {
			return fmt.Errorf("subscribing to commands: %w", err)
		}
	}
	return nil
}

// Stop unregisters the handlers and ends humidity polling.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.ctxCancel()
		for _, code := range handledCodes {
			c.engine.UnregisterHandler(code)
		}
		if c.mqtt != nil {
			if err := c.mqtt.Unsubscribe(CommandSubscribeTopic()); err != nil {
				c.logDebug("unsubscribing from commands", "error", err)
			}
		}
		c.wg.Wait()
	})
}

// State returns a copy of the current state of role, nil when nothing was
// heard from it yet.
func (c *Coordinator) State(role Role) map[string]any {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if s, ok := c.state[role]; ok {
		return maps.Clone(s)
	}
	return nil
}

// GatewayVersion records the firmware version announced by the gateway.
// It is shaped to be passed as ESPGatewayOptions.OnVersion.
func (c *Coordinator) GatewayVersion(gateway Address, version string) {
	c.logInfo("gateway firmware", "gateway", gateway.String(), "version", version)
	if c.devices != nil {
		c.devices.RecordGatewayVersion(gateway, version)
	}
	c.update(RoleGateway, gateway, map[string]any{"firmware_version": version})
}

func (c *Coordinator) handleFanState(p Payload) {
	s, ok := p.(*FanStatePayload)
	if !ok || s.IsRequest() {
		return
	}
	if s.Fault {
		c.logWarn("fan reports a fault", "fan", s.Frame().Src.String(), "flags", fmt.Sprintf("%02X", s.Flags))
	}
	c.updateFrom(p, RoleFan, map[string]any{
		"fan_mode":     s.Preset,
		"has_fault":    s.Fault,
		"passive":      s.Passive,
		"damper_only":  s.DamperOnly,
		"filter_dirty": s.FilterDirty,
		"frost_cycle":  s.FrostCycle,
	}, map[string]any{
		"fan_preset": s.Preset,
		"fault":      s.Fault,
	})
}

// handleFanMode sees commands sent to the fan by physical remotes. The fan
// confirms them with 31D9, so only the request is recorded.
func (c *Coordinator) handleFanMode(p Payload) {
	m, ok := p.(*FanModePayload)
	if !ok || m.IsRequest() {
		return
	}
	c.logInfo("fan mode command seen", "src", m.Frame().Src.String(), "preset", m.Preset, "known", m.Known)
	c.updateFrom(p, RoleFan, map[string]any{"requested_mode": m.Preset}, nil)
}

func (c *Coordinator) handleCO2(p Payload) {
	s, ok := p.(*CO2Payload)
	if !ok || s.Level == nil {
		return
	}
	c.updateFrom(p, RoleCO2, map[string]any{"co2_level": *s.Level}, map[string]any{"co2_ppm": *s.Level})
}

func (c *Coordinator) handleHumidity(p Payload) {
	h, ok := p.(*HumidityPayload)
	if !ok || h.Level == nil {
		return
	}
	c.updateFrom(p, RoleFan, map[string]any{"humidity": *h.Level}, map[string]any{"humidity_pct": *h.Level})
	c.pollOnce.Do(c.startHumidityPolling)
}

func (c *Coordinator) handleVentDemand(p Payload) {
	v, ok := p.(*VentDemandPayload)
	if !ok || v.IsRequest() {
		return
	}
	state := map[string]any{"vent_demand": nil}
	var telemetry map[string]any
	if v.Percentage != nil {
		state["vent_demand"] = *v.Percentage
		telemetry = map[string]any{"vent_demand_pct": *v.Percentage}
	}
	c.updateFrom(p, RoleCO2, state, telemetry)
}

func (c *Coordinator) handleBattery(p Payload) {
	b, ok := p.(*BatteryPayload)
	if !ok || b.IsRequest() {
		return
	}
	if b.Low {
		c.logWarn("battery low", "device", b.Frame().Src.String())
	}
	state := map[string]any{"battery_low": b.Low, "battery_level": nil}
	var telemetry map[string]any
	if b.Level != nil {
		state["battery_level"] = *b.Level
		telemetry = map[string]any{"battery_pct": *b.Level}
	}
	c.updateFrom(p, RoleRemote, state, telemetry)
}

func (c *Coordinator) handleDeviceInfo(p Payload) {
	info, ok := p.(*DeviceInfoPayload)
	if !ok || info.IsRequest() {
		return
	}
	src := info.Frame().Src
	if info.Supported() {
		c.logInfo("supported device", "address", src.String(), "description", info.Description,
			"product_id", info.ProductID, "software", info.SoftwareVersion)
	} else {
		c.logWarn("unsupported device model", "address", src.String(), "description", info.Description,
			"manufacturer_sub_id", info.ManufacturerSubID, "product_id", info.ProductID)
	}
	if c.devices != nil {
		c.devices.RecordDeviceInfo(src, info)
	}
	c.updateFrom(p, RoleFan, map[string]any{
		"description": info.Description,
		"product_id":  info.ProductID,
		"software":    info.SoftwareVersion,
		"supported":   info.Supported(),
	}, nil)
}

func (c *Coordinator) handleDeviceID(p Payload) {
	d, ok := p.(*DeviceIDPayload)
	if !ok || d.IsRequest() {
		return
	}
	c.logDebug("device id reported", "src", d.Frame().Src.String(), "device_id", d.DeviceID.String())
	c.updateFrom(p, RoleFan, map[string]any{"device_id": d.DeviceID.String()}, nil)
}

func (c *Coordinator) handleBind(p Payload) {
	b, ok := p.(*BindPayload)
	if !ok {
		return
	}
	c.observe(p)
	for _, e := range b.Entries {
		c.logInfo("bind offer", "src", b.Frame().Src.String(), "zone", e.ZoneIdx,
			"code", e.Command, "device", e.Device.String())
	}
}

func (c *Coordinator) handleStartup(p Payload) {
	c.observe(p)
	c.logInfo("fan restarted", "fan", p.Frame().Src.String())
}

func (c *Coordinator) handleDiscovery(d Discovery) {
	if c.devices != nil {
		c.devices.RecordDiscovery(d.Role, d.Address)
	}
	if c.mqtt == nil {
		return
	}

	msg := DiscoveryMessage{
		Timestamp: time.Now().UTC(),
		Bridge:    ProtocolName,
		Devices: []DiscoveredDevice{{
			Protocol:     ProtocolName,
			Address:      d.Address.String(),
			Type:         string(d.Role),
			Capabilities: roleCapabilities[d.Role],
		}},
	}
	c.publishJSON(DiscoveryTopic(), msg, false)
}

// roleCapabilities are announced with discovered devices.
var roleCapabilities = map[Role][]string{
	RoleFan:     {"fan_mode", "humidity", "fault"},
	RoleCO2:     {"co2", "vent_demand"},
	RoleGateway: {"rf_gateway"},
}

func (c *Coordinator) handleAbandoned(f *Frame, err error) {
	role, _ := c.engine.Addresses().RoleOf(f.Dst)
	c.logWarn("device not answering", "role", role, "dst", f.Dst.String(), "code", f.Code, "error", err)
}

// handleCommand executes a command from Core and acknowledges it.
func (c *Coordinator) handleCommand(topic string, payload []byte) {
	address := AddressFromTopic(topic)

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		c.logError("invalid command message", err, "topic", topic)
		return
	}
	c.logInfo("command received", "id", cmd.ID, "command", cmd.Command, "address", address)

	ctx, cancel := context.WithTimeout(c.ctx, commandTimeout)
	defer cancel()

	var err error
	switch cmd.Command {
	case CommandSetPreset:
		preset, ok := cmd.StringParam("preset")
		if !ok {
			c.publishAckError(cmd, address, ErrCodeInvalidParameters, "missing parameter: preset")
			return
		}
		err = c.engine.SetPreset(ctx, preset)
	case CommandRefresh:
		err = c.refresh(ctx, address)
	default:
		c.publishAckError(cmd, address, ErrCodeInvalidCommand, fmt.Sprintf("unknown command %q", cmd.Command))
		return
	}

	switch {
	case err == nil:
		c.publishAck(cmd, address, AckAccepted)
	case errors.Is(err, ErrInvalidPreset):
		c.publishAckError(cmd, address, ErrCodeInvalidParameters, err.Error())
	case errors.Is(err, ErrUnknownRole):
		c.publishAckError(cmd, address, ErrCodeNotConfigured, err.Error())
	default:
		c.logError("command failed", err, "id", cmd.ID, "command", cmd.Command)
		c.publishAckError(cmd, address, ErrCodeBridgeError, err.Error())
	}
}

// refresh re-requests the state of the device at address, or of every
// known device when address names none of them.
func (c *Coordinator) refresh(ctx context.Context, address string) error {
	if addr, err := ParseAddress(address); err == nil {
		if role, ok := c.engine.Addresses().RoleOf(addr); ok && len(initialRequests[role]) > 0 {
			return c.engine.initRole(ctx, role)
		}
	}
	return c.engine.Setup(ctx, false)
}

// startHumidityPolling polls the fan for 12A0 until the coordinator stops.
func (c *Coordinator) startHumidityPolling() {
	if c.ctx.Err() != nil {
		return
	}
	c.logInfo("starting humidity polling", "interval", c.pollInterval.String())
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				err := c.engine.Request(c.ctx, CodeHumidity, RoleFan)
				if err != nil && !errors.Is(err, context.Canceled) {
					c.logWarn("humidity poll failed", "error", err)
				}
			}
		}
	}()
}

// observe records the frame behind p with the device store.
func (c *Coordinator) observe(p Payload) {
	if c.devices == nil {
		return
	}
	f := p.Frame()
	c.devices.RecordFrame(f.Src, f.SignalStrength)
}

// updateFrom applies a decoded payload to the state of its source. The
// source's known role wins over fallback.
func (c *Coordinator) updateFrom(p Payload, fallback Role, state, telemetry map[string]any) {
	c.observe(p)

	f := p.Frame()
	role, ok := c.engine.Addresses().RoleOf(f.Src)
	if !ok {
		role = fallback
	}
	if f.HasSignal() {
		state["signal_strength"] = f.RSSI()
		if telemetry != nil {
			telemetry["signal_dbm"] = f.RSSI()
		}
	}
	at := f.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}

	c.update(role, f.Src, state)
	if c.telemetry != nil && len(telemetry) > 0 {
		c.telemetry.WriteReading(c.deviceIDs[role], string(role), telemetry, at)
	}
}

// update merges fields into the state of role and publishes the result.
// Updates to one role publish in the order they were merged, so the
// retained message always carries the latest state.
func (c *Coordinator) update(role Role, addr Address, fields map[string]any) {
	if mu, ok := c.publishMu[role]; ok {
		mu.Lock()
		defer mu.Unlock()
	}

	c.stateMu.Lock()
	s, ok := c.state[role]
	if !ok {
		s = make(map[string]any)
		c.state[role] = s
	}
	maps.Copy(s, fields)
	snapshot := maps.Clone(s)
	c.stateMu.Unlock()

	if c.mqtt == nil || addr.IsEmpty() {
		return
	}
	msg := NewStateMessage(c.deviceIDs[role], addr.String(), snapshot)
	c.publishJSON(StateTopic(addr.String()), msg, true)
}

func (c *Coordinator) publishAck(cmd CommandMessage, address string, status AckStatus) {
	c.publishJSON(AckTopic(address), NewAckMessage(cmd, status, address), false)
}

func (c *Coordinator) publishAckError(cmd CommandMessage, address, code, message string) {
	c.publishJSON(AckTopic(address), NewAckError(cmd, address, code, message, 0), false)
}

// publishJSON publishes v with QoS 1.
func (c *Coordinator) publishJSON(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logError("failed to marshal message", err, "topic", topic)
		return
	}
	if err := c.mqtt.Publish(topic, payload, 1, retained); err != nil {
		c.logError("failed to publish", err, "topic", topic)
	}
}

// SetLogger sets the logger for the coordinator.
func (c *Coordinator) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Coordinator) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Coordinator) logInfo(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (c *Coordinator) logWarn(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (c *Coordinator) logDebug(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (c *Coordinator) logError(msg string, err error, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
