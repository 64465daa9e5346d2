package ramses

import (
	"fmt"
	"time"
)

// MQTT message types exchanged between Gray Logic Core and the RAMSES bridge.
// They follow the Gray Logic bridge interface shared by every protocol bridge.

// ProtocolName identifies this bridge in topics and messages.
const ProtocolName = "ramses"

// CommandMessage is sent from Core to the bridge to drive a device.
// Topic: graylogic/command/ramses/{address}
type CommandMessage struct {
	// ID correlates the command with its acknowledgment.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the Gray Logic device identifier.
	DeviceID string `json:"device_id"`

	// Command is "set_preset" or "refresh".
	Command string `json:"command"`

	// Parameters contains command-specific values.
	//   {"preset": "High (30m)"} for set_preset
	Parameters map[string]any `json:"parameters,omitempty"`

	Source string `json:"source"`
	UserID string `json:"user_id,omitempty"`
}

// Command names accepted from Core.
const (
	CommandSetPreset = "set_preset"
	CommandRefresh   = "refresh"
)

// AckStatus is the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command was transmitted.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the device never confirmed the command.
	AckTimeout AckStatus = "timeout"
)

// AckMessage acknowledges a command.
// Topic: graylogic/ack/ramses/{address}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`

	// Address is the RAMSES device id, e.g. "29:224547".
	Address string `json:"address"`

	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Retries int    `json:"retries,omitempty"`
}

// Error codes for command failures.
const (
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage reports the aggregated state of one device.
// Topic: graylogic/state/ramses/{address}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`

	// State depends on the role:
	//   fan:    {"fan_mode": "Auto", "humidity": 47, "has_fault": false}
	//   co2:    {"co2_level": 434, "vent_demand": 37.5}
	//   remote: {"battery_level": 100, "battery_low": false}
	State map[string]any `json:"state"`

	Protocol string `json:"protocol"`
	Address  string `json:"address"`
}

// HealthStatus is the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"

	// HealthOffline is only ever sent by the broker as the LWT.
	HealthOffline  HealthStatus = "offline"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: graylogic/health/ramses
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string       `json:"bridge"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptime_seconds"`

	Connection *ConnectionStatus `json:"connection,omitempty"`
	Statistics *BridgeStatistics `json:"statistics,omitempty"`

	// DevicesManaged counts the fan, CO2 sensor and remote with known ids.
	DevicesManaged int `json:"devices_managed"`

	Reason string `json:"reason,omitempty"`
}

// ConnectionStatus describes the RF gateway.
type ConnectionStatus struct {
	// Status is "active" while frames arrive, "silent" otherwise.
	Status string `json:"status"`

	// Address is the gateway device id.
	Address string `json:"address"`

	// Transport is "mqtt" or "serial".
	Transport string `json:"transport,omitempty"`

	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// BridgeStatistics contains engine counters.
type BridgeStatistics struct {
	MessagesReceived uint64 `json:"messages_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	Errors           uint64 `json:"errors"`
	RequestsMatched  uint64 `json:"requests_matched"`
	Retries          uint64 `json:"retries"`
	Abandoned        uint64 `json:"abandoned"`
	PendingRequests  int    `json:"pending_requests"`
}

// DiscoveryMessage announces a device id learned from traffic.
// Topic: graylogic/discovery/ramses
type DiscoveryMessage struct {
	Timestamp time.Time          `json:"timestamp"`
	Bridge    string             `json:"bridge"`
	Devices   []DiscoveredDevice `json:"devices"`
}

// DiscoveredDevice is one entry of a DiscoveryMessage.
type DiscoveredDevice struct {
	Protocol string `json:"protocol"`
	Address  string `json:"address"`

	// Type is the role: "fan", "co2" or "gateway".
	Type string `json:"type"`

	Capabilities []string `json:"capabilities"`
}

// StringParam returns a string parameter of the command.
func (m *CommandMessage) StringParam(name string) (string, bool) {
	v, ok := m.Parameters[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// NewAckMessage creates an acknowledgment for cmd.
func NewAckMessage(cmd CommandMessage, status AckStatus, address string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  ProtocolName,
		Address:   address,
	}
}

// NewAckError creates a failed acknowledgment. A TIMEOUT code yields the
// timeout status.
func NewAckError(cmd CommandMessage, address, code, message string, retries int) AckMessage {
	ack := NewAckMessage(cmd, AckFailed, address)
	if code == ErrCodeTimeout {
		ack.Status = AckTimeout
	}
	ack.Error = &AckError{Code: code, Message: message, Retries: retries}
	return ack
}

// NewStateMessage creates a state message for the device at address.
func NewStateMessage(deviceID, address string, state map[string]any) StateMessage {
	return StateMessage{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		State:     state,
		Protocol:  ProtocolName,
		Address:   address,
	}
}

// NewHealthMessage builds a health message from engine statistics.
func NewHealthMessage(bridgeID, version string, status HealthStatus, stats EngineStats, deviceCount int, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		Bridge:         bridgeID,
		Timestamp:      time.Now().UTC(),
		Status:         status,
		Version:        version,
		UptimeSeconds:  int64(time.Since(startTime).Seconds()),
		DevicesManaged: deviceCount,
		Connection:     &ConnectionStatus{Status: "silent"},
		Statistics: &BridgeStatistics{
			MessagesReceived: stats.FramesReceived,
			MessagesSent:     stats.FramesSent,
			Errors:           stats.DecodeErrors,
			RequestsMatched:  stats.RequestsMatched,
			Retries:          stats.Retries,
			Abandoned:        stats.Abandoned,
			PendingRequests:  stats.Pending,
		},
	}
	if !stats.LastActivity.IsZero() {
		last := stats.LastActivity.UTC()
		msg.Connection.Status = "active"
		msg.Connection.LastActivity = &last
	}
	return msg
}

// NewLWTMessage creates the Last Will and Testament health message.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// TopicPrefix is the base topic for all Gray Logic messages.
const TopicPrefix = "graylogic"

// CommandTopic returns the command topic for a device.
// Example: graylogic/command/ramses/29:224547
func CommandTopic(address string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, ProtocolName, address)
}

// CommandSubscribeTopic returns the subscription pattern for all commands.
// Example: graylogic/command/ramses/+
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefix, ProtocolName)
}

// AckTopic returns the acknowledgment topic for a device.
// Example: graylogic/ack/ramses/29:224547
func AckTopic(address string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, ProtocolName, address)
}

// StateTopic returns the state topic for a device.
// Example: graylogic/state/ramses/37:123456
func StateTopic(address string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, ProtocolName, address)
}

// HealthTopic returns the bridge health topic.
func HealthTopic() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, ProtocolName)
}

// DiscoveryTopic returns the discovery announcement topic.
func DiscoveryTopic() string {
	return fmt.Sprintf("%s/discovery/%s", TopicPrefix, ProtocolName)
}

// AddressFromTopic returns the last segment of a command topic.
func AddressFromTopic(topic string) string {
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == '/' {
			return topic[i+1:]
		}
	}
	return topic
}
