package ramses

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCommandMessageJSON(t *testing.T) {
	cmd := CommandMessage{
		ID:         "cmd-123",
		Timestamp:  time.Date(2026, 10, 19, 10, 30, 0, 0, time.UTC),
		DeviceID:   "mvhr-utility",
		Command:    CommandSetPreset,
		Parameters: map[string]any{"preset": PresetHigh30m},
		Source:     "automation",
	}

	data, err := json.Marshal(&cmd)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal to map failed: %v", err)
	}
	if ts := raw["timestamp"]; ts != "2026-10-19T10:30:00Z" {
		t.Errorf("timestamp = %v", ts)
	}

	var decoded CommandMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.ID != cmd.ID || decoded.Command != cmd.Command {
		t.Errorf("decoded = %+v", decoded)
	}
	if !decoded.Timestamp.Equal(cmd.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", decoded.Timestamp, cmd.Timestamp)
	}
	if preset, ok := decoded.StringParam("preset"); !ok || preset != PresetHigh30m {
		t.Errorf("StringParam(preset) = %q, %v", preset, ok)
	}
}

func TestCommandMessageUnmarshalErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"bad timestamp", `{"id":"x","timestamp":"yesterday"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cmd CommandMessage
			if err := json.Unmarshal([]byte(tt.data), &cmd); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestStringParam(t *testing.T) {
	cmd := CommandMessage{Parameters: map[string]any{"preset": 3}}
	if _, ok := cmd.StringParam("preset"); ok {
		t.Error("non-string parameter should not be returned")
	}
	if _, ok := cmd.StringParam("missing"); ok {
		t.Error("missing parameter should not be returned")
	}
}

func TestNewAckMessage(t *testing.T) {
	cmd := CommandMessage{ID: "cmd-456", DeviceID: "mvhr-utility"}
	ack := NewAckMessage(cmd, AckAccepted, "29:224547")

	if ack.CommandID != "cmd-456" || ack.DeviceID != "mvhr-utility" {
		t.Errorf("ack = %+v", ack)
	}
	if ack.Protocol != "ramses" {
		t.Errorf("Protocol = %q, want ramses", ack.Protocol)
	}
	if ack.Address != "29:224547" {
		t.Errorf("Address = %q", ack.Address)
	}
	if ack.Error != nil {
		t.Error("Error should be nil for accepted status")
	}
}

func TestNewAckError(t *testing.T) {
	cmd := CommandMessage{ID: "cmd-789"}

	ack := NewAckError(cmd, "29:224547", ErrCodeInvalidParameters, "unknown preset", 0)
	if ack.Status != AckFailed {
		t.Errorf("Status = %q, want %q", ack.Status, AckFailed)
	}
	if ack.Error == nil || ack.Error.Code != ErrCodeInvalidParameters {
		t.Fatalf("Error = %+v", ack.Error)
	}

	timeout := NewAckError(cmd, "29:224547", ErrCodeTimeout, "no state", 2)
	if timeout.Status != AckTimeout {
		t.Errorf("Status = %q, want %q", timeout.Status, AckTimeout)
	}
	if timeout.Error.Retries != 2 {
		t.Errorf("Retries = %d", timeout.Error.Retries)
	}
}

func TestNewHealthMessage(t *testing.T) {
	start := time.Now().Add(-90 * time.Second)
	stats := EngineStats{
		FramesReceived: 500,
		FramesSent:     20,
		DecodeErrors:   3,
		Abandoned:      1,
		Pending:        2,
	}

	msg := NewHealthMessage("ramses", "1.0.0", HealthHealthy, stats, 3, start)
	if msg.UptimeSeconds < 89 {
		t.Errorf("UptimeSeconds = %d", msg.UptimeSeconds)
	}
	if msg.Connection.Status != "silent" || msg.Connection.LastActivity != nil {
		t.Errorf("Connection = %+v, want silent", msg.Connection)
	}
	if msg.Statistics.MessagesReceived != 500 || msg.Statistics.Errors != 3 || msg.Statistics.PendingRequests != 2 {
		t.Errorf("Statistics = %+v", msg.Statistics)
	}

	stats.LastActivity = time.Now()
	msg = NewHealthMessage("ramses", "1.0.0", HealthHealthy, stats, 3, start)
	if msg.Connection.Status != "active" || msg.Connection.LastActivity == nil {
		t.Errorf("Connection = %+v, want active", msg.Connection)
	}
}

func TestNewLWTMessage(t *testing.T) {
	msg := NewLWTMessage("ramses")
	if msg.Status != HealthOffline || msg.Reason != "unexpected_disconnect" {
		t.Errorf("LWT = %+v", msg)
	}
}

func TestTopics(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{CommandTopic("29:224547"), "graylogic/command/ramses/29:224547"},
		{CommandSubscribeTopic(), "graylogic/command/ramses/+"},
		{AckTopic("29:224547"), "graylogic/ack/ramses/29:224547"},
		{StateTopic("37:123456"), "graylogic/state/ramses/37:123456"},
		{HealthTopic(), "graylogic/health/ramses"},
		{DiscoveryTopic(), "graylogic/discovery/ramses"},
		{AddressFromTopic("graylogic/command/ramses/29:224547"), "29:224547"},
		{AddressFromTopic("29:224547"), "29:224547"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}
