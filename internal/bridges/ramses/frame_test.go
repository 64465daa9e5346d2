package ramses

import (
	"errors"
	"testing"
	"time"
)

func TestParseFrame(t *testing.T) {
	env := Envelope{
		Timestamp: "2024-03-01T12:30:45.123456+00:00",
		Line:      "080  I --- 32:098366 --:------ 32:098366 1298 003 0001B2",
	}

	f, err := ParseFrame(env)
	if err != nil {
		t.Fatalf("ParseFrame() error = %v", err)
	}

	if f.SignalStrength != 80 || !f.HasSignal() {
		t.Errorf("SignalStrength = %d (has %v), want 80", f.SignalStrength, f.HasSignal())
	}
	if f.RSSI() != -80 {
		t.Errorf("RSSI() = %d, want -80", f.RSSI())
	}
	if f.Verb != VerbInformation {
		t.Errorf("Verb = %q, want I", f.Verb)
	}
	if f.Src.String() != "32:098366" || !f.Dst.IsEmpty() || f.Announce.String() != "32:098366" {
		t.Errorf("addresses = %s %s %s", f.Src, f.Dst, f.Announce)
	}
	if f.Code != CodeCO2 {
		t.Errorf("Code = %q, want 1298", f.Code)
	}
	if f.Length() != 3 || f.Payload() != "0001B2" {
		t.Errorf("payload = %q (%d)", f.Payload(), f.Length())
	}
	if f.ID == "" {
		t.Error("ID should be set")
	}
	want := time.Date(2024, 3, 1, 12, 30, 45, 123456000, time.UTC)
	if !f.ReceivedAt.Equal(want) {
		t.Errorf("ReceivedAt = %v, want %v", f.ReceivedAt, want)
	}
	if f.String() != env.Line {
		t.Errorf("String() = %q, want %q", f.String(), env.Line)
	}
}

func TestParseFrameSignalFallback(t *testing.T) {
	f, err := ParseFrame(Envelope{Line: "... RQ --- 18:000730 32:098366 --:------ 31D9 001 00"})
	if err != nil {
		t.Fatalf("ParseFrame() error = %v", err)
	}
	if f.HasSignal() || f.SignalStrength != -1 {
		t.Errorf("signal = %d (has %v), want -1", f.SignalStrength, f.HasSignal())
	}
	if f.RSSI() != 0 {
		t.Errorf("RSSI() = %d, want 0", f.RSSI())
	}
	if f.String() != "000 RQ --- 18:000730 32:098366 --:------ 31D9 001 00" {
		t.Errorf("String() = %q", f.String())
	}
}

func TestParseFrameErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
		want error
	}{
		{"empty", "", ErrMalformedFrame},
		{"too few fields", "045 I --- 32:098366", ErrMalformedFrame},
		{"missing separator", "045 I -- 32:098366 --:------ 32:098366 1298 003 0001B2", ErrMalformedFrame},
		{"bad verb", "045 XX --- 32:098366 --:------ 32:098366 1298 003 0001B2", ErrMalformedFrame},
		{"bad address", "045  I --- 32:98366 --:------ 32:098366 1298 003 0001B2", ErrMalformedAddress},
		{"bad code", "045  I --- 32:098366 --:------ 32:098366 12G8 003 0001B2", ErrMalformedFrame},
		{"short code", "045  I --- 32:098366 --:------ 32:098366 129 003 0001B2", ErrMalformedFrame},
		{"bad length", "045  I --- 32:098366 --:------ 32:098366 1298 3 0001B2", ErrMalformedFrame},
		{"length mismatch", "045  I --- 32:098366 --:------ 32:098366 1298 002 0001B2", ErrMalformedFrame},
		{"odd payload", "045  I --- 32:098366 --:------ 32:098366 1298 003 0001B", ErrMalformedFrame},
		{"non hex payload", "045  I --- 32:098366 --:------ 32:098366 1298 003 0001BZ", ErrMalformedFrame},
		{"payload with zero length", "045  I --- 32:098366 --:------ 32:098366 1298 000 00", ErrMalformedFrame},
		{"length without payload", "045  I --- 32:098366 --:------ 32:098366 1298 003", ErrMalformedFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFrame(Envelope{Line: tt.line})
			if !errors.Is(err, tt.want) {
				t.Errorf("ParseFrame(%q) error = %v, want %v", tt.line, err, tt.want)
			}
		})
	}
}

func TestParseFrameZeroLength(t *testing.T) {
	f, err := ParseFrame(Envelope{Line: "045  I --- 32:098366 --:------ 32:098366 1298 000"})
	if err != nil {
		t.Fatalf("ParseFrame() error = %v", err)
	}
	if f.Length() != 0 || f.Payload() != "" {
		t.Errorf("payload = %q (%d), want empty", f.Payload(), f.Length())
	}
}

func TestFrameRoundTrip(t *testing.T) {
	remote := MustParseAddress("29:163058")
	fan := MustParseAddress("32:098366")

	frames := []*Frame{}
	for _, preset := range Presets() {
		f, err := FanCommand(preset, remote, fan)
		if err != nil {
			t.Fatalf("FanCommand(%q): %v", preset, err)
		}
		frames = append(frames, f)
	}
	req, err := DefaultRegistry().BuildRequest(CodeHumidity, MustParseAddress("18:149960"), MustParseAddress("29:224547"))
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	frames = append(frames, req)

	for _, f := range frames {
		// Gateways echo the transmit form with a signal column prepended.
		parsed, err := ParseFrame(Envelope{Timestamp: "2024-03-01T12:00:00", Line: "045 " + f.TransmitLine()})
		if err != nil {
			t.Fatalf("ParseFrame(%q): %v", f.TransmitLine(), err)
		}
		if parsed.Verb != f.Verb || parsed.Src != f.Src || parsed.Dst != f.Dst ||
			parsed.Announce != f.Announce || parsed.Code != f.Code || parsed.Payload() != f.Payload() {
			t.Errorf("round trip mismatch:\n sent %s\n got  %s", f.TransmitLine(), parsed.TransmitLine())
		}
		if parsed.ID == f.ID {
			t.Error("parsed frame should get its own ID")
		}

		again, err := ParseFrame(Envelope{Line: parsed.String()})
		if err != nil {
			t.Fatalf("ParseFrame(String()): %v", err)
		}
		if again.String() != parsed.String() {
			t.Errorf("String() not stable: %q vs %q", again.String(), parsed.String())
		}
	}
}

func TestSetPayload(t *testing.T) {
	tests := []struct {
		payload string
		length  int
		wantErr bool
	}{
		{"", 0, false},
		{"00", 1, false},
		{"00021e03040000", 7, false},
		{"0", 0, true},
		{"00021", 0, true},
		{"ZZ", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			f := NewFrame()
			err := f.SetPayload(tt.payload)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedFrame) {
					t.Fatalf("error = %v, want ErrMalformedFrame", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if f.Length() != tt.length || f.Length() != len(f.Payload())/2 {
				t.Errorf("Length() = %d, want %d", f.Length(), tt.length)
			}
		})
	}
}

func TestNewFrameDefaults(t *testing.T) {
	f := NewFrame()
	if !f.Src.IsEmpty() || !f.Dst.IsEmpty() || !f.Announce.IsEmpty() {
		t.Error("new frame addresses should be empty")
	}
	if f.SignalStrength != -1 || f.HasSignal() {
		t.Errorf("SignalStrength = %d, want -1", f.SignalStrength)
	}
	if f.ID == "" || f.ID == NewFrame().ID {
		t.Error("each frame needs a unique ID")
	}
}

func TestTransmitLine(t *testing.T) {
	f, err := FanCommand(PresetHigh, MustParseAddress("29:163058"), MustParseAddress("32:098366"))
	if err != nil {
		t.Fatal(err)
	}
	want := "I  --- 29:163058 32:098366 --:------ 22F1 003 000304"
	if got := f.TransmitLine(); got != want {
		t.Errorf("TransmitLine() = %q, want %q", got, want)
	}
}
