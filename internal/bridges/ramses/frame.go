package ramses

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Verb is the frame's message kind.
type Verb string

// Verbs defined by RAMSES-II.
const (
	VerbInformation Verb = "I"
	VerbRequest     Verb = "RQ"
	VerbResponse    Verb = "RP"
	VerbWrite       Verb = "W"
)

// Valid reports whether v is one of the four RAMSES-II verbs.
func (v Verb) Valid() bool {
	switch v {
	case VerbInformation, VerbRequest, VerbResponse, VerbWrite:
		return true
	}
	return false
}

// Code is a 4 hex digit message code selecting the payload schema.
type Code string

// Message codes understood by this package.
const (
	CodeStartup      Code = "042F"
	CodeBattery      Code = "1060"
	CodeDeviceInfo   Code = "10E0"
	CodeDeviceID     Code = "10E1"
	CodeCO2          Code = "1298"
	CodeHumidity     Code = "12A0"
	CodeBind         Code = "1FC9"
	CodeFanMode      Code = "22F1"
	CodeFanModeTimer Code = "22F3"
	CodeFanState     Code = "31D9"
	CodeVentDemand   Code = "31E0"
)

// Frame field layout of a received line.
const (
	frameSeparator   = "---"
	frameFieldsBare  = 8 // no payload (declared length 0)
	frameFieldsFull  = 9
	frameCodeLen     = 4
	frameLenDigits   = 3
	maxPayloadLength = 999
)

// Envelope is one line delivered by the gateway with its receive timestamp.
// It matches the JSON published by ramses_esp on the rx topic.
type Envelope struct {
	Timestamp string `json:"ts"`
	Line      string `json:"msg"`
}

// Frame is one RAMSES-II message.
//
// Frames are built either by ParseFrame from a received line or by NewFrame
// for transmission. Once handed to the engine a frame is not modified.
type Frame struct {
	// ID is a local correlation token. It is never transmitted.
	ID string

	// SignalStrength is the gateway's RSSI column, -1 when absent.
	SignalStrength int

	Verb     Verb
	Src      Address
	Dst      Address
	Announce Address
	Code     Code

	// ReceivedAt is the gateway timestamp, zero for outbound frames or when
	// the timestamp could not be parsed.
	ReceivedAt time.Time

	// Raw is the envelope the frame was parsed from.
	Raw Envelope

	// Expected describes the reply this frame waits for. Set only on
	// frames originated by the engine.
	Expected *ExpectedResponse

	payload   string
	length    int
	hasSignal bool
}

// NewFrame returns an outbound frame with empty addresses and a fresh ID.
// Verb, code and payload are assigned by the caller.
func NewFrame() *Frame {
	return &Frame{
		ID:             uuid.NewString(),
		SignalStrength: -1,
	}
}

// ParseFrame parses a received envelope.
//
// The line layout is:
//
//	<signal> <verb> --- <src> <dst> <announce> <code> <len> [<payload>]
//
// An unparseable signal column does not fail the parse; the frame reports
// HasSignal false and SignalStrength -1.
//
// Returns:
//   - *Frame: Parsed frame
//   - error: ErrMalformedFrame or ErrMalformedAddress
func ParseFrame(env Envelope) (*Frame, error) {
	fields := strings.Fields(env.Line)
	if len(fields) != frameFieldsBare && len(fields) != frameFieldsFull {
		return nil, fmt.Errorf("%w: expected %d or %d fields, got %d in %q",
			ErrMalformedFrame, frameFieldsBare, frameFieldsFull, len(fields), env.Line)
	}
	if fields[2] != frameSeparator {
		return nil, fmt.Errorf("%w: missing separator in %q", ErrMalformedFrame, env.Line)
	}

	f := &Frame{
		ID:             uuid.NewString(),
		SignalStrength: -1,
		Raw:            env,
		ReceivedAt:     parseTimestamp(env.Timestamp),
	}

	if rssi, err := strconv.Atoi(fields[0]); err == nil {
		f.SignalStrength = rssi
		f.hasSignal = true
	}

	f.Verb = Verb(fields[1])
	if !f.Verb.Valid() {
		return nil, fmt.Errorf("%w: unknown verb %q", ErrMalformedFrame, fields[1])
	}

	addrs := [3]*Address{&f.Src, &f.Dst, &f.Announce}
	for i, p := range addrs {
		a, err := ParseAddress(fields[3+i])
		if err != nil {
			return nil, err
		}
		*p = a
	}

	code, err := parseCode(fields[6])
	if err != nil {
		return nil, err
	}
	f.Code = code

	declared, err := strconv.Atoi(fields[7])
	if err != nil || len(fields[7]) != frameLenDigits || declared < 0 {
		return nil, fmt.Errorf("%w: bad length field %q", ErrMalformedFrame, fields[7])
	}

	switch {
	case declared == 0 && len(fields) == frameFieldsFull:
		return nil, fmt.Errorf("%w: payload present with zero length", ErrMalformedFrame)
	case declared > 0 && len(fields) == frameFieldsBare:
		return nil, fmt.Errorf("%w: length %d but no payload", ErrMalformedFrame, declared)
	}

	if len(fields) == frameFieldsFull {
		if err := f.SetPayload(fields[8]); err != nil {
			return nil, err
		}
		if f.length != declared {
			return nil, fmt.Errorf("%w: declared length %d, payload has %d bytes",
				ErrMalformedFrame, declared, f.length)
		}
	}

	return f, nil
}

// parseCode validates a 4 hex digit message code and upper-cases it.
func parseCode(s string) (Code, error) {
	if len(s) != frameCodeLen {
		return "", fmt.Errorf("%w: bad message code %q", ErrMalformedFrame, s)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%w: bad message code %q", ErrMalformedFrame, s)
	}
	return Code(strings.ToUpper(s)), nil
}

// parseTimestamp accepts the ISO-8601 forms emitted by ramses_esp.
func parseTimestamp(ts string) time.Time {
	if ts == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999"} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t
		}
	}
	return time.Time{}
}

// SetPayload assigns the hex payload and recomputes the length.
//
// Returns:
//   - error: ErrMalformedFrame for odd-length or non-hex input
func (f *Frame) SetPayload(payload string) error {
	if len(payload)%2 != 0 {
		return fmt.Errorf("%w: odd-length payload %q", ErrMalformedFrame, payload)
	}
	if _, err := hex.DecodeString(payload); err != nil {
		return fmt.Errorf("%w: payload %q is not hex", ErrMalformedFrame, payload)
	}
	if len(payload)/2 > maxPayloadLength {
		return fmt.Errorf("%w: payload exceeds %d bytes", ErrMalformedFrame, maxPayloadLength)
	}
	f.payload = strings.ToUpper(payload)
	f.length = len(payload) / 2
	return nil
}

// Payload returns the upper-case hex payload.
func (f *Frame) Payload() string {
	return f.payload
}

// Length returns the payload length in bytes.
func (f *Frame) Length() int {
	return f.length
}

// HasSignal reports whether the signal column parsed as a number.
func (f *Frame) HasSignal() bool {
	return f.hasSignal
}

// RSSI returns the signal strength in dBm (the gateway reports it unsigned).
// Zero when the frame has no signal.
func (f *Frame) RSSI() int {
	if !f.hasSignal {
		return 0
	}
	return -f.SignalStrength
}

// String serialises the frame as a full wire line, signal column included.
// Frames without a signal are rendered with "000".
func (f *Frame) String() string {
	signal := 0
	if f.hasSignal {
		signal = f.SignalStrength
	}
	line := fmt.Sprintf("%03d %2s %s %s %s %s %s %03d",
		signal, f.Verb, frameSeparator, f.Src, f.Dst, f.Announce, f.Code, f.length)
	if f.length > 0 {
		line += " " + f.payload
	}
	return line
}

// TransmitLine renders the frame in the form the gateway accepts for
// transmission (no signal column).
func (f *Frame) TransmitLine() string {
	line := fmt.Sprintf("%-2s %s %s %s %s %s %03d",
		f.Verb, frameSeparator, f.Src, f.Dst, f.Announce, f.Code, f.length)
	if f.length > 0 {
		line += " " + f.payload
	}
	return line
}
