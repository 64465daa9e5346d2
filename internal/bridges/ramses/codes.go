package ramses

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Payload is the decoded form of a frame. Concrete types are the *Payload
// structs in this package; switch on them to read typed fields.
type Payload interface {
	// Code is the message code the payload was decoded for.
	Code() Code

	// Label is a human readable name for the message code.
	Label() string

	// Frame is the frame the payload was decoded from.
	Frame() *Frame

	// IsRequest reports whether the payload is a bare query carrying no data.
	IsRequest() bool

	// Fields returns the decoded values keyed by name, for logging and
	// state publication.
	Fields() map[string]any
}

// basePayload carries what every decoded payload shares.
type basePayload struct {
	frame   *Frame
	code    Code
	label   string
	request bool
}

func (b basePayload) Code() Code      { return b.code }
func (b basePayload) Label() string   { return b.label }
func (b basePayload) Frame() *Frame   { return b.frame }
func (b basePayload) IsRequest() bool { return b.request }

// fields starts a field map with the signal strength.
func (b basePayload) fields() map[string]any {
	m := map[string]any{}
	if b.frame != nil && b.frame.HasSignal() {
		m["signal_strength"] = b.frame.RSSI()
	}
	return m
}

// DecodeFunc builds the payload for a frame whose length was accepted.
type DecodeFunc func(f *Frame) (Payload, error)

// Decoder describes how one message code is validated and decoded.
type Decoder struct {
	Code  Code
	Label string

	// Accepts reports whether a payload of length bytes can be decoded.
	Accepts func(length int) bool

	// Decode builds a fresh payload value on every call.
	Decode DecodeFunc

	// Queryable is true when the code can be polled with an RQ frame.
	Queryable bool
}

// Registry maps message codes to decoders. Unknown codes resolve to a
// fallback decoder that keeps the raw payload and never fails.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	decoders map[Code]Decoder
	fallback Decoder
}

// NewRegistry returns a registry containing only the fallback decoder.
func NewRegistry() *Registry {
	return &Registry{
		decoders: make(map[Code]Decoder),
		fallback: Decoder{
			Label:   labelUnsupported,
			Accepts: func(int) bool { return true },
			Decode:  decodeUnsupported,
		},
	}
}

// DefaultRegistry returns a registry with every decoder in this package.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, d := range builtinDecoders() {
		//nolint:errcheck // builtin decoders are complete
		r.Register(d)
	}
	return r
}

// Register adds or replaces the decoder for d.Code.
func (r *Registry) Register(d Decoder) error {
	if _, err := parseCode(string(d.Code)); err != nil {
		return err
	}
	if d.Accepts == nil || d.Decode == nil {
		return fmt.Errorf("ramses: decoder for %s needs Accepts and Decode", d.Code)
	}
	d.Code = Code(strings.ToUpper(string(d.Code)))

	r.mu.Lock()
	r.decoders[d.Code] = d
	r.mu.Unlock()
	return nil
}

// Lookup returns the decoder for code. When none is registered it returns
// the fallback decoder and false.
func (r *Registry) Lookup(code Code) (Decoder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.decoders[code]; ok {
		return d, true
	}
	fb := r.fallback
	fb.Code = code
	return fb, false
}

// Codes returns the registered message codes in ascending order.
func (r *Registry) Codes() []Code {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]Code, 0, len(r.decoders))
	for c := range r.decoders {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// Decode validates the payload length of f and decodes it.
//
// Returns:
//   - Payload: Decoded value, owned by the caller
//   - error: ErrValidation when the length is not accepted for the code
func (r *Registry) Decode(f *Frame) (Payload, error) {
	d, _ := r.Lookup(f.Code)
	if !d.Accepts(f.Length()) {
		return nil, fmt.Errorf("%w: %s (%s) does not accept length %d",
			ErrValidation, f.Code, d.Label, f.Length())
	}
	return d.Decode(f)
}

// BuildRequest returns an RQ frame polling code on dst, with an expected
// RP reply from dst to src.
//
// Returns:
//   - *Frame: Request ready to publish
//   - error: ErrNotQueryable for codes that cannot be polled
func (r *Registry) BuildRequest(code Code, src, dst Address) (*Frame, error) {
	d, ok := r.Lookup(code)
	if !ok || !d.Queryable {
		return nil, fmt.Errorf("%w: %s", ErrNotQueryable, code)
	}

	f := NewFrame()
	f.Verb = VerbRequest
	f.Code = d.Code
	f.Src = src
	f.Dst = dst
	if err := f.SetPayload(queryMarker); err != nil {
		return nil, err
	}
	f.Expected = NewExpectedResponse(VerbResponse, d.Code, dst, src)
	return f, nil
}

// queryMarker is the one-byte payload of a status request.
const queryMarker = "00"

// queryLength is the payload length of a bare query.
const queryLength = 1

// lengthIn returns an Accepts predicate for a fixed set of lengths.
func lengthIn(lengths ...int) func(int) bool {
	return func(n int) bool {
		for _, l := range lengths {
			if n == l {
				return true
			}
		}
		return false
	}
}

// payloadBytes hex-decodes the frame payload and checks it holds at least
// minLen bytes.
func payloadBytes(f *Frame, minLen int) ([]byte, error) {
	b, err := hex.DecodeString(f.Payload())
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %w", ErrMalformedFrame, f.Code, err)
	}
	if len(b) < minLen {
		return nil, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrValidation, f.Code, minLen, len(b))
	}
	return b, nil
}

// halfPercent decodes a byte in half-percent steps. Bytes above 200 are
// sentinels (0xFE, 0xFF) and decode to nil.
func halfPercent(b byte) *int {
	if b > 200 {
		return nil
	}
	v := int(b) / 2
	return &v
}

// UnsupportedPayload is produced for message codes without a decoder.
type UnsupportedPayload struct {
	basePayload
	Raw string
}

// Fields implements Payload.
func (p *UnsupportedPayload) Fields() map[string]any {
	m := p.fields()
	m["raw"] = p.Raw
	return m
}

const labelUnsupported = "Unsupported code"

func decodeUnsupported(f *Frame) (Payload, error) {
	return &UnsupportedPayload{
		basePayload: basePayload{frame: f, code: f.Code, label: labelUnsupported},
		Raw:         f.Payload(),
	}, nil
}

// Describe renders a payload as "<label>: k: v, ..." or "<label> state
// request" for bare queries. Keys are sorted.
func Describe(p Payload) string {
	if p.IsRequest() {
		return p.Label() + " state request"
	}
	fields := p.Fields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, derefField(fields[k])))
	}
	return p.Label() + ": " + strings.Join(parts, ", ")
}

// derefField prints optional ints as their value or "None".
func derefField(v any) any {
	if p, ok := v.(*int); ok {
		if p == nil {
			return "None"
		}
		return *p
	}
	return v
}

func builtinDecoders() []Decoder {
	return []Decoder{
		fanModeDecoder(),
		fanModeTimerDecoder(),
		fanStateDecoder(),
		co2Decoder(),
		humidityDecoder(),
		ventDemandDecoder(),
		batteryDecoder(),
		deviceInfoDecoder(),
		deviceIDDecoder(),
		bindDecoder(),
		startupDecoder(),
	}
}
