package ramses

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Payload lengths of the device codes.
const (
	deviceInfoMinLength = 29
	deviceIDLength      = 4
	bindEntryLength     = 6
	startupLength       = 6

	// deviceInfoDescOffset is the byte offset of the NUL terminated
	// description in a 10E0 payload.
	deviceInfoDescOffset = 18
)

// hexDateAbsent is the encoding of "no date".
const hexDateAbsent = "FFFFFFFF"

// ParseHexDate decodes the 4 byte date used in 10E0 payloads: day in the
// low 5 bits of byte 0 (the top bits hold the weekday), month in byte 1 and
// the year in bytes 2-3.
//
// Returns:
//   - time.Time: The date at midnight UTC
//   - bool: false when the value is FFFFFFFF (no date)
//   - error: ErrValidation for malformed or impossible dates
func ParseHexDate(v string) (time.Time, bool, error) {
	if strings.EqualFold(v, hexDateAbsent) {
		return time.Time{}, false, nil
	}
	if len(v) != 8 {
		return time.Time{}, false, fmt.Errorf("%w: hex date %q must be 8 digits", ErrValidation, v)
	}
	raw, err := strconv.ParseUint(v, 16, 32)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: hex date %q", ErrValidation, v)
	}

	day := int(raw>>24) & 0x1F
	month := int(raw>>16) & 0xFF
	year := int(raw & 0xFFFF)

	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if month < 1 || month > 12 || t.Day() != day {
		return time.Time{}, false, fmt.Errorf("%w: hex date %q is not a calendar date", ErrValidation, v)
	}
	return t, true, nil
}

// DeviceInfoPayload is a decoded 10E0 device information frame.
type DeviceInfoPayload struct {
	basePayload

	ManufacturerGroup string // 0001 HVAC, 0002 CH/DHW
	ManufacturerSubID string
	ProductID         string
	SoftwareVersion   string
	ListVersion       string
	OEMCode           string
	AdditionalVerA    string
	AdditionalVerB    string

	// Signature is bytes 1-9, the identity of the firmware build.
	Signature string

	// Date1 and Date2 are nil when the device reports no date.
	Date1 *time.Time
	Date2 *time.Time

	Description string
}

// Orcon identifiers of supported ventilation units.
const (
	orconManufacturerSubID = "C8"
)

var orconProductIDs = map[string]bool{
	"26": true, // MVS-15
	"51": true, // MVS-15 (2023)
}

// Supported reports whether the device identifies as a supported Orcon
// ventilation unit.
func (p *DeviceInfoPayload) Supported() bool {
	return p.ManufacturerSubID == orconManufacturerSubID && orconProductIDs[p.ProductID]
}

// Fields implements Payload.
func (p *DeviceInfoPayload) Fields() map[string]any {
	m := p.fields()
	if p.request {
		return m
	}
	m["manufacturer_group"] = p.ManufacturerGroup
	m["manufacturer_sub_id"] = p.ManufacturerSubID
	m["product_id"] = p.ProductID
	m["software_ver_id"] = p.SoftwareVersion
	m["list_ver_id"] = p.ListVersion
	m["oem_code"] = p.OEMCode
	m["additional_ver_a"] = p.AdditionalVerA
	m["additional_ver_b"] = p.AdditionalVerB
	m["date_1"] = formatDate(p.Date1)
	m["date_2"] = formatDate(p.Date2)
	m["description"] = p.Description
	return m
}

func formatDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.DateOnly)
}

const labelDeviceInfo = "Device info"

func decodeDeviceInfo(f *Frame) (Payload, error) {
	p := &DeviceInfoPayload{basePayload: basePayload{frame: f, code: f.Code, label: labelDeviceInfo, request: f.Length() == queryLength}}
	if p.request {
		return p, nil
	}
	data, err := payloadBytes(f, deviceInfoMinLength)
	if err != nil {
		return nil, err
	}

	h := f.Payload()
	p.ManufacturerGroup = h[2:6]
	p.ManufacturerSubID = h[6:8]
	p.ProductID = h[8:10]
	p.SoftwareVersion = h[10:12]
	p.ListVersion = h[12:14]
	p.OEMCode = h[14:16]
	p.AdditionalVerA = h[16:18]
	p.AdditionalVerB = h[18:20]
	p.Signature = h[2:20]

	for _, d := range []struct {
		hex string
		dst **time.Time
	}{{h[20:28], &p.Date2}, {h[28:36], &p.Date1}} {
		t, ok, err := ParseHexDate(d.hex)
		if err != nil {
			return nil, err
		}
		if ok {
			*d.dst = &t
		}
	}

	p.Description = nulTerminated(data[deviceInfoDescOffset:])
	return p, nil
}

// nulTerminated returns the ASCII text up to the first NUL byte.
func nulTerminated(b []byte) string {
	for i, c := range b {
		if c == 0 {
			b = b[:i]
			break
		}
	}
	return strings.TrimSpace(strings.ToValidUTF8(string(b), "?"))
}

func deviceInfoDecoder() Decoder {
	return Decoder{
		Code:  CodeDeviceInfo,
		Label: labelDeviceInfo,
		Accepts: func(n int) bool {
			return n == queryLength || n >= deviceInfoMinLength
		},
		Decode:    decodeDeviceInfo,
		Queryable: true,
	}
}

// DeviceIDPayload is a decoded 10E1 frame.
type DeviceIDPayload struct {
	basePayload

	DeviceID Address
}

// Fields implements Payload.
func (p *DeviceIDPayload) Fields() map[string]any {
	m := p.fields()
	if !p.request {
		m["device_id"] = p.DeviceID.String()
	}
	return m
}

const labelDeviceID = "Device ID"

func deviceIDDecoder() Decoder {
	return Decoder{
		Code:    CodeDeviceID,
		Label:   labelDeviceID,
		Accepts: lengthIn(queryLength, deviceIDLength),
		Decode: func(f *Frame) (Payload, error) {
			p := &DeviceIDPayload{basePayload: basePayload{frame: f, code: f.Code, label: labelDeviceID, request: f.Length() == queryLength}}
			if p.request {
				return p, nil
			}
			if _, err := payloadBytes(f, deviceIDLength); err != nil {
				return nil, err
			}
			// Byte 0 is a prefix; the address is the trailing 3 bytes.
			addr, err := ParseAddressHex(f.Payload()[2:8])
			if err != nil {
				return nil, err
			}
			p.DeviceID = addr
			return p, nil
		},
		Queryable: true,
	}
}

// BindEntry is one 6 byte element of a 1FC9 bind offer.
type BindEntry struct {
	ZoneIdx int
	Command Code
	Device  Address
}

// BindPayload is a decoded 1FC9 RF bind frame.
type BindPayload struct {
	basePayload

	Entries []BindEntry
}

// Fields implements Payload.
func (p *BindPayload) Fields() map[string]any {
	m := p.fields()
	entries := make([]map[string]any, len(p.Entries))
	for i, e := range p.Entries {
		entries[i] = map[string]any{
			"zone_idx":  e.ZoneIdx,
			"command":   string(e.Command),
			"device_id": e.Device.String(),
		}
	}
	if len(p.Entries) > 0 {
		m["zone_idx"] = p.Entries[0].ZoneIdx
		m["command"] = string(p.Entries[0].Command)
		m["device_id"] = p.Entries[0].Device.String()
	}
	m["bindings"] = entries
	return m
}

const labelBind = "RF Bind"

func bindDecoder() Decoder {
	return Decoder{
		Code:  CodeBind,
		Label: labelBind,
		Accepts: func(n int) bool {
			return n > 0 && n%bindEntryLength == 0
		},
		Decode: func(f *Frame) (Payload, error) {
			p := &BindPayload{basePayload: basePayload{frame: f, code: f.Code, label: labelBind}}
			h := f.Payload()
			if len(h) == 0 || len(h)%(bindEntryLength*2) != 0 {
				return nil, fmt.Errorf("%w: %s length %d is not a multiple of %d", ErrValidation, f.Code, f.Length(), bindEntryLength)
			}
			for off := 0; off < len(h); off += bindEntryLength * 2 {
				chunk := h[off : off+bindEntryLength*2]
				zone, err := strconv.ParseUint(chunk[0:2], 16, 8)
				if err != nil {
					return nil, fmt.Errorf("%w: bind zone %q", ErrMalformedFrame, chunk[0:2])
				}
				dev, err := ParseAddressHex(chunk[6:12])
				if err != nil {
					return nil, err
				}
				p.Entries = append(p.Entries, BindEntry{
					ZoneIdx: int(zone),
					Command: Code(chunk[2:6]),
					Device:  dev,
				})
			}
			return p, nil
		},
	}
}

// StartupPayload is a decoded 042F frame, broadcast by fans after a power
// cycle. The counters it carries are not interpreted.
type StartupPayload struct {
	basePayload

	Raw string
}

// Fields implements Payload.
func (p *StartupPayload) Fields() map[string]any {
	m := p.fields()
	m["raw"] = p.Raw
	return m
}

const labelStartup = "Startup counter"

func startupDecoder() Decoder {
	return Decoder{
		Code:    CodeStartup,
		Label:   labelStartup,
		Accepts: lengthIn(startupLength),
		Decode: func(f *Frame) (Payload, error) {
			return &StartupPayload{
				basePayload: basePayload{frame: f, code: f.Code, label: labelStartup},
				Raw:         f.Payload(),
			}, nil
		},
	}
}
