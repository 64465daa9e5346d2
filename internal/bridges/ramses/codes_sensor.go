package ramses

import (
	"fmt"
	"strconv"
)

// Payload lengths of the sensor codes.
const (
	co2Length        = 3
	humidityLength   = 2
	ventDemandLength = 8
	batteryLength    = 6
)

// CO2Payload is a decoded 1298 frame.
type CO2Payload struct {
	basePayload

	// Level is the CO2 concentration in ppm, nil for a bare query.
	Level *int
}

// Fields implements Payload.
func (p *CO2Payload) Fields() map[string]any {
	m := p.fields()
	m["level"] = p.Level
	return m
}

const labelCO2 = "CO2 level"

func co2Decoder() Decoder {
	return Decoder{
		Code:    CodeCO2,
		Label:   labelCO2,
		Accepts: lengthIn(queryLength, co2Length),
		Decode: func(f *Frame) (Payload, error) {
			p := &CO2Payload{basePayload: basePayload{frame: f, code: f.Code, label: labelCO2, request: f.Length() == queryLength}}
			if p.request {
				return p, nil
			}
			level, err := hexInt(f)
			if err != nil {
				return nil, err
			}
			p.Level = &level
			return p, nil
		},
		Queryable: true,
	}
}

// HumidityPayload is a decoded 12A0 indoor humidity frame.
type HumidityPayload struct {
	basePayload

	// Level is relative humidity in percent. Values above 100 are passed
	// through unchanged.
	Level *int
}

// Fields implements Payload.
func (p *HumidityPayload) Fields() map[string]any {
	m := p.fields()
	m["level"] = p.Level
	return m
}

const labelHumidity = "Indoor humidity"

func humidityDecoder() Decoder {
	return Decoder{
		Code:    CodeHumidity,
		Label:   labelHumidity,
		Accepts: lengthIn(queryLength, humidityLength),
		Decode: func(f *Frame) (Payload, error) {
			p := &HumidityPayload{basePayload: basePayload{frame: f, code: f.Code, label: labelHumidity, request: f.Length() == queryLength}}
			if p.request {
				return p, nil
			}
			level, err := hexInt(f)
			if err != nil {
				return nil, err
			}
			p.Level = &level
			return p, nil
		},
		Queryable: true,
	}
}

// VentDemandPayload is a decoded 31E0 ventilation demand frame, usually
// sent by a CO2 sensor to the fan.
type VentDemandPayload struct {
	basePayload

	// Percentage is the requested ventilation level, nil when the sensor
	// sends a sentinel.
	Percentage *int

	// Flags is byte 1 of the payload.
	Flags byte

	// Unknown is byte 6 of the payload (observed 64, 1E or AA).
	Unknown byte
}

// Fields implements Payload.
func (p *VentDemandPayload) Fields() map[string]any {
	m := p.fields()
	m["percentage"] = p.Percentage
	if !p.request {
		m["flags"] = fmt.Sprintf("%02X", p.Flags)
		m["unknown"] = fmt.Sprintf("%02X", p.Unknown)
	}
	return m
}

const labelVentDemand = "Vent demand"

func ventDemandDecoder() Decoder {
	return Decoder{
		Code:    CodeVentDemand,
		Label:   labelVentDemand,
		Accepts: lengthIn(queryLength, ventDemandLength),
		Decode: func(f *Frame) (Payload, error) {
			p := &VentDemandPayload{basePayload: basePayload{frame: f, code: f.Code, label: labelVentDemand, request: f.Length() == queryLength}}
			if p.request {
				return p, nil
			}
			data, err := payloadBytes(f, ventDemandLength)
			if err != nil {
				return nil, err
			}
			p.Flags = data[1]
			p.Percentage = halfPercent(data[2])
			p.Unknown = data[6]
			return p, nil
		},
		Queryable: true,
	}
}

// BatteryPayload is a decoded 1060 battery state frame.
type BatteryPayload struct {
	basePayload

	// Level is the remaining charge in percent, nil for sentinels.
	Level *int

	// Low is set when the device reports a low battery.
	Low bool
}

// Fields implements Payload.
func (p *BatteryPayload) Fields() map[string]any {
	m := p.fields()
	m["level"] = p.Level
	if !p.request {
		m["low"] = p.Low
	}
	return m
}

const labelBattery = "Battery status"

func batteryDecoder() Decoder {
	return Decoder{
		Code:    CodeBattery,
		Label:   labelBattery,
		Accepts: lengthIn(queryLength, batteryLength),
		Decode: func(f *Frame) (Payload, error) {
			p := &BatteryPayload{basePayload: basePayload{frame: f, code: f.Code, label: labelBattery, request: f.Length() == queryLength}}
			if p.request {
				return p, nil
			}
			data, err := payloadBytes(f, batteryLength)
			if err != nil {
				return nil, err
			}
			p.Level = halfPercent(data[1])
			p.Low = data[2] == 0x00
			return p, nil
		},
	}
}

// hexInt reads the whole payload as one big-endian integer.
func hexInt(f *Frame) (int, error) {
	v, err := strconv.ParseUint(f.Payload(), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %s payload %q: %w", ErrMalformedFrame, f.Code, f.Payload(), err)
	}
	return int(v), nil
}
