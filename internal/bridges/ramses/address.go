package ramses

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a RAMSES-II device id: a 6-bit device type and an 18-bit
// serial number packed into 24 bits.
//
// Text form: "TT:NNNNNN" (type and serial in zero-padded decimal), e.g.
// "29:163058". The zero value is the empty address, rendered "--:------".
type Address struct {
	value uint32
	set   bool
}

// Address encoding constants.
const (
	addrTypeMask   = 0xFC0000
	addrTypeShift  = 18
	addrSerialMask = 0x03FFFF
	addrHexLen     = 6

	// addrSentinel is the all-ones encoding used for "no device".
	addrSentinel = 0xFFFFFF

	maxAddrType   = 63
	maxAddrSerial = addrSerialMask

	// EmptyAddressText is the canonical text of the empty address.
	EmptyAddressText = "--:------"
)

// NoAddress is the empty address.
var NoAddress = Address{}

// NewAddress builds an address from its type and serial parts.
//
// Returns:
//   - Address: The packed address
//   - error: ErrMalformedAddress if a part is out of range or the
//     combination is the all-ones sentinel
func NewAddress(devType uint8, serial uint32) (Address, error) {
	if devType > maxAddrType || serial > maxAddrSerial {
		return NoAddress, fmt.Errorf("%w: type %d serial %d out of range", ErrMalformedAddress, devType, serial)
	}
	v := uint32(devType)<<addrTypeShift | serial
	if v == addrSentinel {
		return NoAddress, fmt.Errorf("%w: %02d:%06d is reserved", ErrMalformedAddress, devType, serial)
	}
	return Address{value: v, set: true}, nil
}

// ParseAddressHex decodes the 6 hex digit wire encoding of an address.
//
// Both "FFFFFF" and a blank field decode to NoAddress.
//
// Example:
//
//	addr, _ := ParseAddressHex("06368E")
//	addr.String() // "01:145038"
func ParseAddressHex(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NoAddress, nil
	}
	if len(s) != addrHexLen {
		return NoAddress, fmt.Errorf("%w: expected %d hex digits, got %q", ErrMalformedAddress, addrHexLen, s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return NoAddress, fmt.Errorf("%w: %q is not hex", ErrMalformedAddress, s)
	}
	if v == addrSentinel {
		return NoAddress, nil
	}
	return Address{value: uint32(v), set: true}, nil
}

// ParseAddress parses the "TT:NNNNNN" text form. "--:------" and the empty
// string yield NoAddress.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == EmptyAddressText {
		return NoAddress, nil
	}

	typePart, serialPart, ok := strings.Cut(s, ":")
	if !ok || len(typePart) != 2 || len(serialPart) != 6 {
		return NoAddress, fmt.Errorf("%w: expected TT:NNNNNN, got %q", ErrMalformedAddress, s)
	}

	devType, err := strconv.ParseUint(typePart, 10, 8)
	if err != nil {
		return NoAddress, fmt.Errorf("%w: bad device type in %q", ErrMalformedAddress, s)
	}
	serial, err := strconv.ParseUint(serialPart, 10, 32)
	if err != nil {
		return NoAddress, fmt.Errorf("%w: bad serial in %q", ErrMalformedAddress, s)
	}

	return NewAddress(uint8(devType), uint32(serial))
}

// MustParseAddress is ParseAddress for constants known to be valid.
// It panics on malformed input.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// IsEmpty reports whether a is the empty address.
func (a Address) IsEmpty() bool {
	return !a.set
}

// Type returns the 6-bit device type (e.g. 29 for a remote, 32 for a fan).
func (a Address) Type() uint8 {
	return uint8((a.value & addrTypeMask) >> addrTypeShift)
}

// Serial returns the 18-bit serial number.
func (a Address) Serial() uint32 {
	return a.value & addrSerialMask
}

// Uint32 returns the packed 24-bit value, or the sentinel for NoAddress.
func (a Address) Uint32() uint32 {
	if !a.set {
		return addrSentinel
	}
	return a.value
}

// Hex returns the 6 hex digit wire encoding.
func (a Address) Hex() string {
	return fmt.Sprintf("%06X", a.Uint32())
}

// String returns "TT:NNNNNN", or "--:------" for the empty address.
func (a Address) String() string {
	if !a.set {
		return EmptyAddressText
	}
	return fmt.Sprintf("%02d:%06d", a.Type(), a.Serial())
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
