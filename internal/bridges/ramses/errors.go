package ramses

import "errors"

// Domain errors for the RAMSES bridge package.
var (
	// ErrMalformedAddress is returned when a device address cannot be parsed
	// from its hex or text form.
	ErrMalformedAddress = errors.New("ramses: malformed address")

	// ErrMalformedFrame is returned when a frame line is structurally invalid
	// (field count, separator, length mismatch, bad hex).
	ErrMalformedFrame = errors.New("ramses: malformed frame")

	// ErrValidation is returned when a payload length is not accepted by the
	// decoder registered for its message code.
	ErrValidation = errors.New("ramses: payload validation failed")

	// ErrInvalidPreset is returned when a fan preset name is not recognised.
	ErrInvalidPreset = errors.New("ramses: invalid fan preset")

	// ErrTransport is returned when the gateway fails to send a frame.
	// Failed sends are never retried by the engine.
	ErrTransport = errors.New("ramses: transport error")

	// ErrRequestAbandoned is reported when a request exhausted its retries
	// without a matching response.
	ErrRequestAbandoned = errors.New("ramses: request abandoned")

	// ErrNotFound is returned when removing a frame that is not pending.
	ErrNotFound = errors.New("ramses: pending request not found")

	// ErrNoExpectedResponse is returned when tracking a frame that has no
	// expected response attached.
	ErrNoExpectedResponse = errors.New("ramses: frame has no expected response")

	// ErrNotQueryable is returned when building a request for a message code
	// that cannot be polled.
	ErrNotQueryable = errors.New("ramses: message code cannot be requested")

	// ErrEngineStopped is returned when publishing through a stopped engine.
	ErrEngineStopped = errors.New("ramses: engine stopped")

	// ErrUnknownRole is returned when a role has no address assigned.
	ErrUnknownRole = errors.New("ramses: no address known for role")
)
