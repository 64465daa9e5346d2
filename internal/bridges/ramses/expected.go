package ramses

import (
	"sync"
	"time"
)

// Retry defaults for requests that expect a reply.
const (
	DefaultMaxRetries = 2
	DefaultTimeout    = 2 * time.Second
)

// ExpectedResponse describes the reply an outbound frame waits for.
//
// Verb, Code, Src and Dst are optional: a zero value (empty string or
// NoAddress) matches anything. MaxRetries is decremented on every timeout
// and the request is abandoned once it goes negative.
type ExpectedResponse struct {
	Verb Verb
	Code Code
	Src  Address
	Dst  Address

	MaxRetries int
	Timeout    time.Duration

	mu     sync.Mutex
	cancel func() bool
}

// NewExpectedResponse returns a matcher with the default retry policy.
func NewExpectedResponse(verb Verb, code Code, src, dst Address) *ExpectedResponse {
	return &ExpectedResponse{
		Verb:       verb,
		Code:       code,
		Src:        src,
		Dst:        dst,
		MaxRetries: DefaultMaxRetries,
		Timeout:    DefaultTimeout,
	}
}

// Matches reports whether candidate satisfies every field that is set.
func (e *ExpectedResponse) Matches(candidate *Frame) bool {
	if candidate == nil {
		return false
	}
	if e.Verb != "" && e.Verb != candidate.Verb {
		return false
	}
	if e.Code != "" && e.Code != candidate.Code {
		return false
	}
	if !e.Src.IsEmpty() && e.Src != candidate.Src {
		return false
	}
	if !e.Dst.IsEmpty() && e.Dst != candidate.Dst {
		return false
	}
	return true
}

// consumeRetry decrements the retry budget and returns what is left.
// A negative result means the request is abandoned.
func (e *ExpectedResponse) consumeRetry() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.MaxRetries--
	return e.MaxRetries
}

// remainingRetries returns the current retry budget.
func (e *ExpectedResponse) remainingRetries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.MaxRetries
}

// timeout returns the configured timeout, falling back to DefaultTimeout.
func (e *ExpectedResponse) timeout() time.Duration {
	if e.Timeout <= 0 {
		return DefaultTimeout
	}
	return e.Timeout
}

// setCancel stores the cancel handle of the current retry timer, replacing
// (without calling) any previous one.
func (e *ExpectedResponse) setCancel(cancel func() bool) {
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
}

// cancelRetry stops the pending retry timer. Calling it again is a no-op.
func (e *ExpectedResponse) cancelRetry() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
