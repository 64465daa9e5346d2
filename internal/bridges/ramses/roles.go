package ramses

import "sync"

// Role names a device the bridge talks to.
type Role string

// Roles known to the bridge.
const (
	RoleGateway Role = "gateway"
	RoleRemote  Role = "remote"
	RoleFan     Role = "fan"
	RoleCO2     Role = "co2"
)

// Roles lists every role in a stable order.
var Roles = []Role{RoleGateway, RoleRemote, RoleFan, RoleCO2}

// DefaultRemoteID is the virtual remote used as the source of fan commands
// when none is configured.
const DefaultRemoteID = "29:163058"

// DefaultGatewayID is the address conventionally used by HGI80-style
// gateways, which rewrite it to their own id on transmit.
const DefaultGatewayID = "18:000730"

// Addresses holds the device id assigned to each role. Empty means unknown.
type Addresses struct {
	Gateway Address
	Remote  Address
	Fan     Address
	CO2     Address
}

// Get returns the address for role.
func (a Addresses) Get(role Role) Address {
	switch role {
	case RoleGateway:
		return a.Gateway
	case RoleRemote:
		return a.Remote
	case RoleFan:
		return a.Fan
	case RoleCO2:
		return a.CO2
	}
	return NoAddress
}

// set assigns addr to role.
func (a *Addresses) set(role Role, addr Address) {
	switch role {
	case RoleGateway:
		a.Gateway = addr
	case RoleRemote:
		a.Remote = addr
	case RoleFan:
		a.Fan = addr
	case RoleCO2:
		a.CO2 = addr
	}
}

// RoleOf returns the role whose address is addr.
func (a Addresses) RoleOf(addr Address) (Role, bool) {
	if addr.IsEmpty() {
		return "", false
	}
	for _, r := range Roles {
		if a.Get(r) == addr {
			return r, true
		}
	}
	return "", false
}

// Discovery reports that traffic revealed the address of a role.
type Discovery struct {
	Role    Role
	Address Address

	// Frame is the frame that triggered the discovery.
	Frame *Frame
}

// addressBook guards the role assignments of a running engine.
type addressBook struct {
	mu    sync.RWMutex
	addrs Addresses
}

func (b *addressBook) snapshot() Addresses {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.addrs
}

func (b *addressBook) set(role Role, addr Address) {
	b.mu.Lock()
	b.addrs.set(role, addr)
	b.mu.Unlock()
}

// claim assigns addr to role only when the role is still unknown.
func (b *addressBook) claim(role Role, addr Address) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.addrs.Get(role).IsEmpty() {
		return false
	}
	b.addrs.set(role, addr)
	return true
}
