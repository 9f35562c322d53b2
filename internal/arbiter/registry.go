package arbiter

import (
	"fmt"
	"sync"

	"github.com/nvmexp/lw-firmware-sub145/internal/perf"
	"github.com/nvmexp/lw-firmware-sub145/pkg/util"
)

// ClientID identifies an external requester of a global ceiling.
type ClientID uint8

const (
	ClientHost ClientID = iota
	ClientThermal
	ClientPowerSupply
	ClientUser
)

func (c ClientID) String() string {
	switch c {
	case ClientHost:
		return "host"
	case ClientThermal:
		return "thermal"
	case ClientPowerSupply:
		return "power_supply"
	case ClientUser:
		return "user"
	default:
		return fmt.Sprintf("client%d", uint8(c))
	}
}

// ParseClientID is the inverse of ClientID.String for the named clients.
func ParseClientID(s string) (ClientID, error) {
	for c := ClientHost; c <= ClientUser; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown ceiling client %q: %w", s, util.ErrInvalidArgument)
}

type ceilingEntry struct {
	client  ClientID
	ceiling perf.DomainGroupLimits
}

// CeilingRequest is one client's stored ceiling.
type CeilingRequest struct {
	Client  ClientID
	Ceiling perf.DomainGroupLimits
}

// CeilingRegistry holds one ceiling per client and their per domain group
// minimum. Slots are reserved at construction; a client without a slot
// cannot make requests.
type CeilingRegistry struct {
	mu      sync.Mutex
	entries []ceilingEntry
	global  perf.DomainGroupLimits
}

func NewCeilingRegistry(clients ...ClientID) (*CeilingRegistry, error) {
	r := &CeilingRegistry{
		entries: make([]ceilingEntry, len(clients)),
		global:  perf.Disabled(),
	}
	for i, c := range clients {
		for _, e := range r.entries[:i] {
			if e.client == c {
				return nil, fmt.Errorf("duplicate ceiling client %s: %w", c, util.ErrInvalidArgument)
			}
		}
		r.entries[i] = ceilingEntry{client: c, ceiling: perf.Disabled()}
	}
	return r, nil
}

// Request overwrites client's ceiling and recomputes the global ceiling.
// Passing perf.Disabled() withdraws the request.
func (r *CeilingRegistry) Request(client ClientID, ceiling perf.DomainGroupLimits) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, e := range r.entries {
		if e.client == client {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("ceiling client %s has no slot: %w", client, util.ErrInvalidState)
	}

	r.entries[idx].ceiling = ceiling
	global := perf.Disabled()
	for _, e := range r.entries {
		global = global.Min(e.ceiling)
	}
	r.global = global
	return nil
}

// Ceiling returns the tightest requested ceiling.
func (r *CeilingRegistry) Ceiling() perf.DomainGroupLimits {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.global
}

// Requests returns a copy of every slot.
func (r *CeilingRegistry) Requests() []CeilingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CeilingRequest, len(r.entries))
	for i, e := range r.entries {
		out[i] = CeilingRequest{Client: e.client, Ceiling: e.ceiling}
	}
	return out
}
