package policy

import (
	"fmt"
	"sync"

	"github.com/nvmexp/lw-firmware-sub145/internal/perf"
	"github.com/nvmexp/lw-firmware-sub145/pkg/util"
)

// LimitClient identifies a requester of a policy's power limit.
type LimitClient uint8

const (
	LimitClientHost LimitClient = iota
	LimitClientThermal
	LimitClientUser

	LimitClientCount
)

func (c LimitClient) String() string {
	switch c {
	case LimitClientHost:
		return "host"
	case LimitClientThermal:
		return "thermal"
	case LimitClientUser:
		return "user"
	default:
		return fmt.Sprintf("client%d", uint8(c))
	}
}

// ParseLimitClient is the inverse of LimitClient.String.
func ParseLimitClient(s string) (LimitClient, error) {
	for c := LimitClientHost; c < LimitClientCount; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown limit client %q: %w", s, util.ErrInvalidArgument)
}

// LimitInputs arbitrates the power limit requested by each LimitClient. The
// effective limit is the lowest request, or the rated limit when nobody
// asked for one.
type LimitInputs struct {
	mu      sync.Mutex
	minMW   uint32
	ratedMW uint32
	maxMW   uint32
	values  [LimitClientCount]uint32
}

// NewLimitInputs requires minMW <= ratedMW <= maxMW.
func NewLimitInputs(minMW, ratedMW, maxMW uint32) (*LimitInputs, error) {
	if minMW > ratedMW || ratedMW > maxMW {
		return nil, fmt.Errorf("limit bounds %d <= %d <= %d violated: %w", minMW, ratedMW, maxMW, util.ErrInvalidArgument)
	}
	l := &LimitInputs{minMW: minMW, ratedMW: ratedMW, maxMW: maxMW}
	for i := range l.values {
		l.values[i] = perf.LimitDisabled
	}
	return l, nil
}

// Set records client's request, clamped into [min, max].
func (l *LimitInputs) Set(client LimitClient, mW uint32) error {
	if client >= LimitClientCount {
		return fmt.Errorf("limit client %s: %w", client, util.ErrInvalidArgument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.values[client] = min(max(mW, l.minMW), l.maxMW)
	return nil
}

// Clear withdraws client's request.
func (l *LimitInputs) Clear(client LimitClient) error {
	if client >= LimitClientCount {
		return fmt.Errorf("limit client %s: %w", client, util.ErrInvalidArgument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.values[client] = perf.LimitDisabled
	return nil
}

// Current returns the effective limit in mW.
func (l *LimitInputs) Current() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := perf.LimitDisabled
	for _, v := range l.values {
		cur = min(cur, v)
	}
	if cur == perf.LimitDisabled {
		return l.ratedMW
	}
	return cur
}

// Rated returns the default limit.
func (l *LimitInputs) Rated() uint32 {
	return l.ratedMW
}
