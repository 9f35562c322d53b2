// Package policy implements the power capping controllers. Each policy
// watches one power reading against its limit and requests domain group
// limits (pstate and graphics clock) that should bring the reading under it.
//
// Policies are a closed set: BangBang, March, Workload and
// WorkloadMultirail. Every cycle the caller invokes Filter and then, when
// Filter succeeded, Evaluate. A failed cycle leaves the previously applied
// limits in place.
package policy

import (
	"fmt"

	"github.com/nvmexp/lw-firmware-sub145/internal/perf"
	"github.com/nvmexp/lw-firmware-sub145/pkg/fxp"
)

// Kind tags the policy variant.
type Kind uint8

const (
	KindBangBang Kind = iota
	KindMarch
	KindWorkload
	KindWorkloadMultirail
)

func (k Kind) String() string {
	switch k {
	case KindBangBang:
		return "bangbang"
	case KindMarch:
		return "march"
	case KindWorkload:
		return "workload"
	case KindWorkloadMultirail:
		return "workload_multirail"
	default:
		return fmt.Sprintf("kind%d", uint8(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k := KindBangBang; k <= KindWorkloadMultirail; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown policy kind %q", s)
}

// Action is a single step decision of the stepping policies.
type Action uint8

const (
	ActionNone Action = iota
	ActionCap
	ActionUncap
)

func (a Action) String() string {
	switch a {
	case ActionCap:
		return "cap"
	case ActionUncap:
		return "uncap"
	default:
		return "none"
	}
}

// Policy is the interface shared by every controller variant.
type Policy interface {
	Name() string
	Kind() Kind
	// Load resets the policy and starts it uncapped. It must be called once
	// before the first cycle.
	Load() error
	// Filter samples telemetry and updates the policy's filters.
	Filter() error
	// Evaluate computes the limits for this cycle. On error the returned
	// limits are the previously applied ones.
	Evaluate() (perf.DomainGroupLimits, error)
	// Limits returns the last applied limits.
	Limits() perf.DomainGroupLimits
	IsCapped() bool
	Inputs() *LimitInputs
	Status() Status
}

// RailStatus is the filtered state of one rail.
type RailStatus struct {
	Workload   fxp.UFXP20x12
	ObservedMW uint32
	VoltageMV  uint32
}

// Status is a point-in-time snapshot of a policy for reporting.
type Status struct {
	Name    string
	Kind    Kind
	LimitMW uint32
	ValueMW uint32
	Capped  bool
	Limits  perf.DomainGroupLimits

	// stepping policies
	Action Action

	// workload policies
	ViolationPct  uint32
	MSCGResidency fxp.UFXP4x12
	PGResidency   fxp.UFXP4x12
	Rails         []RailStatus
}
