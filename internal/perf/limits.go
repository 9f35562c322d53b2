package perf

import (
	"fmt"
	"math"
)

// LimitDisabled is the "no limit" sentinel for every domain group value.
const LimitDisabled uint32 = math.MaxUint32

// DomainGroup indexes the values of DomainGroupLimits.
type DomainGroup uint8

const (
	// DomainGroupPstate is the performance state index.
	DomainGroupPstate DomainGroup = iota
	// DomainGroupGraphics is the graphics clock, in external units (kHz).
	DomainGroupGraphics

	DomainGroupCount
)

func (d DomainGroup) String() string {
	switch d {
	case DomainGroupPstate:
		return "pstate"
	case DomainGroupGraphics:
		return "graphics"
	default:
		return fmt.Sprintf("domgrp%d", uint8(d))
	}
}

// DomainGroupLimits is one requested or applied limit per domain group.
type DomainGroupLimits struct {
	Values [DomainGroupCount]uint32
}

// Disabled returns limits with every domain group unbounded.
func Disabled() DomainGroupLimits {
	var l DomainGroupLimits
	for i := range l.Values {
		l.Values[i] = LimitDisabled
	}
	return l
}

// NewLimits builds limits for a pstate and graphics clock.
func NewLimits(pstate, graphicsKHz uint32) DomainGroupLimits {
	var l DomainGroupLimits
	l.Values[DomainGroupPstate] = pstate
	l.Values[DomainGroupGraphics] = graphicsKHz
	return l
}

// Pstate returns the pstate index value.
func (l DomainGroupLimits) Pstate() uint32 {
	return l.Values[DomainGroupPstate]
}

// Graphics returns the graphics clock value.
func (l DomainGroupLimits) Graphics() uint32 {
	return l.Values[DomainGroupGraphics]
}

// IsDisabled reports whether every value is LimitDisabled.
func (l DomainGroupLimits) IsDisabled() bool {
	for _, v := range l.Values {
		if v != LimitDisabled {
			return false
		}
	}
	return true
}

// Min returns the per-domain-group minimum of l and o.
func (l DomainGroupLimits) Min(o DomainGroupLimits) DomainGroupLimits {
	for i := range l.Values {
		l.Values[i] = min(l.Values[i], o.Values[i])
	}
	return l
}

// Max returns the per-domain-group maximum of l and o, ignoring disabled
// values in o.
func (l DomainGroupLimits) Max(o DomainGroupLimits) DomainGroupLimits {
	for i := range l.Values {
		if o.Values[i] != LimitDisabled {
			l.Values[i] = max(l.Values[i], o.Values[i])
		}
	}
	return l
}

func (l DomainGroupLimits) String() string {
	return fmt.Sprintf("{pstate: %s, graphics: %s}",
		limitString(l.Pstate()), limitString(l.Graphics()))
}

func limitString(v uint32) string {
	if v == LimitDisabled {
		return "disabled"
	}
	return fmt.Sprintf("%d", v)
}
