package capping

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/nvmexp/lw-firmware-sub145/internal/arbiter"
	"github.com/nvmexp/lw-firmware-sub145/internal/perf"
	"github.com/nvmexp/lw-firmware-sub145/internal/policy"
	"github.com/nvmexp/lw-firmware-sub145/internal/status"
	"github.com/nvmexp/lw-firmware-sub145/pkg/util"
)

// LimitSink applies the arbitrated limits to the clocks.
type LimitSink interface {
	ApplyLimits(limits perf.DomainGroupLimits) error
}

// PowerManagerState owns everything one board's capping cycle touches: its
// policies, the arbiter with its ceiling registry, and the limit sink.
// RunCycle must only be called from one goroutine at a time; Snapshot may be
// called from anywhere.
type PowerManagerState struct {
	board    string
	policies []policy.Policy
	arbiter  *arbiter.Arbiter
	sink     LimitSink
	clock    clock.PassiveClock
	logger   logr.Logger

	candidates []perf.DomainGroupLimits
	errs       []error
	stale      []bool
	cycle      uint64
	snapshot   atomic.Pointer[status.Snapshot]
}

func NewPowerManagerState(
	board string,
	policies []policy.Policy,
	arb *arbiter.Arbiter,
	sink LimitSink,
	clk clock.PassiveClock,
) (*PowerManagerState, error) {
	if arb == nil || sink == nil || clk == nil {
		return nil, fmt.Errorf("board %s: arbiter, limit sink and clock are required: %w", board, util.ErrInvalidArgument)
	}
	names := map[string]struct{}{}
	for _, p := range policies {
		if _, dup := names[p.Name()]; dup {
			return nil, fmt.Errorf("board %s: duplicate policy %q: %w", board, p.Name(), util.ErrInvalidArgument)
		}
		names[p.Name()] = struct{}{}
	}

	s := &PowerManagerState{
		board:      board,
		policies:   policies,
		arbiter:    arb,
		sink:       sink,
		clock:      clk,
		logger:     ctrl.Log.WithName("PowerManagerState").WithName(board),
		candidates: make([]perf.DomainGroupLimits, len(policies)),
		errs:       make([]error, 0, len(policies)+2),
		stale:      make([]bool, len(policies)),
	}
	s.snapshot.Store(&status.Snapshot{Board: board})

	return s, nil
}

// Load warm starts every policy.
func (s *PowerManagerState) Load() error {
	var errs []error
	for _, p := range s.policies {
		if err := p.Load(); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.V(4).Info("policies loaded", "count", len(s.policies))
	return errors.Join(errs...)
}

// RunCycle runs one sampling period: filter and evaluate every policy,
// arbitrate, apply. A policy whose filter or evaluation fails contributes
// its last applied limits. The returned error covers arbitration and the
// sink only.
func (s *PowerManagerState) RunCycle() (arbiter.Result, error) {
	s.errs = s.errs[:0]
	for i, p := range s.policies {
		err := p.Filter()
		if err == nil {
			_, err = p.Evaluate()
		}
		s.stale[i] = err != nil
		if err != nil {
			s.errs = append(s.errs, err)
			if util.IsCycleAbort(err) {
				s.logger.V(4).Info("policy cycle aborted, keeping last limits", "policy", p.Name(), "reason", err.Error())
			} else {
				s.logger.Error(err, "policy cycle failed, keeping last limits", "policy", p.Name())
			}
		}
		s.candidates[i] = p.Limits()
	}

	res, err := s.arbiter.Arbitrate(s.candidates)
	if err == nil {
		err = s.sink.ApplyLimits(res.Limits)
	}
	if err != nil {
		s.errs = append(s.errs, err)
	}

	s.cycle++
	s.publish(res)
	s.logger.V(5).Info("cycle done", "cycle", s.cycle, "limits", res.Limits.String())
	return res, err
}

func (s *PowerManagerState) publish(res arbiter.Result) {
	snap := &status.Snapshot{
		Board:       s.board,
		Cycle:       s.cycle,
		TimestampNs: s.clock.Now().UnixNano(),
		Policies:    make([]status.Policy, len(s.policies)),
		Arbiter:     status.FromArbiter(res, s.arbiter.Registry().Requests()),
	}
	for i, p := range s.policies {
		snap.Policies[i] = status.FromPolicy(p.Status(), s.stale[i])
	}
	if len(s.errs) > 0 {
		snap.Errors = *util.UnpackErrsToStrings(errors.Join(s.errs...))
	}
	s.snapshot.Store(snap)
}

// Snapshot returns the state after the last cycle. The result must not be
// modified.
func (s *PowerManagerState) Snapshot() *status.Snapshot {
	return s.snapshot.Load()
}

func (s *PowerManagerState) Board() string { return s.board }

// Policy returns the named policy.
func (s *PowerManagerState) Policy(name string) (policy.Policy, bool) {
	for _, p := range s.policies {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

func (s *PowerManagerState) Arbiter() *arbiter.Arbiter { return s.arbiter }
