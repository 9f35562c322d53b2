package status

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvmexp/lw-firmware-sub145/internal/arbiter"
	"github.com/nvmexp/lw-firmware-sub145/internal/perf"
	"github.com/nvmexp/lw-firmware-sub145/internal/policy"
	"github.com/nvmexp/lw-firmware-sub145/pkg/fxp"
)

func TestFromPolicy(t *testing.T) {
	p := FromPolicy(policy.Status{
		Name:          "tgp",
		Kind:          policy.KindWorkloadMultirail,
		LimitMW:       150_000,
		ValueMW:       149_000,
		Capped:        true,
		Limits:        perf.NewLimits(2, 1_750_000),
		Action:        policy.ActionCap,
		ViolationPct:  3,
		MSCGResidency: fxp.Ratio4x12(1, 4),
		PGResidency:   fxp.Ratio4x12(1, 2),
		Rails: []policy.RailStatus{
			{Workload: fxp.One20x12, ObservedMW: 100_000, VoltageMV: 900},
		},
	}, true)

	assert.Equal(t, Policy{
		Name:             "tgp",
		Kind:             "workload_multirail",
		LimitMW:          150_000,
		ValueMW:          149_000,
		Capped:           true,
		Pstate:           2,
		GraphicsKHz:      1_750_000,
		ViolationPct:     3,
		MSCGResidencyPct: 25,
		PGResidencyPct:   50,
		Rails:            []Rail{{Workload: 4096, ObservedMW: 100_000, VoltageMV: 900}},
		Stale:            true,
	}, p)

	// only stepping policies report an action
	p = FromPolicy(policy.Status{Kind: policy.KindBangBang, Action: policy.ActionUncap}, false)
	assert.Equal(t, "uncap", p.Action)
}

func TestFromArbiter(t *testing.T) {
	a := FromArbiter(arbiter.Result{
		Limits:  perf.NewLimits(2, 900_000),
		Ceiling: perf.NewLimits(2, 1_100_000),
		Fault:   true,
	}, []arbiter.CeilingRequest{
		{Client: arbiter.ClientHost, Ceiling: perf.NewLimits(2, 1_100_000)},
		{Client: arbiter.ClientThermal, Ceiling: perf.Disabled()},
	})

	assert.Equal(t, perf.NewLimits(2, 900_000), a.Limits())
	assert.True(t, a.Fault)
	assert.Equal(t, uint32(1_100_000), a.CeilingGraphicsKHz)
	assert.Equal(t, []Ceiling{{Client: "host", Pstate: 2, GraphicsKHz: 1_100_000}}, a.Ceilings)
}

func TestMarshalDeterministic(t *testing.T) {
	snapshots := []Snapshot{{
		Board:    "gpu0",
		Cycle:    7,
		Policies: []Policy{{Name: "tgp", Kind: "workload", LimitMW: 150_000}},
		Arbiter:  Arbiter{Pstate: 2, GraphicsKHz: 1_500_000},
		Errors:   []string{"policy edpp: channel 3: not ready"},
	}}

	first, err := Marshal(snapshots)
	require.NoError(t, err)
	second, err := Marshal(snapshots)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, snapshots))
	assert.Equal(t, first, buf.Bytes())

	decoded, err := Unmarshal(first)
	require.NoError(t, err)
	assert.Equal(t, snapshots, decoded)

	diag, err := Diagnose(first)
	require.NoError(t, err)
	assert.Contains(t, diag, `"board": "gpu0"`)
}
