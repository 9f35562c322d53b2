package policy

import (
	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/nvmexp/lw-firmware-sub145/internal/perf"
	"github.com/nvmexp/lw-firmware-sub145/pkg/fxp"
)

func testLogger() logr.Logger {
	log.SetLogger(zap.New(zap.UseDevMode(true), func(opts *zap.Options) {
		opts.TimeEncoder = zapcore.ISO8601TimeEncoder
	}))
	return ctrl.Log.WithName("testing")
}

// recordingModel is a power model whose dynamic power is freqKHz/20 per rail
// with no leakage. It records every prediction it is asked for.
type recordingModel struct {
	dynamicFreqs  [perf.MaxRails][]uint32
	dynamicVolts  [perf.MaxRails][]uint32
	workloadFreqs []uint32
	leakageErr    error
}

func (m *recordingModel) Leakage(rail int, voltageMV uint32) (uint32, error) {
	return 0, m.leakageErr
}

func (m *recordingModel) Workload(rail int, dynamicMW, freqKHz, voltageMV uint32) (fxp.UFXP20x12, error) {
	if rail == 0 {
		m.workloadFreqs = append(m.workloadFreqs, freqKHz)
	}
	return fxp.One20x12, nil
}

func (m *recordingModel) DynamicPower(rail int, w fxp.UFXP20x12, freqKHz, voltageMV uint32) (uint32, error) {
	m.dynamicFreqs[rail] = append(m.dynamicFreqs[rail], freqKHz)
	m.dynamicVolts[rail] = append(m.dynamicVolts[rail], voltageMV)
	return freqKHz / 20, nil
}

func (m *recordingModel) reset() {
	*m = recordingModel{}
}

func mustInputs(ratedMW uint32) *LimitInputs {
	l, err := NewLimitInputs(0, ratedMW, 10*ratedMW)
	if err != nil {
		panic(err)
	}
	return l
}
