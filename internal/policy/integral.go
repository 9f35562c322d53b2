package policy

import (
	"fmt"
	"math"

	"github.com/nvmexp/lw-firmware-sub145/internal/filter"
	"github.com/nvmexp/lw-firmware-sub145/pkg/fxp"
	"github.com/nvmexp/lw-firmware-sub145/pkg/util"
)

// IntegralConfig enables correction of the workload policies' target by the
// accumulated error between the limit and the filtered reading.
type IntegralConfig struct {
	// PastSamples is the number of cycles of error kept.
	PastSamples int
	// FutureSamples is the number of cycles the accumulated error is spread
	// over when correcting the target.
	FutureSamples uint32
	// MinRatio and MaxRatio bound the corrected target relative to the limit.
	MinRatio fxp.UFXP4x12
	MaxRatio fxp.UFXP4x12
}

type integralControl struct {
	cfg    IntegralConfig
	errors *filter.MovingAverage[int32]
}

func newIntegralControl(cfg *IntegralConfig) (*integralControl, error) {
	if cfg == nil {
		return nil, nil
	}
	if cfg.FutureSamples == 0 || cfg.MinRatio > cfg.MaxRatio {
		return nil, fmt.Errorf("integral control %+v: %w", *cfg, util.ErrInvalidArgument)
	}
	errs, err := filter.NewMovingAverage[int32](cfg.PastSamples)
	if err != nil {
		return nil, fmt.Errorf("integral control: %w", err)
	}
	return &integralControl{cfg: *cfg, errors: errs}, nil
}

func (c *integralControl) record(limitMW, valueMW uint32) {
	if c == nil {
		return
	}
	diff := int64(limitMW) - int64(valueMW)
	c.errors.Insert(int32(min(max(diff, math.MinInt32), math.MaxInt32)))
}

// target returns limitMW corrected by the accumulated error.
func (c *integralControl) target(limitMW uint32) uint32 {
	if c == nil {
		return limitMW
	}
	t := int64(limitMW) + c.errors.Sum()/int64(c.cfg.FutureSamples)
	lo := int64(c.cfg.MinRatio.Mul64(uint64(limitMW)))
	hi := int64(c.cfg.MaxRatio.Mul64(uint64(limitMW)))
	return uint32(min(max(t, lo), hi, math.MaxUint32))
}

func (c *integralControl) reset() {
	if c != nil {
		c.errors.Reset()
	}
}
