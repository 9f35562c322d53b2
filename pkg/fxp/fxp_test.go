package fxp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDivRoundHalfUp(t *testing.T) {
	for _, tc := range []struct {
		n, d   uint64
		result uint64
	}{
		{n: 10, d: 4, result: 3},
		{n: 9, d: 4, result: 2},
		{n: 15, d: 10, result: 2},
		{n: 14, d: 10, result: 1},
		{n: 0, d: 7, result: 0},
	} {
		assert.Equal(t, tc.result, DivRoundHalfUp64(tc.n, tc.d))
		assert.Equal(t, uint32(tc.result), DivRoundHalfUp32(uint32(tc.n), uint32(tc.d)))
	}
}

func TestRatio4x12(t *testing.T) {
	assert.Equal(t, One4x12, Ratio4x12(5, 5))
	assert.Equal(t, UFXP4x12(0x800), Ratio4x12(1, 2))
	assert.Equal(t, UFXP4x12(0xE66), Ratio4x12(9, 10))
	assert.Equal(t, UFXP4x12(math.MaxUint16), Ratio4x12(100, 1))
	assert.Equal(t, UFXP4x12(math.MaxUint16), Ratio4x12(1, 0))
	assert.Equal(t, UFXP4x12(0xE66), Percent4x12(90))
}

func TestUFXP4x12Mul(t *testing.T) {
	half := Ratio4x12(1, 2)
	assert.Equal(t, uint32(500), half.Mul(1000))
	assert.Equal(t, uint32(1000), One4x12.Mul(1000))
	// 0.5 * 3 = 1.5 rounds half up
	assert.Equal(t, uint32(2), half.Mul(3))
	assert.Equal(t, uint64(1500000000), half.Mul64(3000000000))
}

func TestUFXP4x12Helpers(t *testing.T) {
	assert.Equal(t, UFXP4x12(0), One4x12.Complement())
	assert.Equal(t, Ratio4x12(1, 4), Ratio4x12(3, 4).Complement())
	assert.Equal(t, UFXP4x12(0), (One4x12 + 10).Complement())
	assert.Equal(t, One4x12, (One4x12 + 10).Saturate())
	assert.Equal(t, uint32(90), Percent4x12(90).Percent())
	assert.Equal(t, UFXP20x12(One4x12), One4x12.Widen())
}

func TestUFXP20x12(t *testing.T) {
	v := Ratio20x12(5, 2)
	assert.Equal(t, uint32(3), v.Round())
	assert.Equal(t, uint32(25), v.Mul(10))
	assert.Equal(t, uint32(math.MaxUint32), UFXP20x12(math.MaxUint32).Mul(math.MaxUint32))
	assert.Equal(t, 2.5, v.Float64())
	assert.Equal(t, UFXP52x12(v), v.Widen())
	assert.Equal(t, UFXP20x12(math.MaxUint32), UFXP52x12(math.MaxUint64).Narrow())
	assert.Equal(t, uint64(3), UFXP52x12(v).Round())
	assert.Equal(t, UFXP52x12(0x2800), Ratio52x12(5, 2))
}
