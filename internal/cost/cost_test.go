package cost

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSegments_Boundaries(t *testing.T) {
	cases := []struct {
		length int
		want   int
	}{
		{0, 1},
		{1, 1},
		{160, 1},
		{161, 2},
		{306, 2},
		{307, 3},
		{459, 3},
		{460, 4},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, Segments(tc.length), "length %d", tc.length)
	}
}

func TestCharacters_MultiByte(t *testing.T) {
	assert.Equal(t, 5, Characters("şğüöç"))
	assert.Equal(t, 1, Characters("e\u0301"))
	assert.Equal(t, Characters("\u00e9"), Characters("e\u0301"))
}

func TestCalculate(t *testing.T) {
	rate := decimal.RequireFromString("0.05")

	est := Calculate(strings.Repeat("a", 160), rate)
	assert.Equal(t, 1, est.Segments)
	assert.True(t, est.Cost.Equal(decimal.RequireFromString("0.05")))

	// 161 two-byte characters must count as 161, not 322.
	est = Calculate(strings.Repeat("ş", 161), rate)
	assert.Equal(t, 161, est.Characters)
	assert.Equal(t, 2, est.Segments)
	assert.True(t, est.Cost.Equal(decimal.RequireFromString("0.10")))

	est = Calculate(strings.Repeat("x", 307), rate)
	assert.Equal(t, 3, est.Segments)
	assert.True(t, est.Cost.Equal(decimal.RequireFromString("0.15")))
}
