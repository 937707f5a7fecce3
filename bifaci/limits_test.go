package bifaci

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNegotiateLimitsTakesComponentwiseMinimum(t *testing.T) {
	a := Limits{MaxFrame: 100, MaxChunk: 50, MaxReorderBuffer: 8}
	b := Limits{MaxFrame: 80, MaxChunk: 60, MaxReorderBuffer: 4}

	got := NegotiateLimits(a, b)
	assert.Equal(t, Limits{MaxFrame: 80, MaxChunk: 50, MaxReorderBuffer: 4}, got)
}

func TestLimitsOrDefaultFillsZeroFields(t *testing.T) {
	got := Limits{}.orDefault()
	assert.Equal(t, DefaultLimits(), got)

	got = Limits{MaxFrame: 10, MaxChunk: 20}.orDefault()
	assert.Equal(t, DefaultMaxReorderBuffer, got.MaxReorderBuffer)
	assert.Equal(t, 10, got.MaxFrame)
	assert.Equal(t, 20, got.MaxChunk)

	got = Limits{MaxFrame: 10}.orDefault()
	assert.Equal(t, DefaultLimits().MaxFrame, got.MaxFrame)
	assert.Equal(t, DefaultLimits().MaxChunk, got.MaxChunk)
}
