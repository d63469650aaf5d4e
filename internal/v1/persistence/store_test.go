package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClampBounds(t *testing.T) {
	assert.Equal(t, 0.0, clamp(-1, 0, 1))
	assert.Equal(t, 1.0, clamp(2, 0, 1))
	assert.Equal(t, 0.5, clamp(0.5, 0, 1))
}

func TestProbabilityFractionConvertsPercentageToFraction(t *testing.T) {
	assert.Equal(t, 0.5, probabilityFraction(50))
	assert.Equal(t, 1.0, probabilityFraction(100))
	assert.Equal(t, 0.0, probabilityFraction(0))
	assert.Equal(t, 1.0, probabilityFraction(150), "out-of-range percentage clamps to 100 before dividing")
	assert.Equal(t, 0.0, probabilityFraction(-20), "negative percentage clamps to 0 before dividing")
}
