package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecencyWeight(t *testing.T) {
	day := 24 * time.Hour

	assert.Equal(t, 1.0, recencyWeight(90*day, 0), "decay disabled")
	assert.Equal(t, 1.0, recencyWeight(-time.Hour, 30*day), "future timestamps")
	assert.Equal(t, 1.0, recencyWeight(0, 30*day))
	assert.InDelta(t, 0.5, recencyWeight(30*day, 30*day), 1e-12)
	assert.InDelta(t, 0.25, recencyWeight(60*day, 30*day), 1e-12)
}
