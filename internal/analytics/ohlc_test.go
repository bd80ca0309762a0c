package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionstream/internal/types"
)

func tick(price float64, at time.Time) types.UnderlyingTick {
	return types.UnderlyingTick{Product: "NIFTY", Price: price, GeneratedAt: at}
}

func TestComputeOHLC(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	ticks := []types.UnderlyingTick{
		tick(21500, base),
		tick(21520, base.Add(10*time.Second)),
		tick(21490, base.Add(20*time.Second)),
		tick(21505, base.Add(30*time.Second)),
	}

	w := ComputeOHLC("NIFTY", 1, ticks)
	require.NotNil(t, w)

	assert.Equal(t, 21500.0, w.Open)
	assert.Equal(t, 21520.0, w.High)
	assert.Equal(t, 21490.0, w.Low)
	assert.Equal(t, 21505.0, w.Close)
	assert.Equal(t, base, w.StartTime)
	assert.Equal(t, base.Add(30*time.Second), w.EndTime)
	assert.Equal(t, 4, w.NumTicks)

	// Window invariant.
	assert.LessOrEqual(t, w.Low, w.Open)
	assert.LessOrEqual(t, w.Low, w.Close)
	assert.GreaterOrEqual(t, w.High, w.Open)
	assert.GreaterOrEqual(t, w.High, w.Close)
}

func TestComputeOHLCSingleTick(t *testing.T) {
	at := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	w := ComputeOHLC("NIFTY", 5, []types.UnderlyingTick{tick(21500, at)})
	require.NotNil(t, w)

	assert.Equal(t, 21500.0, w.Open)
	assert.Equal(t, 21500.0, w.High)
	assert.Equal(t, 21500.0, w.Low)
	assert.Equal(t, 21500.0, w.Close)
	assert.Equal(t, 1, w.NumTicks)
	assert.Equal(t, w.StartTime, w.EndTime)
}

func TestComputeOHLCEmptyWindow(t *testing.T) {
	assert.Nil(t, ComputeOHLC("NIFTY", 1, nil))
}
