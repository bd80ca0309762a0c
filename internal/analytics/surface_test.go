package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionstream/internal/types"
)

func surfaceQuote(expiry string, strike, iv float64, at time.Time) types.OptionQuote {
	return types.OptionQuote{
		Symbol:      "NIFTY-TEST",
		Product:     "NIFTY",
		Strike:      strike,
		Expiry:      expiry,
		Side:        types.SideCall,
		IV:          iv,
		GeneratedAt: at,
	}
}

func TestBuildSurfaceGroupsAndSortsExpiries(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	quotes := []types.OptionQuote{
		surfaceQuote("2026-09-24", 21500, 0.18, base),
		surfaceQuote("2026-08-27", 21500, 0.22, base),
		surfaceQuote("2026-08-27", 22000, 0.24, base),
		surfaceQuote("2026-08-27", 21000, 0.20, base),
	}

	s := BuildSurface("NIFTY", quotes, base)
	require.Len(t, s.Expiries, 2)

	// Near expiry first, strikes ascending within it.
	near := s.Expiries[0]
	assert.Equal(t, "2026-08-27", near.Expiry)
	assert.Equal(t, []float64{21000, 21500, 22000}, near.Strikes)
	assert.Equal(t, []float64{0.20, 0.22, 0.24}, near.IVs)
	assert.Equal(t, 0.22, near.AvgIV)

	far := s.Expiries[1]
	assert.Equal(t, "2026-09-24", far.Expiry)
	assert.Equal(t, []float64{21500}, far.Strikes)
}

func TestBuildSurfaceLatestQuoteWinsPerStrike(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	quotes := []types.OptionQuote{
		surfaceQuote("2026-08-27", 21500, 0.20, base),
		surfaceQuote("2026-08-27", 21500, 0.26, base.Add(time.Minute)),
		surfaceQuote("2026-08-27", 21500, 0.23, base.Add(30*time.Second)),
	}

	s := BuildSurface("NIFTY", quotes, base.Add(2*time.Minute))
	require.Len(t, s.Expiries, 1)
	require.Equal(t, []float64{21500}, s.Expiries[0].Strikes)
	assert.Equal(t, []float64{0.26}, s.Expiries[0].IVs)
}

func TestBuildSurfaceEmptyQuotes(t *testing.T) {
	s := BuildSurface("NIFTY", nil, time.Now())
	assert.Equal(t, "NIFTY", s.Product)
	assert.Empty(t, s.Expiries)
}
