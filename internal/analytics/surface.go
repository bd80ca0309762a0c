package analytics

import (
	"sort"
	"time"

	"optionstream/internal/types"
)

// BuildSurface groups recent quotes by expiry into a volatility surface.
// Within each expiry, quotes are sorted by strike ascending and duplicate
// strikes collapse to the most recently generated quote. Expiries come out
// sorted chronologically (the YYYY-MM-DD form sorts lexically).
func BuildSurface(product string, quotes []types.OptionQuote, now time.Time) types.VolatilitySurface {
	byExpiry := make(map[string][]types.OptionQuote)
	for _, q := range quotes {
		byExpiry[q.Expiry] = append(byExpiry[q.Expiry], q)
	}

	expiries := make([]string, 0, len(byExpiry))
	for exp := range byExpiry {
		expiries = append(expiries, exp)
	}
	sort.Strings(expiries)

	surface := types.VolatilitySurface{
		Product:     product,
		Expiries:    make([]types.SurfaceExpiry, 0, len(expiries)),
		GeneratedAt: now.UTC(),
	}

	for _, exp := range expiries {
		group := byExpiry[exp]

		// Latest quote wins per strike.
		latest := make(map[float64]types.OptionQuote, len(group))
		for _, q := range group {
			if prev, ok := latest[q.Strike]; !ok || q.GeneratedAt.After(prev.GeneratedAt) {
				latest[q.Strike] = q
			}
		}

		strikes := make([]float64, 0, len(latest))
		for k := range latest {
			strikes = append(strikes, k)
		}
		sort.Float64s(strikes)

		se := types.SurfaceExpiry{
			Expiry:  exp,
			Strikes: strikes,
			IVs:     make([]float64, 0, len(strikes)),
		}
		var sum float64
		for _, k := range strikes {
			iv := latest[k].IV
			se.IVs = append(se.IVs, iv)
			sum += iv
		}
		if len(strikes) > 0 {
			se.AvgIV = round4(sum / float64(len(strikes)))
		}
		surface.Expiries = append(surface.Expiries, se)
	}

	return surface
}
