// Package analytics holds the pure derived-analytics computations for the
// enrichment workers: put-call ratios, ATM strike and straddle, max pain,
// OTM open-interest buildup, OHLC windows, and the IV surface.
//
// Everything here is deterministic arithmetic over in-memory slices. The
// workers own all I/O; keeping this package side-effect free is what makes
// the literal scenario tests possible.
package analytics

import (
	"math"
	"time"

	"optionstream/internal/types"
)

// round4 rounds to 4 decimal places, the precision PCR values are
// published and cached with.
func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// EnrichChain computes the full set of derived analytics for one raw
// chain. The input chain is not modified.
//
// Order of computation follows the enrichment contract: totals, PCR,
// ATM strike, ATM straddle, max pain, OTM buildup.
func EnrichChain(chain types.OptionChain, now time.Time) types.EnrichedChain {
	e := types.EnrichedChain{
		OptionChain: chain,
		ProcessedAt: now.UTC(),
	}

	for i := range chain.Calls {
		e.TotalCallOI += chain.Calls[i].OpenInterest
		e.TotalCallVolume += chain.Calls[i].Volume
	}
	for i := range chain.Puts {
		e.TotalPutOI += chain.Puts[i].OpenInterest
		e.TotalPutVolume += chain.Puts[i].Volume
	}

	// PCR is undefined (nil) when the call side carries no OI/volume.
	if e.TotalCallOI > 0 {
		v := round4(float64(e.TotalPutOI) / float64(e.TotalCallOI))
		e.PCROI = &v
	}
	if e.TotalCallVolume > 0 {
		v := round4(float64(e.TotalPutVolume) / float64(e.TotalCallVolume))
		e.PCRVolume = &v
	}

	e.ATMStrike = ATMStrike(chain.Strikes, chain.SpotPrice)
	e.ATMStraddlePrice = atmStraddle(chain, e.ATMStrike)
	e.MaxPainStrike = MaxPainStrike(chain)

	for i := range chain.Calls {
		if chain.Calls[i].Strike > chain.SpotPrice {
			e.CallBuildupOTM += chain.Calls[i].OpenInterest
		}
	}
	for i := range chain.Puts {
		if chain.Puts[i].Strike < chain.SpotPrice {
			e.PutBuildupOTM += chain.Puts[i].OpenInterest
		}
	}

	return e
}

// ATMStrike returns the strike nearest to spot. When spot is exactly
// equidistant from two strikes the larger one wins.
//
// Strikes are ascending, so scanning in order and accepting equal
// distances later in the ladder implements the larger-strike tie-break.
func ATMStrike(strikes []float64, spot float64) float64 {
	if len(strikes) == 0 {
		return 0
	}
	best := strikes[0]
	bestDist := math.Abs(strikes[0] - spot)
	for _, k := range strikes[1:] {
		d := math.Abs(k - spot)
		if d <= bestDist {
			best = k
			bestDist = d
		}
	}
	return best
}

// atmStraddle is call.last + put.last at the ATM strike, 0 when either
// side is missing from the ladder.
func atmStraddle(chain types.OptionChain, atm float64) float64 {
	var call, put *types.OptionQuote
	for i := range chain.Calls {
		if chain.Calls[i].Strike == atm {
			call = &chain.Calls[i]
			break
		}
	}
	for i := range chain.Puts {
		if chain.Puts[i].Strike == atm {
			put = &chain.Puts[i]
			break
		}
	}
	if call == nil || put == nil {
		return 0
	}
	return call.Last + put.Last
}

// MaxPainStrike returns the strike minimizing the aggregate intrinsic
// payoff to option buyers if the underlying settled there.
//
// For each candidate strike K:
//
//	total(K) = sum over calls  c: c.OI * max(0, K - c.Strike)
//	         + sum over puts   p: p.OI * max(0, p.Strike - K)
//
// Ties go to the strike closest to spot, then to the smaller strike.
// O(len(strikes)^2), fine for the 21-41 strike ladders the feed emits.
func MaxPainStrike(chain types.OptionChain) float64 {
	if len(chain.Strikes) == 0 {
		return 0
	}

	best := chain.Strikes[0]
	bestTotal := math.Inf(1)
	bestSpotDist := math.Inf(1)

	for _, k := range chain.Strikes {
		var total float64
		for i := range chain.Calls {
			if d := k - chain.Calls[i].Strike; d > 0 {
				total += float64(chain.Calls[i].OpenInterest) * d
			}
		}
		for i := range chain.Puts {
			if d := chain.Puts[i].Strike - k; d > 0 {
				total += float64(chain.Puts[i].OpenInterest) * d
			}
		}

		spotDist := math.Abs(k - chain.SpotPrice)
		switch {
		case total < bestTotal:
			best, bestTotal, bestSpotDist = k, total, spotDist
		case total == bestTotal && spotDist < bestSpotDist:
			best, bestSpotDist = k, spotDist
			// Equal total and equal spot distance: keep the earlier
			// (smaller) strike, strikes being ascending.
		}
	}
	return best
}

// MaxPainTotal exposes total(K) for a single candidate strike. Used by
// tests to check the argmin property against every strike in the ladder.
func MaxPainTotal(chain types.OptionChain, k float64) float64 {
	var total float64
	for i := range chain.Calls {
		if d := k - chain.Calls[i].Strike; d > 0 {
			total += float64(chain.Calls[i].OpenInterest) * d
		}
	}
	for i := range chain.Puts {
		if d := chain.Puts[i].Strike - k; d > 0 {
			total += float64(chain.Puts[i].OpenInterest) * d
		}
	}
	return total
}
