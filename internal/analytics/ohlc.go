package analytics

import (
	"optionstream/internal/types"
)

// ComputeOHLC aggregates ticks into one OHLC window. Ticks must be sorted
// ascending by generated_at, which is how the store's range query returns
// them. Returns nil when the window is empty.
//
// The window is recomputed from the tick history on every run rather than
// maintained incrementally; a window that missed a just-arrived tick is
// corrected by the next scheduled run.
func ComputeOHLC(product string, windowMinutes int, ticks []types.UnderlyingTick) *types.OHLCWindow {
	if len(ticks) == 0 {
		return nil
	}

	w := &types.OHLCWindow{
		Product:       product,
		WindowMinutes: windowMinutes,
		Open:          ticks[0].Price,
		High:          ticks[0].Price,
		Low:           ticks[0].Price,
		Close:         ticks[len(ticks)-1].Price,
		StartTime:     ticks[0].GeneratedAt,
		EndTime:       ticks[len(ticks)-1].GeneratedAt,
		NumTicks:      len(ticks),
	}
	for _, t := range ticks[1:] {
		if t.Price > w.High {
			w.High = t.Price
		}
		if t.Price < w.Low {
			w.Low = t.Price
		}
	}
	return w
}
