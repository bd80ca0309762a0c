// Package types defines the wire and storage model for the options
// market-data pipeline: raw feed payloads, enriched analytics records,
// and the validation applied at the ingestion boundary.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Side identifies the option side of a quote.
type Side string

const (
	SideCall Side = "CALL"
	SidePut  Side = "PUT"
)

// ErrValidation marks payloads that are malformed beyond repair.
// Validation failures are logged and dropped, never retried.
var ErrValidation = errors.New("validation error")

// productPattern matches feed product symbols (NIFTY, BANKNIFTY, ...).
// Same alphabet the gateway enforces on subscribe requests.
var productPattern = regexp.MustCompile(`^[A-Z0-9]{1,16}$`)

// ValidProduct reports whether s is an acceptable product symbol.
func ValidProduct(s string) bool {
	return productPattern.MatchString(s)
}

// UnderlyingTick is one price observation for an underlying product.
// (product, tick_id) identifies the tick; TickID is monotonic per product.
type UnderlyingTick struct {
	Product     string    `json:"product" bson:"product"`
	Price       float64   `json:"price" bson:"price"`
	GeneratedAt time.Time `json:"generated_at" bson:"generated_at"`
	TickID      int64     `json:"tick_id" bson:"tick_id"`
	ProcessedAt time.Time `json:"processed_at,omitempty" bson:"processed_at,omitempty"`
}

// Validate checks the required fields of a raw tick payload.
func (t *UnderlyingTick) Validate() error {
	if !ValidProduct(t.Product) {
		return fmt.Errorf("%w: tick has invalid product %q", ErrValidation, t.Product)
	}
	if t.Price < 0 {
		return fmt.Errorf("%w: tick for %s has negative price %f", ErrValidation, t.Product, t.Price)
	}
	if t.GeneratedAt.IsZero() {
		return fmt.Errorf("%w: tick for %s missing generated_at", ErrValidation, t.Product)
	}
	if t.TickID < 0 {
		return fmt.Errorf("%w: tick for %s has negative tick_id %d", ErrValidation, t.Product, t.TickID)
	}
	return nil
}

// OptionQuote is a single option contract quote with Greeks.
// Invariant (when bid/last/ask all present): bid <= last <= ask.
type OptionQuote struct {
	Symbol       string    `json:"symbol" bson:"symbol"`
	Product      string    `json:"product" bson:"product"`
	Strike       float64   `json:"strike" bson:"strike"`
	Expiry       string    `json:"expiry" bson:"expiry"` // YYYY-MM-DD
	Side         Side      `json:"side" bson:"side"`
	Bid          float64   `json:"bid" bson:"bid"`
	Ask          float64   `json:"ask" bson:"ask"`
	Last         float64   `json:"last" bson:"last"`
	Volume       int64     `json:"volume" bson:"volume"`
	OpenInterest int64     `json:"open_interest" bson:"open_interest"`
	Delta        float64   `json:"delta" bson:"delta"`
	Gamma        float64   `json:"gamma" bson:"gamma"`
	Vega         float64   `json:"vega" bson:"vega"`
	Theta        float64   `json:"theta" bson:"theta"`
	IV           float64   `json:"iv" bson:"iv"`
	GeneratedAt  time.Time `json:"generated_at" bson:"generated_at"`
}

// Validate checks the required fields of a raw quote payload.
func (q *OptionQuote) Validate() error {
	if q.Symbol == "" {
		return fmt.Errorf("%w: quote missing symbol", ErrValidation)
	}
	if !ValidProduct(q.Product) {
		return fmt.Errorf("%w: quote %s has invalid product %q", ErrValidation, q.Symbol, q.Product)
	}
	if q.Side != SideCall && q.Side != SidePut {
		return fmt.Errorf("%w: quote %s has invalid side %q", ErrValidation, q.Symbol, q.Side)
	}
	if q.GeneratedAt.IsZero() {
		return fmt.Errorf("%w: quote %s missing generated_at", ErrValidation, q.Symbol)
	}
	if q.Volume < 0 || q.OpenInterest < 0 {
		return fmt.Errorf("%w: quote %s has negative volume/open_interest", ErrValidation, q.Symbol)
	}
	return nil
}

// OptionChain is a full strike ladder for one (product, expiry).
// Calls and Puts are position-aligned with Strikes; Strikes are unique
// and ascending.
type OptionChain struct {
	Product     string        `json:"product" bson:"product"`
	Expiry      string        `json:"expiry" bson:"expiry"`
	SpotPrice   float64       `json:"spot_price" bson:"spot_price"`
	Strikes     []float64     `json:"strikes" bson:"strikes"`
	Calls       []OptionQuote `json:"calls" bson:"calls"`
	Puts        []OptionQuote `json:"puts" bson:"puts"`
	GeneratedAt time.Time     `json:"generated_at" bson:"generated_at"`
}

// Validate checks structural invariants of a raw chain payload.
func (c *OptionChain) Validate() error {
	if !ValidProduct(c.Product) {
		return fmt.Errorf("%w: chain has invalid product %q", ErrValidation, c.Product)
	}
	if c.Expiry == "" {
		return fmt.Errorf("%w: chain for %s missing expiry", ErrValidation, c.Product)
	}
	if c.GeneratedAt.IsZero() {
		return fmt.Errorf("%w: chain for %s missing generated_at", ErrValidation, c.Product)
	}
	if len(c.Strikes) == 0 {
		return fmt.Errorf("%w: chain for %s has no strikes", ErrValidation, c.Product)
	}
	for i := 1; i < len(c.Strikes); i++ {
		if c.Strikes[i] <= c.Strikes[i-1] {
			return fmt.Errorf("%w: chain for %s strikes not strictly ascending at index %d", ErrValidation, c.Product, i)
		}
	}
	if len(c.Calls) != 0 && len(c.Calls) != len(c.Strikes) {
		return fmt.Errorf("%w: chain for %s has %d calls for %d strikes", ErrValidation, c.Product, len(c.Calls), len(c.Strikes))
	}
	if len(c.Puts) != 0 && len(c.Puts) != len(c.Strikes) {
		return fmt.Errorf("%w: chain for %s has %d puts for %d strikes", ErrValidation, c.Product, len(c.Puts), len(c.Strikes))
	}
	return nil
}

// EnrichedChain is an OptionChain plus the derived analytics computed by
// the enrichment workers. One enriched record is persisted per raw chain.
type EnrichedChain struct {
	OptionChain `bson:",inline"`

	// Put-Call Ratios, rounded to 4 decimals. Nil when the call-side
	// denominator is zero.
	PCROI     *float64 `json:"pcr_oi" bson:"pcr_oi"`
	PCRVolume *float64 `json:"pcr_volume" bson:"pcr_volume"`

	ATMStrike        float64 `json:"atm_strike" bson:"atm_strike"`
	ATMStraddlePrice float64 `json:"atm_straddle_price" bson:"atm_straddle_price"`
	MaxPainStrike    float64 `json:"max_pain_strike" bson:"max_pain_strike"`

	TotalCallOI     int64 `json:"total_call_oi" bson:"total_call_oi"`
	TotalPutOI      int64 `json:"total_put_oi" bson:"total_put_oi"`
	TotalCallVolume int64 `json:"total_call_volume" bson:"total_call_volume"`
	TotalPutVolume  int64 `json:"total_put_volume" bson:"total_put_volume"`

	// Flat OTM open-interest sums: calls above spot, puts below spot.
	CallBuildupOTM int64 `json:"call_buildup_otm" bson:"call_buildup_otm"`
	PutBuildupOTM  int64 `json:"put_buildup_otm" bson:"put_buildup_otm"`

	ProcessedAt time.Time `json:"processed_at" bson:"processed_at"`
}

// Summary projects the fields broadcast to the general room.
func (e *EnrichedChain) Summary() ChainSummary {
	return ChainSummary{
		Product:          e.Product,
		Expiry:           e.Expiry,
		SpotPrice:        e.SpotPrice,
		PCROI:            e.PCROI,
		ATMStraddlePrice: e.ATMStraddlePrice,
		MaxPainStrike:    e.MaxPainStrike,
		GeneratedAt:      e.GeneratedAt,
	}
}

// ChainSummary is the compact chain view sent to the general room and
// cached under latest:pcr:{product}:{expiry}.
type ChainSummary struct {
	Product          string    `json:"product"`
	Expiry           string    `json:"expiry"`
	SpotPrice        float64   `json:"spot_price"`
	PCROI            *float64  `json:"pcr_oi"`
	ATMStraddlePrice float64   `json:"atm_straddle_price"`
	MaxPainStrike    float64   `json:"max_pain_strike"`
	GeneratedAt      time.Time `json:"generated_at"`
}

// PCRSnapshot is the cached PCR subset for latest:pcr:{product}:{expiry}.
type PCRSnapshot struct {
	PCROI       *float64  `json:"pcr_oi"`
	PCRVolume   *float64  `json:"pcr_volume"`
	GeneratedAt time.Time `json:"generated_at"`
}

// EnrichedUnderlying is the payload published on enriched:underlying.
type EnrichedUnderlying struct {
	Product     string    `json:"product"`
	Price       float64   `json:"price"`
	GeneratedAt time.Time `json:"generated_at"`
	ProcessedAt time.Time `json:"processed_at"`
}

// LatestUnderlying is the cached value for latest:underlying:{product}.
type LatestUnderlying struct {
	Price       float64   `json:"price"`
	GeneratedAt time.Time `json:"generated_at"`
}

// OHLCWindow is a rolling open/high/low/close aggregate over recent ticks.
// Derivable from the tick history, so cached but never persisted.
// Invariant: Low <= Open,Close <= High and EndTime >= StartTime.
type OHLCWindow struct {
	Product       string    `json:"product"`
	WindowMinutes int       `json:"window_minutes"`
	Open          float64   `json:"open"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Close         float64   `json:"close"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	NumTicks      int       `json:"num_ticks"`
}

// SurfaceExpiry is one expiry slice of a volatility surface.
// Strikes ascending and unique, IVs position-aligned.
type SurfaceExpiry struct {
	Expiry  string    `json:"expiry"`
	Strikes []float64 `json:"strikes"`
	IVs     []float64 `json:"ivs"`
	AvgIV   float64   `json:"avg_iv"`
}

// VolatilitySurface is the per-product IV surface built from recent
// quotes, expiries sorted chronologically.
type VolatilitySurface struct {
	Product     string          `json:"product"`
	Expiries    []SurfaceExpiry `json:"expiries"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// DLQEntry is one dead-lettered task, appended to dlq:enrichment after
// the retry budget is exhausted.
type DLQEntry struct {
	TaskID     string          `json:"task_id"`
	TaskName   string          `json:"task_name"`
	Error      string          `json:"error"`
	Args       json.RawMessage `json:"args"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}
