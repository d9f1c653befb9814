package agents

import (
	"github.com/stockcouncil/stockcouncil/internal/market"
)

// Context names for degraded inputs, recorded when a fetch fails and
// surfaced through the critique stage's context_degraded flag.
const (
	InputQuote        = "quote"
	InputHistory      = "history"
	InputFundamentals = "fundamentals"
)

// Context is the immutable input every fan-out analyst receives. All
// analysts of one run share a single Context and never observe each
// other's output. Specialty data (peers, insider trades, headlines) is
// fetched by the analysts that need it, under their own deadline.
type Context struct {
	Symbol       string
	Query        string
	Quote        *market.Quote
	Candles      []market.Candle
	Fundamentals *market.Fundamentals

	// Derived series aligned with Candles, oldest first.
	Prices  []float64
	Volumes []float64
	Highs   []float64
	Lows    []float64

	Sector string

	// Degraded lists the inputs that could not be fetched.
	Degraded []string
}

// NewContext derives the historical series and marks missing inputs
// degraded. A nil quote, empty history, or nil fundamentals each add
// one entry to Degraded; the run proceeds either way and the critique
// stage caps confidence accordingly.
func NewContext(symbol, query string, quote *market.Quote, candles []market.Candle, fundamentals *market.Fundamentals) *Context {
	c := &Context{
		Symbol:       symbol,
		Query:        query,
		Quote:        quote,
		Candles:      candles,
		Fundamentals: fundamentals,
	}

	if quote == nil {
		c.Degraded = append(c.Degraded, InputQuote)
	}
	if len(candles) == 0 {
		c.Degraded = append(c.Degraded, InputHistory)
	} else {
		c.Prices = make([]float64, len(candles))
		c.Volumes = make([]float64, len(candles))
		c.Highs = make([]float64, len(candles))
		c.Lows = make([]float64, len(candles))
		for i, candle := range candles {
			c.Prices[i] = candle.Close
			c.Volumes[i] = candle.Volume
			c.Highs[i] = candle.High
			c.Lows[i] = candle.Low
		}
	}
	if fundamentals == nil {
		c.Degraded = append(c.Degraded, InputFundamentals)
	} else {
		c.Sector = fundamentals.Sector
	}

	return c
}

// IsDegraded reports whether any context input is missing
func (c *Context) IsDegraded() bool {
	return len(c.Degraded) > 0
}

// EntryPrice returns the best available current price: the live quote,
// falling back to the last close, zero when neither exists.
func (c *Context) EntryPrice() float64 {
	if c.Quote != nil && c.Quote.Price > 0 {
		return c.Quote.Price
	}
	if n := len(c.Prices); n > 0 {
		return c.Prices[n-1]
	}
	return 0
}
