// Package market fetches equity market data from the configured provider.
//
// The provider is any HTTP service exposing the quote / history /
// fundamentals surface (plus sentiment, peers, insider activity, and news
// used by the analyst fleet). Provider errors are classified transient,
// permanent, or rate-limited so callers can decide what to retry.
package market

import (
	"context"
	"time"
)

// Quote is a point-in-time snapshot of a symbol
type Quote struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Open          float64   `json:"open"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	PrevClose     float64   `json:"prev_close"`
	Volume        float64   `json:"volume"`
	AvgVolume     float64   `json:"avg_volume"` // trailing average daily volume
	ChangePercent float64   `json:"change_percent"`
	Timestamp     time.Time `json:"timestamp"`
}

// Candle represents OHLCV data for one interval
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Fundamentals holds the valuation and quality metrics for a symbol.
// IntrinsicValuePerShare is the provider's fair-value estimate and is the
// only per-share valuation quantity; aggregate figures like market cap are
// never compared against prices.
type Fundamentals struct {
	Symbol                 string    `json:"symbol"`
	Name                   string    `json:"name"`
	Sector                 string    `json:"sector"`
	Industry               string    `json:"industry"`
	MarketCap              float64   `json:"market_cap"`
	PERatio                float64   `json:"pe_ratio"`
	ForwardPE              float64   `json:"forward_pe"`
	EPS                    float64   `json:"eps"`
	DividendYield          float64   `json:"dividend_yield"`
	Beta                   float64   `json:"beta"`
	RevenueGrowth          float64   `json:"revenue_growth"`
	ProfitMargin           float64   `json:"profit_margin"`
	DebtToEquity           float64   `json:"debt_to_equity"`
	FreeCashFlow           float64   `json:"free_cash_flow"`
	IntrinsicValuePerShare float64   `json:"intrinsic_value_per_share"`
	FiftyTwoWeekHigh       float64   `json:"fifty_two_week_high"`
	FiftyTwoWeekLow        float64   `json:"fifty_two_week_low"`
	AsOf                   time.Time `json:"as_of"`
}

// SentimentSummary aggregates recent market sentiment for a symbol
type SentimentSummary struct {
	Symbol       string    `json:"symbol"`
	Score        float64   `json:"score"` // -1 (bearish) to +1 (bullish)
	ArticleCount int       `json:"article_count"`
	AsOf         time.Time `json:"as_of"`
}

// PeerMetric holds comparison metrics for one peer company
type PeerMetric struct {
	Symbol        string  `json:"symbol"`
	Name          string  `json:"name"`
	MarketCap     float64 `json:"market_cap"`
	PERatio       float64 `json:"pe_ratio"`
	RevenueGrowth float64 `json:"revenue_growth"`
	ProfitMargin  float64 `json:"profit_margin"`
}

// PeerGroup is the sector peer set for a symbol
type PeerGroup struct {
	Symbol string       `json:"symbol"`
	Sector string       `json:"sector"`
	Peers  []PeerMetric `json:"peers"`
}

// InsiderTransaction is a single reported insider trade
type InsiderTransaction struct {
	Symbol   string    `json:"symbol"`
	Insider  string    `json:"insider"`
	Role     string    `json:"role"`
	Type     string    `json:"type"` // "buy" or "sell"
	Shares   float64   `json:"shares"`
	Price    float64   `json:"price"`
	Value    float64   `json:"value"`
	FiledAt  time.Time `json:"filed_at"`
	TradedAt time.Time `json:"traded_at"`
}

// NewsItem is a single news headline with provider-scored sentiment
type NewsItem struct {
	Symbol      string    `json:"symbol"`
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	Summary     string    `json:"summary"`
	Sentiment   float64   `json:"sentiment"` // -1 to +1
	PublishedAt time.Time `json:"published_at"`
}

// Fetcher is the market data surface consumed by the engine.
// ProviderClient implements it against the HTTP provider; CachedFetcher
// layers Redis caching on top.
type Fetcher interface {
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetHistory(ctx context.Context, symbol string, days int, interval string) ([]Candle, error)
	GetFundamentals(ctx context.Context, symbol string) (*Fundamentals, error)
	GetSentiment(ctx context.Context, symbol string) (*SentimentSummary, error)
	GetPeers(ctx context.Context, symbol string) (*PeerGroup, error)
	GetInsiderActivity(ctx context.Context, symbol string) ([]InsiderTransaction, error)
	GetNews(ctx context.Context, symbol string, limit int) ([]NewsItem, error)
}
