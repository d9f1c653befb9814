package agents

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stockcouncil/stockcouncil/internal/llm"
	"github.com/stockcouncil/stockcouncil/internal/market"
)

// fakeFetcher returns scripted data per endpoint so each analyst test
// controls exactly the slice of the market surface it exercises.
type fakeFetcher struct {
	quote        *market.Quote
	candles      []market.Candle
	fundamentals *market.Fundamentals
	sentiment    *market.SentimentSummary
	peers        *market.PeerGroup
	insider      []market.InsiderTransaction
	news         []market.NewsItem

	quoteErr        error
	historyErr      error
	fundamentalsErr error
	sentimentErr    error
	peersErr        error
	insiderErr      error
	newsErr         error
}

func (f *fakeFetcher) GetQuote(ctx context.Context, symbol string) (*market.Quote, error) {
	return f.quote, f.quoteErr
}

func (f *fakeFetcher) GetHistory(ctx context.Context, symbol string, days int, interval string) ([]market.Candle, error) {
	return f.candles, f.historyErr
}

func (f *fakeFetcher) GetFundamentals(ctx context.Context, symbol string) (*market.Fundamentals, error) {
	return f.fundamentals, f.fundamentalsErr
}

func (f *fakeFetcher) GetSentiment(ctx context.Context, symbol string) (*market.SentimentSummary, error) {
	return f.sentiment, f.sentimentErr
}

func (f *fakeFetcher) GetPeers(ctx context.Context, symbol string) (*market.PeerGroup, error) {
	return f.peers, f.peersErr
}

func (f *fakeFetcher) GetInsiderActivity(ctx context.Context, symbol string) ([]market.InsiderTransaction, error) {
	return f.insider, f.insiderErr
}

func (f *fakeFetcher) GetNews(ctx context.Context, symbol string, limit int) ([]market.NewsItem, error) {
	if f.newsErr != nil {
		return nil, f.newsErr
	}
	if limit < len(f.news) {
		return f.news[:limit], nil
	}
	return f.news, nil
}

// scriptedLLM returns canned completion content. Only the methods the
// narrative analysts use are scripted; the rest refuse service.
type scriptedLLM struct {
	content string
	err     error
	calls   int
	system  string
	user    string
}

func (s *scriptedLLM) Complete(ctx context.Context, messages []llm.ChatMessage) (*llm.ChatResponse, error) {
	panic("not scripted")
}

func (s *scriptedLLM) CompleteWithRetry(ctx context.Context, messages []llm.ChatMessage) (*llm.ChatResponse, error) {
	panic("not scripted")
}

func (s *scriptedLLM) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	s.calls++
	s.system = systemPrompt
	s.user = userPrompt
	if s.err != nil {
		return "", s.err
	}
	return s.content, nil
}

func (s *scriptedLLM) ParseJSONResponse(content string, target interface{}) error {
	return json.Unmarshal([]byte(content), target)
}

var _ llm.LLMClient = (*scriptedLLM)(nil)

// dailyCandles builds n daily candles ending today, with closes taken
// from the returns sequence applied to the start price. Returns cycle
// when shorter than n.
func dailyCandles(n int, start float64, returns []float64) []market.Candle {
	candles := make([]market.Candle, n)
	price := start
	day := time.Now().UTC().AddDate(0, 0, -n)
	for i := 0; i < n; i++ {
		open := price
		if len(returns) > 0 {
			price = price * (1 + returns[i%len(returns)])
		}
		high := price
		low := open
		if open > price {
			high = open
			low = price
		}
		candles[i] = market.Candle{
			Timestamp: day.AddDate(0, 0, i),
			Open:      open,
			High:      high * 1.002,
			Low:       low * 0.998,
			Close:     price,
			Volume:    1_000_000 + float64(i%5)*50_000,
		}
	}
	return candles
}

// trendingCandles is a steady zigzag uptrend long enough for the full
// indicator set.
func trendingCandles(n int) []market.Candle {
	return dailyCandles(n, 100, []float64{0.012, -0.004, 0.009, -0.002, 0.011})
}

// choppyCandles alternates hard up and down days, a high-volatility
// series with near-zero drift.
func choppyCandles(n int) []market.Candle {
	return dailyCandles(n, 100, []float64{0.05, -0.05})
}

// quietCandles drifts gently upward with tiny daily moves.
func quietCandles(n int) []market.Candle {
	return dailyCandles(n, 100, []float64{0.002, -0.001})
}

func testContext(symbol string, quote *market.Quote, candles []market.Candle, f *market.Fundamentals) *Context {
	return NewContext(symbol, "analyze "+symbol, quote, candles, f)
}
