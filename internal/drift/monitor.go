// Package drift re-samples market state for recently completed
// analyses and raises graded alerts when conditions have moved far
// enough to invalidate a trade plan.
package drift

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/alerts"
	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/config"
	"github.com/stockcouncil/stockcouncil/internal/market"
	"github.com/stockcouncil/stockcouncil/internal/metrics"
	"github.com/stockcouncil/stockcouncil/internal/progress"
	"github.com/stockcouncil/stockcouncil/internal/synthesis"
)

// Composite weights per dimension.
const (
	weightPrice      = 0.40
	weightVolume     = 0.25
	weightVolatility = 0.20
	weightSentiment  = 0.15
)

// Composite severity bands.
const (
	compositeCritical = 0.35
	compositeHigh     = 0.25
	compositeMedium   = 0.15
)

const (
	volatilityWindow = 5  // trading days per volatility estimate
	historyDays      = 30 // enough candles for both windows
	sentimentEpsilon = 0.1
)

// Store is the persistence surface the monitor needs. Both the
// PostgreSQL store and the in-memory store satisfy it.
type Store interface {
	ListRecentCompleted(ctx context.Context, since time.Time) ([]*analysis.Record, error)
	AppendDriftSnapshot(ctx context.Context, analysisID string, snap analysis.DriftSnapshot) error
	UpdateDriftStatus(ctx context.Context, analysisID string, status map[string]analysis.DriftSnapshot) error
	AppendDriftAlert(ctx context.Context, alert *analysis.DriftAlert) error
	PruneDriftHistory(ctx context.Context, olderThan time.Time) (int64, error)
}

// baseline is the market state an analysis was produced under,
// reconstructed from its record.
type baseline struct {
	symbol     string
	entryPrice float64
	sentiment  float64
	hasSent    bool
}

// Monitor periodically samples drift for every analysis completed
// within the active window. One sampler goroutine; ticks never overlap.
type Monitor struct {
	cfg    config.DriftConfig
	store  Store
	market market.Fetcher
	bus    *progress.Bus
	log    zerolog.Logger

	// raised deduplicates alerts across ticks: once an
	// (analysis, symbol, kind, severity) has fired, it stays quiet
	// until the severity changes.
	mu     sync.Mutex
	raised map[string]bool

	stop chan struct{}
	done chan struct{}
}

// NewMonitor creates a drift monitor. Defaults mirror the
// configuration defaults so a zero config still behaves sanely.
func NewMonitor(cfg config.DriftConfig, st Store, fetcher market.Fetcher, bus *progress.Bus) *Monitor {
	if cfg.TickSeconds <= 0 {
		cfg.TickSeconds = 300
	}
	if cfg.ActiveWindowHours <= 0 {
		cfg.ActiveWindowHours = 24
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.PriceThreshold <= 0 {
		cfg.PriceThreshold = 0.05
	}
	if cfg.VolumeThreshold <= 0 {
		cfg.VolumeThreshold = 0.50
	}
	if cfg.VolatilityThresh <= 0 {
		cfg.VolatilityThresh = 0.30
	}
	if cfg.SentimentThreshold <= 0 {
		cfg.SentimentThreshold = 0.20
	}
	return &Monitor{
		cfg:    cfg,
		store:  st,
		market: fetcher,
		bus:    bus,
		log:    log.With().Str("component", "drift_monitor").Logger(),
		raised: make(map[string]bool),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run samples on every tick until the context ends or Shutdown is
// called. A tick that overruns delays the next one rather than
// overlapping it.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Tick())
	defer ticker.Stop()

	m.log.Info().
		Dur("tick", m.cfg.Tick()).
		Dur("active_window", m.cfg.ActiveWindow()).
		Msg("drift monitor started")

	for {
		select {
		case <-ticker.C:
			m.Tick(ctx)
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		}
	}
}

// Shutdown stops the loop and waits for an in-flight tick to finish
func (m *Monitor) Shutdown() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
}

// Tick runs one sampling pass. Exported so the CLI and tests can
// sample on demand without the ticker.
func (m *Monitor) Tick(ctx context.Context) {
	now := time.Now().UTC()

	records, err := m.store.ListRecentCompleted(ctx, now.Add(-m.cfg.ActiveWindow()))
	if err != nil {
		m.log.Error().Err(err).Msg("failed to enumerate active analyses")
		return
	}

	for _, rec := range records {
		if err := m.sample(ctx, rec, now); err != nil {
			m.log.Warn().
				Err(err).
				Str("analysis_id", rec.ID).
				Msg("drift sampling skipped")
		}
		if ctx.Err() != nil {
			return
		}
	}

	if pruned, err := m.store.PruneDriftHistory(ctx, now.Add(-m.cfg.Retention())); err != nil {
		m.log.Warn().Err(err).Msg("failed to prune drift history")
	} else if pruned > 0 {
		m.log.Debug().Int64("rows", pruned).Msg("pruned drift history")
	}
}

// sample computes and persists one snapshot per symbol of an analysis.
// One symbol failing to fetch does not stop the others; the drift
// status is written once with whatever succeeded.
func (m *Monitor) sample(ctx context.Context, rec *analysis.Record, now time.Time) error {
	bases, err := baselinesOf(rec)
	if err != nil {
		return err
	}

	var firstErr error
	sampled := false
	for _, base := range bases {
		if err := m.sampleSymbol(ctx, rec, base, now); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sampled = true
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if sampled {
		if err := m.store.UpdateDriftStatus(ctx, rec.ID, rec.DriftStatus); err != nil {
			m.log.Warn().Err(err).Str("analysis_id", rec.ID).Msg("failed to update drift status")
		}
	}
	return firstErr
}

// sampleSymbol computes and persists the snapshot for one symbol
func (m *Monitor) sampleSymbol(ctx context.Context, rec *analysis.Record, base baseline, now time.Time) error {
	quote, err := m.market.GetQuote(ctx, base.symbol)
	if err != nil {
		return fmt.Errorf("failed to fetch quote for %s: %w", base.symbol, err)
	}
	candles, err := m.market.GetHistory(ctx, base.symbol, historyDays, "1d")
	if err != nil {
		return fmt.Errorf("failed to fetch history for %s: %w", base.symbol, err)
	}

	snap := analysis.DriftSnapshot{
		Symbol:    base.symbol,
		SampledAt: now,
	}

	// Non-primary symbols carry no trade plan, so they have no entry
	// price baseline and their price dimension stays zero.
	if base.entryPrice > 0 && quote.Price > 0 {
		snap.PriceDrift = math.Abs(quote.Price-base.entryPrice) / base.entryPrice
	}
	if quote.AvgVolume > 0 {
		snap.VolumeDrift = math.Abs(quote.Volume-quote.AvgVolume) / quote.AvgVolume
	}
	snap.VolatilityDrift = volatilityDrift(candles, rec.CompletedAt)
	snap.SentimentDrift = m.sentimentDrift(ctx, base)

	snap.CompositeScore = weightPrice*snap.PriceDrift +
		weightVolume*snap.VolumeDrift +
		weightVolatility*snap.VolatilityDrift +
		weightSentiment*snap.SentimentDrift
	snap.Severity = compositeSeverity(snap.CompositeScore)

	if err := m.store.AppendDriftSnapshot(ctx, rec.ID, snap); err != nil {
		return err
	}
	rec.RecordDrift(snap)

	m.raiseAlerts(ctx, rec.ID, snap)
	return nil
}

// sentimentDrift samples current sentiment against the baseline. A
// missing provider or missing baseline contributes zero drift.
func (m *Monitor) sentimentDrift(ctx context.Context, base baseline) float64 {
	if !base.hasSent {
		return 0
	}
	current, err := m.market.GetSentiment(ctx, base.symbol)
	if err != nil || current == nil {
		m.log.Debug().Str("symbol", base.symbol).Msg("sentiment unavailable, drift dimension zeroed")
		return 0
	}
	return math.Abs(current.Score-base.sentiment) / math.Max(math.Abs(base.sentiment), sentimentEpsilon)
}

// raiseAlerts fires one alert per dimension over its threshold, plus a
// composite alert at MEDIUM or above. Each (analysis, symbol, kind,
// severity) fires once; a later tick at the same grade stays quiet.
func (m *Monitor) raiseAlerts(ctx context.Context, analysisID string, snap analysis.DriftSnapshot) {
	type dimension struct {
		kind      analysis.DriftKind
		value     float64
		threshold float64
	}
	dims := []dimension{
		{analysis.DriftPrice, snap.PriceDrift, m.cfg.PriceThreshold},
		{analysis.DriftVolume, snap.VolumeDrift, m.cfg.VolumeThreshold},
		{analysis.DriftVolatility, snap.VolatilityDrift, m.cfg.VolatilityThresh},
		{analysis.DriftSentiment, snap.SentimentDrift, m.cfg.SentimentThreshold},
	}

	for _, d := range dims {
		if d.value <= d.threshold {
			continue
		}
		sev := dimensionSeverity(d.value, d.threshold)
		msg := fmt.Sprintf("%s drift %.1f%% exceeds threshold %.1f%% for %s",
			d.kind, d.value*100, d.threshold*100, snap.Symbol)
		m.emit(ctx, analysisID, snap, d.kind, sev, msg)
	}

	if snap.Severity.AtLeast(analysis.SeverityMedium) {
		msg := fmt.Sprintf("composite drift %.3f grades %s for %s",
			snap.CompositeScore, snap.Severity, snap.Symbol)
		m.emit(ctx, analysisID, snap, analysis.DriftComposite, snap.Severity, msg)
	}
}

// emit persists, publishes, and fans out one deduplicated alert
func (m *Monitor) emit(ctx context.Context, analysisID string, snap analysis.DriftSnapshot, kind analysis.DriftKind, sev analysis.Severity, msg string) {
	key := fmt.Sprintf("%s|%s|%s|%s", analysisID, snap.Symbol, kind, sev)
	m.mu.Lock()
	if m.raised[key] {
		m.mu.Unlock()
		return
	}
	m.raised[key] = true
	m.mu.Unlock()

	alert := &analysis.DriftAlert{
		AlertID:     uuid.New().String(),
		AnalysisID:  analysisID,
		Symbol:      snap.Symbol,
		Kind:        kind,
		Severity:    sev,
		Message:     msg,
		Snapshot:    snap,
		TriggeredAt: snap.SampledAt,
	}

	if err := m.store.AppendDriftAlert(ctx, alert); err != nil {
		m.log.Error().Err(err).Str("analysis_id", analysisID).Msg("failed to persist drift alert")
		return
	}

	if m.bus != nil {
		m.bus.Publish(progress.DriftAlert(*alert))
	}
	alerts.AlertDriftDetected(ctx, analysisID, snap.Symbol, string(kind), string(sev), msg, snap.CompositeScore)
	metrics.RecordDriftAlert(string(kind), string(sev))

	m.log.Info().
		Str("analysis_id", analysisID).
		Str("symbol", snap.Symbol).
		Str("kind", string(kind)).
		Str("severity", string(sev)).
		Float64("composite", snap.CompositeScore).
		Msg("drift alert raised")
}

// baselinesOf reconstructs the original market state from the record,
// one baseline per analyzed symbol: the entry price from the final
// artifact (which only exists for the symbol the plan targets) and the
// sentiment score from that symbol's sentiment execution.
func baselinesOf(rec *analysis.Record) ([]baseline, error) {
	if len(rec.FinalArtifact) == 0 {
		return nil, fmt.Errorf("analysis %s has no final artifact", rec.ID)
	}
	var art synthesis.FinalArtifact
	if err := json.Unmarshal(rec.FinalArtifact, &art); err != nil {
		return nil, fmt.Errorf("corrupt artifact for analysis %s: %w", rec.ID, err)
	}
	if art.Symbol == "" {
		return nil, fmt.Errorf("artifact for analysis %s has no symbol", rec.ID)
	}

	symbols := rec.Symbols
	if len(symbols) == 0 {
		symbols = []string{art.Symbol}
	}

	bases := make([]baseline, 0, len(symbols))
	for _, sym := range symbols {
		base := baseline{symbol: sym}
		if sym == art.Symbol {
			base.entryPrice = art.EntryPrice.Value
		}
		for i := range rec.Executions {
			exec := &rec.Executions[i]
			if exec.Status != analysis.ExecutionCompleted || exec.Output == nil || exec.Output.Symbol != sym {
				continue
			}
			if score, ok := exec.Output.Metric("sentiment_score"); ok {
				base.sentiment = score
				base.hasSent = true
				break
			}
		}
		bases = append(bases, base)
	}
	return bases, nil
}

// volatilityDrift compares the volatility of the window preceding
// completion with the latest window. Volatility is the coefficient of
// variation of closes over five trading days.
func volatilityDrift(candles []market.Candle, completedAt *time.Time) float64 {
	if len(candles) < volatilityWindow {
		return 0
	}

	latest := coefficientOfVariation(closes(candles[len(candles)-volatilityWindow:]))

	original := latest
	if completedAt != nil {
		var before []market.Candle
		for _, c := range candles {
			if !c.Timestamp.After(*completedAt) {
				before = append(before, c)
			}
		}
		if len(before) >= volatilityWindow {
			original = coefficientOfVariation(closes(before[len(before)-volatilityWindow:]))
		}
	}

	if original <= 0 {
		return 0
	}
	return math.Abs(latest-original) / original
}

func closes(candles []market.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func coefficientOfVariation(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	if mean == 0 {
		return 0
	}
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sq/float64(len(values))) / math.Abs(mean)
}

// compositeSeverity grades the weighted composite score
func compositeSeverity(composite float64) analysis.Severity {
	switch {
	case composite > compositeCritical:
		return analysis.SeverityCritical
	case composite > compositeHigh:
		return analysis.SeverityHigh
	case composite > compositeMedium:
		return analysis.SeverityMedium
	default:
		return analysis.SeverityLow
	}
}

// dimensionSeverity grades a single dimension by how far past its
// threshold it is. Crossing at all is MEDIUM; double is HIGH;
// quadruple is CRITICAL.
func dimensionSeverity(value, threshold float64) analysis.Severity {
	ratio := value / threshold
	switch {
	case ratio > 4:
		return analysis.SeverityCritical
	case ratio > 2:
		return analysis.SeverityHigh
	default:
		return analysis.SeverityMedium
	}
}
