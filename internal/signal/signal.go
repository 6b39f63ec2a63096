// Package signal implements C7: the per-token trade/book signal engine.
// It watches trades and book snapshots for a subscribed token universe
// and emits DomainEvents for major price moves, big trades, rolling
// volume spikes, and resting big walls, gated by expiry/cooldown/merge
// windows. Grounded on the detector state machine in the original
// application layer, recast as explicit gating functions over Go
// decimal arithmetic, and on the teacher's cascading-gate style in its
// trading policy/limits package.
package signal

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/polymarket-signal-pipeline/marketsignal/internal/clock"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/events"
	pipelinemetrics "github.com/polymarket-signal-pipeline/marketsignal/internal/metrics"
)

// TokenMeta is the routing/context information the engine needs for a
// token, supplied by the orchestrator's current selection.
type TokenMeta struct {
	TokenID  string
	MarketID string
	Category string
	Title    string
	Side     string
	TopicKey string
	EndTS    *int64
}

// Trade is one executed tick handed to the engine.
type Trade struct {
	TokenID string
	Price   decimal.Decimal
	Size    decimal.Decimal
	TsMS    int64
}

// BookLevel is one resting price/size pair.
type BookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Book is a full book snapshot handed to the engine.
type Book struct {
	TokenID string
	Bids    []BookLevel
	Asks    []BookLevel
	TsMS    int64
}

// Sink receives emitted events. The orchestrator wires this to the
// multiplex sink.
type Sink interface {
	Publish(ctx context.Context, event events.DomainEvent) error
}

// Config parameterizes the engine's thresholds, mirroring the full
// config surface the signals section of the configuration exposes.
type Config struct {
	BigTradeUSD            decimal.Decimal
	BigVolume1MUSD         decimal.Decimal
	BigWallSize            *decimal.Decimal
	CooldownSec            int64
	MajorChangePct         decimal.Decimal
	MajorChangeWindowSec   int64
	MajorChangeMinNotional decimal.Decimal
	MajorChangeSource      string // "trade" | "book" | "any"
	LowPriceMax            decimal.Decimal
	LowPriceAbs            decimal.Decimal
	SpreadGateK            decimal.Decimal
	HighConfidenceThresh   decimal.Decimal
	ReverseAllowThresh     decimal.Decimal
	MergeWindowSec         float64
	DropExpiredMarkets     bool
}

// tradeWindow is a rolling 60s (notional, ts) deque with a running
// total, mirroring TradeWindow in the original detector.
type tradeWindow struct {
	entries []tradeEntry
	total   decimal.Decimal
}

type tradeEntry struct {
	tsMS     int64
	notional decimal.Decimal
}

func (w *tradeWindow) add(tsMS int64, notional decimal.Decimal) {
	w.entries = append(w.entries, tradeEntry{tsMS, notional})
	w.total = w.total.Add(notional)
}

func (w *tradeWindow) trim(cutoffMS int64) {
	i := 0
	for i < len(w.entries) && w.entries[i].tsMS < cutoffMS {
		w.total = w.total.Sub(w.entries[i].notional)
		i++
	}
	w.entries = w.entries[i:]
}

type lastPrice struct {
	price decimal.Decimal
	tsMS  int64
}

// tradeBucket merges a burst of big-trade/volume-spike signals for one
// (market, side) key over MergeWindowSec before emitting a single
// combined event.
type tradeBucket struct {
	meta           TokenMeta
	totalNotional  decimal.Decimal
	totalSize      decimal.Decimal
	lastPrice      decimal.Decimal
	lastSize       decimal.Decimal
	maxVol1M       *decimal.Decimal
	hasBigTrade    bool
	hasVolumeSpike bool
	timer          *time.Timer
}

// Engine is the signal detector for the current token universe.
type Engine struct {
	clock   clock.Clock
	sink    Sink
	cfg     Config
	metrics *pipelinemetrics.PipelineMetrics

	mu         sync.Mutex
	tokenMeta  map[string]TokenMeta
	windows    map[string]*tradeWindow
	cooldowns  map[[2]string]int64
	lastPrices map[string]lastPrice
	bestQuote  map[string][2]decimal.Decimal

	bucketMu sync.Mutex
	buckets  map[[2]string]*tradeBucket
}

func New(clk clock.Clock, sink Sink, cfg Config) *Engine {
	return &Engine{
		clock:      clk,
		sink:       sink,
		cfg:        cfg,
		tokenMeta:  map[string]TokenMeta{},
		windows:    map[string]*tradeWindow{},
		cooldowns:  map[[2]string]int64{},
		lastPrices: map[string]lastPrice{},
		bestQuote:  map[string][2]decimal.Decimal{},
		buckets:    map[[2]string]*tradeBucket{},
	}
}

// SetMetrics attaches a metrics collector; nil (the default) disables
// instrumentation.
func (e *Engine) SetMetrics(m *pipelinemetrics.PipelineMetrics) {
	e.metrics = m
}

// UpdateRegistry replaces the tracked token universe, pruning any
// engine state (windows, cooldowns, pending buckets) for tokens no
// longer present.
func (e *Engine) UpdateRegistry(tokenMeta map[string]TokenMeta) {
	e.mu.Lock()
	e.tokenMeta = tokenMeta
	for token := range e.windows {
		if _, ok := tokenMeta[token]; !ok {
			delete(e.windows, token)
		}
	}
	for key := range e.cooldowns {
		if _, ok := tokenMeta[key[0]]; !ok {
			delete(e.cooldowns, key)
		}
	}
	for token := range e.lastPrices {
		if _, ok := tokenMeta[token]; !ok {
			delete(e.lastPrices, token)
		}
	}
	for token := range e.bestQuote {
		if _, ok := tokenMeta[token]; !ok {
			delete(e.bestQuote, token)
		}
	}
	e.mu.Unlock()

	activeMarkets := map[string]struct{}{}
	for _, meta := range tokenMeta {
		activeMarkets[meta.MarketID] = struct{}{}
	}
	e.bucketMu.Lock()
	for key, bucket := range e.buckets {
		if _, ok := activeMarkets[key[0]]; ok {
			continue
		}
		if bucket.timer != nil {
			bucket.timer.Stop()
		}
		delete(e.buckets, key)
	}
	e.bucketMu.Unlock()
}

func bucketKey(meta TokenMeta) [2]string {
	side := strings.ToUpper(meta.Side)
	if side == "" {
		side = "N/A"
	}
	return [2]string{meta.MarketID, side}
}

func (e *Engine) isMarketExpired(meta TokenMeta, nowMS int64) bool {
	if !e.cfg.DropExpiredMarkets || meta.EndTS == nil {
		return false
	}
	return nowMS >= *meta.EndTS
}

// HandleTrade runs the full per-trade cascade: expiry gate, major-change
// detection, high-confidence/reverse-allow gate, then either queues the
// trade into a merge bucket or emits big-trade/volume-spike directly.
func (e *Engine) HandleTrade(ctx context.Context, trade Trade) error {
	e.mu.Lock()
	meta, ok := e.tokenMeta[trade.TokenID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	nowMS := e.clock.NowMS()
	if e.isMarketExpired(meta, nowMS) {
		return nil
	}

	notional := trade.Price.Mul(trade.Size)

	e.mu.Lock()
	w, ok := e.windows[trade.TokenID]
	if !ok {
		w = &tradeWindow{}
		e.windows[trade.TokenID] = w
	}
	w.add(trade.TsMS, notional)
	w.trim(trade.TsMS - 60_000)
	vol1M := w.total
	e.mu.Unlock()

	if e.cfg.MajorChangeSource == "trade" || e.cfg.MajorChangeSource == "any" {
		if err := e.maybeEmitMajorChange(ctx, meta, trade.Price, trade.TsMS, &notional, "trade", nil, nil); err != nil {
			return err
		}
	}

	isBigTrade := e.cfg.BigTradeUSD.Sign() > 0 && notional.GreaterThanOrEqual(e.cfg.BigTradeUSD)
	isVolumeSpike := e.cfg.BigVolume1MUSD.Sign() > 0 && vol1M.GreaterThanOrEqual(e.cfg.BigVolume1MUSD)

	if (isBigTrade || isVolumeSpike) && e.isHighConfidenceMarket(trade.Price) {
		if !e.isReverseAllowPrice(trade.Price) {
			return nil
		}
	}

	if !isBigTrade && !isVolumeSpike {
		return nil
	}

	if e.cfg.MergeWindowSec > 0 {
		e.enqueueTradeBucket(ctx, meta, trade, notional, vol1M, isBigTrade, isVolumeSpike)
		return nil
	}

	if isBigTrade && isVolumeSpike {
		return e.emitSignal(ctx, meta, events.BigTradePayload{
			Signal:   events.SignalBigTrade,
			Notional: notional,
			Price:    trade.Price,
			Size:     trade.Size,
			Vol1M:    &vol1M,
		}, events.TypeTradeSignal, nil)
	}
	if isBigTrade {
		if err := e.emitSignal(ctx, meta, events.BigTradePayload{
			Signal:   events.SignalBigTrade,
			Notional: notional,
			Price:    trade.Price,
			Size:     trade.Size,
		}, events.TypeTradeSignal, nil); err != nil {
			return err
		}
	}
	if isVolumeSpike {
		if err := e.emitSignal(ctx, meta, events.VolumeSpikePayload{
			Signal: events.SignalVolumeSpike1M,
			Vol1M:  vol1M,
			Price:  trade.Price,
			Size:   trade.Size,
		}, events.TypeTradeSignal, nil); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) enqueueTradeBucket(ctx context.Context, meta TokenMeta, trade Trade, notional, vol1M decimal.Decimal, isBigTrade, isVolumeSpike bool) {
	key := bucketKey(meta)
	e.bucketMu.Lock()
	defer e.bucketMu.Unlock()

	bucket, ok := e.buckets[key]
	if !ok {
		bucket = &tradeBucket{meta: meta}
		e.buckets[key] = bucket
		bucket.timer = time.AfterFunc(time.Duration(e.cfg.MergeWindowSec*float64(time.Second)), func() {
			e.flushTradeBucket(ctx, key)
		})
	}
	bucket.meta = meta
	bucket.lastPrice = trade.Price
	bucket.lastSize = trade.Size
	if isBigTrade {
		bucket.hasBigTrade = true
		bucket.totalNotional = bucket.totalNotional.Add(notional)
		bucket.totalSize = bucket.totalSize.Add(trade.Size)
	}
	if isVolumeSpike {
		bucket.hasVolumeSpike = true
		if bucket.maxVol1M == nil || vol1M.GreaterThan(*bucket.maxVol1M) {
			v := vol1M
			bucket.maxVol1M = &v
		}
	}
}

func (e *Engine) flushTradeBucket(ctx context.Context, key [2]string) {
	e.bucketMu.Lock()
	bucket, ok := e.buckets[key]
	if ok {
		delete(e.buckets, key)
	}
	e.bucketMu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	meta, ok := e.tokenMeta[bucket.meta.TokenID]
	e.mu.Unlock()
	if !ok {
		return
	}
	nowMS := e.clock.NowMS()
	if e.isMarketExpired(meta, nowMS) {
		return
	}

	var payload events.Payload
	if bucket.hasBigTrade {
		avgPrice := bucket.lastPrice
		if bucket.totalSize.Sign() > 0 {
			avgPrice = bucket.totalNotional.Div(bucket.totalSize)
		}
		size := bucket.totalSize
		if size.Sign() == 0 {
			size = bucket.lastSize
		}
		payload = events.BigTradePayload{
			Signal:   events.SignalBigTrade,
			Notional: bucket.totalNotional,
			Price:    avgPrice,
			Size:     size,
			Vol1M:    bucket.maxVol1M,
		}
	} else {
		vol := decimal.Zero
		if bucket.maxVol1M != nil {
			vol = *bucket.maxVol1M
		}
		payload = events.VolumeSpikePayload{
			Signal: events.SignalVolumeSpike1M,
			Vol1M:  vol,
			Price:  bucket.lastPrice,
			Size:   bucket.lastSize,
		}
	}
	_ = e.emitSignal(ctx, meta, payload, events.TypeTradeSignal, nil)
}

// HandleBook updates the best-quote cache, runs book-sourced
// major-change detection, and emits a big-wall signal when a resting
// level crosses the configured size threshold.
func (e *Engine) HandleBook(ctx context.Context, book Book) error {
	e.mu.Lock()
	meta, ok := e.tokenMeta[book.TokenID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	nowMS := e.clock.NowMS()
	if e.isMarketExpired(meta, nowMS) {
		return nil
	}

	var bestBid, bestAsk *decimal.Decimal
	for _, lvl := range book.Bids {
		if bestBid == nil || lvl.Price.GreaterThan(*bestBid) {
			p := lvl.Price
			bestBid = &p
		}
	}
	for _, lvl := range book.Asks {
		if bestAsk == nil || lvl.Price.LessThan(*bestAsk) {
			p := lvl.Price
			bestAsk = &p
		}
	}

	e.mu.Lock()
	if bestBid != nil && bestAsk != nil {
		e.bestQuote[book.TokenID] = [2]decimal.Decimal{*bestBid, *bestAsk}
	} else {
		delete(e.bestQuote, book.TokenID)
	}
	e.mu.Unlock()

	if (e.cfg.MajorChangeSource == "book" || e.cfg.MajorChangeSource == "any") && bestBid != nil && bestAsk != nil {
		mid := bestBid.Add(*bestAsk).Div(decimal.NewFromInt(2))
		if err := e.maybeEmitMajorChange(ctx, meta, mid, book.TsMS, nil, "book", bestBid, bestAsk); err != nil {
			return err
		}
	}

	if e.cfg.BigWallSize == nil {
		return nil
	}
	maxBid := decimal.Zero
	for _, lvl := range book.Bids {
		if lvl.Size.GreaterThan(maxBid) {
			maxBid = lvl.Size
		}
	}
	maxAsk := decimal.Zero
	for _, lvl := range book.Asks {
		if lvl.Size.GreaterThan(maxAsk) {
			maxAsk = lvl.Size
		}
	}
	biggest := maxBid
	if maxAsk.GreaterThan(biggest) {
		biggest = maxAsk
	}
	if biggest.LessThan(*e.cfg.BigWallSize) {
		return nil
	}
	return e.emitSignal(ctx, meta, events.BigWallPayload{
		Signal:    events.SignalBigWall,
		MaxBid:    maxBid,
		MaxAsk:    maxAsk,
		Threshold: *e.cfg.BigWallSize,
	}, events.TypeBookSignal, nil)
}

func (e *Engine) isHighConfidenceMarket(price decimal.Decimal) bool {
	if e.cfg.HighConfidenceThresh.Sign() <= 0 {
		return false
	}
	if price.Sign() < 0 || price.GreaterThan(decimal.NewFromInt(1)) {
		return false
	}
	one := decimal.NewFromInt(1)
	confidence := price
	if one.Sub(price).GreaterThan(confidence) {
		confidence = one.Sub(price)
	}
	return confidence.GreaterThanOrEqual(e.cfg.HighConfidenceThresh)
}

func (e *Engine) isReverseAllowPrice(price decimal.Decimal) bool {
	if e.cfg.ReverseAllowThresh.Sign() <= 0 {
		return false
	}
	if price.Sign() < 0 || price.GreaterThan(decimal.NewFromInt(1)) {
		return false
	}
	return price.LessThanOrEqual(e.cfg.ReverseAllowThresh)
}

func (e *Engine) useLowPriceAbs(prevPrice, price decimal.Decimal) bool {
	if e.cfg.LowPriceAbs.Sign() <= 0 || e.cfg.LowPriceMax.Sign() <= 0 {
		return false
	}
	minP := prevPrice
	if price.LessThan(minP) {
		minP = price
	}
	return minP.LessThanOrEqual(e.cfg.LowPriceMax)
}

func (e *Engine) resolveSpread(tokenID string, bestBid, bestAsk *decimal.Decimal) *decimal.Decimal {
	if bestBid != nil && bestAsk != nil {
		s := bestAsk.Sub(*bestBid)
		if s.Sign() < 0 {
			s = decimal.Zero
		}
		return &s
	}
	e.mu.Lock()
	quote, ok := e.bestQuote[tokenID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	s := quote[1].Sub(quote[0])
	if s.Sign() < 0 {
		s = decimal.Zero
	}
	return &s
}

// maybeEmitMajorChange implements the seven-step major-change detector:
// lookup-then-overwrite previous price, window-staleness check,
// delta/pct computation, spread gate, low-price-regime vs pct-threshold
// branching, min-notional check, emit.
func (e *Engine) maybeEmitMajorChange(ctx context.Context, meta TokenMeta, price decimal.Decimal, tsMS int64, notional *decimal.Decimal, source string, bestBid, bestAsk *decimal.Decimal) error {
	if e.cfg.MajorChangePct.Sign() <= 0 {
		return nil
	}

	e.mu.Lock()
	prev, hadPrev := e.lastPrices[meta.TokenID]
	e.lastPrices[meta.TokenID] = lastPrice{price: price, tsMS: tsMS}
	e.mu.Unlock()

	if !hadPrev {
		return nil
	}
	if prev.price.Sign() <= 0 {
		return nil
	}
	if tsMS-prev.tsMS > e.cfg.MajorChangeWindowSec*1000 {
		return nil
	}

	delta := price.Sub(prev.price)
	absDelta := delta.Abs()

	if e.cfg.SpreadGateK.Sign() > 0 {
		spread := e.resolveSpread(meta.TokenID, bestBid, bestAsk)
		if spread != nil && spread.Sign() > 0 && absDelta.LessThanOrEqual(e.cfg.SpreadGateK.Mul(*spread)) {
			return nil
		}
	}

	pctChangeSigned := delta.Div(prev.price).Mul(decimal.NewFromInt(100))
	pctChange := pctChangeSigned.Abs()

	if e.useLowPriceAbs(prev.price, price) {
		if absDelta.LessThan(e.cfg.LowPriceAbs) {
			return nil
		}
	} else {
		if pctChange.LessThan(e.cfg.MajorChangePct) {
			return nil
		}
	}

	if e.cfg.MajorChangeMinNotional.Sign() > 0 {
		if notional == nil || notional.LessThan(e.cfg.MajorChangeMinNotional) {
			return nil
		}
	}

	direction := "down"
	if pctChangeSigned.Sign() > 0 {
		direction = "up"
	}
	effNotional := decimal.Zero
	if notional != nil {
		effNotional = *notional
	}
	return e.emitSignal(ctx, meta, events.MajorChangePayload{
		Signal:          events.SignalMajorChange,
		PctChange:       pctChange.Round(4),
		PctChangeSigned: pctChangeSigned.Round(4),
		Direction:       direction,
		Price:           price,
		PrevPrice:       prev.price,
		WindowSec:       e.cfg.MajorChangeWindowSec,
		Notional:        effNotional,
		Source:          source,
	}, events.TypeTradeSignal, nil)
}

// emitSignal applies the per-(token, signal-kind) cooldown gate and
// publishes the resulting DomainEvent.
func (e *Engine) emitSignal(ctx context.Context, meta TokenMeta, payload events.Payload, eventType events.Type, extraMetrics map[string]any) error {
	nowMS := e.clock.NowMS()
	kind := signalKindOf(payload)
	key := [2]string{meta.TokenID, string(kind)}

	e.mu.Lock()
	lastTS, hasCooldown := e.cooldowns[key]
	if hasCooldown && nowMS-lastTS < e.cfg.CooldownSec*1000 {
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.RecordSignalSuppressed("cooldown")
		}
		return nil
	}
	e.cooldowns[key] = nowMS
	e.mu.Unlock()

	event := events.DomainEvent{
		EventID:   uuid.NewString(),
		TsMS:      nowMS,
		Source:    "polymarket",
		Category:  meta.Category,
		EventType: eventType,
		MarketID:  meta.MarketID,
		TokenID:   meta.TokenID,
		Side:      meta.Side,
		Title:     meta.Title,
		TopicKey:  meta.TopicKey,
		Payload:   payload,
		Metrics:   extraMetrics,
	}
	if e.metrics != nil {
		e.metrics.RecordSignalEmitted(string(kind))
	}
	return e.sink.Publish(ctx, event)
}

func signalKindOf(payload events.Payload) events.SignalKind {
	switch p := payload.(type) {
	case events.MajorChangePayload:
		return p.Signal
	case events.BigTradePayload:
		return p.Signal
	case events.VolumeSpikePayload:
		return p.Signal
	case events.BigWallPayload:
		return p.Signal
	case events.WebVolumeSpikePayload:
		return p.Signal
	default:
		return ""
	}
}
