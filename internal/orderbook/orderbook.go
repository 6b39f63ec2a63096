// Package orderbook implements C5: per-token order-book state, applying
// snapshots and price-change deltas with sequence-gap detection. It does
// not perform resync itself — it only reports resync_needed; the
// orchestrator decides whether and when to resubscribe.
package orderbook

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Level is one price/size pair in a book snapshot.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Snapshot is the full depth for one token at a point in time. Bids are
// sorted descending by price, asks ascending.
type Snapshot struct {
	TokenID string
	Bids    []Level
	Asks    []Level
	TsMS    int64
}

// UpdateResult is returned by every registry operation.
type UpdateResult struct {
	TokenID      string
	Snapshot     *Snapshot
	ResyncNeeded bool
	ExpectedSeq  *int64
	ReceivedSeq  *int64
}

// state is the mutable per-token book: maps keyed by price so repeated
// updates to the same level are O(1), rebuilt into a sorted Snapshot on
// read.
type state struct {
	tokenID  string
	bids     map[string]decimal.Decimal
	asks     map[string]decimal.Decimal
	lastSeq  *int64
	lastTsMS *int64
}

func newState(tokenID string) *state {
	return &state{tokenID: tokenID, bids: map[string]decimal.Decimal{}, asks: map[string]decimal.Decimal{}}
}

func (s *state) clear() {
	s.bids = map[string]decimal.Decimal{}
	s.asks = map[string]decimal.Decimal{}
	s.lastSeq = nil
}

func (s *state) applySnapshot(snap Snapshot, seq *int64) {
	s.bids = map[string]decimal.Decimal{}
	for _, lvl := range snap.Bids {
		s.bids[lvl.Price.String()] = lvl.Size
	}
	s.asks = map[string]decimal.Decimal{}
	for _, lvl := range snap.Asks {
		s.asks[lvl.Price.String()] = lvl.Size
	}
	if seq != nil {
		s.lastSeq = seq
	}
	ts := snap.TsMS
	s.lastTsMS = &ts
}

// PriceChange is one (side, price, size) delta. Side is "BUY" (bid) or
// "SELL" (ask); Size <= 0 removes the level.
type PriceChange struct {
	Side  string
	Price decimal.Decimal
	Size  decimal.Decimal
}

func (s *state) applyChange(c PriceChange) {
	book := s.asks
	if c.Side == "BUY" {
		book = s.bids
	}
	key := c.Price.String()
	if c.Size.Sign() <= 0 {
		delete(book, key)
		return
	}
	book[key] = c.Size
}

type levelEntry struct {
	price decimal.Decimal
	size  decimal.Decimal
}

func decodeLevels(m map[string]decimal.Decimal) []levelEntry {
	out := make([]levelEntry, 0, len(m))
	for priceStr, size := range m {
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			continue
		}
		out = append(out, levelEntry{price, size})
	}
	return out
}

func (s *state) toSnapshot() Snapshot {
	bidsRaw := decodeLevels(s.bids)
	sort.Slice(bidsRaw, func(i, j int) bool { return bidsRaw[i].price.GreaterThan(bidsRaw[j].price) })
	asksRaw := decodeLevels(s.asks)
	sort.Slice(asksRaw, func(i, j int) bool { return asksRaw[i].price.LessThan(asksRaw[j].price) })

	bids := make([]Level, len(bidsRaw))
	for i, r := range bidsRaw {
		bids[i] = Level{Price: r.price, Size: r.size}
	}
	asks := make([]Level, len(asksRaw))
	for i, r := range asksRaw {
		asks[i] = Level{Price: r.price, Size: r.size}
	}
	var ts int64
	if s.lastTsMS != nil {
		ts = *s.lastTsMS
	}
	return Snapshot{TokenID: s.tokenID, Bids: bids, Asks: asks, TsMS: ts}
}

// sequenceGap reports whether nextSeq breaks continuity from lastSeq.
// Per the spec's open-question resolution: if lastSeq is unknown, there
// is no gap (the first delta is simply not yet comparable).
func sequenceGap(lastSeq, nextSeq *int64) (bool, *int64) {
	if nextSeq == nil || lastSeq == nil {
		return false, nil
	}
	expected := *lastSeq + 1
	if *nextSeq != expected {
		return true, &expected
	}
	return false, &expected
}

// Registry owns every token's OrderBookState.
type Registry struct {
	mu     sync.RWMutex
	states map[string]*state
}

func NewRegistry() *Registry {
	return &Registry{states: map[string]*state{}}
}

// ApplySnapshot installs a full snapshot for a token, honoring the
// sequence-gap invariant: if last_seq was known and seq != last_seq+1,
// the book is cleared and resync_needed=true is reported without
// installing the snapshot.
func (r *Registry) ApplySnapshot(tokenID string, snap Snapshot, seq *int64) UpdateResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.states[tokenID]
	if !ok {
		s = newState(tokenID)
		r.states[tokenID] = s
	}

	gap, expected := sequenceGap(s.lastSeq, seq)
	if gap {
		s.clear()
		return UpdateResult{TokenID: tokenID, ResyncNeeded: true, ExpectedSeq: expected, ReceivedSeq: seq}
	}

	s.applySnapshot(snap, seq)
	out := s.toSnapshot()
	return UpdateResult{TokenID: tokenID, Snapshot: &out}
}

// ApplyPriceChange applies a batch of deltas to an existing book. If no
// prior snapshot exists for the token, the delta is dropped
// (snapshot=nil, resync_needed=false) per the spec's explicit open-question
// resolution: do not invent a resync request for a pre-snapshot delta.
func (r *Registry) ApplyPriceChange(tokenID string, seq *int64, tsMS *int64, changes []PriceChange) UpdateResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.states[tokenID]
	if !ok {
		return UpdateResult{TokenID: tokenID}
	}

	gap, expected := sequenceGap(s.lastSeq, seq)
	if gap {
		s.clear()
		return UpdateResult{TokenID: tokenID, ResyncNeeded: true, ExpectedSeq: expected, ReceivedSeq: seq}
	}

	if len(changes) == 0 {
		return UpdateResult{TokenID: tokenID}
	}
	for _, c := range changes {
		s.applyChange(c)
	}
	if seq != nil {
		s.lastSeq = seq
	}
	if tsMS != nil {
		s.lastTsMS = tsMS
	}
	out := s.toSnapshot()
	return UpdateResult{TokenID: tokenID, Snapshot: &out}
}

// Remove drops a token's state entirely (called on unsubscribe).
func (r *Registry) Remove(tokenID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, tokenID)
}

// BestBidAsk returns the current best bid/ask for a token, if known.
func (r *Registry) BestBidAsk(tokenID string) (bid, ask *Level, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, exists := r.states[tokenID]
	if !exists {
		return nil, nil, false
	}
	snap := s.toSnapshot()
	if len(snap.Bids) > 0 {
		b := snap.Bids[0]
		bid = &b
	}
	if len(snap.Asks) > 0 {
		a := snap.Asks[0]
		ask = &a
	}
	return bid, ask, bid != nil || ask != nil
}
