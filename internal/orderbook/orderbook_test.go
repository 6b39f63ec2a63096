package orderbook

import (
	"testing"

	"github.com/shopspring/decimal"
)

func seq(v int64) *int64 { return &v }

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestApplySnapshotThenSequenceGapClearsBook(t *testing.T) {
	r := NewRegistry()

	snap1 := Snapshot{
		TokenID: "T1",
		Bids:    []Level{{Price: d("0.50"), Size: d("100")}},
		Asks:    []Level{{Price: d("0.52"), Size: d("80")}},
		TsMS:    1000,
	}
	res := r.ApplySnapshot("T1", snap1, seq(1))
	if res.ResyncNeeded {
		t.Fatalf("first snapshot should not need resync: %+v", res)
	}
	if res.Snapshot == nil || len(res.Snapshot.Bids) != 1 {
		t.Fatalf("expected snapshot installed, got %+v", res)
	}

	// Scenario 4: snapshot seq=1, then price_change seq=3 -> gap.
	res2 := r.ApplyPriceChange("T1", seq(3), nil, []PriceChange{{Side: "BUY", Price: d("0.51"), Size: d("5")}})
	if !res2.ResyncNeeded {
		t.Fatalf("expected resync_needed after sequence gap, got %+v", res2)
	}
	if res2.ExpectedSeq == nil || *res2.ExpectedSeq != 2 {
		t.Errorf("expected expected_seq=2, got %v", res2.ExpectedSeq)
	}
	if res2.ReceivedSeq == nil || *res2.ReceivedSeq != 3 {
		t.Errorf("expected received_seq=3, got %v", res2.ReceivedSeq)
	}
	if res2.Snapshot != nil {
		t.Errorf("expected no snapshot returned on gap, got %+v", res2.Snapshot)
	}

	bid, ask, ok := r.BestBidAsk("T1")
	if ok || bid != nil || ask != nil {
		t.Errorf("expected book cleared after gap, got bid=%v ask=%v", bid, ask)
	}
}

func TestApplyPriceChangeWithoutPriorSnapshotIsDropped(t *testing.T) {
	r := NewRegistry()
	res := r.ApplyPriceChange("T-unknown", seq(5), nil, []PriceChange{{Side: "BUY", Price: d("0.5"), Size: d("1")}})
	if res.ResyncNeeded {
		t.Errorf("a pre-snapshot delta must not request resync, got %+v", res)
	}
	if res.Snapshot != nil {
		t.Errorf("expected nil snapshot for a pre-snapshot delta, got %+v", res.Snapshot)
	}
}

func TestApplyPriceChangeRemovesZeroSizeLevel(t *testing.T) {
	r := NewRegistry()
	r.ApplySnapshot("T1", Snapshot{
		TokenID: "T1",
		Bids:    []Level{{Price: d("0.50"), Size: d("100")}},
		TsMS:    1,
	}, seq(1))

	res := r.ApplyPriceChange("T1", seq(2), nil, []PriceChange{{Side: "BUY", Price: d("0.50"), Size: d("0")}})
	if res.Snapshot == nil {
		t.Fatalf("expected a snapshot back, got %+v", res)
	}
	for _, lvl := range res.Snapshot.Bids {
		if lvl.Price.Equal(d("0.50")) {
			t.Errorf("expected zero-size level removed, still present: %+v", lvl)
		}
	}
}

func TestSnapshotOrdering(t *testing.T) {
	r := NewRegistry()
	res := r.ApplySnapshot("T1", Snapshot{
		TokenID: "T1",
		Bids: []Level{
			{Price: d("0.40"), Size: d("1")},
			{Price: d("0.60"), Size: d("1")},
			{Price: d("0.50"), Size: d("1")},
		},
		Asks: []Level{
			{Price: d("0.70"), Size: d("1")},
			{Price: d("0.55"), Size: d("1")},
		},
		TsMS: 1,
	}, nil)

	bids := res.Snapshot.Bids
	for i := 1; i < len(bids); i++ {
		if bids[i].Price.GreaterThan(bids[i-1].Price) {
			t.Errorf("bids not monotonically non-increasing: %+v", bids)
		}
	}
	asks := res.Snapshot.Asks
	for i := 1; i < len(asks); i++ {
		if asks[i].Price.LessThan(asks[i-1].Price) {
			t.Errorf("asks not monotonically non-decreasing: %+v", asks)
		}
	}
}
