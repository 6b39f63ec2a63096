package selection

import (
	"testing"

	"github.com/polymarket-signal-pipeline/marketsignal/internal/catalog"
)

func f(v float64) *float64 { return &v }
func i(v int64) *int64     { return &v }

func TestNormalizeTopicIdempotent(t *testing.T) {
	inputs := []string{
		"Will the Fed cut rates in March?!",
		"  Multiple   Spaces   Here  ",
		"ALLCAPS-Question_With.Punct",
	}
	for _, in := range inputs {
		once := NormalizeTopic(in)
		twice := NormalizeTopic(once)
		if once != twice {
			t.Errorf("NormalizeTopic not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}

func TestNormalizeTopicCollapsesPunctuation(t *testing.T) {
	got := NormalizeTopic("Will the Fed cut rates in March?!")
	want := "will the fed cut rates in march"
	if got != want {
		t.Errorf("NormalizeTopic() = %q, want %q", got, want)
	}
}

func TestSelectPrimaryMarketsGroupsByTopic(t *testing.T) {
	markets := []catalog.Market{
		{MarketID: "a1", Question: "Will X happen?", Liquidity: f(100)},
		{MarketID: "a2", Question: "Will X happen?", Liquidity: f(500)},
		{MarketID: "b1", Question: "Will Y happen?", Liquidity: f(10)},
	}
	selected := SelectPrimaryMarkets(markets, []string{"liquidity"}, 1)
	if len(selected) != 2 {
		t.Fatalf("expected 2 primary markets, got %d", len(selected))
	}
	var gotA bool
	for _, m := range selected {
		if m.MarketID == "a2" {
			gotA = true
		}
		if m.MarketID == "a1" {
			t.Errorf("expected a2 (higher liquidity) to win over a1 in the same topic")
		}
	}
	if !gotA {
		t.Errorf("expected a2 in the selection")
	}
}

func TestSelectPrimaryMarketsOrderIndependent(t *testing.T) {
	markets := []catalog.Market{
		{MarketID: "a1", Question: "Q", Liquidity: f(100)},
		{MarketID: "a2", Question: "Q", Liquidity: f(500)},
	}
	reversed := []catalog.Market{markets[1], markets[0]}

	s1 := SelectPrimaryMarkets(markets, []string{"liquidity"}, 1)
	s2 := SelectPrimaryMarkets(reversed, []string{"liquidity"}, 1)
	if len(s1) != 1 || len(s2) != 1 || s1[0].MarketID != s2[0].MarketID {
		t.Fatalf("selection depends on input order: %+v vs %+v", s1, s2)
	}
}

func TestSelectTopMarketsFiltersAndSorts(t *testing.T) {
	markets := []catalog.Market{
		{MarketID: "low-liq", Question: "Fed rate decision", Liquidity: f(5)},
		{MarketID: "blocked", Question: "Sports parlay special", Liquidity: f(1000)},
		{MarketID: "keep-1", Question: "Fed rate decision March", Liquidity: f(1000)},
		{MarketID: "keep-2", Question: "Fed rate decision June", Liquidity: f(2000)},
	}
	got := SelectTopMarkets(markets, 10, []string{"liquidity"}, f(100), []string{"fed"}, []string{"sports"})
	if len(got) != 2 {
		t.Fatalf("expected 2 markets after filtering, got %d: %+v", len(got), got)
	}
	if got[0].MarketID != "keep-2" {
		t.Errorf("expected keep-2 (higher liquidity) first, got %s", got[0].MarketID)
	}
}

func TestSelectTopMarketsTopKTruncates(t *testing.T) {
	markets := []catalog.Market{
		{MarketID: "m1", Question: "a", Liquidity: f(1)},
		{MarketID: "m2", Question: "b", Liquidity: f(2)},
		{MarketID: "m3", Question: "c", Liquidity: f(3)},
	}
	got := SelectTopMarkets(markets, 2, []string{"liquidity"}, nil, nil, nil)
	if len(got) != 2 {
		t.Fatalf("expected top_k=2 to truncate to 2, got %d", len(got))
	}
}

func TestSelectPrimaryMarketsEndTsAscending(t *testing.T) {
	markets := []catalog.Market{
		{MarketID: "later", Question: "Q", EndTSMs: i(2000)},
		{MarketID: "sooner", Question: "Q", EndTSMs: i(1000)},
	}
	selected := SelectPrimaryMarkets(markets, []string{"end_ts"}, 1)
	if len(selected) != 1 || selected[0].MarketID != "sooner" {
		t.Fatalf("expected sooner-expiring market to win, got %+v", selected)
	}
}
