package discovery

import (
	"context"
	"testing"

	"github.com/polymarket-signal-pipeline/marketsignal/internal/catalog"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/config"
)

type fakeCatalog struct {
	tags         []catalog.Tag
	marketsByTag map[string][]catalog.Market
	top          []catalog.Market
}

func (f *fakeCatalog) ListTags(ctx context.Context) ([]catalog.Tag, error) { return f.tags, nil }

func (f *fakeCatalog) ListMarkets(ctx context.Context, tagID string, active, closed bool) ([]catalog.Market, error) {
	return f.marketsByTag[tagID], nil
}

func (f *fakeCatalog) ListTopMarkets(ctx context.Context, filter catalog.TopMarketsFilter) ([]catalog.Market, error) {
	return f.top, nil
}

func liq(v float64) *float64 { return &v }

func TestResolveTagIDsExactThenFuzzy(t *testing.T) {
	tags := []catalog.Tag{
		{TagID: "1", Slug: "finance"},
		{TagID: "2", Slug: "us-geopolitics"},
	}
	got := ResolveTagIDs(tags, []string{"finance", "geopolitics", "sports"})
	if got["finance"] != "1" {
		t.Errorf("expected exact match for finance, got %q", got["finance"])
	}
	if got["geopolitics"] != "2" {
		t.Errorf("expected fuzzy match for geopolitics, got %q", got["geopolitics"])
	}
	if _, ok := got["sports"]; ok {
		t.Errorf("expected sports to be unresolved")
	}
}

func TestRefreshSplitsActiveAndUntradeable(t *testing.T) {
	enableOB := false
	cat := &fakeCatalog{
		tags: []catalog.Tag{{TagID: "1", Slug: "finance"}},
		marketsByTag: map[string][]catalog.Market{
			"1": {
				{MarketID: "m1", Question: "Active market", Active: true, Liquidity: liq(100)},
				{MarketID: "m2", Question: "Untradeable market", Active: true, EnableOrderbook: &enableOB, Liquidity: liq(50)},
			},
		},
	}
	d := New(cat, config.DefaultFiltersConfig(), config.RollingConfig{}, config.TopConfig{})
	result, err := d.Refresh(context.Background(), []string{"finance"})
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(result.MarketsByCategory["finance"]) != 1 || result.MarketsByCategory["finance"][0].MarketID != "m1" {
		t.Errorf("expected only m1 in active selection, got %+v", result.MarketsByCategory["finance"])
	}
	if len(result.Untradeable) != 1 || result.Untradeable[0].MarketID != "m2" {
		t.Errorf("expected m2 in untradeable set, got %+v", result.Untradeable)
	}
}

func TestRefreshUnresolvedCategoryYieldsEmpty(t *testing.T) {
	cat := &fakeCatalog{tags: nil, marketsByTag: map[string][]catalog.Market{}}
	d := New(cat, config.DefaultFiltersConfig(), config.RollingConfig{}, config.TopConfig{})
	result, err := d.Refresh(context.Background(), []string{"unknown"})
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(result.MarketsByCategory["unknown"]) != 0 {
		t.Errorf("expected empty result for unresolved category, got %+v", result.MarketsByCategory["unknown"])
	}
}
