// Package discovery implements C4: it composes the catalog client (C2)
// and the selection functions (C3) into the per-category active/untradeable
// split the orchestrator consumes on every refresh.
package discovery

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/polymarket-signal-pipeline/marketsignal/internal/catalog"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/config"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/selection"
)

// CatalogPort is the subset of *catalog.Client that Discovery depends on,
// so tests can substitute a fake.
type CatalogPort interface {
	ListTags(ctx context.Context) ([]catalog.Tag, error)
	ListMarkets(ctx context.Context, tagID string, active, closed bool) ([]catalog.Market, error)
	ListTopMarkets(ctx context.Context, f catalog.TopMarketsFilter) ([]catalog.Market, error)
}

// Discovery runs one refresh cycle across every configured category.
type Discovery struct {
	catalog CatalogPort
	filters config.FiltersConfig
	rolling config.RollingConfig
	top     config.TopConfig
}

func New(cat CatalogPort, filters config.FiltersConfig, rolling config.RollingConfig, top config.TopConfig) *Discovery {
	return &Discovery{catalog: cat, filters: filters, rolling: rolling, top: top}
}

// Result is the per-refresh outcome: the per-category selection and the
// untradeable markets observed this cycle.
type Result struct {
	MarketsByCategory map[string][]catalog.Market
	Untradeable       []catalog.Market
}

// Refresh implements the spec's three-step discovery algorithm.
func (d *Discovery) Refresh(ctx context.Context, categories []string) (Result, error) {
	tags, err := d.catalog.ListTags(ctx)
	if err != nil {
		return Result{}, err
	}
	tagMap := ResolveTagIDs(tags, categories)

	result := Result{MarketsByCategory: make(map[string][]catalog.Market, len(categories))}
	nowMs := time.Now().UnixMilli()
	selectedIDs := map[string]struct{}{}

	for _, category := range categories {
		tagID, ok := tagMap[category]
		if !ok {
			log.Printf("discovery: category %q has no matching tag", category)
			result.MarketsByCategory[category] = nil
			continue
		}
		markets, err := d.catalog.ListMarkets(ctx, tagID, true, false)
		if err != nil {
			return Result{}, err
		}
		for i := range markets {
			markets[i].Category = category
		}

		var focused []catalog.Market
		for _, m := range markets {
			if selection.MatchesFocusKeywords(m.Question, d.filters.FocusKeywords) {
				focused = append(focused, m)
			}
		}
		markets = focused

		var active, untradeable []catalog.Market
		for _, m := range markets {
			if m.IsTradeable(nowMs) {
				active = append(active, m)
			} else if m.IsUntradeable(nowMs) {
				untradeable = append(untradeable, m)
			}
		}
		result.Untradeable = append(result.Untradeable, untradeable...)

		if d.rolling.Enabled {
			active = selection.SelectPrimaryMarkets(active, d.rolling.PrimarySelectionPriority, d.rolling.MaxMarketsPerTopic)
		}
		selected := selection.SelectTopMarkets(active, d.filters.TopKPerCategory, d.filters.HotSort, d.filters.MinLiquidity, d.filters.KeywordAllow, d.filters.KeywordBlock)
		for _, m := range selected {
			selectedIDs[m.MarketID] = struct{}{}
		}
		result.MarketsByCategory[category] = selected
		log.Printf("discovery: category %q selected %d markets", category, len(selected))
	}

	if d.top.Enabled {
		topMarkets, err := d.catalog.ListTopMarkets(ctx, catalog.TopMarketsFilter{
			Limit:        d.top.Limit,
			Order:        d.top.Order,
			Ascending:    d.top.Ascending,
			FeaturedOnly: d.top.FeaturedOnly,
			Closed:       false,
		})
		if err != nil {
			return Result{}, err
		}
		var eligible []catalog.Market
		for _, m := range topMarkets {
			if !m.IsTradeable(nowMs) {
				continue
			}
			if _, already := selectedIDs[m.MarketID]; already {
				continue
			}
			eligible = append(eligible, m)
		}
		selectedTop := selection.SelectTopMarkets(eligible, d.filters.TopKPerCategory, d.filters.HotSort, d.filters.MinLiquidity, d.filters.KeywordAllow, d.filters.KeywordBlock)
		for i := range selectedTop {
			selectedTop[i].Category = d.top.CategoryName
		}
		result.MarketsByCategory[d.top.CategoryName] = selectedTop
	}

	return result, nil
}

// ResolveTagIDs maps each requested category to a tag id: exact slug/name
// match first, then substring fallback. Unresolved categories are simply
// absent from the returned map.
func ResolveTagIDs(tags []catalog.Tag, categories []string) map[string]string {
	mapping := make(map[string]string, len(categories))
	for _, category := range categories {
		lower := strings.ToLower(category)
		var exact, fuzzy *catalog.Tag
		for i := range tags {
			slug := strings.ToLower(tags[i].Slug)
			name := strings.ToLower(tags[i].Name)
			if slug == lower || name == lower {
				exact = &tags[i]
				break
			}
			if fuzzy == nil && (strings.Contains(slug, lower) || strings.Contains(name, lower)) {
				fuzzy = &tags[i]
			}
		}
		chosen := exact
		if chosen == nil {
			chosen = fuzzy
		}
		if chosen != nil {
			mapping[category] = chosen.TagID
		}
	}
	return mapping
}
