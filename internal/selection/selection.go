// Package selection implements C3: pure, deterministic functions over
// catalog markets — topic normalization, primary-per-topic picking, and
// top-K filtering. Nothing here touches the network or the clock.
package selection

import (
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"github.com/polymarket-signal-pipeline/marketsignal/internal/catalog"
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)
var runsOfSpace = regexp.MustCompile(`\s+`)
var foldCaser = cases.Fold()

// NormalizeTopic case-folds text (via golang.org/x/text/cases), replaces
// every run of characters other than ASCII a-z and 0-9 with a single
// space, and trims. Non-ASCII letters and digits count as separators and
// do not survive into the key.
// Idempotent: NormalizeTopic(NormalizeTopic(x)) == NormalizeTopic(x).
func NormalizeTopic(text string) string {
	lowered := foldCaser.String(text)
	cleaned := nonAlnum.ReplaceAllString(lowered, " ")
	cleaned = runsOfSpace.ReplaceAllString(strings.TrimSpace(cleaned), " ")
	return cleaned
}

// AssignTopicKeys fills TopicKey on every market that doesn't already
// have one, in place.
func AssignTopicKeys(markets []catalog.Market) {
	for i := range markets {
		if markets[i].TopicKey == "" {
			markets[i].TopicKey = NormalizeTopic(markets[i].Question)
		}
	}
}

// priorityValue returns the sort key for one priority field: liquidity
// and volume_24h sort descending (bigger is better, missing -> 0,
// achieved here by negating so ascending sort gives descending order);
// end_ts sorts ascending (sooner preferred, missing -> +inf).
func priorityValue(m catalog.Market, key string) float64 {
	switch key {
	case "liquidity":
		if m.Liquidity != nil {
			return -*m.Liquidity
		}
		return 0
	case "volume_24h":
		if m.Volume24H != nil {
			return -*m.Volume24H
		}
		return 0
	case "end_ts":
		if m.EndTSMs != nil {
			return float64(*m.EndTSMs)
		}
		return 1<<62
	default:
		return 0
	}
}

func priorityTuple(m catalog.Market, priority []string) []float64 {
	out := make([]float64, len(priority))
	for i, key := range priority {
		out[i] = priorityValue(m, key)
	}
	return out
}

func lessTuple(a, b []float64) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// SelectPrimaryMarkets groups markets by TopicKey (falling back to
// MarketID), sorts each group by priority, and keeps the first
// maxPerTopic of each group. Idempotent and order-independent of input.
func SelectPrimaryMarkets(markets []catalog.Market, priority []string, maxPerTopic int) []catalog.Market {
	working := make([]catalog.Market, len(markets))
	copy(working, markets)
	AssignTopicKeys(working)

	grouped := map[string][]catalog.Market{}
	var order []string
	for _, m := range working {
		key := m.TopicKey
		if key == "" {
			key = m.MarketID
		}
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], m)
	}

	var selected []catalog.Market
	for _, key := range order {
		group := grouped[key]
		sort.SliceStable(group, func(i, j int) bool {
			return lessTuple(priorityTuple(group[i], priority), priorityTuple(group[j], priority))
		})
		if maxPerTopic > 0 && len(group) > maxPerTopic {
			group = group[:maxPerTopic]
		}
		selected = append(selected, group...)
	}
	return selected
}

// SelectTopMarkets filters by min liquidity and keyword allow/block lists
// (case-insensitive substring match against the question), then sorts by
// hotSort and truncates to topK.
func SelectTopMarkets(
	markets []catalog.Market,
	topK int,
	hotSort []string,
	minLiquidity *float64,
	keywordAllow, keywordBlock []string,
) []catalog.Market {
	allow := make([]string, len(keywordAllow))
	for i, kw := range keywordAllow {
		allow[i] = foldCaser.String(kw)
	}
	block := make([]string, len(keywordBlock))
	for i, kw := range keywordBlock {
		block[i] = foldCaser.String(kw)
	}

	var filtered []catalog.Market
	for _, m := range markets {
		liquidity := 0.0
		if m.Liquidity != nil {
			liquidity = *m.Liquidity
		}
		if minLiquidity != nil && liquidity < *minLiquidity {
			continue
		}
		question := foldCaser.String(m.Question)
		if len(allow) > 0 && !containsAny(question, allow) {
			continue
		}
		if containsAny(question, block) {
			continue
		}
		filtered = append(filtered, m)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return lessTuple(priorityTuple(filtered[i], hotSort), priorityTuple(filtered[j], hotSort))
	})

	if topK > 0 && len(filtered) > topK {
		filtered = filtered[:topK]
	}
	return filtered
}

// MatchesFocusKeywords reports whether question contains, case-insensitively,
// any of keywords. An empty keywords list passes every question through.
func MatchesFocusKeywords(question string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	folded := make([]string, len(keywords))
	for i, kw := range keywords {
		folded[i] = foldCaser.String(kw)
	}
	return containsAny(foldCaser.String(question), folded)
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
