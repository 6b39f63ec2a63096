package catalog

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Tag is immutable after fetch.
type Tag struct {
	TagID string
	Slug  string
	Name  string
}

// OutcomeToken is a tradable claim on one resolution of a market.
type OutcomeToken struct {
	TokenID string
	Side    string
}

// Market is the catalog's notion of a prediction market.
type Market struct {
	MarketID        string
	EventID         string
	Question        string
	Category        string
	EnableOrderbook *bool
	Active          bool
	Closed          bool
	Resolved        bool
	EndTSMs         *int64
	Liquidity       *float64
	Volume24H       *float64
	TokenIDs        []string
	Outcomes        []OutcomeToken
	TopicKey        string
}

// IsTradeable implements the spec's tradeability predicate: active, not
// closed, not resolved, order book enabled, and not yet expired.
func (m Market) IsTradeable(nowMs int64) bool {
	if !m.Active || m.Closed || m.Resolved {
		return false
	}
	if m.EnableOrderbook != nil && !*m.EnableOrderbook {
		return false
	}
	if m.EndTSMs != nil && *m.EndTSMs <= nowMs {
		return false
	}
	return true
}

// IsUntradeable reports a market that is live but whose book isn't
// streamed (enable_orderbook = false): polled, not streamed.
func (m Market) IsUntradeable(nowMs int64) bool {
	if !m.Active || m.Closed || m.Resolved {
		return false
	}
	if m.EndTSMs != nil && *m.EndTSMs <= nowMs {
		return false
	}
	return m.EnableOrderbook != nil && !*m.EnableOrderbook
}

// JSONFloat unmarshals a JSON number or a numeric string into a float64,
// matching Gamma's inconsistent encoding of numeric fields across
// endpoints. Lifted from the catalog client this package generalizes.
type JSONFloat float64

func (f *JSONFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = JSONFloat(v)
	return nil
}

// rawMarket is the permissive intermediate the spec's design notes call
// for: it holds the union of keys Gamma might send, each optional, so a
// parse failure on one field never prevents extracting the rest. See
// ParseMarket.
type rawMarket struct {
	ConditionID string `json:"conditionId"`
	ConditionID2 string `json:"condition_id"`
	ID          string `json:"id"`
	MarketID    string `json:"market_id"`
	MarketID2   string `json:"marketId"`

	EventID string `json:"eventId"`

	Question string `json:"question"`
	Category string `json:"category"`

	EnableOrderBook *bool `json:"enableOrderBook"`

	Active   bool `json:"active"`
	Closed   bool `json:"closed"`
	Resolved bool `json:"resolved"`

	EndDate   string     `json:"endDate"`
	EndDateMs *JSONFloat `json:"endDateMs"`

	Liquidity *JSONFloat `json:"liquidity"`
	Volume24H *JSONFloat `json:"volume24hr"`

	// ClobTokenIDs and Outcomes may each arrive as either a JSON array or
	// a JSON-encoded / comma-separated string; json.RawMessage defers the
	// decision to decodeStringList.
	ClobTokenIDs json.RawMessage `json:"clobTokenIds"`
	Outcomes     json.RawMessage `json:"outcomes"`
}

// resolvedID walks the id-key fallback chain (conditionId, condition_id,
// id, market_id, marketId) and returns the first non-empty value as the
// market's stable identifier.
func (r rawMarket) resolvedID() string {
	for _, candidate := range []string{r.ConditionID, r.ConditionID2, r.ID, r.MarketID, r.MarketID2} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

// decodeStringList accepts a JSON array of strings, a JSON-encoded string
// containing an array, or a comma-separated string, and returns the
// flattened list of items.
func decodeStringList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var asArray []string
	if err := json.Unmarshal(raw, &asArray); err == nil {
		return asArray
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		trimmed := strings.TrimSpace(asString)
		if trimmed == "" {
			return nil
		}
		if strings.HasPrefix(trimmed, "[") {
			var nested []string
			if err := json.Unmarshal([]byte(trimmed), &nested); err == nil {
				return nested
			}
		}
		parts := strings.Split(trimmed, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}

// normalizeSide upper-cases a raw outcome label, collapsing any label
// containing "YES"/"NO" onto the canonical token; multi-outcome markets
// keep their verbatim (uppercased) label.
func normalizeSide(label string) string {
	upper := strings.ToUpper(strings.TrimSpace(label))
	switch {
	case strings.Contains(upper, "YES"):
		return "YES"
	case strings.Contains(upper, "NO"):
		return "NO"
	default:
		return upper
	}
}

// isoEndDateLayouts are the encodings Gamma has been observed to use for
// the endDate field across endpoints: full RFC3339 with and without
// fractional seconds, and a bare date.
var isoEndDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseISOEndDate parses endDate into a Unix-millisecond timestamp when
// endDateMs wasn't present, matching the original's fallback of deriving
// end_ts from the ISO string.
func parseISOEndDate(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	for _, layout := range isoEndDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

// ParseMarket moves fields from the permissive rawMarket into the typed
// Market, resolving the id fallback chain and the clobTokenIds/outcomes
// CSV-or-JSON ambiguity. When outcome names exist but lack ids and the
// counts match token ids, they're paired positionally so every token
// still gets a Side.
func ParseMarket(raw rawMarket) Market {
	m := Market{
		MarketID:        raw.resolvedID(),
		EventID:         raw.EventID,
		Question:        raw.Question,
		Category:        raw.Category,
		EnableOrderbook: raw.EnableOrderBook,
		Active:          raw.Active,
		Closed:          raw.Closed,
		Resolved:        raw.Resolved,
	}
	if raw.Liquidity != nil {
		v := float64(*raw.Liquidity)
		m.Liquidity = &v
	}
	if raw.Volume24H != nil {
		v := float64(*raw.Volume24H)
		m.Volume24H = &v
	}
	if raw.EndDateMs != nil {
		v := int64(*raw.EndDateMs)
		m.EndTSMs = &v
	} else if ts, ok := parseISOEndDate(raw.EndDate); ok {
		m.EndTSMs = &ts
	}

	m.TokenIDs = decodeStringList(raw.ClobTokenIDs)
	outcomeNames := decodeStringList(raw.Outcomes)

	if len(outcomeNames) > 0 && len(outcomeNames) == len(m.TokenIDs) {
		m.Outcomes = make([]OutcomeToken, len(m.TokenIDs))
		for i, tokenID := range m.TokenIDs {
			m.Outcomes[i] = OutcomeToken{TokenID: tokenID, Side: normalizeSide(outcomeNames[i])}
		}
	} else if len(m.TokenIDs) > 0 {
		m.Outcomes = make([]OutcomeToken, len(m.TokenIDs))
		for i, tokenID := range m.TokenIDs {
			m.Outcomes[i] = OutcomeToken{TokenID: tokenID}
		}
	}
	return m
}
