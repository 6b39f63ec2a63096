package feed

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind classifies one decoded stream message.
type Kind string

const (
	KindTrade           Kind = "trade"
	KindBook            Kind = "book"
	KindPriceChange     Kind = "price_change"
	KindBestBidAsk      Kind = "best_bid_ask"
	KindMarketLifecycle Kind = "market_lifecycle"
	KindUnknown         Kind = "unknown"
)

// Message is the classified, parsed stream message handed to the
// orchestrator's consume loop.
type Message struct {
	Kind    Kind
	TokenID string
	Seq     *int64
	TsMS    int64

	Trade        *Trade
	Book         *Book
	PriceChanges []PriceChange
	Lifecycle    *Lifecycle
}

// Trade is a single executed trade tick.
type Trade struct {
	Price decimal.Decimal
	Size  decimal.Decimal
	Side  string
}

// Level is one resting price/size pair within a Book snapshot.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Book is a full snapshot payload.
type Book struct {
	Bids []Level
	Asks []Level
}

// PriceChange is one incremental book delta.
type PriceChange struct {
	Side  string
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Lifecycle reports a market entering/leaving tradeability on the feed.
type Lifecycle struct {
	Status string
}

var eventTypeHints = map[string]Kind{
	"last_trade_price": KindTrade,
	"trade":             KindTrade,
	"last_trade":        KindTrade,
	"fill":              KindTrade,
	"book":              KindBook,
	"orderbook":         KindBook,
	"price_change":      KindPriceChange,
	"best_bid_ask":      KindBestBidAsk,
	"new_market":        KindMarketLifecycle,
	"market_resolved":   KindMarketLifecycle,
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t), true
	case string:
		d, err := decimal.NewFromString(t)
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

func coalesce(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// extractSeq reads a sequence number from any of the accepted keys.
func extractSeq(m map[string]any) *int64 {
	v := coalesce(m, "sequence", "seq", "sequence_number", "seqNum")
	if v == nil {
		return nil
	}
	f, ok := toFloat(v)
	if !ok {
		return nil
	}
	seq := int64(f)
	return &seq
}

// extractTokenID reads the token/asset id from any accepted key.
func extractTokenID(m map[string]any) string {
	return firstString(m, "asset_id", "assetId", "token_id", "tokenId", "clobTokenId")
}

// extractTsMS parses ts_ms accepting int ms, int seconds (<1e10), or an
// ISO-8601 timestamp.
func extractTsMS(m map[string]any, fallback int64) int64 {
	v := coalesce(m, "ts_ms", "timestamp", "ts")
	if v == nil {
		return fallback
	}
	switch t := v.(type) {
	case float64:
		if t < 1e10 {
			return int64(t * 1000)
		}
		return int64(t)
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			if f < 1e10 {
				return int64(f * 1000)
			}
			return int64(f)
		}
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.UnixMilli()
		}
	}
	return fallback
}

func classifyHint(m map[string]any) Kind {
	hint := strings.ToLower(firstString(m, "event_type", "type"))
	if kind, ok := eventTypeHints[hint]; ok {
		return kind
	}
	if _, hasBids := m["bids"]; hasBids {
		return KindBook
	}
	if _, hasAsks := m["asks"]; hasAsks {
		return KindBook
	}
	if _, hasBuys := m["buys"]; hasBuys {
		return KindBook
	}
	if _, hasSells := m["sells"]; hasSells {
		return KindBook
	}
	return KindUnknown
}

func parseLevels(raw any) []Level {
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]Level, 0, len(arr))
	for _, item := range arr {
		switch v := item.(type) {
		case map[string]any:
			price, okP := toDecimal(coalesce(v, "price", "p"))
			size, okS := toDecimal(coalesce(v, "size", "qty"))
			if okP && okS {
				out = append(out, Level{Price: price, Size: size})
			}
		case []any:
			if len(v) >= 2 {
				price, okP := toDecimal(v[0])
				size, okS := toDecimal(v[1])
				if okP && okS {
					out = append(out, Level{Price: price, Size: size})
				}
			}
		}
	}
	return out
}

func parsePriceChanges(m map[string]any) []PriceChange {
	raw, ok := m["price_changes"]
	if !ok {
		raw, ok = m["changes"]
	}
	arr, isArr := raw.([]any)
	if !ok || !isArr {
		return nil
	}
	out := make([]PriceChange, 0, len(arr))
	for _, item := range arr {
		var side string
		var price, size decimal.Decimal
		var okP, okS bool
		switch v := item.(type) {
		case map[string]any:
			side = strings.ToUpper(firstString(v, "side", "type"))
			price, okP = toDecimal(coalesce(v, "price", "p"))
			size, okS = toDecimal(coalesce(v, "size", "s", "quantity"))
		case []any:
			if len(v) >= 3 {
				price, okP = toDecimal(v[0])
				size, okS = toDecimal(v[1])
				if s, ok := v[2].(string); ok {
					side = strings.ToUpper(s)
				}
			}
		}
		if side != "BUY" && side != "SELL" {
			continue
		}
		if !okP || !okS {
			continue
		}
		out = append(out, PriceChange{Side: side, Price: price, Size: size})
	}
	return out
}

// classify decodes and classifies a single JSON object frame. It is
// forgiving: any extraction failure downgrades the message toward
// KindUnknown rather than erroring, so one malformed message never
// prevents processing its siblings in the same array frame.
func classify(m map[string]any, recvTsMS int64) Message {
	kind := classifyHint(m)
	tokenID := extractTokenID(m)
	tsMS := extractTsMS(m, recvTsMS)
	seq := extractSeq(m)

	msg := Message{Kind: kind, TokenID: tokenID, Seq: seq, TsMS: tsMS}

	switch kind {
	case KindTrade:
		price, okP := toDecimal(coalesce(m, "price", "p"))
		size, okS := toDecimal(coalesce(m, "size", "s", "quantity"))
		if !okP || !okS {
			msg.Kind = KindUnknown
			return msg
		}
		msg.Trade = &Trade{Price: price, Size: size, Side: strings.ToUpper(firstString(m, "side"))}
	case KindBook:
		msg.Book = &Book{Bids: parseLevels(m["bids"]), Asks: parseLevels(m["asks"])}
		if msg.Book.Bids == nil {
			msg.Book.Bids = parseLevels(m["buys"])
		}
		if msg.Book.Asks == nil {
			msg.Book.Asks = parseLevels(m["sells"])
		}
	case KindPriceChange:
		msg.PriceChanges = parsePriceChanges(m)
	case KindMarketLifecycle:
		status := firstString(m, "event_type", "type")
		msg.Lifecycle = &Lifecycle{Status: status}
	}
	return msg
}

// decodeFrame decodes one websocket text frame into zero or more
// messages: a bare JSON object yields one, a JSON array is expanded
// one-by-one, and anything else (malformed JSON) yields none — the
// caller logs and drops it rather than tearing down the connection.
func decodeFrame(data []byte, recvTsMS int64) []Message {
	var asObject map[string]any
	if err := json.Unmarshal(data, &asObject); err == nil {
		return []Message{classify(asObject, recvTsMS)}
	}

	var asArray []map[string]any
	if err := json.Unmarshal(data, &asArray); err == nil {
		out := make([]Message, 0, len(asArray))
		for _, obj := range asArray {
			out = append(out, classify(obj, recvTsMS))
		}
		return out
	}
	return nil
}

// isPingPongFrame intercepts application-layer heartbeats: a frame whose
// decoded text is "ping"/"pong" (case-insensitive), or whose JSON
// type/event_type is ping/pong, is a heartbeat and must never surface to
// the consume loop.
func isPingPongFrame(data []byte) (isPing bool, isHeartbeat bool) {
	text := strings.ToLower(strings.TrimSpace(string(data)))
	if text == "ping" {
		return true, true
	}
	if text == "pong" {
		return false, true
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err == nil {
		hint := strings.ToLower(firstString(m, "type", "event_type"))
		if hint == "ping" {
			return true, true
		}
		if hint == "pong" {
			return false, true
		}
	}
	return false, false
}
