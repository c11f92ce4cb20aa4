package websocket

import (
	"encoding/json"
	"fmt"

	"binance-cvd-pipeline/database"
	"binance-cvd-pipeline/helpers"
)

// Stream channel kinds
const (
	ChannelAggTrade   = "aggTrade"
	ChannelTrade      = "trade"
	ChannelForceOrder = "forceOrder"
)

// envelope is the combined-stream wrapper; single-stream messages arrive
// without it
type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type wireTradeEvent struct {
	EventType  string      `json:"e"`
	EventTime  int64       `json:"E"`
	Symbol     string      `json:"s"`
	AggTradeID int64       `json:"a"`
	TradeID    int64       `json:"t"`
	Price      interface{} `json:"p"`
	Quantity   interface{} `json:"q"`
	TradeTime  int64       `json:"T"`
	BuyerMaker bool        `json:"m"`
}

type wireForceOrder struct {
	EventType string         `json:"e"`
	EventTime int64          `json:"E"`
	Order     map[string]any `json:"o"`
}

// decodeMessage parses one raw frame. Exactly one of the returns is
// non-nil on success; unknown event types return all nils and no error so
// callers can drop them silently.
func decodeMessage(venue string, raw []byte) (*database.Trade, *database.LiquidationEvent, error) {
	// Unwrap the combined-stream envelope when present
	var env envelope
	payload := raw
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		payload = env.Data
	}

	// EventTime gives the numeric "E" field an exact-match home;
	// without it Go's case-insensitive JSON matching folds "E" into
	// the "e" field and the unmarshal fails on every frame
	var probe struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, nil, fmt.Errorf("malformed push payload: %w", err)
	}

	switch probe.EventType {
	case ChannelAggTrade, ChannelTrade:
		trade, err := decodeTrade(venue, payload)
		return trade, nil, err
	case ChannelForceOrder:
		liq, err := decodeForceOrder(venue, payload)
		return nil, liq, err
	}
	return nil, nil, nil
}

func decodeTrade(venue string, payload []byte) (*database.Trade, error) {
	var ev wireTradeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("malformed trade event: %w", err)
	}

	price, ok := helpers.FloatFromAny(ev.Price)
	if !ok {
		return nil, fmt.Errorf("trade event for %s missing price", ev.Symbol)
	}
	amount, ok := helpers.FloatFromAny(ev.Quantity)
	if !ok {
		return nil, fmt.Errorf("trade event for %s missing quantity", ev.Symbol)
	}

	tradeID := ev.AggTradeID
	if ev.EventType == ChannelTrade {
		tradeID = ev.TradeID
	}

	ts := ev.TradeTime
	if ts == 0 {
		ts = ev.EventTime
	}

	direction := database.DirectionBuy
	if ev.BuyerMaker {
		direction = database.DirectionSell
	}

	return &database.Trade{
		Symbol:     ev.Symbol,
		Venue:      venue,
		TradeID:    tradeID,
		Timestamp:  ts,
		Price:      price,
		Amount:     amount,
		Direction:  direction,
		StreamType: ev.EventType,
	}, nil
}

func decodeForceOrder(venue string, payload []byte) (*database.LiquidationEvent, error) {
	var ev wireForceOrder
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("malformed force order event: %w", err)
	}
	if ev.Order == nil {
		return nil, fmt.Errorf("force order event without order body")
	}

	symbol, _ := ev.Order["s"].(string)
	side, _ := ev.Order["S"].(string)
	if side != "BUY" && side != "SELL" {
		return nil, fmt.Errorf("force order for %s has unknown side %q", symbol, side)
	}

	origQty, okOrig := helpers.FloatFromAny(ev.Order["q"])
	filledQty, okFilled := helpers.FloatFromAny(ev.Order["z"])
	if !okOrig || !okFilled {
		return nil, fmt.Errorf("force order for %s missing quantities", symbol)
	}

	// Price falls back through order price, last fill price, average price
	price, ok := helpers.FloatFromAny(ev.Order["p"])
	if !ok || price == 0 {
		if v, okL := helpers.FloatFromAny(ev.Order["L"]); okL && v != 0 {
			price = v
		} else if v, okAP := helpers.FloatFromAny(ev.Order["ap"]); okAP {
			price = v
		} else {
			price = 0
		}
	}
	avgPrice, _ := helpers.FloatFromAny(ev.Order["ap"])

	orderType, _ := ev.Order["o"].(string)
	orderStatus, _ := ev.Order["X"].(string)

	tradeTime, _ := helpers.Int64FromAny(ev.Order["T"])
	if tradeTime == 0 {
		tradeTime = ev.EventTime
	}

	liq := &database.LiquidationEvent{
		Venue:       venue,
		Symbol:      symbol,
		Side:        side,
		OrderType:   orderType,
		Price:       price,
		OrigQty:     origQty,
		FilledQty:   filledQty,
		AvgPrice:    avgPrice,
		OrderStatus: orderStatus,
		EventTime:   ev.EventTime,
		TradeTime:   tradeTime,
	}
	liq.EventID = liquidationEventID(liq, ev.Order["i"])
	return liq, nil
}

// liquidationEventID derives the primary key: venue:orderId when the
// exchange supplies one, otherwise a composite of the event fields.
func liquidationEventID(e *database.LiquidationEvent, orderID interface{}) string {
	if id, ok := helpers.Int64FromAny(orderID); ok && id > 0 {
		return fmt.Sprintf("%s:%d", e.Venue, id)
	}
	return fmt.Sprintf("%s:%s-%d-%d-%s-%v", e.Venue, e.Symbol, e.EventTime, e.TradeTime, e.Side, e.FilledQty)
}
