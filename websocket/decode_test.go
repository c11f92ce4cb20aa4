package websocket

import (
	"strings"
	"testing"

	"binance-cvd-pipeline/database"
)

func TestDecodeAggTradeEnvelope(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","E":1700000000100,"s":"BTCUSDT","a":26129,"p":"0.001","q":"100","T":1700000000000,"m":true}}`)

	trade, liq, err := decodeMessage("USDT-M", raw)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if liq != nil {
		t.Fatalf("unexpected liquidation: %+v", liq)
	}
	if trade == nil {
		t.Fatal("expected trade")
	}
	if trade.Symbol != "BTCUSDT" || trade.Venue != "USDT-M" {
		t.Errorf("symbol/venue = %s/%s", trade.Symbol, trade.Venue)
	}
	if trade.TradeID != 26129 {
		t.Errorf("TradeID = %d, want aggregate id 26129", trade.TradeID)
	}
	if trade.Price != 0.001 || trade.Amount != 100 {
		t.Errorf("price/amount = %v/%v", trade.Price, trade.Amount)
	}
	if trade.Timestamp != 1700000000000 {
		t.Errorf("Timestamp = %d, want trade time", trade.Timestamp)
	}
	if trade.Direction != database.DirectionSell {
		t.Errorf("Direction = %s, buyer-maker should map to sell", trade.Direction)
	}
	if trade.StreamType != ChannelAggTrade {
		t.Errorf("StreamType = %s", trade.StreamType)
	}
}

func TestDecodeTradeChannelUsesTradeID(t *testing.T) {
	raw := []byte(`{"e":"trade","E":1700000000500,"s":"ETHUSDT","t":777,"p":"2000.5","q":"1.25","T":0,"m":false}`)

	trade, _, err := decodeMessage("SPOT", raw)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if trade.TradeID != 777 {
		t.Errorf("TradeID = %d, want 777 from the t field", trade.TradeID)
	}
	if trade.Timestamp != 1700000000500 {
		t.Errorf("Timestamp = %d, want event-time fallback", trade.Timestamp)
	}
	if trade.Direction != database.DirectionBuy {
		t.Errorf("Direction = %s", trade.Direction)
	}
	if trade.StreamType != ChannelTrade {
		t.Errorf("StreamType = %s", trade.StreamType)
	}
}

func TestDecodeTradeMissingPrice(t *testing.T) {
	raw := []byte(`{"e":"aggTrade","s":"BTCUSDT","a":1,"q":"1","T":1}`)
	if _, _, err := decodeMessage("SPOT", raw); err == nil {
		t.Fatal("expected error for missing price")
	}
}

func TestDecodeUnknownEventIgnored(t *testing.T) {
	raw := []byte(`{"e":"kline","E":1700000000000,"s":"BTCUSDT"}`)
	trade, liq, err := decodeMessage("SPOT", raw)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if trade != nil || liq != nil {
		t.Fatal("unknown event type should decode to nothing")
	}
}

func TestDecodeMalformedPayload(t *testing.T) {
	if _, _, err := decodeMessage("SPOT", []byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestDecodeForceOrder(t *testing.T) {
	raw := []byte(`{"e":"forceOrder","E":1700000001000,"o":{"s":"BTCUSDT","S":"SELL","o":"LIMIT","q":"0.014","p":"0","z":"0.014","L":"25100.5","ap":"25100.1","X":"FILLED","T":1700000000900,"i":12345}}`)

	trade, liq, err := decodeMessage("USDT-M", raw)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if trade != nil {
		t.Fatalf("unexpected trade: %+v", trade)
	}
	if liq == nil {
		t.Fatal("expected liquidation")
	}
	if liq.EventID != "USDT-M:12345" {
		t.Errorf("EventID = %s, want venue:orderId", liq.EventID)
	}
	if liq.Price != 25100.5 {
		t.Errorf("Price = %v, want last fill price when order price is zero", liq.Price)
	}
	if liq.AvgPrice != 25100.1 {
		t.Errorf("AvgPrice = %v", liq.AvgPrice)
	}
	if liq.OrigQty != 0.014 || liq.FilledQty != 0.014 {
		t.Errorf("quantities = %v/%v", liq.OrigQty, liq.FilledQty)
	}
	if liq.TradeTime != 1700000000900 || liq.EventTime != 1700000001000 {
		t.Errorf("times = %d/%d", liq.TradeTime, liq.EventTime)
	}
	if liq.Side != "SELL" || liq.OrderType != "LIMIT" || liq.OrderStatus != "FILLED" {
		t.Errorf("side/type/status = %s/%s/%s", liq.Side, liq.OrderType, liq.OrderStatus)
	}
}

func TestDecodeForceOrderCompositeEventID(t *testing.T) {
	raw := []byte(`{"e":"forceOrder","E":2000,"o":{"s":"ETHUSD_PERP","S":"BUY","q":"5","z":"5","ap":"1800"}}`)

	_, liq, err := decodeMessage("COIN-M", raw)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if !strings.HasPrefix(liq.EventID, "COIN-M:ETHUSD_PERP-2000-2000-BUY-") {
		t.Errorf("EventID = %s, want composite fallback", liq.EventID)
	}
	if liq.Price != 1800 {
		t.Errorf("Price = %v, want average-price fallback", liq.Price)
	}
	if liq.TradeTime != 2000 {
		t.Errorf("TradeTime = %d, want event-time fallback", liq.TradeTime)
	}
}

func TestDecodeForceOrderRejectsBadSide(t *testing.T) {
	raw := []byte(`{"e":"forceOrder","E":1,"o":{"s":"BTCUSDT","S":"HOLD","q":"1","z":"1"}}`)
	if _, _, err := decodeMessage("USDT-M", raw); err == nil {
		t.Fatal("expected error for unknown side")
	}
}

func TestDecodeForceOrderRequiresQuantities(t *testing.T) {
	raw := []byte(`{"e":"forceOrder","E":1,"o":{"s":"BTCUSDT","S":"SELL","q":"1"}}`)
	if _, _, err := decodeMessage("USDT-M", raw); err == nil {
		t.Fatal("expected error for missing filled quantity")
	}
}
