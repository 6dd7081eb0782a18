package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUserDataMessage(t *testing.T) {
	t.Run("Partial order trade update keeps cumulative quantity", func(t *testing.T) {
		msg := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1700000000000,"o":{
			"s":"BTCUSDT","c":"pos-1-tp1","S":"SELL","o":"TAKE_PROFIT_MARKET",
			"q":"0.500","p":"0","ap":"102.0","sp":"102.0","X":"PARTIALLY_FILLED",
			"i":42,"z":"0.300","R":true}}`)

		ev, ok := parseUserDataMessage(msg)
		require.True(t, ok)
		assert.Equal(t, EventOrderFilled, ev.Type)
		assert.Equal(t, "42", ev.Order.OrderID)
		assert.Equal(t, "PARTIALLY_FILLED", ev.Order.Status)
		assert.InDelta(t, 0.3, ev.Order.FilledQty, 1e-12)
		assert.True(t, ev.Order.ReduceOnly)
	})

	t.Run("Terminal fill", func(t *testing.T) {
		msg := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1700000000000,"o":{
			"s":"BTCUSDT","S":"SELL","o":"STOP_MARKET","q":"1.0","ap":"94.5",
			"X":"FILLED","i":43,"z":"1.0"}}`)

		ev, ok := parseUserDataMessage(msg)
		require.True(t, ok)
		assert.Equal(t, EventOrderFilled, ev.Type)
		assert.Equal(t, "FILLED", ev.Order.Status)
		assert.InDelta(t, 1.0, ev.Order.FilledQty, 1e-12)
	})

	t.Run("Expired order maps to cancellation", func(t *testing.T) {
		msg := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1700000000000,"o":{
			"s":"BTCUSDT","X":"EXPIRED","i":44,"z":"0"}}`)

		ev, ok := parseUserDataMessage(msg)
		require.True(t, ok)
		assert.Equal(t, EventOrderCanceled, ev.Type)
	})

	t.Run("Unknown payload ignored", func(t *testing.T) {
		_, ok := parseUserDataMessage([]byte(`{"e":"listenKeyExpired"}`))
		assert.False(t, ok)
	})
}

func TestParseMarkPriceMessage(t *testing.T) {
	t.Run("Combined stream update", func(t *testing.T) {
		msg := []byte(`{"stream":"btcusdt@markPrice@1s","data":{
			"e":"markPriceUpdate","E":1700000000000,"s":"BTCUSDT","p":"91626.40"}}`)

		symbol, price, ok := parseMarkPriceMessage(msg)
		require.True(t, ok)
		assert.Equal(t, "BTCUSDT", symbol)
		assert.InDelta(t, 91626.40, price, 1e-9)
	})

	t.Run("Non-price payload ignored", func(t *testing.T) {
		_, _, ok := parseMarkPriceMessage([]byte(`{"stream":"x","data":{"e":"other"}}`))
		assert.False(t, ok)
	})
}

func TestMarkPriceStreamPath(t *testing.T) {
	s := NewMarkPriceStream("", []string{"BTCUSDT", "ETHUSDT"}, nil)
	assert.Equal(t, "/stream?streams=btcusdt@markPrice@1s/ethusdt@markPrice@1s", s.streamPath())
}
