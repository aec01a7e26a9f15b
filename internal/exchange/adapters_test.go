package exchange

import (
	"encoding/json"
	"testing"

	"github.com/aristath/marketfeed/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBybitAdapterSubscribeAndParseTicker(t *testing.T) {
	a := BybitAdapter{}
	payload, err := a.BuildSubscribe("req-1", []Subscription{{Kind: ChannelTicker, Symbol: "BTCUSDT"}})
	require.NoError(t, err)

	var msg bybitSubscribeMsg
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "subscribe", msg.Op)
	assert.Equal(t, []string{"tickers.BTCUSDT"}, msg.Args)

	frame, err := a.ParseFrame([]byte(`{"topic":"tickers.BTCUSDT","ts":1000,"data":{"symbol":"BTCUSDT","lastPrice":"50000.5","volume24h":"12.3"}}`), domain.MarketTypeSpot)
	require.NoError(t, err)
	require.Equal(t, FrameTicker, frame.Kind)
	assert.Equal(t, 50000.5, frame.Ticker.LastPrice)
	assert.Equal(t, int64(1000), frame.Ticker.ExchangeTs)
}

func TestBybitAdapterAckAndOrderbook(t *testing.T) {
	a := BybitAdapter{}
	ack, err := a.ParseFrame([]byte(`{"op":"subscribe","req_id":"req-1","success":true}`), domain.MarketTypeSpot)
	require.NoError(t, err)
	assert.Equal(t, FrameAck, ack.Kind)
	assert.True(t, ack.Success)
	assert.Equal(t, "req-1", ack.RequestID)

	snap, err := a.ParseFrame([]byte(`{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":5,"data":{"s":"BTCUSDT","b":[["100","1"]],"a":[["101","2"]],"u":10}}`), domain.MarketTypeSpot)
	require.NoError(t, err)
	require.Equal(t, FrameOrderbookSnapshot, snap.Kind)
	assert.Equal(t, int64(10), snap.OrderbookSnapshot.UpdateID)

	delta, err := a.ParseFrame([]byte(`{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":6,"data":{"s":"BTCUSDT","b":[],"a":[],"u":11}}`), domain.MarketTypeSpot)
	require.NoError(t, err)
	require.Equal(t, FrameOrderbookDelta, delta.Kind)
	assert.Equal(t, int64(11), delta.OrderbookDelta.UpdateID)
}

func TestBinanceAdapterSubscribeAndParseTrade(t *testing.T) {
	a := BinanceAdapter{}
	payload, err := a.BuildSubscribe("req-1", []Subscription{{Kind: ChannelTrades, Symbol: "BTCUSDT"}})
	require.NoError(t, err)

	var msg binanceSubscribeMsg
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "SUBSCRIBE", msg.Method)
	assert.Equal(t, []string{"btcusdt@trade"}, msg.Params)

	frame, err := a.ParseFrame([]byte(`{"stream":"btcusdt@trade","data":{"E":100,"s":"BTCUSDT","t":55,"p":"50000","q":"1.5","T":99,"m":true}}`), domain.MarketTypeSpot)
	require.NoError(t, err)
	require.Equal(t, FrameTrade, frame.Kind)
	require.Len(t, frame.Trades, 1)
	assert.Equal(t, domain.SideBuy, frame.Trades[0].Side)
	assert.Equal(t, 50000.0, frame.Trades[0].Price)
}

func TestBinanceAdapterAck(t *testing.T) {
	a := BinanceAdapter{}
	frame, err := a.ParseFrame([]byte(`{"result":null,"id":12345}`), domain.MarketTypeSpot)
	require.NoError(t, err)
	assert.Equal(t, FrameAck, frame.Kind)
	assert.True(t, frame.Success)
}

func TestBinanceAdapterDepthDelta(t *testing.T) {
	a := BinanceAdapter{}
	frame, err := a.ParseFrame([]byte(`{"stream":"btcusdt@depth@100ms","data":{"E":1,"s":"BTCUSDT","U":1,"u":5,"b":[["1","2"]],"a":[["3","4"]]}}`), domain.MarketTypeSpot)
	require.NoError(t, err)
	require.Equal(t, FrameOrderbookDelta, frame.Kind)
	assert.Equal(t, int64(5), frame.OrderbookDelta.UpdateID)
}

func TestOKXAdapterSubscribeUsesHyphenatedInstID(t *testing.T) {
	a := OKXAdapter{}
	payload, err := a.BuildSubscribe("ignored", []Subscription{{Kind: ChannelTicker, Symbol: "BTCUSDT"}})
	require.NoError(t, err)

	var msg okxSubscribeMsg
	require.NoError(t, json.Unmarshal(payload, &msg))
	require.Len(t, msg.Args, 1)
	assert.Equal(t, "BTC-USDT", msg.Args[0].InstID)
	assert.Equal(t, "tickers", msg.Args[0].Channel)
}

func TestOKXAdapterAckCorrelatesByChannelAndInstID(t *testing.T) {
	a := OKXAdapter{}
	sub := Subscription{Kind: ChannelTrades, Symbol: "ETHUSDT"}
	ackKey := a.AckKey(sub)

	frame, err := a.ParseFrame([]byte(`{"event":"subscribe","arg":{"channel":"trades","instId":"ETH-USDT"}}`), domain.MarketTypeSpot)
	require.NoError(t, err)
	assert.Equal(t, FrameAck, frame.Kind)
	assert.Equal(t, ackKey, frame.RequestID)
}

func TestOKXAdapterBookSnapshotVsUpdate(t *testing.T) {
	a := OKXAdapter{}
	snap, err := a.ParseFrame([]byte(`{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"snapshot","data":[{"bids":[["100","1"]],"asks":[["101","1"]],"ts":"1","seqId":"7"}]}`), domain.MarketTypeSpot)
	require.NoError(t, err)
	assert.Equal(t, FrameOrderbookSnapshot, snap.Kind)

	upd, err := a.ParseFrame([]byte(`{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"update","data":[{"bids":[],"asks":[],"ts":"2","seqId":"8"}]}`), domain.MarketTypeSpot)
	require.NoError(t, err)
	assert.Equal(t, FrameOrderbookDelta, upd.Kind)
}

func TestOKXAdapterPingPong(t *testing.T) {
	a := OKXAdapter{}
	assert.Equal(t, []byte("ping"), a.BuildPing())
	frame, err := a.ParseFrame([]byte("pong"), domain.MarketTypeSpot)
	require.NoError(t, err)
	assert.Equal(t, FramePong, frame.Kind)
}
