package rest

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/aristath/marketfeed/internal/domain"
)

// BybitBaseURL is the v5 unified REST API host used for OI, funding, and
// kline bootstrap polling.
const BybitBaseURL = "https://api.bybit.com"

var errEmptyResult = errors.New("bybit: empty result list")

func bybitCategory(marketType domain.MarketType) string {
	if marketType == domain.MarketTypeSpot {
		return "spot"
	}
	return "linear"
}

// bybitEnvelope is the common v5 response wrapper.
type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// ParseBybitError adapts bybitEnvelope's retCode into the client's
// ExchangeErrorParser hook.
func ParseBybitError(body []byte) (code string, message string, isError bool) {
	var env bybitEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", "", false
	}
	if env.RetCode != 0 {
		return strconv.Itoa(env.RetCode), env.RetMsg, true
	}
	return "", "", false
}

type bybitOIResult struct {
	List []struct {
		OpenInterest string `json:"openInterest"`
		Timestamp    string `json:"timestamp"`
	} `json:"list"`
}

// BybitOIEndpoint builds the Endpoint that polls Bybit's open-interest
// feed for marketType, publishing onto topic.
func BybitOIEndpoint(client *Client, marketType domain.MarketType, topic string, interval string) Endpoint {
	category := bybitCategory(marketType)
	return Endpoint{
		Name:     "bybit_oi",
		Interval: DefaultOIInterval,
		Topic:    topic,
		Poll: func(ctx context.Context, symbol string) (any, int64, error) {
			var env bybitEnvelope
			path := "/v5/market/open-interest?category=" + category + "&symbol=" + symbol + "&intervalTime=" + interval
			if err := client.Get(ctx, path, &env); err != nil {
				return nil, 0, err
			}
			var result bybitOIResult
			if err := json.Unmarshal(env.Result, &result); err != nil {
				return nil, 0, &CallError{Class: ErrorClassUnknown, Err: err}
			}
			if len(result.List) == 0 {
				return nil, 0, &CallError{Class: ErrorClassExchangeErr, Err: errEmptyResult}
			}
			latest := result.List[0]
			value, _ := strconv.ParseFloat(latest.OpenInterest, 64)
			ts, _ := strconv.ParseInt(latest.Timestamp, 10, 64)
			reading := domain.OpenInterest{
				Instrument: domain.Instrument{Venue: domain.VenueBybit, MarketType: marketType, Symbol: symbol},
				Value:      value,
				Unit:       domain.OIUnitBase,
				ExchangeTs: ts,
			}
			return reading, ts, nil
		},
	}
}

type bybitFundingResult struct {
	List []struct {
		Symbol      string `json:"symbol"`
		FundingRate string `json:"fundingRate"`
		FundingTs   string `json:"fundingRateTimestamp"`
	} `json:"list"`
}

// BybitFundingEndpoint builds the Endpoint that polls Bybit's funding-rate
// history feed for marketType, publishing onto topic.
func BybitFundingEndpoint(client *Client, marketType domain.MarketType, topic string) Endpoint {
	category := bybitCategory(marketType)
	return Endpoint{
		Name:     "bybit_funding",
		Interval: DefaultFundingInterval,
		Topic:    topic,
		Poll: func(ctx context.Context, symbol string) (any, int64, error) {
			var env bybitEnvelope
			path := "/v5/market/funding/history?category=" + category + "&symbol=" + symbol + "&limit=1"
			if err := client.Get(ctx, path, &env); err != nil {
				return nil, 0, err
			}
			var result bybitFundingResult
			if err := json.Unmarshal(env.Result, &result); err != nil {
				return nil, 0, &CallError{Class: ErrorClassUnknown, Err: err}
			}
			if len(result.List) == 0 {
				return nil, 0, &CallError{Class: ErrorClassExchangeErr, Err: errEmptyResult}
			}
			latest := result.List[0]
			rate, _ := strconv.ParseFloat(latest.FundingRate, 64)
			ts, _ := strconv.ParseInt(latest.FundingTs, 10, 64)
			reading := domain.FundingRate{
				Instrument: domain.Instrument{Venue: domain.VenueBybit, MarketType: marketType, Symbol: symbol},
				Rate:       rate,
				ExchangeTs: ts,
			}
			return reading, ts, nil
		},
	}
}

type bybitKlineResult struct {
	List [][]string `json:"list"`
}

// NewBybitKlineFetcher returns a fetch function matching gateway.KlineFetcher's
// signature structurally (callers assign it directly; this package cannot
// import internal/gateway without creating a cycle).
func NewBybitKlineFetcher(client *Client, marketType domain.MarketType) func(ctx context.Context, symbol, interval string, sinceTs int64, limit int) ([]domain.Kline, error) {
	category := bybitCategory(marketType)
	return func(ctx context.Context, symbol, interval string, sinceTs int64, limit int) ([]domain.Kline, error) {
		var env bybitEnvelope
		path := "/v5/market/kline?category=" + category + "&symbol=" + symbol + "&interval=" + interval + "&limit=" + strconv.Itoa(limit)
		if sinceTs > 0 {
			path += "&start=" + strconv.FormatInt(sinceTs, 10)
		}
		if err := client.Get(ctx, path, &env); err != nil {
			return nil, err
		}
		var result bybitKlineResult
		if err := json.Unmarshal(env.Result, &result); err != nil {
			return nil, &CallError{Class: ErrorClassUnknown, Err: err}
		}

		intervalMs := bybitIntervalMs(interval)
		klines := make([]domain.Kline, 0, len(result.List))
		for i := len(result.List) - 1; i >= 0; i-- {
			row := result.List[i]
			if len(row) < 6 {
				continue
			}
			startTs, _ := strconv.ParseInt(row[0], 10, 64)
			open, _ := strconv.ParseFloat(row[1], 64)
			high, _ := strconv.ParseFloat(row[2], 64)
			low, _ := strconv.ParseFloat(row[3], 64)
			closePrice, _ := strconv.ParseFloat(row[4], 64)
			volume, _ := strconv.ParseFloat(row[5], 64)
			klines = append(klines, domain.Kline{
				Instrument: domain.Instrument{Venue: domain.VenueBybit, MarketType: marketType, Symbol: symbol},
				Interval:   interval,
				StartTs:    startTs,
				EndTs:      startTs + intervalMs,
				Open:       open,
				High:       high,
				Low:        low,
				Close:      closePrice,
				Volume:     volume,
				Confirmed:  true,
			})
		}
		return klines, nil
	}
}

func bybitIntervalMs(interval string) int64 {
	switch interval {
	case "1":
		return 60_000
	case "3":
		return 3 * 60_000
	case "5":
		return 5 * 60_000
	case "15":
		return 15 * 60_000
	case "30":
		return 30 * 60_000
	case "60":
		return 60 * 60_000
	case "120":
		return 120 * 60_000
	case "240":
		return 240 * 60_000
	case "360":
		return 360 * 60_000
	case "720":
		return 720 * 60_000
	case "D":
		return 24 * 60 * 60_000
	case "W":
		return 7 * 24 * 60 * 60_000
	default:
		return 60_000
	}
}
