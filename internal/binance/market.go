package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// maxKlineLimit is the largest page the klines endpoint serves.
const maxKlineLimit = 1500

// IntervalMillis returns the candle interval duration in milliseconds.
// Unknown intervals return 0.
func IntervalMillis(interval string) int64 {
	switch interval {
	case "1m":
		return 60_000
	case "3m":
		return 3 * 60_000
	case "5m":
		return 5 * 60_000
	case "15m":
		return 15 * 60_000
	case "30m":
		return 30 * 60_000
	case "1h":
		return 60 * 60_000
	case "2h":
		return 2 * 60 * 60_000
	case "4h":
		return 4 * 60 * 60_000
	case "6h":
		return 6 * 60 * 60_000
	case "8h":
		return 8 * 60 * 60_000
	case "12h":
		return 12 * 60 * 60_000
	case "1d":
		return 24 * 60 * 60_000
	case "3d":
		return 3 * 24 * 60 * 60_000
	case "1w":
		return 7 * 24 * 60 * 60_000
	}
	return 0
}

// unmarshal wraps json.Unmarshal with a uniform error.
func unmarshal(body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// GetExchangeInfo fetches symbol metadata and precision filters.
func (c *Client) GetExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	body, err := c.publicGet(ctx, "/fapi/v1/exchangeInfo", nil, PriorityHigh)
	if err != nil {
		return nil, fmt.Errorf("fetching exchange info: %w", err)
	}
	var info ExchangeInfo
	if err := unmarshal(body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetSymbolFilters returns the parsed precision filters for one symbol.
func (c *Client) GetSymbolFilters(ctx context.Context, symbol string) (Filters, error) {
	info, err := c.GetExchangeInfo(ctx)
	if err != nil {
		return Filters{}, err
	}
	for i := range info.Symbols {
		if info.Symbols[i].Symbol == symbol {
			return info.Symbols[i].ParseFilters()
		}
	}
	return Filters{}, fmt.Errorf("symbol %s not present in exchange info", symbol)
}

// GetTickerPrice fetches the last traded price for a symbol.
func (c *Client) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := map[string]string{"symbol": symbol}
	body, err := c.publicGet(ctx, "/fapi/v1/ticker/price", params, PriorityNormal)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetching ticker price for %s: %w", symbol, err)
	}
	var tp TickerPrice
	if err := unmarshal(body, &tp); err != nil {
		return decimal.Zero, err
	}
	return tp.Price, nil
}

// GetMarkPrice fetches the premium-index mark price for a symbol.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (*PremiumIndex, error) {
	params := map[string]string{"symbol": symbol}
	body, err := c.publicGet(ctx, "/fapi/v1/premiumIndex", params, PriorityNormal)
	if err != nil {
		return nil, fmt.Errorf("fetching mark price for %s: %w", symbol, err)
	}
	var pi PremiumIndex
	if err := unmarshal(body, &pi); err != nil {
		return nil, err
	}
	return &pi, nil
}

// GetKlines fetches one page of candles (limit capped at 1500).
// startTime of 0 means "most recent".
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, startTime int64, limit int) ([]Kline, error) {
	if limit <= 0 || limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	params := map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	if startTime > 0 {
		params["startTime"] = strconv.FormatInt(startTime, 10)
	}

	body, err := c.publicGet(ctx, "/fapi/v1/klines", params, PriorityNormal)
	if err != nil {
		return nil, fmt.Errorf("fetching klines %s %s: %w", symbol, interval, err)
	}
	return parseKlines(body)
}

// GetHistoricalKlines fetches the most recent count candles, paging by
// startTime in chunks of at most 1500 and de-duplicating on open time.
// Chunk fetches that fail on timeouts are retried three times with
// 2/4/6 s delays before the whole fetch fails.
func (c *Client) GetHistoricalKlines(ctx context.Context, symbol, interval string, count int) ([]Kline, error) {
	if count <= 0 {
		return nil, nil
	}

	intervalMS := IntervalMillis(interval)
	if intervalMS == 0 {
		return nil, fmt.Errorf("unsupported interval %q", interval)
	}

	if count <= maxKlineLimit {
		return c.getKlinesRetry(ctx, symbol, interval, 0, count)
	}

	// Walk forward in full pages from an estimated window start; dedupe on
	// open time keeps page seams clean. Stop when a page adds nothing new,
	// otherwise a stale page could stall the walk forever.
	startTime := time.Now().UnixMilli() - int64(count+1)*intervalMS
	seen := make(map[int64]struct{}, count)
	var out []Kline

	for len(out) < count {
		chunk, err := c.getKlinesRetry(ctx, symbol, interval, startTime, maxKlineLimit)
		if err != nil {
			return nil, err
		}

		added := 0
		for _, k := range chunk {
			if _, dup := seen[k.OpenTime]; dup {
				continue
			}
			seen[k.OpenTime] = struct{}{}
			out = append(out, k)
			added++
		}
		if added == 0 {
			break
		}
		startTime = chunk[len(chunk)-1].OpenTime + 1
	}

	// Keep the most recent count candles.
	if len(out) > count {
		out = out[len(out)-count:]
	}
	return out, nil
}

// getKlinesRetry wraps GetKlines with the timeout-specific retry schedule.
func (c *Client) getKlinesRetry(ctx context.Context, symbol, interval string, startTime int64, limit int) ([]Kline, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		klines, err := c.GetKlines(ctx, symbol, interval, startTime, limit)
		if err == nil {
			return klines, nil
		}
		lastErr = err
		if !isTimeout(err) {
			return nil, err
		}
		delay := time.Duration(2*(attempt+1)) * time.Second
		c.logger.Warn().
			Str("symbol", symbol).
			Str("interval", interval).
			Dur("retry_in", delay).
			Err(err).
			Msg("kline fetch timed out")
		if !sleepCtx(ctx, delay) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("kline fetch for %s %s: %w", symbol, interval, lastErr)
}

// isTimeout reports whether err is a read/connect timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// parseKlines decodes the raw kline rows:
// [openTime, open, high, low, close, volume, closeTime, ...].
func parseKlines(body []byte) ([]Kline, error) {
	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parsing klines: %w", err)
	}

	klines := make([]Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		k := Kline{
			OpenTime:  asInt64(row[0]),
			CloseTime: asInt64(row[6]),
		}
		var err error
		if k.Open, err = asDecimal(row[1]); err != nil {
			return nil, fmt.Errorf("parsing kline open: %w", err)
		}
		if k.High, err = asDecimal(row[2]); err != nil {
			return nil, fmt.Errorf("parsing kline high: %w", err)
		}
		if k.Low, err = asDecimal(row[3]); err != nil {
			return nil, fmt.Errorf("parsing kline low: %w", err)
		}
		if k.Close, err = asDecimal(row[4]); err != nil {
			return nil, fmt.Errorf("parsing kline close: %w", err)
		}
		if k.Volume, err = asDecimal(row[5]); err != nil {
			return nil, fmt.Errorf("parsing kline volume: %w", err)
		}
		klines = append(klines, k)
	}
	return klines, nil
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case json.Number:
		n, _ := t.Int64()
		return n
	}
	return 0
}

func asDecimal(v interface{}) (decimal.Decimal, error) {
	switch t := v.(type) {
	case string:
		return decimal.NewFromString(t)
	case float64:
		return decimal.NewFromFloat(t), nil
	}
	return decimal.Zero, fmt.Errorf("unexpected kline field type %T", v)
}
