// Package binance implements the signed REST and websocket transport to
// the USDⓈ-M perpetual futures API: market data, account state, order
// lifecycle, user-data listen keys. All money values are decimals; request
// signing, server-time skew correction and rate-limit/ban backoff live
// here so callers never retry on their own.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// FuturesBaseURL is the production futures REST endpoint.
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet futures REST endpoint.
	FuturesTestnetURL = "https://testnet.binancefuture.com"
	// FuturesWSBaseURL is the production market/user stream endpoint.
	FuturesWSBaseURL = "wss://fstream.binance.com"
	// FuturesTestnetWSURL is the testnet stream endpoint.
	FuturesTestnetWSURL = "wss://stream.binancefuture.com"
)

const (
	maxAttempts    = 5
	baseRetryDelay = 500 * time.Millisecond
	maxRateDelay   = 60 * time.Second
	maxBanSleep    = 120 * time.Second
	recvWindow     = "60000"
)

// Client is the exchange transport. Safe for concurrent use; the time
// offset is atomic and the HTTP client pools connections.
type Client struct {
	apiKey    string
	secretKey string
	baseURL   string
	wsBaseURL string

	httpClient *http.Client
	limiter    *rateLimiter

	// timeOffset is serverTime − localTime in milliseconds; every signed
	// request reads it afresh.
	timeOffset atomic.Int64

	logger zerolog.Logger
}

// NewClient creates a futures REST client. Keys are trimmed because
// trailing whitespace breaks signature generation.
func NewClient(apiKey, secretKey string, testnet bool, logger zerolog.Logger) *Client {
	baseURL := FuturesBaseURL
	wsBaseURL := FuturesWSBaseURL
	if testnet {
		baseURL = FuturesTestnetURL
		wsBaseURL = FuturesTestnetWSURL
	}

	return &Client{
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		baseURL:    baseURL,
		wsBaseURL:  wsBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    newRateLimiter(2400, logger),
		logger:     logger.With().Str("component", "ExchangeClient").Logger(),
	}
}

// SetBaseURL overrides the REST endpoint (test support).
func (c *Client) SetBaseURL(u string) { c.baseURL = u }

// SetWSBaseURL overrides the stream endpoint (test support).
func (c *Client) SetWSBaseURL(u string) { c.wsBaseURL = u }

// StreamURL returns the websocket URL for a raw stream name such as
// "btcusdt@kline_1m" or a listen key.
func (c *Client) StreamURL(stream string) string {
	return c.wsBaseURL + "/ws/" + stream
}

// TimeOffset returns the current server-time offset in milliseconds.
func (c *Client) TimeOffset() int64 { return c.timeOffset.Load() }

// timestamp returns the skew-corrected timestamp for signed requests.
func (c *Client) timestamp() int64 {
	return time.Now().UnixMilli() + c.timeOffset.Load()
}

// SyncTime measures the server-time offset. The server sample is bracketed
// by two local samples so one-way latency cancels out:
//
//	offset = server − (t_before + t_after) / 2
func (c *Client) SyncTime(ctx context.Context) error {
	tBefore := time.Now().UnixMilli()
	body, err := c.publicGet(ctx, "/fapi/v1/time", nil, PriorityHigh)
	if err != nil {
		return fmt.Errorf("time sync: %w", err)
	}
	tAfter := time.Now().UnixMilli()

	var st ServerTime
	if err := unmarshal(body, &st); err != nil {
		return fmt.Errorf("time sync: %w", err)
	}

	offset := st.ServerTime - (tBefore+tAfter)/2
	c.timeOffset.Store(offset)
	c.logger.Debug().
		Int64("offset_ms", offset).
		Msg("server time synchronized")
	return nil
}

// sign creates the HMAC-SHA256 hex signature for the query string.
func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// encodeParams produces the canonical sorted-key encoding. The signature
// is computed over this exact string and the same string is sent, so the
// two can never diverge.
func encodeParams(params map[string]string) string {
	values := url.Values{}
	for k, v := range params {
		if k != "signature" {
			values.Set(k, v)
		}
	}
	return values.Encode()
}

// signParams appends the signature to the canonical encoding.
func (c *Client) signParams(params map[string]string) string {
	query := encodeParams(params)
	return query + "&signature=" + c.sign(query)
}

// signedRequest performs a signed call with the classified retry policy:
// timestamp-skew responses trigger a resync, 418 sleeps out the reported
// ban, 429/-1003 backs off capped at a minute, and anything else fails
// fast. The timestamp and recvWindow are refreshed before every attempt.
func (c *Client) signedRequest(ctx context.Context, method, endpoint string, params map[string]string, priority RequestPriority) ([]byte, error) {
	if params == nil {
		params = make(map[string]string)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !c.limiter.waitForSlot(endpoint, priority, 30*time.Second) {
			return nil, fmt.Errorf("%s %s: rate limit budget exhausted", method, endpoint)
		}

		params["timestamp"] = strconv.FormatInt(c.timestamp(), 10)
		params["recvWindow"] = recvWindow
		query := c.signParams(params)

		body, err := c.do(ctx, method, endpoint, query)
		if err == nil {
			return body, nil
		}
		lastErr = err

		apiErr, ok := AsAPIError(err)
		if !ok {
			// Transport-level failure: retry with plain exponential backoff.
			if !sleepCtx(ctx, backoffDelay(attempt)) {
				return nil, ctx.Err()
			}
			continue
		}

		switch {
		case apiErr.IsTimestampSkew():
			c.logger.Warn().
				Str("endpoint", endpoint).
				Int("attempt", attempt+1).
				Msg("timestamp outside recv window, resyncing server time")
			if syncErr := c.SyncTime(ctx); syncErr != nil {
				c.logger.Error().Err(syncErr).Msg("time resync failed")
			}
			if !sleepCtx(ctx, backoffDelay(attempt)) {
				return nil, ctx.Err()
			}
		case apiErr.IsIPBan():
			until := apiErr.BanUntil()
			c.limiter.recordBan(until)
			sleep := maxBanSleep
			if !until.IsZero() {
				sleep = time.Until(until) + time.Second
				if sleep > maxBanSleep {
					sleep = maxBanSleep
				}
				if sleep < 0 {
					sleep = time.Second
				}
			}
			c.logger.Warn().
				Str("endpoint", endpoint).
				Dur("sleep", sleep).
				Msg("IP banned by exchange, waiting out the ban")
			if !sleepCtx(ctx, sleep) {
				return nil, ctx.Err()
			}
		case apiErr.IsRateLimited():
			delay := baseRetryDelay * 2 * (1 << uint(attempt))
			if delay > maxRateDelay {
				delay = maxRateDelay
			}
			c.logger.Warn().
				Str("endpoint", endpoint).
				Dur("backoff", delay).
				Msg("rate limited, backing off")
			if !sleepCtx(ctx, delay) {
				return nil, ctx.Err()
			}
		default:
			// Classified as non-retryable: surface immediately.
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s %s: retries exhausted: %w", method, endpoint, lastErr)
}

// signedGet performs a signed GET.
func (c *Client) signedGet(ctx context.Context, endpoint string, params map[string]string, priority RequestPriority) ([]byte, error) {
	return c.signedRequest(ctx, http.MethodGet, endpoint, params, priority)
}

// signedPost performs a signed POST.
func (c *Client) signedPost(ctx context.Context, endpoint string, params map[string]string, priority RequestPriority) ([]byte, error) {
	return c.signedRequest(ctx, http.MethodPost, endpoint, params, priority)
}

// signedPut performs a signed PUT.
func (c *Client) signedPut(ctx context.Context, endpoint string, params map[string]string, priority RequestPriority) ([]byte, error) {
	return c.signedRequest(ctx, http.MethodPut, endpoint, params, priority)
}

// signedDelete performs a signed DELETE.
func (c *Client) signedDelete(ctx context.Context, endpoint string, params map[string]string, priority RequestPriority) ([]byte, error) {
	return c.signedRequest(ctx, http.MethodDelete, endpoint, params, priority)
}

// publicGet performs an unauthenticated GET with the same transport-level
// retry handling as signed calls.
func (c *Client) publicGet(ctx context.Context, endpoint string, params map[string]string, priority RequestPriority) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !c.limiter.waitForSlot(endpoint, priority, 30*time.Second) {
			return nil, fmt.Errorf("GET %s: rate limit budget exhausted", endpoint)
		}

		query := ""
		if len(params) > 0 {
			query = encodeParams(params)
		}

		body, err := c.do(ctx, http.MethodGet, endpoint, query)
		if err == nil {
			return body, nil
		}
		lastErr = err

		apiErr, ok := AsAPIError(err)
		if ok {
			switch {
			case apiErr.IsIPBan():
				c.limiter.recordBan(apiErr.BanUntil())
				fallthrough
			case apiErr.IsRateLimited():
				delay := baseRetryDelay * 2 * (1 << uint(attempt))
				if delay > maxRateDelay {
					delay = maxRateDelay
				}
				if !sleepCtx(ctx, delay) {
					return nil, ctx.Err()
				}
				continue
			default:
				return nil, err
			}
		}
		if !sleepCtx(ctx, backoffDelay(attempt)) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("GET %s: retries exhausted: %w", endpoint, lastErr)
}

// do executes one HTTP round trip. Signed GET/DELETE carry the query in
// the URL; POST/PUT carry it in the body, matching what was signed.
func (c *Client) do(ctx context.Context, method, endpoint, query string) ([]byte, error) {
	reqURL := c.baseURL + endpoint
	var reqBody io.Reader

	switch method {
	case http.MethodPost, http.MethodPut:
		reqBody = strings.NewReader(query)
	default:
		if query != "" {
			reqURL += "?" + query
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: reading response: %w", method, endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp.StatusCode, body)
	}
	return body, nil
}

// backoffDelay is base·2^attempt.
func backoffDelay(attempt int) time.Duration {
	return baseRetryDelay * (1 << uint(attempt))
}

// sleepCtx sleeps for d unless ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
