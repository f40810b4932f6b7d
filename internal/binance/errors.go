package binance

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Exchange error codes the client handles specially.
const (
	CodeTimestampOutOfWindow = -1021
	CodeTooManyRequests      = -1003
	CodeOrderWouldTrigger    = -2021
	CodeUnknownOrder         = -2011
	CodeReduceOnlyRejected   = -2022
	CodePostOnlyWouldCross   = -5022
)

// APIError is a non-2xx response from the exchange, carrying the HTTP
// status and the Binance error payload when one was present.
type APIError struct {
	Status int
	Code   int
	Msg    string
	Body   string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("binance: status %d code %d: %s", e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("binance: status %d: %s", e.Status, e.Body)
}

// newAPIError parses the response body for {"code":...,"msg":...}. Bodies
// that are not JSON still produce a usable error.
func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status, Body: string(body)}
	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		apiErr.Code = payload.Code
		apiErr.Msg = payload.Msg
	}
	return apiErr
}

// IsTimestampSkew reports whether the request was rejected for a timestamp
// outside the recv window (requires a time resync).
func (e *APIError) IsTimestampSkew() bool {
	return e.Code == CodeTimestampOutOfWindow
}

// IsRateLimited reports whether the exchange asked us to slow down.
func (e *APIError) IsRateLimited() bool {
	return e.Status == 429 || e.Code == CodeTooManyRequests
}

// IsIPBan reports whether the IP is banned (HTTP 418).
func (e *APIError) IsIPBan() bool {
	return e.Status == 418
}

var banUntilRe = regexp.MustCompile(`banned until (\d+)`)

// BanUntil extracts the absolute ban-expiry timestamp from a 418 message.
// Returns the zero time when no timestamp is present.
func (e *APIError) BanUntil() time.Time {
	m := banUntilRe.FindStringSubmatch(e.Msg)
	if m == nil {
		m = banUntilRe.FindStringSubmatch(e.Body)
	}
	if m == nil {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// AsAPIError unwraps err to an *APIError if one is in the chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
