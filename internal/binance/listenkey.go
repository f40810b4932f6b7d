package binance

import (
	"context"
	"fmt"
)

// CreateListenKey opens a user-data stream and returns its key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.signedPost(ctx, "/fapi/v1/listenKey", nil, PriorityCritical)
	if err != nil {
		return "", fmt.Errorf("creating listen key: %w", err)
	}
	var lk ListenKey
	if err := unmarshal(body, &lk); err != nil {
		return "", err
	}
	if lk.ListenKey == "" {
		return "", fmt.Errorf("creating listen key: empty key in response")
	}
	return lk.ListenKey, nil
}

// KeepAliveListenKey extends the stream validity. Must be called at most
// 25 minutes apart or the exchange expires the key. Critical priority so
// an active IP ban on market data cannot starve the keepalive.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	params := map[string]string{"listenKey": listenKey}
	if _, err := c.signedPut(ctx, "/fapi/v1/listenKey", params, PriorityCritical); err != nil {
		return fmt.Errorf("keeping listen key alive: %w", err)
	}
	return nil
}

// CloseListenKey closes the user-data stream.
func (c *Client) CloseListenKey(ctx context.Context, listenKey string) error {
	params := map[string]string{"listenKey": listenKey}
	if _, err := c.signedDelete(ctx, "/fapi/v1/listenKey", params, PriorityCritical); err != nil {
		return fmt.Errorf("closing listen key: %w", err)
	}
	return nil
}
