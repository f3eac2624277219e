package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"marketmaker/internal/domain"
)

// ordersSnapshotBucket tunes the orders-snapshot call: a 5-burst allowance
// refilling at 1/sec, comfortably under any venue's REST throttle for a
// request issued only at startup and after each reconnection.
const (
	ordersSnapshotBurst = 5
	ordersSnapshotRate  = 1
)

// RESTClient issues the venue's orders-snapshot REST call, gated by its own
// token bucket and retrying on 5xx per the teacher's resty defaults.
type RESTClient struct {
	http    *resty.Client
	signer  *Signer
	limiter *TokenBucket
}

// NewRESTClient builds a resty client pointed at baseURL with the teacher's
// timeout/retry configuration (10s timeout, 3 retries, 500ms-5s backoff).
func NewRESTClient(baseURL string, signer *Signer) *RESTClient {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &RESTClient{http: http, signer: signer, limiter: NewTokenBucket(ordersSnapshotBurst, ordersSnapshotRate)}
}

type ordersSnapshotResponse struct {
	Orders []map[string]json.RawMessage `json:"orders"`
}

// RequestOrders performs GET /v1/orders?contract_code={symbol}, signs it with
// the HMAC signer, and returns the response's raw "orders" array;
// ParseOrdersSnapshotREST turns that into an ExchangeOrdersSnapshot.
func (c *RESTClient) RequestOrders(ctx context.Context, symbol string) (ordersSnapshotResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return ordersSnapshotResponse{}, fmt.Errorf("request orders: rate limit wait: %w", err)
	}

	path := fmt.Sprintf("/v1/orders?contract_code=%s", symbol)
	timestamp := time.Now().Unix()
	sig := c.signer.Sign(timestamp, "GET", path, nil)

	var out ordersSnapshotResponse
	resp, err := c.http.R().
		SetHeader("EMX-ACCESS-KEY", c.signer.APIKey).
		SetHeader("EMX-ACCESS-SIG", sig).
		SetHeader("EMX-ACCESS-TIMESTAMP", fmt.Sprintf("%d", timestamp)).
		SetResult(&out).
		Get(path)
	if err != nil {
		return ordersSnapshotResponse{}, fmt.Errorf("request orders: %w", err)
	}
	if resp.StatusCode() != 200 {
		return ordersSnapshotResponse{}, fmt.Errorf("request orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return out, nil
}

// ParseOrdersSnapshotREST decodes a REST orders-snapshot response with the
// same field mapping the WS dispatcher uses for the "snapshot" frame.
func (d *Dispatcher) ParseOrdersSnapshotREST(resp ordersSnapshotResponse) (*domain.ExchangeOrdersSnapshot, error) {
	raw, err := json.Marshal(resp.Orders)
	if err != nil {
		return nil, err
	}
	return d.parseOrdersSnapshot(raw)
}
