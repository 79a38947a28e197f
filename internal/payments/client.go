package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Order status values reported by the processor's query API.
const (
	OrderPaid     = "paid"
	OrderPending  = "pending_payment"
	OrderDeclined = "declined"
	OrderExpired  = "expired"
)

// Order is the processor's view of one payment order.
type Order struct {
	ID          string `json:"id"`
	Status      string `json:"payment_status"`
	AmountCents int64  `json:"amount"`
}

// Client queries the payment processor directly, bypassing webhooks. Used by
// the recovery sweep to determine true payment state when a webhook never
// arrived or was lost.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// GetOrder fetches the current state of an order from the processor.
func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	url := fmt.Sprintf("%s/orders/%s", c.baseURL, orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Order{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Order{}, fmt.Errorf("query order %s: %w", orderID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return Order{}, fmt.Errorf("query order %s: status %d", orderID, resp.StatusCode)
	}

	var order Order
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return Order{}, fmt.Errorf("decode order %s: %w", orderID, err)
	}
	return order, nil
}
