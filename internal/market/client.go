// Package market is the HTTP client for the external single-ingredient buy
// endpoint. The market may sell less than asked, sell nothing, stall, or
// error; only transport and status failures surface as errors.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Buy asks the market for an ingredient and returns the quantity sold. A
// zero sale is a normal outcome with a nil error.
func (c *Client) Buy(ctx context.Context, ingredient string) (int, error) {
	u := fmt.Sprintf("%s/buy?%s", c.baseURL, url.Values{"ingredient": {ingredient}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("build market request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("market call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("market returned status %d", resp.StatusCode)
	}

	var body struct {
		QuantitySold int `json:"quantitySold"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode market response: %w", err)
	}
	if body.QuantitySold < 0 {
		return 0, fmt.Errorf("market sold negative quantity %d", body.QuantitySold)
	}
	return body.QuantitySold, nil
}
