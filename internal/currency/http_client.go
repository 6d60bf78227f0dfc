package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"time"
)

// HTTPConverter queries an exchange-rate service over HTTP.
type HTTPConverter struct {
	baseURL string
	from    string
	to      string
	client  *http.Client
}

type rateResponse struct {
	Rate float64 `json:"rate"`
}

func NewHTTPConverter(baseURL, from, to string, timeout time.Duration) *HTTPConverter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPConverter{
		baseURL: baseURL,
		from:    from,
		to:      to,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPConverter) Convert(ctx context.Context, amount int64) (*Conversion, error) {
	endpoint := fmt.Sprintf("%s/v1/rates?%s", c.baseURL, url.Values{
		"from": {c.from},
		"to":   {c.to},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("currency: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("currency: rate lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("currency: rate lookup status %d", resp.StatusCode)
	}

	var body rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("currency: decode rate: %w", err)
	}
	if body.Rate <= 0 {
		return nil, ErrInvalidRate
	}

	return &Conversion{
		Amount:   int64(math.Round(float64(amount) * body.Rate)),
		Rate:     body.Rate,
		Currency: c.to,
	}, nil
}
