// Package zarinpal implements the direct-debit gateway client against the
// zarinpal payman API.
package zarinpal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/rebill/internal/gateway/domain"
)

// Config configures the zarinpal client.
type Config struct {
	BaseURL    string
	MerchantID string
	// Timeout bounds every gateway call so a slow charge cannot overrun the
	// billing run budget by more than one call.
	Timeout time.Duration
}

type Client struct {
	baseURL    string
	merchantID string
	http       *http.Client
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.MerchantID) == "" {
		return nil, domain.ErrInvalidConfig
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, domain.ErrInvalidConfig
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		merchantID: cfg.MerchantID,
		http:       &http.Client{Timeout: timeout},
	}, nil
}

type paymentRequestBody struct {
	MerchantID  string            `json:"merchant_id"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	CallbackURL string            `json:"callback_url"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type paymentRequestResponse struct {
	Data struct {
		Code      int    `json:"code"`
		Authority string `json:"authority"`
		Message   string `json:"message"`
	} `json:"data"`
}

func (c *Client) RequestPaymentIntent(ctx context.Context, req domain.IntentRequest) (*domain.Intent, error) {
	metadata := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	// Correlates the gateway-side request with our payment attempt.
	metadata["request_id"] = uuid.NewString()

	var body paymentRequestResponse
	err := c.post(ctx, "/pg/v4/payment/request.json", paymentRequestBody{
		MerchantID:  c.merchantID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		CallbackURL: req.CallbackURL,
		Metadata:    metadata,
	}, &body)
	if err != nil {
		return nil, err
	}
	if body.Data.Code != domain.CodeSuccess || body.Data.Authority == "" {
		return nil, fmt.Errorf("%w: payment request code %d: %s",
			domain.ErrUnavailable, body.Data.Code, body.Data.Message)
	}
	return &domain.Intent{Authority: body.Data.Authority}, nil
}

type directDebitBody struct {
	MerchantID string `json:"merchant_id"`
	Authority  string `json:"authority"`
	Signature  string `json:"signature"`
}

type directDebitResponse struct {
	Data struct {
		Code    int    `json:"code"`
		RefID   string `json:"ref_id"`
		Message string `json:"message"`
	} `json:"data"`
}

func (c *Client) ExecuteDirectDebit(ctx context.Context, authority, contractSignature string) (*domain.ChargeResult, error) {
	var body directDebitResponse
	err := c.post(ctx, "/pg/v4/payman/checkout.json", directDebitBody{
		MerchantID: c.merchantID,
		Authority:  authority,
		Signature:  contractSignature,
	}, &body)
	if err != nil {
		return nil, err
	}
	return &domain.ChargeResult{
		Code:    body.Data.Code,
		RefID:   body.Data.RefID,
		Message: body.Data.Message,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, in any, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", domain.ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", domain.ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", domain.ErrUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrUnavailable, err)
	}
	return nil
}
