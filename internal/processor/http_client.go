package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"fleetfare/internal/config"
)

// HTTPClient talks to the processor's REST API. Every call carries the
// configured timeout; a timeout surfaces as a retryable Error, never as
// success.
type HTTPClient struct {
	cfg  config.ProcessorConfig
	http *http.Client
}

func NewHTTPClient(cfg config.ProcessorConfig) *HTTPClient {
	return &HTTPClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type captureRequest struct {
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	PaymentMethodRef string          `json:"payment_method_ref"`
}

type captureResponse struct {
	ProcessorRef string `json:"processor_ref"`
	Status       string `json:"status"`
	Reason       string `json:"reason"`
}

type refundRequest struct {
	ProcessorRef string          `json:"processor_ref"`
	Amount       decimal.Decimal `json:"amount"`
}

type refundResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (c *HTTPClient) Capture(ctx context.Context, amount decimal.Decimal, currency, paymentMethodRef string) (CaptureResult, error) {
	var resp captureResponse
	err := c.post(ctx, "/v1/captures", captureRequest{
		Amount:           amount,
		Currency:         currency,
		PaymentMethodRef: paymentMethodRef,
	}, &resp)
	if err != nil {
		return CaptureResult{}, err
	}
	if resp.Status != "succeeded" {
		return CaptureResult{}, &Error{Retryable: false, Reason: nonEmpty(resp.Reason, "capture "+resp.Status)}
	}
	return CaptureResult{ProcessorRef: resp.ProcessorRef, Status: resp.Status}, nil
}

func (c *HTTPClient) Refund(ctx context.Context, processorRef string, amount decimal.Decimal) (RefundResult, error) {
	var resp refundResponse
	err := c.post(ctx, "/v1/refunds", refundRequest{ProcessorRef: processorRef, Amount: amount}, &resp)
	if err != nil {
		return RefundResult{}, err
	}
	if resp.Status != "succeeded" {
		return RefundResult{}, &Error{Retryable: false, Reason: nonEmpty(resp.Reason, "refund "+resp.Status)}
	}
	return RefundResult{Status: resp.Status}, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		// network error or timeout: the processor may or may not have seen
		// the request, so the caller must retry with the same operation id
		return &Error{Retryable: true, Reason: err.Error()}
	}
	defer res.Body.Close()

	if res.StatusCode >= 500 {
		return &Error{Retryable: true, Reason: fmt.Sprintf("processor returned %d", res.StatusCode)}
	}
	if res.StatusCode >= 400 {
		var e struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(res.Body).Decode(&e)
		return &Error{Retryable: false, Reason: nonEmpty(e.Reason, fmt.Sprintf("processor returned %d", res.StatusCode))}
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &Error{Retryable: true, Reason: "malformed processor response"}
	}
	return nil
}

func nonEmpty(s, def string) string {
	if s != "" {
		return s
	}
	return def
}

var _ Client = (*HTTPClient)(nil)
