// Package facilitator is a typed HTTP client for the downstream settlement
// facilitator: /verify, /settle/batch, and /health (spec §4.4).
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker/v2"
)

// PaymentPayload is the opaque client-signed transfer authorization,
// decoded from the X-Payment request header.
type PaymentPayload = json.RawMessage

// PaymentRequirements describes the obligation the gateway issued in its
// 402 challenge.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Amount            string `json:"amount"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Asset             string `json:"asset"`
	PayTo             string `json:"payTo"`
	Resource          string `json:"resource"`
}

// VerifyResponse mirrors the facilitator's /verify response shape.
type VerifyResponse struct {
	IsValid            bool   `json:"isValid"`
	Reason             string `json:"reason,omitempty"`
	Message            string `json:"message,omitempty"`
	ActiveTransactions int    `json:"activeTransactions,omitempty"`
	MaxCapacity        int    `json:"maxCapacity,omitempty"`
}

// BatchItem is one entry of a /settle/batch request.
type BatchItem struct {
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// BatchResult is one entry of a /settle/batch response, positionally
// aligned with the request's Items slice.
type BatchResult struct {
	Index       int    `json:"index"`
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
	Error       string `json:"error,omitempty"`
}

// SettleBatchResponse mirrors the facilitator's /settle/batch response.
type SettleBatchResponse struct {
	Success      bool          `json:"success"`
	Results      []BatchResult `json:"results"`
	TotalSubmitted int         `json:"totalSubmitted"`
	TotalSuccess   int         `json:"totalSuccess"`
	TotalFailed    int         `json:"totalFailed"`
}

// Error is returned when a facilitator call fails in transport (including a
// 5xx status that persists through the retries, or an open breaker), with
// Reason "transport_error", or when the response body cannot be decoded,
// with Reason "malformed_response". A 4xx status whose body decodes, and a
// semantic rejection such as isValid=false, are not Errors: they come back
// in the decoded response.
type Error struct {
	StatusCode int
	Reason     string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("facilitator: %s (status %d): %s", e.Reason, e.StatusCode, e.Message)
}

// Client talks to the settlement facilitator over HTTP/JSON, wrapped in a
// circuit breaker and bounded retries for transient transport failures.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	retries uint
}

// Options configures a Client.
type Options struct {
	VerifyTimeout    time.Duration
	SettleTimeout    time.Duration
	MaxRetries       uint
	BreakerTimeout   time.Duration
	BreakerThreshold uint32
}

func (o *Options) setDefaults() {
	if o.VerifyTimeout <= 0 {
		o.VerifyTimeout = 60 * time.Second
	}
	if o.SettleTimeout <= 0 {
		o.SettleTimeout = 180 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 2
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 30 * time.Second
	}
	if o.BreakerThreshold == 0 {
		o.BreakerThreshold = 5
	}
}

// New constructs a Client bound to baseURL.
func New(baseURL string, opts Options) *Client {
	opts.setDefaults()
	settings := gobreaker.Settings{
		Name:        "facilitator",
		Timeout:     opts.BreakerTimeout,
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerThreshold
		},
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: opts.SettleTimeout},
		breaker: gobreaker.NewCircuitBreaker[[]byte](settings),
		retries: opts.MaxRetries,
	}
}

func (c *Client) post(ctx context.Context, path string, timeout time.Duration, body any) ([]byte, int, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("facilitator: encode request: %w", err)
	}

	var status int
	result, err := c.breaker.Execute(func() ([]byte, error) {
		var respBody []byte
		retryErr := retry.Do(
			func() error {
				reqCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()

				req, reqErr := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
				if reqErr != nil {
					return reqErr
				}
				req.Header.Set("Content-Type", "application/json")

				resp, doErr := c.http.Do(req)
				if doErr != nil {
					return doErr
				}
				defer resp.Body.Close()

				b, readErr := io.ReadAll(resp.Body)
				if readErr != nil {
					return readErr
				}
				status = resp.StatusCode
				respBody = b

				if resp.StatusCode >= 500 {
					return fmt.Errorf("facilitator: transient status %d", resp.StatusCode)
				}
				return nil
			},
			retry.Context(ctx),
			retry.Attempts(c.retries),
			retry.Delay(100*time.Millisecond),
			retry.DelayType(retry.BackOffDelay),
		)
		return respBody, retryErr
	})
	if err != nil {
		return nil, status, err
	}
	return result, status, nil
}

// Verify posts a payment authorization for verification.
func (c *Client) Verify(ctx context.Context, payload PaymentPayload, reqs PaymentRequirements) (*VerifyResponse, error) {
	body, status, err := c.post(ctx, "/verify", 60*time.Second, map[string]any{
		"paymentPayload":      payload,
		"paymentRequirements": reqs,
	})
	if err != nil {
		return nil, &Error{StatusCode: status, Reason: "transport_error", Message: err.Error()}
	}

	var out VerifyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &Error{StatusCode: status, Reason: "malformed_response", Message: err.Error()}
	}
	return &out, nil
}

// SettleBatch posts a coalesced batch of payments for settlement,
// waiting for on-chain confirmation before responding.
func (c *Client) SettleBatch(ctx context.Context, items []BatchItem) (*SettleBatchResponse, error) {
	body, status, err := c.post(ctx, "/settle/batch", 180*time.Second, map[string]any{
		"items":               items,
		"waitForConfirmation": true,
	})
	if err != nil {
		return nil, &Error{StatusCode: status, Reason: "transport_error", Message: err.Error()}
	}

	var out SettleBatchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &Error{StatusCode: status, Reason: "malformed_response", Message: err.Error()}
	}
	return &out, nil
}

// Health checks the facilitator's /health endpoint.
func (c *Client) Health(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator: health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facilitator: health check status %d", resp.StatusCode)
	}
	return nil
}
