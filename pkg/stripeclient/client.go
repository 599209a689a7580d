/**
 * @description
 * This package provides a client for creating Stripe transfers to connected
 * accounts. It encapsulates authenticated form-encoded requests to the
 * /v1/transfers endpoint, amount conversion to the smallest currency unit,
 * and a dry-run mode in which no external call is made.
 *
 * @dependencies
 * - github.com/google/uuid: Idempotency keys for transfer creation.
 * - github.com/shopspring/decimal: Exact monetary amounts.
 */
package stripeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const defaultBaseURL = "https://api.stripe.com"

// Client is a client for the Stripe transfers API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	secretKey           string
	currency            string
	dryRun              bool
	transferDescription string
}

// NewClient creates a new Stripe client. When no secret key is provided the
// client forces dry-run mode so a misconfigured run can never move money.
func NewClient(secretKey, currency string, dryRun bool, transferDescription string) *Client {
	c := &Client{
		BaseURL: defaultBaseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		secretKey:           secretKey,
		currency:            strings.ToLower(currency),
		dryRun:              dryRun,
		transferDescription: transferDescription,
	}
	if secretKey == "" {
		log.Println("stripe secret key not provided; forcing dry-run mode")
		c.dryRun = true
	}
	return c
}

// DryRun reports whether the client simulates transfers instead of sending them.
func (c *Client) DryRun() bool {
	return c.dryRun
}

// TransferRequest describes one transfer to a connected account.
type TransferRequest struct {
	Amount             decimal.Decimal
	Currency           string // optional; defaults to the client's configured currency
	DestinationAccount string
	Metadata           map[string]string
}

// TransferResult is the outcome of a transfer attempt. TransferID is empty for
// dry runs.
type TransferResult struct {
	Amount      decimal.Decimal
	Currency    string
	Destination string
	TransferID  string
	DryRun      bool
}

// transferResponse is the subset of Stripe's transfer object we consume.
type transferResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateTransfer creates a transfer to a connected account. The orchestrator
// never calls this with a non-positive amount; if it happens anyway, a simulated
// result is returned without any external call.
func (c *Client) CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = c.currency
	}
	result := &TransferResult{
		Amount:      req.Amount,
		Currency:    currency,
		Destination: req.DestinationAccount,
	}

	if !req.Amount.IsPositive() {
		log.Printf("skipping stripe transfer to %s because amount is %s", req.DestinationAccount, req.Amount)
		result.DryRun = true
		return result, nil
	}
	if c.dryRun {
		result.DryRun = true
		return result, nil
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(toSmallestUnit(req.Amount), 10))
	form.Set("currency", currency)
	form.Set("destination", req.DestinationAccount)
	if c.transferDescription != "" {
		form.Set("description", c.transferDescription)
	}
	for key, value := range req.Metadata {
		form.Set("metadata["+key+"]", value)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/transfers", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.secretKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transfer request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read transfer response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr errorResponse
		if jsonErr := json.Unmarshal(body, &apiErr); jsonErr == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("stripe transfer rejected: %s (%s)", apiErr.Error.Message, apiErr.Error.Type)
		}
		return nil, fmt.Errorf("stripe transfer failed with status %d", resp.StatusCode)
	}

	var transfer transferResponse
	if err := json.Unmarshal(body, &transfer); err != nil {
		return nil, fmt.Errorf("failed to decode transfer response: %w", err)
	}
	result.TransferID = transfer.ID
	return result, nil
}

// toSmallestUnit converts a 2-decimal amount to integer cents.
func toSmallestUnit(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
