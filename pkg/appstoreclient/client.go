/**
 * @description
 * This package provides a client for the App Store Server API. It encapsulates
 * the logic for minting the ES256-signed API token, fetching a customer's
 * paginated transaction history, and decoding the signed transaction payloads
 * into a typed shape.
 *
 * @notes
 * - Signed payloads are decoded, not re-verified: signature authenticity is
 *   handled upstream by the notification pipeline that stores the original
 *   transaction ids this client is queried with.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: ES256 signing of the API token.
 * - github.com/shopspring/decimal: Exact carrying of reported prices.
 */
package appstoreclient

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
)

const (
	productionBaseURL = "https://api.storekit.itunes.apple.com"
	sandboxBaseURL    = "https://api.storekit-sandbox.itunes.apple.com"

	tokenAudience = "appstoreconnect-v1"
	tokenLifetime = 10 * time.Minute
)

// Environment selects which App Store backend a request is sent to.
type Environment string

const (
	EnvironmentProduction Environment = "Production"
	EnvironmentSandbox    Environment = "Sandbox"
)

// ResolveEnvironment maps the loosely-cased environment tags found in stored
// subscription blobs onto a backend. Unknown values default to production.
func ResolveEnvironment(value string) Environment {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "SANDBOX", "XCODE":
		return EnvironmentSandbox
	default:
		return EnvironmentProduction
	}
}

// DecodedTransaction is one purchase event decoded from a signed transaction.
type DecodedTransaction struct {
	OriginalTransactionID string
	TransactionID         string
	ProductID             string
	PurchaseDate          *time.Time
	ExpiresDate           *time.Time
	Currency              string
	Price                 *decimal.Decimal
	TransactionReason     string
	Environment           string
}

// Client is a client for the App Store Server API.
type Client struct {
	// Base URLs are exported so callers and tests can point the client at a stub.
	ProductionBaseURL string
	SandboxBaseURL    string
	HTTPClient        *http.Client

	issuerID   string
	keyID      string
	bundleID   string
	appAppleID string
	privateKey *ecdsa.PrivateKey
}

// NewClient creates a new App Store Server API client. The private key must be
// a PEM-encoded EC key as issued by App Store Connect.
func NewClient(issuerID, keyID, privateKeyPEM, bundleID, appAppleID string) (*Client, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse App Store private key: %w", err)
	}
	return &Client{
		ProductionBaseURL: productionBaseURL,
		SandboxBaseURL:    sandboxBaseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		issuerID:   issuerID,
		keyID:      keyID,
		bundleID:   bundleID,
		appAppleID: appAppleID,
		privateKey: key,
	}, nil
}

// token mints a short-lived ES256 bearer token for the API.
func (c *Client) token() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": c.issuerID,
		"iat": now.Unix(),
		"exp": now.Add(tokenLifetime).Unix(),
		"aud": tokenAudience,
		"bid": c.bundleID,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	t.Header["kid"] = c.keyID
	signed, err := t.SignedString(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign App Store API token: %w", err)
	}
	return signed, nil
}

// historyResponse is the wire shape of the transaction history endpoint.
type historyResponse struct {
	Revision           string   `json:"revision"`
	HasMore            bool     `json:"hasMore"`
	SignedTransactions []string `json:"signedTransactions"`
}

// signedTransactionPayload mirrors the JWS payload of a signed transaction.
// Timestamps are reported in milliseconds since the epoch.
type signedTransactionPayload struct {
	OriginalTransactionID string       `json:"originalTransactionId"`
	TransactionID         string       `json:"transactionId"`
	ProductID             string       `json:"productId"`
	PurchaseDate          int64        `json:"purchaseDate"`
	ExpiresDate           int64        `json:"expiresDate"`
	Currency              string       `json:"currency"`
	Price                 *json.Number `json:"price"`
	TransactionReason     string       `json:"transactionReason"`
	Environment           string       `json:"environment"`
}

// GetTransactionHistory fetches the full ordered transaction history for one
// original transaction id, following pagination until exhausted. Individual
// transactions that fail to decode are logged and skipped.
func (c *Client) GetTransactionHistory(ctx context.Context, originalTransactionID, environment string) ([]DecodedTransaction, error) {
	env := ResolveEnvironment(environment)
	base := c.ProductionBaseURL
	if env == EnvironmentSandbox {
		base = c.SandboxBaseURL
	}

	var transactions []DecodedTransaction
	revision := ""
	for {
		page, err := c.fetchHistoryPage(ctx, base, originalTransactionID, revision)
		if err != nil {
			return nil, err
		}
		for _, signed := range page.SignedTransactions {
			decoded, err := decodeSignedTransaction(signed, string(env))
			if err != nil {
				log.Printf("failed to decode transaction for originalTransactionId=%s: %v", originalTransactionID, err)
				continue
			}
			transactions = append(transactions, decoded)
		}
		if !page.HasMore || page.Revision == "" {
			break
		}
		revision = page.Revision
	}
	return transactions, nil
}

func (c *Client) fetchHistoryPage(ctx context.Context, base, originalTransactionID, revision string) (*historyResponse, error) {
	endpoint := fmt.Sprintf("%s/inApps/v1/history/%s?sort=ASCENDING", base, url.PathEscape(originalTransactionID))
	if revision != "" {
		endpoint += "&revision=" + url.QueryEscape(revision)
	}

	token, err := c.token()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create history request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read history response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history request for %s returned status %d: %s", originalTransactionID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var page historyResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to decode history response: %w", err)
	}
	return &page, nil
}

// decodeSignedTransaction extracts the payload segment of a JWS-encoded
// transaction and maps it onto a DecodedTransaction.
func decodeSignedTransaction(signed, fallbackEnvironment string) (DecodedTransaction, error) {
	parts := strings.Split(signed, ".")
	if len(parts) != 3 {
		return DecodedTransaction{}, fmt.Errorf("malformed signed transaction: expected 3 segments, got %d", len(parts))
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return DecodedTransaction{}, fmt.Errorf("failed to decode transaction payload: %w", err)
	}

	var payload signedTransactionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return DecodedTransaction{}, fmt.Errorf("failed to unmarshal transaction payload: %w", err)
	}

	decoded := DecodedTransaction{
		OriginalTransactionID: payload.OriginalTransactionID,
		TransactionID:         payload.TransactionID,
		ProductID:             payload.ProductID,
		Currency:              payload.Currency,
		TransactionReason:     payload.TransactionReason,
		Environment:           payload.Environment,
		PurchaseDate:          millisToTime(payload.PurchaseDate),
		ExpiresDate:           millisToTime(payload.ExpiresDate),
	}
	if decoded.Environment == "" {
		decoded.Environment = fallbackEnvironment
	}
	if payload.Price != nil {
		price, err := decimal.NewFromString(payload.Price.String())
		if err != nil {
			return DecodedTransaction{}, fmt.Errorf("unparseable price %q: %w", payload.Price.String(), err)
		}
		decoded.Price = &price
	}
	return decoded, nil
}

func millisToTime(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
