// Package paypal is a minimal client for the two PayPal endpoints purchase
// confirmation needs: the OAuth token grant and the checkout order lookup.
// The client never captures or refunds; it only reads an order's state.
package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/funhub-backend/internal/config"
)

const (
	sandboxBaseURL = "https://api-m.sandbox.paypal.com"
	liveBaseURL    = "https://api-m.paypal.com"
)

// Client talks to the PayPal REST API using client-credentials OAuth. The
// access token is cached until shortly before its expiry.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	logger       *slog.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewClient builds a client from configuration. BaseURL in the config wins
// over the Live flag; both unset means sandbox.
func NewClient(cfg config.PayPalConfig, logger *slog.Logger) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = sandboxBaseURL
		if cfg.Live {
			base = liveBaseURL
		}
	}
	return &Client{
		baseURL:      strings.TrimSuffix(base, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		logger:       logger,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type orderResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		Amount struct {
			Value        string `json:"value"`
			CurrencyCode string `json:"currency_code"`
		} `json:"amount"`
	} `json:"purchase_units"`
}

// VerifyOrder fetches the order and returns the captured amount in cents.
// Any state other than COMPLETED is an error; the ledger treats every error
// here as a failed verification.
func (c *Client) VerifyOrder(ctx context.Context, orderID string) (int64, error) {
	token, err := c.token(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquiring access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v2/checkout/orders/"+url.PathEscape(orderID), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetching order: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("order %s not found", orderID)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("order lookup returned %d: %s", resp.StatusCode, body)
	}

	var order orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return 0, fmt.Errorf("decoding order: %w", err)
	}
	if order.Status != "COMPLETED" {
		return 0, fmt.Errorf("order %s has status %s", orderID, order.Status)
	}
	if len(order.PurchaseUnits) == 0 {
		return 0, fmt.Errorf("order %s has no purchase units", orderID)
	}

	value, err := strconv.ParseFloat(order.PurchaseUnits[0].Amount.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing order amount %q: %w", order.PurchaseUnits[0].Amount.Value, err)
	}
	cents := int64(math.Round(value * 100))

	c.logger.Debug("paypal order verified",
		"order_id", orderID,
		"amount_cents", cents,
		"currency", order.PurchaseUnits[0].Amount.CurrencyCode,
	)
	return cents, nil
}

// token returns a cached OAuth access token, refreshing it when it is
// within a minute of expiring. The cache is read and written under the
// mutex, but the grant request itself runs outside it so concurrent
// verifications never serialize behind a slow refresh. Overlapping
// refreshes are harmless; the last writer wins.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached, expiry := c.accessToken, c.tokenExpiry
	c.mu.Unlock()

	if cached != "" && time.Now().Before(expiry.Add(-time.Minute)) {
		return cached, nil
	}

	form := strings.NewReader("grant_type=client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/oauth2/token", form)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("token grant returned %d: %s", resp.StatusCode, body)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token grant returned an empty token")
	}

	c.mu.Lock()
	c.accessToken = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	c.mu.Unlock()

	return tok.AccessToken, nil
}
