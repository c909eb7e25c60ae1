package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/funhub-backend/internal/config"
)

// fakePayPal stands in for the sandbox API: one token grant endpoint and a
// map of canned orders keyed by ID.
type fakePayPal struct {
	tokenGrants atomic.Int64
	orders      map[string]string // order ID -> JSON body
}

func (f *fakePayPal) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client-id" || pass != "client-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "grant_type=client_credentials") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.tokenGrants.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "live-token",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/v2/checkout/orders/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer live-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/v2/checkout/orders/")
		body, ok := f.orders[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, body)
	})
	return mux
}

func orderBody(id, status, value string) string {
	return fmt.Sprintf(`{"id":%q,"status":%q,"purchase_units":[{"amount":{"value":%q,"currency_code":"USD"}}]}`, id, status, value)
}

func newTestClient(t *testing.T, fake *fakePayPal) *Client {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	return NewClient(config.PayPalConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		BaseURL:      srv.URL,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestVerifyOrderCompleted(t *testing.T) {
	fake := &fakePayPal{orders: map[string]string{
		"ord-1": orderBody("ord-1", "COMPLETED", "7.99"),
	}}
	client := newTestClient(t, fake)

	cents, err := client.VerifyOrder(context.Background(), "ord-1")
	if err != nil {
		t.Fatalf("VerifyOrder: %v", err)
	}
	if cents != 799 {
		t.Errorf("cents = %d, want 799", cents)
	}
}

func TestVerifyOrderNotCompleted(t *testing.T) {
	fake := &fakePayPal{orders: map[string]string{
		"ord-2": orderBody("ord-2", "CREATED", "7.99"),
	}}
	client := newTestClient(t, fake)

	if _, err := client.VerifyOrder(context.Background(), "ord-2"); err == nil {
		t.Error("expected error for non-completed order")
	}
}

func TestVerifyOrderNotFound(t *testing.T) {
	client := newTestClient(t, &fakePayPal{orders: map[string]string{}})

	if _, err := client.VerifyOrder(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown order")
	}
}

func TestTokenCached(t *testing.T) {
	fake := &fakePayPal{orders: map[string]string{
		"ord-3": orderBody("ord-3", "COMPLETED", "1.99"),
		"ord-4": orderBody("ord-4", "COMPLETED", "12.90"),
	}}
	client := newTestClient(t, fake)

	if _, err := client.VerifyOrder(context.Background(), "ord-3"); err != nil {
		t.Fatalf("first VerifyOrder: %v", err)
	}
	cents, err := client.VerifyOrder(context.Background(), "ord-4")
	if err != nil {
		t.Fatalf("second VerifyOrder: %v", err)
	}
	if cents != 1290 {
		t.Errorf("cents = %d, want 1290", cents)
	}
	if got := fake.tokenGrants.Load(); got != 1 {
		t.Errorf("token grants = %d, want 1 (token should be cached)", got)
	}
}

func TestTokenRefreshDoesNotSerializeVerifications(t *testing.T) {
	var inFlight, maxInFlight atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "live-token",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/v2/checkout/orders/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, orderBody("ord-c", "COMPLETED", "1.00"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewClient(config.PayPalConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		BaseURL:      srv.URL,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.VerifyOrder(context.Background(), "ord-c"); err != nil {
				t.Errorf("VerifyOrder: %v", err)
			}
		}()
	}
	wg.Wait()

	// A slow token grant must not serialize concurrent verifications
	if maxInFlight.Load() < 2 {
		t.Errorf("token grants serialized, max in-flight = %d", maxInFlight.Load())
	}
}

func TestBadCredentials(t *testing.T) {
	fake := &fakePayPal{orders: map[string]string{}}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	client := NewClient(config.PayPalConfig{
		ClientID:     "wrong",
		ClientSecret: "wrong",
		BaseURL:      srv.URL,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if _, err := client.VerifyOrder(context.Background(), "ord-x"); err == nil {
		t.Error("expected error when token grant fails")
	}
}
