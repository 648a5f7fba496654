package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeConnector emulates the Open Payments surface the client talks to:
// wallet-address discovery, GNAP grants, incoming payments, quotes, and
// outgoing payments. When interactive is true, the outgoing-payment grant
// returns a redirect + continuation instead of a token.
type fakeConnector struct {
	srv         *httptest.Server
	interactive bool

	mu     sync.Mutex
	grants []map[string]any // bodies of grant requests, in order
	posts  map[string][]map[string]any
}

func newFakeConnector(t *testing.T, interactive bool) *fakeConnector {
	t.Helper()
	f := &fakeConnector{interactive: interactive, posts: map[string][]map[string]any{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/wallets/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(walletAddress{
			ID:             f.srv.URL + r.URL.Path,
			AuthServer:     f.srv.URL + "/auth",
			ResourceServer: f.srv.URL + "/rs",
			AssetCode:      "USD",
			AssetScale:     2,
		})
	})
	mux.HandleFunc("/auth/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.grants = append(f.grants, body)
		f.mu.Unlock()

		if f.interactive && grantAccessType(body) == "outgoing-payment" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"interact": map[string]any{"redirect": f.srv.URL + "/interact/xyz"},
				"continue": map[string]any{
					"uri":          f.srv.URL + "/continue/xyz",
					"access_token": map[string]any{"value": "cont-token"},
				},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": map[string]any{"value": "tok-" + grantAccessType(body)},
		})
	})
	mux.HandleFunc("/continue/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.posts["continue"] = append(f.posts["continue"], body)
		f.mu.Unlock()
		if r.Header.Get("Authorization") != "GNAP cont-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": map[string]any{"value": "tok-continued"},
		})
	})
	mux.HandleFunc("/rs/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		kind := strings.TrimPrefix(r.URL.Path, "/rs/")
		f.mu.Lock()
		f.posts[kind] = append(f.posts[kind], body)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"id": f.srv.URL + "/rs/" + kind + "/id-1"})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// grantAccessType digs the access type out of a GNAP grant request body.
func grantAccessType(body map[string]any) string {
	at, _ := body["access_token"].(map[string]any)
	list, _ := at["access"].([]any)
	if len(list) == 0 {
		return ""
	}
	entry, _ := list[0].(map[string]any)
	s, _ := entry["type"].(string)
	return s
}

func newTestClient(t *testing.T, f *fakeConnector) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		PoolWallet: f.srv.URL + "/wallets/pool",
		Timeout:    5 * time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(ClientConfig{}, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for missing pool wallet")
	}
	if _, err := NewClient(ClientConfig{
		PoolWallet:     "https://wallet.example/pool",
		PrivateKeyPath: "/does/not/exist.key",
	}, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for unreadable private key")
	}

	c, err := NewClient(ClientConfig{PoolWallet: "https://wallet.example/pool"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.http.Timeout != 30*time.Second {
		t.Fatalf("default timeout = %v", c.http.Timeout)
	}
	if c.PoolWallet() != "https://wallet.example/pool" {
		t.Fatalf("PoolWallet() = %q", c.PoolWallet())
	}
}

func TestClient_Transfer_Settles(t *testing.T) {
	f := newFakeConnector(t, false)
	c := newTestClient(t, f)

	res, err := c.Transfer(context.Background(), f.srv.URL+"/wallets/alice", f.srv.URL+"/wallets/bob", 150, "round 1 contribution")
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if !res.Settled || res.Pending() {
		t.Fatalf("expected settled result: %+v", res)
	}
	if !strings.Contains(res.Reference, "outgoing-payments") {
		t.Fatalf("reference = %q", res.Reference)
	}

	// Incoming payment carries the amount and memo
	in := f.posts["incoming-payments"]
	if len(in) != 1 {
		t.Fatalf("incoming payments = %d", len(in))
	}
	amt, _ := in[0]["incomingAmount"].(map[string]any)
	if amt["value"] != "150" {
		t.Fatalf("incoming value = %v", amt["value"])
	}
	meta, _ := in[0]["metadata"].(map[string]any)
	if meta["description"] != "round 1 contribution" {
		t.Fatalf("memo = %v", meta["description"])
	}

	// Grant sequence: incoming, quote, outgoing
	if len(f.grants) != 3 {
		t.Fatalf("grants = %d", len(f.grants))
	}
	if grantAccessType(f.grants[0]) != "incoming-payment" ||
		grantAccessType(f.grants[1]) != "quote" ||
		grantAccessType(f.grants[2]) != "outgoing-payment" {
		t.Fatalf("unexpected grant order")
	}
	// Outgoing grant asks for redirect interaction
	if _, ok := f.grants[2]["interact"]; !ok {
		t.Fatalf("outgoing grant missing interact block")
	}
}

func TestClient_Transfer_PendingInteraction(t *testing.T) {
	f := newFakeConnector(t, true)
	c := newTestClient(t, f)

	res, err := c.Transfer(context.Background(), f.srv.URL+"/wallets/alice", f.srv.URL+"/wallets/bob", 100, "memo")
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if !res.Pending() {
		t.Fatalf("expected pending result: %+v", res)
	}
	if res.AuthorizationURL == "" || res.ContinueURI == "" || res.ContinueToken != "cont-token" {
		t.Fatalf("continuation handle incomplete: %+v", res)
	}
	if !strings.Contains(res.QuoteID, "quotes") {
		t.Fatalf("quote id = %q", res.QuoteID)
	}
	// No outgoing payment yet
	if len(f.posts["outgoing-payments"]) != 0 {
		t.Fatalf("outgoing payment created before authorization")
	}
}

func TestClient_ContinueTransfer(t *testing.T) {
	f := newFakeConnector(t, true)
	c := newTestClient(t, f)

	// Incomplete handle is rejected without network traffic
	if _, err := c.ContinueTransfer(context.Background(), ContinueRequest{}); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}

	pending, err := c.Transfer(context.Background(), f.srv.URL+"/wallets/alice", f.srv.URL+"/wallets/bob", 100, "memo")
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	res, err := c.ContinueTransfer(context.Background(), ContinueRequest{
		SourceWallet:  f.srv.URL + "/wallets/alice",
		ContinueURI:   pending.ContinueURI,
		ContinueToken: pending.ContinueToken,
		QuoteID:       pending.QuoteID,
		Proof:         "interact-ref-1",
	})
	if err != nil {
		t.Fatalf("ContinueTransfer: %v", err)
	}
	if !res.Settled || res.Reference == "" {
		t.Fatalf("expected settled continuation: %+v", res)
	}

	// Proof forwarded as interact_ref
	conts := f.posts["continue"]
	if len(conts) != 1 || conts[0]["interact_ref"] != "interact-ref-1" {
		t.Fatalf("continue body = %+v", conts)
	}
	// The outgoing payment references the original quote
	outs := f.posts["outgoing-payments"]
	if len(outs) != 1 || outs[0]["quoteId"] != pending.QuoteID {
		t.Fatalf("outgoing body = %+v", outs)
	}
}

func TestClient_Transfer_WalletLookupFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{PoolWallet: srv.URL + "/wallets/pool", Timeout: time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.Transfer(context.Background(), srv.URL+"/a", srv.URL+"/b", 10, ""); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
}
