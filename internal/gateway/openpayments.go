// Open Payments gateway implementation.
//
// This file implements PaymentGateway against an Open Payments connector:
// wallet-address discovery, GNAP grant negotiation, incoming payment, quote,
// and outgoing payment creation. An outgoing-payment grant that requires
// payer interaction surfaces as a pending TransferResult carrying the
// redirect URL and continuation handle.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// ClientConfig holds the connector-facing settings for the Open Payments
// client. PoolWallet is the server-owned wallet address that holds each
// round's pool; KeyID and PrivateKeyPath identify the key the connector
// signs requests with.
type ClientConfig struct {
	PoolWallet     string
	KeyID          string
	PrivateKeyPath string
	Timeout        time.Duration
}

// Client is the production PaymentGateway backed by an Open Payments
// connector. It is safe for concurrent use.
type Client struct {
	cfg  ClientConfig
	http *http.Client
	log  zerolog.Logger
}

// NewClient validates the configuration, verifies the signing key is
// readable, and returns a ready client.
func NewClient(cfg ClientConfig, log zerolog.Logger) (*Client, error) {
	if cfg.PoolWallet == "" {
		return nil, fmt.Errorf("open payments: pool wallet address required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PrivateKeyPath != "" {
		if _, err := os.Stat(cfg.PrivateKeyPath); err != nil {
			return nil, fmt.Errorf("open payments: private key: %w", err)
		}
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.With().Str("component", "openpayments").Logger(),
	}, nil
}

// PoolWallet returns the server-owned wallet address used as the pool.
func (c *Client) PoolWallet() string { return c.cfg.PoolWallet }

type walletAddress struct {
	ID             string `json:"id"`
	AuthServer     string `json:"authServer"`
	ResourceServer string `json:"resourceServer"`
	AssetCode      string `json:"assetCode"`
	AssetScale     int    `json:"assetScale"`
}

type grantResponse struct {
	AccessToken struct {
		Value string `json:"value"`
	} `json:"access_token"`
	Interact struct {
		Redirect string `json:"redirect"`
	} `json:"interact"`
	Continue struct {
		URI         string `json:"uri"`
		AccessToken struct {
			Value string `json:"value"`
		} `json:"access_token"`
	} `json:"continue"`
}

// finalized reports whether the grant already carries a usable token.
func (g *grantResponse) finalized() bool { return g.AccessToken.Value != "" }

type resourceResponse struct {
	ID string `json:"id"`
}

// Transfer moves amount from source to the destination wallet. The flow
// follows the Open Payments model: incoming payment on the receiving side,
// quote on the sending side, then an outgoing payment under a grant that
// may require payer interaction.
func (c *Client) Transfer(ctx context.Context, source, dest string, amount int64, memo string) (*TransferResult, error) {
	sender, err := c.getWallet(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve sender: %w", ErrTransferFailed, err)
	}
	receiver, err := c.getWallet(ctx, dest)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve receiver: %w", ErrTransferFailed, err)
	}

	inGrant, err := c.requestGrant(ctx, receiver.AuthServer, grantBody("incoming-payment", nil, ""), "")
	if err != nil {
		return nil, fmt.Errorf("%w: incoming grant: %w", ErrTransferFailed, err)
	}
	if !inGrant.finalized() {
		return nil, fmt.Errorf("%w: incoming grant not finalized", ErrTransferFailed)
	}

	incoming, err := c.createResource(ctx, receiver.ResourceServer+"/incoming-payments", inGrant.AccessToken.Value, map[string]any{
		"walletAddress": receiver.ID,
		"incomingAmount": map[string]any{
			"assetCode":  receiver.AssetCode,
			"assetScale": receiver.AssetScale,
			"value":      strconv.FormatInt(amount, 10),
		},
		"metadata": map[string]any{"description": memo},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: incoming payment: %w", ErrTransferFailed, err)
	}

	quoteGrant, err := c.requestGrant(ctx, sender.AuthServer, grantBody("quote", nil, ""), "")
	if err != nil {
		return nil, fmt.Errorf("%w: quote grant: %w", ErrTransferFailed, err)
	}
	if !quoteGrant.finalized() {
		return nil, fmt.Errorf("%w: quote grant not finalized", ErrTransferFailed)
	}

	quote, err := c.createResource(ctx, sender.ResourceServer+"/quotes", quoteGrant.AccessToken.Value, map[string]any{
		"walletAddress": sender.ID,
		"receiver":      incoming.ID,
		"method":        "ilp",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: quote: %w", ErrTransferFailed, err)
	}

	outGrant, err := c.requestGrant(ctx, sender.AuthServer, grantBody("outgoing-payment", []string{"create"}, sender.ID), "redirect")
	if err != nil {
		return nil, fmt.Errorf("%w: outgoing grant: %w", ErrTransferFailed, err)
	}

	if !outGrant.finalized() {
		c.log.Info().Str("sender", source).Msg("outgoing grant requires payer interaction")
		return &TransferResult{
			Settled:          false,
			AuthorizationURL: outGrant.Interact.Redirect,
			ContinueURI:      outGrant.Continue.URI,
			ContinueToken:    outGrant.Continue.AccessToken.Value,
			QuoteID:          quote.ID,
		}, nil
	}

	outgoing, err := c.createResource(ctx, sender.ResourceServer+"/outgoing-payments", outGrant.AccessToken.Value, map[string]any{
		"walletAddress": sender.ID,
		"quoteId":       quote.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: outgoing payment: %w", ErrTransferFailed, err)
	}

	c.log.Debug().Str("reference", outgoing.ID).Int64("amount", amount).Msg("transfer settled")
	return &TransferResult{Settled: true, Reference: outgoing.ID}, nil
}

// ContinueTransfer finishes a pending transfer after the payer has
// authorized the debit. It continues the grant at the stored URI and then
// creates the outgoing payment for the original quote.
func (c *Client) ContinueTransfer(ctx context.Context, req ContinueRequest) (*TransferResult, error) {
	if req.ContinueURI == "" || req.ContinueToken == "" || req.QuoteID == "" {
		return nil, fmt.Errorf("%w: incomplete continuation", ErrTransferFailed)
	}

	body := map[string]any{}
	if req.Proof != "" {
		body["interact_ref"] = req.Proof
	}
	grant, err := c.postJSON(ctx, req.ContinueURI, "GNAP "+req.ContinueToken, body)
	if err != nil {
		return nil, fmt.Errorf("%w: continue grant: %w", ErrTransferFailed, err)
	}
	var g grantResponse
	if err := json.Unmarshal(grant, &g); err != nil {
		return nil, fmt.Errorf("%w: continue grant: %w", ErrTransferFailed, err)
	}
	if !g.finalized() {
		return nil, fmt.Errorf("%w: grant still not finalized", ErrTransferFailed)
	}

	sender, err := c.getWallet(ctx, req.SourceWallet)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve sender: %w", ErrTransferFailed, err)
	}

	outgoing, err := c.createResource(ctx, sender.ResourceServer+"/outgoing-payments", g.AccessToken.Value, map[string]any{
		"walletAddress": sender.ID,
		"quoteId":       req.QuoteID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: outgoing payment: %w", ErrTransferFailed, err)
	}

	return &TransferResult{Settled: true, Reference: outgoing.ID}, nil
}

// grantBody builds a GNAP grant request for one access type. interact is
// the interaction start mode ("redirect") or empty for none.
func grantBody(accessType string, actions []string, identifier string) map[string]any {
	if actions == nil {
		actions = []string{"create"}
	}
	access := map[string]any{"type": accessType, "actions": actions}
	if identifier != "" {
		access["identifier"] = identifier
	}
	return map[string]any{
		"access_token": map[string]any{
			"access": []any{access},
		},
	}
}

func (c *Client) getWallet(ctx context.Context, url string) (*walletAddress, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wallet lookup %s: status %d", url, resp.StatusCode)
	}
	var w walletAddress
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return nil, err
	}
	if w.ResourceServer == "" {
		w.ResourceServer = w.ID
	}
	return &w, nil
}

func (c *Client) requestGrant(ctx context.Context, authServer string, body map[string]any, interactMode string) (*grantResponse, error) {
	if interactMode != "" {
		body["interact"] = map[string]any{"start": []string{interactMode}}
	}
	body["client"] = c.cfg.PoolWallet
	raw, err := c.postJSON(ctx, authServer+"/", "", body)
	if err != nil {
		return nil, err
	}
	var g grantResponse
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *Client) createResource(ctx context.Context, url, token string, body map[string]any) (*resourceResponse, error) {
	raw, err := c.postJSON(ctx, url, "GNAP "+token, body)
	if err != nil {
		return nil, err
	}
	var r resourceResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	if r.ID == "" {
		return nil, fmt.Errorf("resource %s: empty id in response", url)
	}
	return &r, nil
}

func (c *Client) postJSON(ctx context.Context, url, authorization string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: status %d: %s", url, resp.StatusCode, truncate(raw, 256))
	}
	return raw, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
