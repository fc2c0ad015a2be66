package client

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"MedChain/internal/api"
	"MedChain/internal/ledger"
	"MedChain/internal/orchestrator"
)

// Client talks to a MedChain node over its HTTP API.
type Client struct {
	baseURL string       // baseURL is the node root, e.g. "http://127.0.0.1:8080"
	http    *http.Client // http carries every request
}

// New creates a client for nodeAddr. A bare host:port is treated as http.
func New(nodeAddr string) *Client {
	base := strings.TrimRight(nodeAddr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Health reports whether the node answers /health.
func (c *Client) Health() error {
	var resp map[string]string
	if err := c.httpGet("/health", &resp); err != nil {
		return err
	}

	if resp["status"] != "ok" {
		return fmt.Errorf("node unhealthy: %q", resp["status"])
	}

	return nil
}

// Status returns the node's round and ledger summary.
func (c *Client) Status() (api.Status, error) {
	var st api.Status
	err := c.httpGet("/status", &st)
	return st, err
}

// Register enrolls a client without a signing key.
func (c *Client) Register(req api.RegisterRequest) (api.ClientView, error) {
	var view api.ClientView
	err := c.httpPostJSON("/clients", req, &view, http.StatusCreated)
	return view, err
}

// Deactivate marks id inactive.
func (c *Client) Deactivate(id string) (api.ClientView, error) {
	var view api.ClientView
	err := c.do(http.MethodDelete, "/clients/"+url.PathEscape(id), nil, &view, http.StatusOK)
	return view, err
}

// Clients lists every registered client.
func (c *Client) Clients() ([]api.ClientView, error) {
	var out []api.ClientView
	err := c.httpGet("/clients", &out)
	return out, err
}

// StartRound opens a round and returns the global weights to train from.
func (c *Client) StartRound() (api.StartRoundResponse, error) {
	var resp api.StartRoundResponse
	err := c.httpPostJSON("/rounds/start", nil, &resp)
	return resp, err
}

// Submit sends one client update.
func (c *Client) Submit(req api.SubmitRequest) (api.SubmitResponse, error) {
	var resp api.SubmitResponse
	err := c.httpPostJSON("/rounds/submit", req, &resp, http.StatusAccepted)
	return resp, err
}

// CloseRound aggregates the open round.
func (c *Client) CloseRound() (orchestrator.Round, error) {
	var r orchestrator.Round
	err := c.httpPostJSON("/rounds/close", nil, &r)
	return r, err
}

// History returns every committed round.
func (c *Client) History() ([]orchestrator.Round, error) {
	var out []orchestrator.Round
	err := c.httpGet("/rounds", &out)
	return out, err
}

// LedgerValid runs a full chain verification on the node.
func (c *Client) LedgerValid() (api.LedgerStatus, error) {
	var st api.LedgerStatus
	err := c.httpGet("/ledger/valid", &st)
	return st, err
}

// Blocks returns up to limit blocks starting at index from. A zero limit
// returns the rest of the chain.
func (c *Client) Blocks(from, limit uint64) ([]ledger.Block, error) {
	q := url.Values{}
	q.Set("from", fmt.Sprint(from))
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}

	var out []ledger.Block
	err := c.httpGet("/ledger/blocks?"+q.Encode(), &out)
	return out, err
}
