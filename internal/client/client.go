// Package client provides a small Go SDK for a node's admin HTTP surface
// (internal/api): stats, Merkle root, peer membership, triggered
// anti-entropy, and local command execution. It is not the replication
// data path — that travels over the bus per spec §6 — this SDK is for
// operators and the merklekvctl CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"merklekv/internal/command"
)

// Client talks to ONE node's admin HTTP surface.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new Client. baseURL example: "http://localhost:8080".
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// StatsResponse mirrors api.Handler.Stats's JSON shape.
type StatsResponse struct {
	MerkleRoot string   `json:"merkle_root"`
	Peers      []string `json:"peers"`
}

// Stats fetches the node's current stats.
func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	var out StatsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MerkleRoot fetches the node's current Merkle root hash, hex-encoded.
func (c *Client) MerkleRoot(ctx context.Context) (string, error) {
	var out struct {
		RootHash string `json:"root_hash"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/merkle/root", nil, &out); err != nil {
		return "", err
	}
	return out.RootHash, nil
}

// ListPeers fetches the node's known alive peers.
func (c *Client) ListPeers(ctx context.Context) ([]string, error) {
	var out struct {
		Peers []string `json:"peers"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/peers", nil, &out); err != nil {
		return nil, err
	}
	return out.Peers, nil
}

// AddPeer registers nodeID as a peer the node may run anti-entropy against.
func (c *Client) AddPeer(ctx context.Context, nodeID string) error {
	return c.doJSON(ctx, http.MethodPost, "/peers/"+nodeID, nil, nil)
}

// RemovePeer deregisters nodeID.
func (c *Client) RemovePeer(ctx context.Context, nodeID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/peers/"+nodeID, nil, nil)
}

// SyncResult is the outcome of a triggered anti-entropy round.
type SyncResult struct {
	HashesMatched bool `json:"hashes_matched"`
	KeysSynced    int  `json:"keys_synced"`
}

// TriggerSync runs one anti-entropy round against nodeID immediately.
func (c *Client) TriggerSync(ctx context.Context, nodeID string) (*SyncResult, error) {
	var out SyncResult
	if err := c.doJSON(ctx, http.MethodPost, "/peers/"+nodeID+"/sync", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Execute runs a command locally on the node, bypassing the bus — useful
// for an operator to Get/Set a key directly against a colocated node.
func (c *Client) Execute(ctx context.Context, req command.Request) (*command.Response, error) {
	var out command.Response
	if err := c.doJSON(ctx, http.MethodPost, "/command", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ErrNotFound is returned for any HTTP 404 response. A missing key is not
// reported this way: Execute returns a Response whose Status is NOT_FOUND.
var ErrNotFound = fmt.Errorf("key not found")

// APIError carries the HTTP status and the error message from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// checkStatus converts HTTP error responses into Go errors.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = string(body)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
