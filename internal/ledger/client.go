// Package ledger anchors result hashes to an external append-only ledger. The
// ledger's consensus protocol is not this service's concern; only the anchor
// request/response contract is.
package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/scanproof/scanproof-go/internal/models"
)

// Client is an HTTP client for the ledger anchoring service.
type Client struct {
	client  *http.Client
	baseURL string
}

// New creates a new ledger client. An empty baseURL means anchoring is
// disabled; callers are expected to check Enabled before use.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Enabled reports whether an anchoring service is configured.
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

type anchorRequest struct {
	EntityID string `json:"entityId"`
	DataHash string `json:"dataHash"`
}

type anchorResponse struct {
	TransactionID      string `json:"transactionId"`
	ConsensusTimestamp string `json:"consensusTimestamp"`
	ExplorerURL        string `json:"explorerUrl"`
}

// HashPayload computes the hex-encoded sha256 of the payload's canonical JSON
// form. This is the value anchored on the ledger.
func HashPayload(payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to serialize payload for hashing: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Anchor records the payload's integrity hash on the ledger and returns the
// resulting anchor reference.
func (c *Client) Anchor(ctx context.Context, entityID string, payload any) (*models.LedgerAnchor, error) {
	hash, err := HashPayload(payload)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(anchorRequest{EntityID: entityID, DataHash: hash})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", fmt.Sprintf("%s/anchor", c.baseURL), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("ledger returned status %d", resp.StatusCode)
	}

	var anchor anchorResponse
	if err := json.NewDecoder(resp.Body).Decode(&anchor); err != nil {
		return nil, fmt.Errorf("failed to decode ledger response: %w", err)
	}
	return &models.LedgerAnchor{
		TransactionID:      anchor.TransactionID,
		ConsensusTimestamp: anchor.ConsensusTimestamp,
		ExplorerURL:        anchor.ExplorerURL,
	}, nil
}
