package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/warp/community-ledger/ledger"
)

// HTTPClient anchors entries through a remote service.
//
// The service receives POST {url} with the JSON body
//
//	{"id": "...", "kind": "...", "subject": "...", "counterpart": "...",
//	 "amount": "12.5", "tokens": 0, "reference": {...}, "at": 1740819600000000000}
//
// and answers 200/201 with {"receipt": "..."}. Any other status, an empty
// receipt, or a cancelled context is an anchoring failure.
type HTTPClient struct {
	url    string
	client *http.Client
}

var _ ledger.Anchorer = (*HTTPClient)(nil)

// NewHTTPClient creates a client for url. A nil client uses a client with
// a 30 second ceiling; the service applies its own shorter deadline per call.
func NewHTTPClient(url string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{url: url, client: client}
}

type anchorResponse struct {
	Receipt string `json:"receipt"`
	Error   string `json:"error,omitempty"`
}

func (c *HTTPClient) Anchor(ctx context.Context, req ledger.AnchorRequest) (string, error) {
	body, err := canonical(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build anchor request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("anchor service: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("read anchor response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("anchor service returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var out anchorResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode anchor response: %w", err)
	}
	if out.Receipt == "" {
		return "", fmt.Errorf("anchor service returned no receipt")
	}
	return out.Receipt, nil
}
