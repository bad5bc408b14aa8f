package basenode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/openledger/payment-processor/internal/types"

	svcerr "github.com/openledger/payment-processor/internal/errors"
)

type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client is the HTTP binding to a base node: transaction submission, mempool
// lookups and confirmation queries. Submission is idempotent on the node side;
// re-submitting an already known transaction is reported as accepted.
type Client struct {
	config *Config
	http   *http.Client
	log    *slog.Logger
}

func NewClient(config *Config) *Client {
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
		log:    slog.With("component", "base-node"),
	}
}

// SubmitTransaction pushes one signed transaction to the node's mempool.
func (c *Client) SubmitTransaction(ctx context.Context,
	signed json.RawMessage) (*types.SubmitResult, error) {

	body, err := c.do(ctx, http.MethodPost, "/transactions", []byte(signed))
	if err != nil {
		return nil, err
	}

	var result types.SubmitResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, svcerr.Transient("malformed submit response", err)
	}
	return &result, nil
}

// MempoolContains reports whether the node's mempool currently holds txHash.
func (c *Client) MempoolContains(ctx context.Context, txHash string) (bool, error) {
	body, err := c.do(ctx, http.MethodGet,
		"/mempool/"+url.PathEscape(txHash), nil)
	if err != nil {
		return false, err
	}

	var result struct {
		Present bool `json:"present"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return false, svcerr.Transient("malformed mempool response", err)
	}
	return result.Present, nil
}

// QueryConfirmations asks the node where txHash sits relative to the chain
// tip.
func (c *Client) QueryConfirmations(ctx context.Context,
	txHash string) (*types.ConfirmationResult, error) {

	body, err := c.do(ctx, http.MethodGet,
		"/transactions/"+url.PathEscape(txHash)+"/confirmations", nil)
	if err != nil {
		return nil, err
	}

	var result types.ConfirmationResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, svcerr.Transient("malformed confirmation response", err)
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string,
	body []byte) ([]byte, error) {

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return nil, svcerr.Permanent("couldn't build base node request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, svcerr.Transient("base node request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, svcerr.Transient("couldn't read base node response", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, svcerr.Permanent(
			fmt.Sprintf("base node rejected request: %d %s",
				resp.StatusCode, string(respBody)), nil)
	default:
		return nil, svcerr.Transient(
			fmt.Sprintf("base node unavailable: %d", resp.StatusCode), nil)
	}
}
