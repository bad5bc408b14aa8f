package walletapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/openledger/payment-processor/internal/types"

	svcerr "github.com/openledger/payment-processor/internal/errors"
)

type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client is the thin HTTP binding to the Wallet/Account API, which owns UTXO
// selection and unsigned transaction construction. The API is idempotent on
// the request's idempotency_key; retried calls within a cycle are safe.
type Client struct {
	config *Config
	http   *http.Client
	log    *slog.Logger
}

func NewClient(config *Config) *Client {
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
		log:    slog.With("component", "wallet-api"),
	}
}

// CreateUnsignedTransactions asks the Wallet API to construct the
// transaction(s) for one batch cycle. 4xx answers are permanent, everything
// else network-shaped is transient.
func (c *Client) CreateUnsignedTransactions(ctx context.Context,
	req *types.UnsignedTxRequest) (*types.UnsignedTxResponse, error) {

	body, err := json.Marshal(req)
	if err != nil {
		return nil, svcerr.Permanent("couldn't encode wallet api request", err)
	}

	url := c.config.BaseURL + "/accounts/" + req.AccountName + "/unsigned-transactions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url,
		bytes.NewReader(body))
	if err != nil {
		return nil, svcerr.Permanent("couldn't build wallet api request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.log.Debug("Requesting unsigned transactions",
		"account", req.AccountName,
		"payments", len(req.Payments),
		"cycle", req.Cycle,
	)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, svcerr.Transient("wallet api request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, svcerr.Transient("couldn't read wallet api response", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, svcerr.Permanent(
			fmt.Sprintf("wallet api rejected request: %d %s",
				resp.StatusCode, string(respBody)), nil)
	default:
		return nil, svcerr.Transient(
			fmt.Sprintf("wallet api unavailable: %d", resp.StatusCode), nil)
	}

	var result types.UnsignedTxResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, svcerr.Transient("malformed wallet api response", err)
	}

	return &result, nil
}
