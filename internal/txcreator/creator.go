package txcreator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/openledger/payment-processor/internal/metrics"
	"github.com/openledger/payment-processor/internal/types"
	"github.com/openledger/payment-processor/internal/worker"

	svcerr "github.com/openledger/payment-processor/internal/errors"
)

type Config struct {
	// MaxCycles bounds how many consolidation rounds a batch may take.
	MaxCycles int
	Worker    worker.Config
}

type WalletClient interface {
	CreateUnsignedTransactions(ctx context.Context,
		req *types.UnsignedTxRequest) (*types.UnsignedTxResponse, error)
}

type Repository interface {
	worker.Repository
	PaymentsByBatchID(ctx context.Context, batchID string) ([]types.Payment, error)
	MarkAwaitingSignature(ctx context.Context, batchID, unsignedTxJSON string,
		isConsolidation bool) error
}

// Creator drives PENDING_BATCHING batches through the Wallet API, storing the
// returned unsigned transaction list and flagging consolidation cycles.
type Creator struct {
	config *Config
	repo   Repository
	client WalletClient
	pool   *worker.Pool
	log    *slog.Logger
}

func New(config *Config, repo Repository, client WalletClient) *Creator {
	c := &Creator{
		config: config,
		repo:   repo,
		client: client,
		log:    slog.With("component", config.Worker.Name),
	}
	c.pool = worker.New(&config.Worker, repo, c.process)
	return c
}

func (c *Creator) Run(ctx context.Context) error {
	return c.pool.Run(ctx)
}

func (c *Creator) process(ctx context.Context, batch *types.PaymentBatch) error {
	payments, err := c.repo.PaymentsByBatchID(ctx, batch.ID)
	if err != nil {
		return err
	}
	if len(payments) == 0 {
		// A batch without members can never progress.
		return svcerr.Permanent("batch has no payments", nil)
	}

	items := make([]types.UnsignedTxItem, len(payments))
	for i, payment := range payments {
		memo := ""
		if payment.PaymentID != nil {
			memo = *payment.PaymentID
		}
		items[i] = types.UnsignedTxItem{
			RecipientAddress: payment.RecipientAddress,
			Amount:           payment.Amount,
			Memo:             memo,
		}
	}

	resp, err := c.client.CreateUnsignedTransactions(ctx, &types.UnsignedTxRequest{
		AccountName:    batch.AccountName,
		Payments:       items,
		IdempotencyKey: batch.PRIdempotencyKey,
		Cycle:          batch.Cycle,
	})
	if err != nil {
		return err
	}

	switch resp.Kind {
	case types.TxKindFinal:
		if len(resp.UnsignedTx) == 0 {
			return svcerr.Transient("final response carries no unsigned_tx", nil)
		}
		return c.advance(ctx, batch, []json.RawMessage{resp.UnsignedTx}, false)

	case types.TxKindSplit:
		// A split is only admissible while consolidation rounds remain.
		if batch.Cycle >= c.config.MaxCycles {
			return svcerr.Permanent("consolidation-exhausted", nil)
		}
		if len(resp.UnsignedTxs) == 0 {
			return svcerr.Transient("split response carries no unsigned_txs", nil)
		}
		c.log.Info("Consolidation cycle required",
			"batch", batch.ID,
			"cycle", batch.Cycle,
			"splits", len(resp.UnsignedTxs),
		)
		return c.advance(ctx, batch, resp.UnsignedTxs, true)

	default:
		return svcerr.Transient(
			fmt.Sprintf("unknown wallet api response kind %q", resp.Kind), nil)
	}
}

func (c *Creator) advance(ctx context.Context, batch *types.PaymentBatch,
	unsigned []json.RawMessage, isConsolidation bool) error {

	unsignedJSON, err := types.EncodeTxList(unsigned)
	if err != nil {
		return svcerr.Transient("couldn't encode unsigned tx list", err)
	}

	if err := c.repo.MarkAwaitingSignature(ctx, batch.ID, unsignedJSON,
		isConsolidation); err != nil {
		return err
	}

	metrics.BatchTransitions.WithLabelValues(string(types.BatchAwaitingSignature)).Inc()
	c.log.Info("Batch awaiting signature",
		"batch", batch.ID,
		"txs", len(unsigned),
		"consolidation", isConsolidation,
	)
	return nil
}
