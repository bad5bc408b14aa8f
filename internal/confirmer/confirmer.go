package confirmer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openledger/payment-processor/internal/metrics"
	"github.com/openledger/payment-processor/internal/types"
	"github.com/openledger/payment-processor/internal/worker"

	svcerr "github.com/openledger/payment-processor/internal/errors"
)

type Config struct {
	// ConfirmationDepth is the chain depth at which a mined transaction is
	// considered irreversible.
	ConfirmationDepth uint64
	Worker            worker.Config
}

type NodeClient interface {
	QueryConfirmations(ctx context.Context, txHash string) (*types.ConfirmationResult, error)
}

type Repository interface {
	worker.Repository
	ConfirmBatch(ctx context.Context, batchID string, minedHeight int64,
		minedHeaderHash string, minedTimestamp int64) error
}

// Confirmer polls AWAITING_CONFIRMATION batches against the base node. It
// claims nothing: its only write is the single CAS transition to CONFIRMED,
// so concurrent checkers are harmless.
type Confirmer struct {
	config *Config
	repo   Repository
	node   NodeClient
	pool   *worker.Pool
	log    *slog.Logger
}

func New(config *Config, repo Repository, node NodeClient) *Confirmer {
	c := &Confirmer{
		config: config,
		repo:   repo,
		node:   node,
		log:    slog.With("component", config.Worker.Name),
	}
	c.pool = worker.New(&config.Worker, repo, c.process)
	return c
}

func (c *Confirmer) Run(ctx context.Context) error {
	return c.pool.Run(ctx)
}

func (c *Confirmer) process(ctx context.Context, batch *types.PaymentBatch) error {
	signed, err := types.DecodeTxList(batch.SignedTxJSON)
	if err != nil {
		return svcerr.Permanent("batch has no usable signed_tx_json", err)
	}
	if len(signed) != 1 {
		return svcerr.Permanent(
			fmt.Sprintf("confirmable batch carries %d signed txs, want 1", len(signed)), nil)
	}

	txHash, err := types.TxHash(signed[0])
	if err != nil {
		return svcerr.Permanent("signed tx has no hash", err)
	}

	result, err := c.node.QueryConfirmations(ctx, txHash)
	if err != nil {
		return err
	}

	switch result.Location {
	case types.TxLocationReorgedOut:
		return svcerr.Permanent("reorged-out", nil)

	case types.TxLocationMined:
		if result.Depth < c.config.ConfirmationDepth {
			c.log.Debug("Batch not yet confirmed",
				"batch", batch.ID,
				"depth", result.Depth,
				"required", c.config.ConfirmationDepth,
			)
			return nil
		}
		if err := c.repo.ConfirmBatch(ctx, batch.ID, result.MinedHeight,
			result.MinedHeaderHash, result.MinedTimestamp); err != nil {
			return err
		}
		metrics.BatchTransitions.WithLabelValues(string(types.BatchConfirmed)).Inc()
		c.log.Info("Batch confirmed",
			"batch", batch.ID,
			"height", result.MinedHeight,
			"depth", result.Depth,
		)
		return nil

	default:
		// Mempool or not yet visible: the node may still be catching up.
		// Leave the row untouched and look again next tick.
		c.log.Debug("Transaction not mined yet",
			"batch", batch.ID,
			"location", result.Location,
		)
		return nil
	}
}
