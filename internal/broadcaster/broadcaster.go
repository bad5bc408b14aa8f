package broadcaster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/openledger/payment-processor/internal/metrics"
	"github.com/openledger/payment-processor/internal/types"
	"github.com/openledger/payment-processor/internal/worker"

	"github.com/google/uuid"

	svcerr "github.com/openledger/payment-processor/internal/errors"
)

type Config struct {
	// MaxCycles bounds how many consolidation rounds a batch may take.
	MaxCycles int
	// Mempool verification backoff: start at InitialBackoff, double up to
	// MaxBackoff, give up after Attempts polls per transaction.
	MempoolInitialBackoff time.Duration
	MempoolMaxBackoff     time.Duration
	MempoolAttempts       int
	Worker                worker.Config
}

type NodeClient interface {
	SubmitTransaction(ctx context.Context, signed json.RawMessage) (*types.SubmitResult, error)
	MempoolContains(ctx context.Context, txHash string) (bool, error)
}

type Repository interface {
	worker.Repository
	MarkAwaitingConfirmation(ctx context.Context, batchID string) error
	LoopbackBatch(ctx context.Context, batchID, newIdempotencyKey string) error
}

// Broadcaster claims AWAITING_BROADCAST batches and pushes their signed
// transactions to the base node. A final batch moves on to confirmation
// checking; a consolidation batch verifies its splits reached the mempool and
// loops back to PENDING_BATCHING for the next cycle.
type Broadcaster struct {
	config *Config
	repo   Repository
	node   NodeClient
	pool   *worker.Pool
	log    *slog.Logger
}

func New(config *Config, repo Repository, node NodeClient) *Broadcaster {
	if config.MempoolInitialBackoff <= 0 {
		config.MempoolInitialBackoff = 500 * time.Millisecond
	}
	if config.MempoolMaxBackoff <= 0 {
		config.MempoolMaxBackoff = 8 * time.Second
	}
	if config.MempoolAttempts <= 0 {
		config.MempoolAttempts = 6
	}
	b := &Broadcaster{
		config: config,
		repo:   repo,
		node:   node,
		log:    slog.With("component", config.Worker.Name),
	}
	b.pool = worker.New(&config.Worker, repo, b.process)
	return b
}

func (b *Broadcaster) Run(ctx context.Context) error {
	return b.pool.Run(ctx)
}

func (b *Broadcaster) process(ctx context.Context, batch *types.PaymentBatch) error {
	signed, err := types.DecodeTxList(batch.SignedTxJSON)
	if err != nil {
		return svcerr.Permanent("batch has no usable signed_tx_json", err)
	}

	if batch.IsConsolidation {
		return b.broadcastSplits(ctx, batch, signed)
	}
	return b.broadcastFinal(ctx, batch, signed)
}

func (b *Broadcaster) broadcastFinal(ctx context.Context,
	batch *types.PaymentBatch, signed []json.RawMessage) error {

	if len(signed) != 1 {
		return svcerr.Permanent(
			fmt.Sprintf("final batch carries %d signed txs, want 1", len(signed)), nil)
	}

	if err := b.submit(ctx, batch, signed[0], 1, 1); err != nil {
		return err
	}

	if err := b.repo.MarkAwaitingConfirmation(ctx, batch.ID); err != nil {
		return err
	}

	metrics.BatchTransitions.WithLabelValues(string(types.BatchAwaitingConfirmation)).Inc()
	b.log.Info("Batch broadcast", "batch", batch.ID)
	return nil
}

// broadcastSplits submits every consolidation transaction in order, waits for
// each to appear in the mempool, then reverts the batch to PENDING_BATCHING
// with a fresh idempotency key for the next cycle.
func (b *Broadcaster) broadcastSplits(ctx context.Context,
	batch *types.PaymentBatch, signed []json.RawMessage) error {

	// The creator enforces this bound too; a row that slipped past it must not
	// loop forever.
	if batch.Cycle >= b.config.MaxCycles {
		return svcerr.Permanent("consolidation-exhausted", nil)
	}

	for i, tx := range signed {
		if err := b.submit(ctx, batch, tx, i+1, len(signed)); err != nil {
			return err
		}
	}

	for i, tx := range signed {
		if err := b.verifyMempool(ctx, batch, tx, i+1, len(signed)); err != nil {
			return err
		}
	}

	newKey := uuid.NewString()
	if err := b.repo.LoopbackBatch(ctx, batch.ID, newKey); err != nil {
		return err
	}

	metrics.ConsolidationLoopbacks.Inc()
	metrics.BatchTransitions.WithLabelValues(string(types.BatchPendingBatching)).Inc()
	b.log.Info("Consolidation cycle broadcast, batch looped back",
		"batch", batch.ID,
		"cycle", batch.Cycle,
		"next_cycle", batch.Cycle+1,
		"splits", len(signed),
	)
	return nil
}

func (b *Broadcaster) submit(ctx context.Context, batch *types.PaymentBatch,
	tx json.RawMessage, step, total int) error {

	result, err := b.node.SubmitTransaction(ctx, tx)
	if err != nil {
		return err
	}
	if result.Accepted {
		b.log.Debug("Transaction submitted",
			"batch", batch.ID, "step", step, "total", total)
		return nil
	}

	reason := result.RejectionReason
	if reason == "" {
		reason = "transaction rejected"
	}
	if result.Permanent {
		return svcerr.Permanent(reason, nil)
	}
	return svcerr.Transient(reason, nil)
}

// verifyMempool polls the node until the transaction shows up in its mempool,
// doubling the backoff between polls. Absence after the final attempt is a
// transient failure: re-submission is idempotent on the node side.
func (b *Broadcaster) verifyMempool(ctx context.Context,
	batch *types.PaymentBatch, tx json.RawMessage, step, total int) error {

	txHash, err := types.TxHash(tx)
	if err != nil {
		return svcerr.Permanent("signed tx has no hash", err)
	}

	backoff := b.config.MempoolInitialBackoff
	for attempt := 1; attempt <= b.config.MempoolAttempts; attempt++ {
		present, err := b.node.MempoolContains(ctx, txHash)
		if err != nil {
			return err
		}
		if present {
			b.log.Debug("Split transaction in mempool",
				"batch", batch.ID, "step", step, "total", total,
				"attempts", attempt)
			return nil
		}
		if attempt == b.config.MempoolAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return svcerr.Transient("mempool verification interrupted", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > b.config.MempoolMaxBackoff {
			backoff = b.config.MempoolMaxBackoff
		}
	}

	return svcerr.Transient(
		fmt.Sprintf("split tx %d/%d missing from mempool after %d attempts",
			step, total, b.config.MempoolAttempts), nil)
}
