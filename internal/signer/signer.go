package signer

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
	Worker worker.Config
}

type Repository interface {
	worker.Repository
	MarkSigned(ctx context.Context, batchID, signedTxJSON string) error
}

// Signer claims AWAITING_SIGNATURE batches and runs every unsigned
// transaction through the console wallet, in list order. Signing is the
// CPU-bound stage; its pool is sized independently of the I/O workers.
type Signer struct {
	config *Config
	repo   Repository
	wallet ConsoleWallet
	pool   *worker.Pool
	log    *slog.Logger
}

func New(config *Config, repo Repository, wallet ConsoleWallet) *Signer {
	s := &Signer{
		config: config,
		repo:   repo,
		wallet: wallet,
		log:    slog.With("component", config.Worker.Name),
	}
	s.pool = worker.New(&config.Worker, repo, s.process)
	return s
}

func (s *Signer) Run(ctx context.Context) error {
	return s.pool.Run(ctx)
}

func (s *Signer) process(ctx context.Context, batch *types.PaymentBatch) error {
	unsigned, err := types.DecodeTxList(batch.UnsignedTxJSON)
	if err != nil {
		return svcerr.Permanent("batch has no usable unsigned_tx_json", err)
	}

	s.log.Info("Signing batch",
		"batch", batch.ID,
		"txs", len(unsigned),
		"cycle", batch.Cycle,
	)

	signed := make([]json.RawMessage, len(unsigned))
	for i, tx := range unsigned {
		signedTx, err := s.wallet.Sign(ctx, tx)
		if err != nil {
			// Subprocess failures are retried against the batch's budget.
			return svcerr.Transient(
				fmt.Sprintf("signing step %d/%d failed", i+1, len(unsigned)), err)
		}
		if !json.Valid(signedTx) {
			return svcerr.Transient(
				fmt.Sprintf("signing step %d/%d produced invalid JSON", i+1, len(unsigned)), nil)
		}
		signed[i] = json.RawMessage(signedTx)

		s.log.Debug("Signed transaction",
			"batch", batch.ID,
			"step", i+1,
			"total", len(unsigned),
		)
	}

	signedJSON, err := types.EncodeTxList(signed)
	if err != nil {
		return svcerr.Transient("couldn't encode signed tx list", err)
	}

	if err := s.repo.MarkSigned(ctx, batch.ID, signedJSON); err != nil {
		return err
	}

	metrics.BatchTransitions.WithLabelValues(string(types.BatchAwaitingBroadcast)).Inc()
	s.log.Info("Batch signed", "batch", batch.ID, "txs", len(signed))
	return nil
}
