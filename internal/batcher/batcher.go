package batcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/openledger/payment-processor/internal/metrics"
	"github.com/openledger/payment-processor/internal/types"

	"github.com/google/uuid"
)

type Config struct {
	// MaxBatchSize caps how many payments a single batch may contain.
	MaxBatchSize int
	PollInterval time.Duration
	DBTimeout    time.Duration
}

type Repository interface {
	ReceivablePayments(ctx context.Context, limit int) ([]types.Payment, error)
	CreateBatchWithPayments(ctx context.Context, accountName, prIdempotencyKey string,
		paymentIDs []string) (*types.PaymentBatch, error)
}

// Batcher groups RECEIVED payments by account and creates one batch per
// account per tick, greedily up to MaxBatchSize.
type Batcher struct {
	config *Config
	repo   Repository
	log    *slog.Logger
}

func New(config *Config, repo Repository) *Batcher {
	return &Batcher{
		config: config,
		repo:   repo,
		log:    slog.With("component", "batcher"),
	}
}

func (b *Batcher) Run(ctx context.Context) error {
	b.log.Info("Starting batcher", "interval", b.config.PollInterval)

	for {
		select {
		case <-ctx.Done():
			b.log.Info("Stopping batcher...")
			return ctx.Err()
		case <-time.After(b.config.PollInterval):
			metrics.WorkerTicks.WithLabelValues("batcher").Inc()
			for {
				more, err := b.tick(ctx)
				if err != nil {
					b.log.Error("batching cycle failed", "error", err)
					break
				}
				if !more {
					break
				}
				// A full fetch means more payments are likely waiting;
				// keep going without sleeping.
				b.log.Debug("Max fetch size reached, continuing immediately")
			}
		}
	}
}

// tick fetches one window of receivable payments and turns them into
// batches. It reports whether the window was full.
func (b *Batcher) tick(ctx context.Context) (bool, error) {
	dbCtx, cancel := context.WithTimeout(ctx, b.config.DBTimeout)
	payments, err := b.repo.ReceivablePayments(dbCtx, b.config.MaxBatchSize)
	cancel()
	if err != nil {
		return false, err
	}
	if len(payments) == 0 {
		return false, nil
	}

	b.log.Info("Found receivable payments", "count", len(payments))

	// Group per account, preserving the deterministic (created_at, id) fetch
	// order inside each group.
	order := make([]string, 0)
	groups := make(map[string][]string)
	for _, payment := range payments {
		if _, seen := groups[payment.AccountName]; !seen {
			order = append(order, payment.AccountName)
		}
		groups[payment.AccountName] = append(groups[payment.AccountName], payment.ID)
	}

	for _, accountName := range order {
		if err := b.createBatch(ctx, accountName, groups[accountName]); err != nil {
			// Store errors are retried next tick; the payments stay RECEIVED.
			b.log.Error("couldn't create batch",
				"account", accountName,
				"error", err,
			)
		}
	}

	return len(payments) == b.config.MaxBatchSize, nil
}

func (b *Batcher) createBatch(ctx context.Context, accountName string,
	paymentIDs []string) error {

	prIdempotencyKey := uuid.NewString()

	b.log.Info("Creating batch",
		"account", accountName,
		"payments", len(paymentIDs),
		"idempotency_key", prIdempotencyKey,
	)

	dbCtx, cancel := context.WithTimeout(ctx, b.config.DBTimeout)
	defer cancel()

	batch, err := b.repo.CreateBatchWithPayments(dbCtx, accountName,
		prIdempotencyKey, paymentIDs)
	if err != nil {
		return err
	}

	metrics.BatchesCreated.Inc()
	metrics.BatchTransitions.WithLabelValues(string(types.BatchPendingBatching)).Inc()
	b.log.Info("Batch created", "batch", batch.ID, "account", accountName)
	return nil
}
