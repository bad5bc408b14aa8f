package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/openledger/payment-processor/internal/metrics"
	"github.com/openledger/payment-processor/internal/types"

	"golang.org/x/sync/errgroup"

	svcerr "github.com/openledger/payment-processor/internal/errors"
)

// Repository is the slice of the store a worker pool needs: polling its input
// status, claiming rows, recovering stuck claims and settling failures.
type Repository interface {
	BatchesByStatus(ctx context.Context, status types.BatchStatus, limit int) ([]types.PaymentBatch, error)
	ClaimBatch(ctx context.Context, batchID string, from, to types.BatchStatus, owner string) (bool, error)
	RecoverStuckBatches(ctx context.Context, inProgress, waiting types.BatchStatus, olderThan time.Duration) (int64, error)
	FailBatch(ctx context.Context, batchID, reason string) error
	RetryBatch(ctx context.Context, batchID string, waiting types.BatchStatus, reason string, maxRetries int) error
}

// ProcessFunc handles one claimed batch and commits its own forward
// transition. A returned error is classified by the pool: permanent errors
// fail the batch, store errors are left for the next tick, anything else is
// retried against the batch's budget.
type ProcessFunc func(ctx context.Context, batch *types.PaymentBatch) error

type Config struct {
	// Name identifies the worker in logs and metrics.
	Name string
	// InputStatus is the waiting status this worker polls.
	InputStatus types.BatchStatus
	// ClaimStatus, when set, is the in-progress status rows are moved to via
	// compare-and-set before processing. Workers whose writes are already
	// single CAS transitions leave it empty and skip claiming.
	ClaimStatus  types.BatchStatus
	ClaimTimeout time.Duration
	PollInterval time.Duration
	DBTimeout    time.Duration
	Concurrency  int
	FetchLimit   int
	MaxRetries   int
	InstanceID   string
}

// Pool is the shared worker skeleton: poll the store for rows in the input
// status, claim each row, process it, and settle the outcome. All five
// pipeline workers are instances of this shape.
type Pool struct {
	config  *Config
	repo    Repository
	process ProcessFunc
	log     *slog.Logger
}

func New(config *Config, repo Repository, process ProcessFunc) *Pool {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.FetchLimit <= 0 {
		config.FetchLimit = 50
	}
	return &Pool{
		config:  config,
		repo:    repo,
		process: process,
		log:     slog.With("component", config.Name),
	}
}

func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("Starting worker",
		"input", p.config.InputStatus,
		"interval", p.config.PollInterval,
		"concurrency", p.config.Concurrency,
	)

	for {
		select {
		case <-ctx.Done():
			p.log.Info("Stopping worker...")
			return ctx.Err()
		case <-time.After(p.config.PollInterval):
			metrics.WorkerTicks.WithLabelValues(p.config.Name).Inc()
			if err := p.tick(ctx); err != nil {
				p.log.Error("worker tick failed", "error", err)
			}
		}
	}
}

func (p *Pool) tick(ctx context.Context) error {
	if p.config.ClaimStatus != "" {
		p.recoverStuck(ctx)
	}

	dbCtx, cancel := context.WithTimeout(ctx, p.config.DBTimeout)
	batches, err := p.repo.BatchesByStatus(dbCtx, p.config.InputStatus, p.config.FetchLimit)
	cancel()
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		return nil
	}

	p.log.Debug("Fetched batches", "count", len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Concurrency)
	for i := range batches {
		batch := batches[i]
		g.Go(func() error {
			p.processOne(gctx, &batch)
			return nil
		})
	}
	return g.Wait()
}

// recoverStuck reverts rows abandoned in this worker's claim status. Any pool
// instance may recover rows claimed by a crashed peer.
func (p *Pool) recoverStuck(ctx context.Context) {
	dbCtx, cancel := context.WithTimeout(ctx, p.config.DBTimeout)
	defer cancel()

	recovered, err := p.repo.RecoverStuckBatches(dbCtx,
		p.config.ClaimStatus, p.config.InputStatus, p.config.ClaimTimeout)
	if err != nil {
		p.log.Error("stuck claim recovery failed", "error", err)
		return
	}
	if recovered > 0 {
		metrics.StuckClaimsRecovered.WithLabelValues(p.config.Name).Add(float64(recovered))
		p.log.Warn("Recovered stuck claims",
			"count", recovered,
			"timeout", p.config.ClaimTimeout,
		)
	}
}

func (p *Pool) processOne(ctx context.Context, batch *types.PaymentBatch) {
	if p.config.ClaimStatus != "" {
		dbCtx, cancel := context.WithTimeout(ctx, p.config.DBTimeout)
		claimed, err := p.repo.ClaimBatch(dbCtx, batch.ID,
			p.config.InputStatus, p.config.ClaimStatus, p.config.InstanceID)
		cancel()
		if err != nil {
			p.log.Error("claim failed", "batch", batch.ID, "error", err)
			return
		}
		if !claimed {
			// Another worker won the row.
			p.log.Debug("Lost claim race", "batch", batch.ID)
			return
		}
		batch.Status = p.config.ClaimStatus
		batch.ClaimedBy = &p.config.InstanceID
	}

	err := p.process(ctx, batch)
	if err == nil {
		return
	}

	metrics.WorkerErrors.WithLabelValues(p.config.Name).Inc()

	switch {
	case svcerr.IsStore(err):
		// Not attributable to the row; it keeps its retry budget and is
		// picked up again next tick (or by stuck-claim recovery).
		p.log.Error("store error, leaving row for next tick",
			"batch", batch.ID, "error", err)

	case svcerr.IsPermanent(err):
		p.log.Warn("permanent failure", "batch", batch.ID, "error", err)
		p.settle(ctx, func(dbCtx context.Context) error {
			return p.repo.FailBatch(dbCtx, batch.ID, err.Error())
		})

	default:
		p.log.Warn("transient failure, scheduling retry",
			"batch", batch.ID, "error", err)
		p.settle(ctx, func(dbCtx context.Context) error {
			return p.repo.RetryBatch(dbCtx, batch.ID, p.config.InputStatus,
				err.Error(), p.config.MaxRetries)
		})
	}
}

func (p *Pool) settle(ctx context.Context, fn func(context.Context) error) {
	dbCtx, cancel := context.WithTimeout(ctx, p.config.DBTimeout)
	defer cancel()

	if err := fn(dbCtx); err != nil {
		p.log.Error("couldn't settle batch outcome", "error", err)
	}
}
