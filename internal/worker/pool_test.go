package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openledger/payment-processor/internal/types"

	svcerr "github.com/openledger/payment-processor/internal/errors"
)

type fakeRepo struct {
	mu          sync.Mutex
	batches     []types.PaymentBatch
	claimOK     bool
	claims      []string
	recovered   int64
	recoverCall int
	failed      map[string]string
	retried     map[string]string
}

func newFakeRepo(batches ...types.PaymentBatch) *fakeRepo {
	return &fakeRepo{
		batches: batches,
		claimOK: true,
		failed:  make(map[string]string),
		retried: make(map[string]string),
	}
}

func (f *fakeRepo) BatchesByStatus(ctx context.Context, status types.BatchStatus,
	limit int) ([]types.PaymentBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []types.PaymentBatch
	for _, b := range f.batches {
		if b.Status == status {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeRepo) ClaimBatch(ctx context.Context, batchID string,
	from, to types.BatchStatus, owner string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.claimOK {
		return false, nil
	}
	f.claims = append(f.claims, batchID)
	return true, nil
}

func (f *fakeRepo) RecoverStuckBatches(ctx context.Context,
	inProgress, waiting types.BatchStatus, olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.recoverCall++
	return f.recovered, nil
}

func (f *fakeRepo) FailBatch(ctx context.Context, batchID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failed[batchID] = reason
	return nil
}

func (f *fakeRepo) RetryBatch(ctx context.Context, batchID string,
	waiting types.BatchStatus, reason string, maxRetries int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.retried[batchID] = reason
	return nil
}

func testConfig() Config {
	return Config{
		Name:         "test-worker",
		InputStatus:  types.BatchAwaitingSignature,
		ClaimStatus:  types.BatchSigningInProgress,
		ClaimTimeout: time.Minute,
		PollInterval: time.Millisecond,
		DBTimeout:    time.Second,
		MaxRetries:   3,
		InstanceID:   "test-1",
	}
}

func TestPool_ProcessesClaimedBatch(t *testing.T) {
	repo := newFakeRepo(types.PaymentBatch{
		ID:     "b-1",
		Status: types.BatchAwaitingSignature,
	})

	var processed []string
	var mu sync.Mutex

	config := testConfig()
	pool := New(&config, repo, func(ctx context.Context, b *types.PaymentBatch) error {
		mu.Lock()
		processed = append(processed, b.ID)
		mu.Unlock()

		if b.Status != types.BatchSigningInProgress {
			t.Errorf("expected claimed status, got %v", b.Status)
		}
		if b.ClaimedBy == nil || *b.ClaimedBy != "test-1" {
			t.Errorf("expected claimed_by test-1, got %v", b.ClaimedBy)
		}
		return nil
	})

	if err := pool.tick(context.Background()); err != nil {
		t.Fatalf("unexpected tick error: %v", err)
	}

	if len(processed) != 1 || processed[0] != "b-1" {
		t.Fatalf("expected b-1 processed once, got %v", processed)
	}
	if len(repo.claims) != 1 {
		t.Fatalf("expected one claim, got %v", repo.claims)
	}
	if repo.recoverCall != 1 {
		t.Errorf("expected stuck recovery to run once, ran %d times", repo.recoverCall)
	}
}

func TestPool_LostClaimRaceSkipsProcessing(t *testing.T) {
	repo := newFakeRepo(types.PaymentBatch{
		ID:     "b-1",
		Status: types.BatchAwaitingSignature,
	})
	repo.claimOK = false

	config := testConfig()
	pool := New(&config, repo, func(ctx context.Context, b *types.PaymentBatch) error {
		t.Error("process must not run when the claim is lost")
		return nil
	})

	if err := pool.tick(context.Background()); err != nil {
		t.Fatalf("unexpected tick error: %v", err)
	}
}

func TestPool_PermanentErrorFailsBatch(t *testing.T) {
	repo := newFakeRepo(types.PaymentBatch{
		ID:     "b-1",
		Status: types.BatchAwaitingSignature,
	})

	config := testConfig()
	pool := New(&config, repo, func(ctx context.Context, b *types.PaymentBatch) error {
		return svcerr.Permanent("bad batch", nil)
	})

	if err := pool.tick(context.Background()); err != nil {
		t.Fatalf("unexpected tick error: %v", err)
	}

	if _, ok := repo.failed["b-1"]; !ok {
		t.Fatal("expected the batch to be failed")
	}
	if len(repo.retried) != 0 {
		t.Fatalf("expected no retries, got %v", repo.retried)
	}
}

func TestPool_TransientErrorSchedulesRetry(t *testing.T) {
	repo := newFakeRepo(types.PaymentBatch{
		ID:     "b-1",
		Status: types.BatchAwaitingSignature,
	})

	config := testConfig()
	pool := New(&config, repo, func(ctx context.Context, b *types.PaymentBatch) error {
		return svcerr.Transient("node hiccup", nil)
	})

	if err := pool.tick(context.Background()); err != nil {
		t.Fatalf("unexpected tick error: %v", err)
	}

	if _, ok := repo.retried["b-1"]; !ok {
		t.Fatal("expected the batch to be scheduled for retry")
	}
	if len(repo.failed) != 0 {
		t.Fatalf("expected no failures, got %v", repo.failed)
	}
}

func TestPool_StoreErrorLeavesBatchAlone(t *testing.T) {
	repo := newFakeRepo(types.PaymentBatch{
		ID:     "b-1",
		Status: types.BatchAwaitingSignature,
	})

	config := testConfig()
	pool := New(&config, repo, func(ctx context.Context, b *types.PaymentBatch) error {
		return svcerr.Store("db went away", nil)
	})

	if err := pool.tick(context.Background()); err != nil {
		t.Fatalf("unexpected tick error: %v", err)
	}

	if len(repo.failed) != 0 || len(repo.retried) != 0 {
		t.Fatal("store errors must not consume the retry budget or fail the batch")
	}
}

func TestPool_NoClaimStatusSkipsClaiming(t *testing.T) {
	repo := newFakeRepo(types.PaymentBatch{
		ID:     "b-1",
		Status: types.BatchAwaitingSignature,
	})

	config := testConfig()
	config.ClaimStatus = ""

	processed := false
	pool := New(&config, repo, func(ctx context.Context, b *types.PaymentBatch) error {
		processed = true
		return nil
	})

	if err := pool.tick(context.Background()); err != nil {
		t.Fatalf("unexpected tick error: %v", err)
	}

	if !processed {
		t.Fatal("expected the batch to be processed")
	}
	if len(repo.claims) != 0 {
		t.Fatalf("expected no claims, got %v", repo.claims)
	}
	if repo.recoverCall != 0 {
		t.Error("stuck recovery must not run without a claim status")
	}
}
