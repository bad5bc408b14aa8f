package txcreator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/openledger/payment-processor/internal/types"
	"github.com/openledger/payment-processor/internal/worker"

	svcerr "github.com/openledger/payment-processor/internal/errors"
)

type fakeRepo struct {
	payments map[string][]types.Payment

	advancedID      string
	advancedJSON    string
	isConsolidation bool
}

func (f *fakeRepo) BatchesByStatus(ctx context.Context, status types.BatchStatus, limit int) ([]types.PaymentBatch, error) {
	return nil, nil
}

func (f *fakeRepo) ClaimBatch(ctx context.Context, batchID string, from, to types.BatchStatus, owner string) (bool, error) {
	return true, nil
}

func (f *fakeRepo) RecoverStuckBatches(ctx context.Context, inProgress, waiting types.BatchStatus, olderThan time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeRepo) FailBatch(ctx context.Context, batchID, reason string) error {
	return nil
}

func (f *fakeRepo) RetryBatch(ctx context.Context, batchID string, waiting types.BatchStatus, reason string, maxRetries int) error {
	return nil
}

func (f *fakeRepo) PaymentsByBatchID(ctx context.Context, batchID string) ([]types.Payment, error) {
	return f.payments[batchID], nil
}

func (f *fakeRepo) MarkAwaitingSignature(ctx context.Context, batchID,
	unsignedTxJSON string, isConsolidation bool) error {
	f.advancedID = batchID
	f.advancedJSON = unsignedTxJSON
	f.isConsolidation = isConsolidation
	return nil
}

type fakeWallet struct {
	resp *types.UnsignedTxResponse
	err  error
	req  *types.UnsignedTxRequest
}

func (f *fakeWallet) CreateUnsignedTransactions(ctx context.Context,
	req *types.UnsignedTxRequest) (*types.UnsignedTxResponse, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func testCreator(repo *fakeRepo, wallet *fakeWallet) *Creator {
	return New(&Config{
		MaxCycles: 2,
		Worker: worker.Config{
			Name:        "tx-creator",
			InputStatus: types.BatchPendingBatching,
			MaxRetries:  3,
		},
	}, repo, wallet)
}

func testBatch(cycle int) *types.PaymentBatch {
	return &types.PaymentBatch{
		ID:               "b-1",
		AccountName:      "alpha",
		Status:           types.BatchPendingBatching,
		PRIdempotencyKey: "key-1",
		Cycle:            cycle,
	}
}

func TestCreator_FinalResponseAdvancesBatch(t *testing.T) {
	memo := "inv-42"
	repo := &fakeRepo{payments: map[string][]types.Payment{
		"b-1": {
			{ID: "p-1", RecipientAddress: "addr-1", Amount: 100, PaymentID: &memo},
			{ID: "p-2", RecipientAddress: "addr-2", Amount: 200},
		},
	}}
	wallet := &fakeWallet{resp: &types.UnsignedTxResponse{
		Kind:       types.TxKindFinal,
		UnsignedTx: json.RawMessage(`{"tx":1}`),
	}}

	if err := testCreator(repo, wallet).process(context.Background(), testBatch(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if wallet.req == nil {
		t.Fatal("expected a wallet api call")
	}
	if len(wallet.req.Payments) != 2 {
		t.Fatalf("expected 2 payment items, got %d", len(wallet.req.Payments))
	}
	if wallet.req.Payments[0].Memo != "inv-42" {
		t.Errorf("expected payment_id carried as memo, got %q", wallet.req.Payments[0].Memo)
	}
	if wallet.req.IdempotencyKey != "key-1" {
		t.Errorf("expected batch idempotency key, got %q", wallet.req.IdempotencyKey)
	}

	if repo.advancedID != "b-1" {
		t.Fatal("expected the batch to advance")
	}
	if repo.isConsolidation {
		t.Error("final responses must not flag consolidation")
	}

	txs, err := types.DecodeTxList(&repo.advancedJSON)
	if err != nil {
		t.Fatalf("stored list must decode: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected one stored tx, got %d", len(txs))
	}
}

func TestCreator_SplitResponseFlagsConsolidation(t *testing.T) {
	repo := &fakeRepo{payments: map[string][]types.Payment{
		"b-1": {{ID: "p-1", RecipientAddress: "addr-1", Amount: 100}},
	}}
	wallet := &fakeWallet{resp: &types.UnsignedTxResponse{
		Kind: types.TxKindSplit,
		UnsignedTxs: []json.RawMessage{
			json.RawMessage(`{"tx":1}`),
			json.RawMessage(`{"tx":2}`),
		},
	}}

	if err := testCreator(repo, wallet).process(context.Background(), testBatch(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !repo.isConsolidation {
		t.Fatal("split responses must flag consolidation")
	}

	txs, err := types.DecodeTxList(&repo.advancedJSON)
	if err != nil {
		t.Fatalf("stored list must decode: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected two stored txs, got %d", len(txs))
	}
}

func TestCreator_SplitAtMaxCyclesIsPermanent(t *testing.T) {
	repo := &fakeRepo{payments: map[string][]types.Payment{
		"b-1": {{ID: "p-1", RecipientAddress: "addr-1", Amount: 100}},
	}}
	wallet := &fakeWallet{resp: &types.UnsignedTxResponse{
		Kind:        types.TxKindSplit,
		UnsignedTxs: []json.RawMessage{json.RawMessage(`{"tx":1}`)},
	}}

	err := testCreator(repo, wallet).process(context.Background(), testBatch(2))
	if err == nil {
		t.Fatal("expected an error")
	}
	if !svcerr.IsPermanent(err) {
		t.Fatalf("consolidation exhaustion must be permanent, got %v", err)
	}
	if repo.advancedID != "" {
		t.Error("an exhausted batch must not advance")
	}
}

func TestCreator_EmptyBatchIsPermanent(t *testing.T) {
	repo := &fakeRepo{payments: map[string][]types.Payment{}}
	wallet := &fakeWallet{}

	err := testCreator(repo, wallet).process(context.Background(), testBatch(1))
	if err == nil {
		t.Fatal("expected an error")
	}
	if !svcerr.IsPermanent(err) {
		t.Fatalf("an empty batch must fail permanently, got %v", err)
	}
	if wallet.req != nil {
		t.Error("the wallet api must not be called for an empty batch")
	}
}

func TestCreator_UnknownKindIsTransient(t *testing.T) {
	repo := &fakeRepo{payments: map[string][]types.Payment{
		"b-1": {{ID: "p-1", RecipientAddress: "addr-1", Amount: 100}},
	}}
	wallet := &fakeWallet{resp: &types.UnsignedTxResponse{Kind: "mystery"}}

	err := testCreator(repo, wallet).process(context.Background(), testBatch(1))
	if err == nil {
		t.Fatal("expected an error")
	}
	if svcerr.IsPermanent(err) || svcerr.IsStore(err) {
		t.Fatalf("an unknown kind must be retried, got %v", err)
	}
}
