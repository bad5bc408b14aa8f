package signer

import (
	"context"
	"fmt"
	"testing"

	"github.com/openledger/payment-processor/internal/types"
	"github.com/openledger/payment-processor/internal/worker"

	svcerr "github.com/openledger/payment-processor/internal/errors"
)

type fakeRepo struct {
	worker.Repository

	signedID   string
	signedJSON string
}

func (f *fakeRepo) MarkSigned(ctx context.Context, batchID, signedTxJSON string) error {
	f.signedID = batchID
	f.signedJSON = signedTxJSON
	return nil
}

type fakeWallet struct {
	inputs [][]byte
	failAt int
}

func (f *fakeWallet) Sign(ctx context.Context, unsigned []byte) ([]byte, error) {
	f.inputs = append(f.inputs, unsigned)
	if f.failAt > 0 && len(f.inputs) == f.failAt {
		return nil, fmt.Errorf("wallet crashed")
	}
	return []byte(fmt.Sprintf(`{"signed":%s}`, unsigned)), nil
}

func testSigner(repo *fakeRepo, wallet *fakeWallet) *Signer {
	return New(&Config{
		Worker: worker.Config{
			Name:        "signer",
			InputStatus: types.BatchAwaitingSignature,
			ClaimStatus: types.BatchSigningInProgress,
			MaxRetries:  3,
		},
	}, repo, wallet)
}

func testBatch(unsigned string) *types.PaymentBatch {
	return &types.PaymentBatch{
		ID:             "b-1",
		Status:         types.BatchSigningInProgress,
		UnsignedTxJSON: &unsigned,
	}
}

func TestSigner_SignsAllTransactionsInOrder(t *testing.T) {
	repo := &fakeRepo{}
	wallet := &fakeWallet{}

	batch := testBatch(`[{"tx":1},{"tx":2},{"tx":3}]`)
	if err := testSigner(repo, wallet).process(context.Background(), batch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(wallet.inputs) != 3 {
		t.Fatalf("expected 3 signing calls, got %d", len(wallet.inputs))
	}
	for i, input := range wallet.inputs {
		want := fmt.Sprintf(`{"tx":%d}`, i+1)
		if string(input) != want {
			t.Errorf("signing call %d: want %s, got %s", i, want, input)
		}
	}

	if repo.signedID != "b-1" {
		t.Fatal("expected the batch to be marked signed")
	}

	signed, err := types.DecodeTxList(&repo.signedJSON)
	if err != nil {
		t.Fatalf("stored signed list must decode: %v", err)
	}
	if len(signed) != 3 {
		t.Fatalf("expected 3 signed txs, got %d", len(signed))
	}
	if string(signed[1]) != `{"signed":{"tx":2}}` {
		t.Errorf("signed list must preserve order, got %s", signed[1])
	}
}

func TestSigner_WalletFailureIsTransient(t *testing.T) {
	repo := &fakeRepo{}
	wallet := &fakeWallet{failAt: 2}

	batch := testBatch(`[{"tx":1},{"tx":2},{"tx":3}]`)
	err := testSigner(repo, wallet).process(context.Background(), batch)
	if err == nil {
		t.Fatal("expected an error")
	}
	if svcerr.IsPermanent(err) || svcerr.IsStore(err) {
		t.Fatalf("wallet failures must be retried, got %v", err)
	}
	if repo.signedID != "" {
		t.Error("a partially signed batch must not be marked signed")
	}
}

func TestSigner_MissingUnsignedListIsPermanent(t *testing.T) {
	repo := &fakeRepo{}
	wallet := &fakeWallet{}

	batch := &types.PaymentBatch{ID: "b-1", Status: types.BatchSigningInProgress}
	err := testSigner(repo, wallet).process(context.Background(), batch)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !svcerr.IsPermanent(err) {
		t.Fatalf("a batch without unsigned txs must fail permanently, got %v", err)
	}
	if len(wallet.inputs) != 0 {
		t.Error("the wallet must not be invoked without unsigned txs")
	}
}
