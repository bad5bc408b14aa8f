package confirmer

import (
	"context"
	"testing"

	"github.com/openledger/payment-processor/internal/types"
	"github.com/openledger/payment-processor/internal/worker"

	svcerr "github.com/openledger/payment-processor/internal/errors"
)

type fakeRepo struct {
	worker.Repository

	confirmedID string
	height      int64
	headerHash  string
	timestamp   int64
}

func (f *fakeRepo) ConfirmBatch(ctx context.Context, batchID string,
	minedHeight int64, minedHeaderHash string, minedTimestamp int64) error {
	f.confirmedID = batchID
	f.height = minedHeight
	f.headerHash = minedHeaderHash
	f.timestamp = minedTimestamp
	return nil
}

type fakeNode struct {
	result *types.ConfirmationResult
	hash   string
}

func (f *fakeNode) QueryConfirmations(ctx context.Context,
	txHash string) (*types.ConfirmationResult, error) {
	f.hash = txHash
	return f.result, nil
}

func testConfirmer(repo *fakeRepo, node *fakeNode) *Confirmer {
	return New(&Config{
		ConfirmationDepth: 10,
		Worker: worker.Config{
			Name:        "confirmation-checker",
			InputStatus: types.BatchAwaitingConfirmation,
			MaxRetries:  3,
		},
	}, repo, node)
}

func testBatch() *types.PaymentBatch {
	signed := `[{"hash":"h1","tx":1}]`
	return &types.PaymentBatch{
		ID:           "b-1",
		Status:       types.BatchAwaitingConfirmation,
		SignedTxJSON: &signed,
	}
}

func TestConfirmer_DeepEnoughConfirms(t *testing.T) {
	repo := &fakeRepo{}
	node := &fakeNode{result: &types.ConfirmationResult{
		Location:        types.TxLocationMined,
		Depth:           10,
		MinedHeight:     1234,
		MinedHeaderHash: "hdr",
		MinedTimestamp:  1700000000,
	}}

	if err := testConfirmer(repo, node).process(context.Background(), testBatch()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if node.hash != "h1" {
		t.Errorf("expected query for h1, got %q", node.hash)
	}
	if repo.confirmedID != "b-1" {
		t.Fatal("expected the batch to confirm")
	}
	if repo.height != 1234 || repo.headerHash != "hdr" || repo.timestamp != 1700000000 {
		t.Errorf("mined details must be persisted, got %d %q %d",
			repo.height, repo.headerHash, repo.timestamp)
	}
}

func TestConfirmer_ShallowDepthWaits(t *testing.T) {
	repo := &fakeRepo{}
	node := &fakeNode{result: &types.ConfirmationResult{
		Location: types.TxLocationMined,
		Depth:    9,
	}}

	if err := testConfirmer(repo, node).process(context.Background(), testBatch()); err != nil {
		t.Fatalf("a shallow transaction must be left alone, got %v", err)
	}
	if repo.confirmedID != "" {
		t.Fatal("a shallow transaction must not confirm")
	}
}

func TestConfirmer_NotFoundWaits(t *testing.T) {
	repo := &fakeRepo{}
	node := &fakeNode{result: &types.ConfirmationResult{
		Location: types.TxLocationNotFound,
	}}

	if err := testConfirmer(repo, node).process(context.Background(), testBatch()); err != nil {
		t.Fatalf("a missing transaction must be left alone, got %v", err)
	}
	if repo.confirmedID != "" {
		t.Fatal("a missing transaction must not confirm")
	}
}

func TestConfirmer_ReorgedOutFailsPermanently(t *testing.T) {
	repo := &fakeRepo{}
	node := &fakeNode{result: &types.ConfirmationResult{
		Location: types.TxLocationReorgedOut,
	}}

	err := testConfirmer(repo, node).process(context.Background(), testBatch())
	if err == nil {
		t.Fatal("expected an error")
	}
	if !svcerr.IsPermanent(err) {
		t.Fatalf("a reorged-out transaction must fail permanently, got %v", err)
	}
}

func TestConfirmer_MissingSignedListIsPermanent(t *testing.T) {
	repo := &fakeRepo{}
	node := &fakeNode{}

	batch := &types.PaymentBatch{ID: "b-1", Status: types.BatchAwaitingConfirmation}
	err := testConfirmer(repo, node).process(context.Background(), batch)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !svcerr.IsPermanent(err) {
		t.Fatalf("a batch without signed txs must fail permanently, got %v", err)
	}
}
