package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/openledger/payment-processor/internal/queue"
	"github.com/openledger/payment-processor/internal/types"
)

type fakeRepo struct {
	payments []types.Payment
	notified []string
}

func (f *fakeRepo) TerminalUnnotifiedPayments(ctx context.Context, limit int) ([]types.Payment, error) {
	return f.payments, nil
}

func (f *fakeRepo) MarkPaymentsNotified(ctx context.Context, ids []string) error {
	f.notified = append(f.notified, ids...)
	return nil
}

type fakePublisher struct {
	messages [][]byte
	failAt   int
}

func (f *fakePublisher) Publish(queueName queue.QueueName, message []byte) error {
	if queueName != queue.QueuePaymentStatus {
		return fmt.Errorf("unexpected queue %q", queueName)
	}
	if f.failAt > 0 && len(f.messages)+1 == f.failAt {
		return fmt.Errorf("broker gone")
	}
	f.messages = append(f.messages, message)
	return nil
}

func testNotifier(repo *fakeRepo, pub *fakePublisher) *Notifier {
	return New(&Config{
		BatchSize:    100,
		PollInterval: time.Millisecond,
		DBTimeout:    time.Second,
	}, pub, repo)
}

func terminalPayment(id string, status types.PaymentStatus) types.Payment {
	return types.Payment{
		ID:          id,
		ClientID:    "c-" + id,
		AccountName: "alpha",
		Status:      status,
	}
}

func TestNotifier_PublishesTerminalOutcomes(t *testing.T) {
	reason := "reorged-out"
	failed := terminalPayment("p-2", types.PaymentFailed)
	failed.FailureReason = &reason

	repo := &fakeRepo{payments: []types.Payment{
		terminalPayment("p-1", types.PaymentConfirmed),
		failed,
	}}
	pub := &fakePublisher{}

	if err := testNotifier(repo, pub).tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pub.messages) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(pub.messages))
	}

	var first PaymentStatusNotification
	if err := json.Unmarshal(pub.messages[0], &first); err != nil {
		t.Fatalf("couldn't decode notification: %v", err)
	}
	if first.Pattern != PatternPaymentStatus {
		t.Errorf("unexpected pattern %q", first.Pattern)
	}
	if first.Data.PaymentID != "p-1" || first.Data.Status != types.PaymentConfirmed {
		t.Errorf("unexpected payload %+v", first.Data)
	}

	var second PaymentStatusNotification
	if err := json.Unmarshal(pub.messages[1], &second); err != nil {
		t.Fatalf("couldn't decode notification: %v", err)
	}
	if second.Data.FailureReason == nil || *second.Data.FailureReason != "reorged-out" {
		t.Errorf("failure reason must be carried, got %+v", second.Data)
	}

	if len(repo.notified) != 2 {
		t.Fatalf("expected both payments marked notified, got %v", repo.notified)
	}
}

func TestNotifier_PublishFailureStopsMarking(t *testing.T) {
	repo := &fakeRepo{payments: []types.Payment{
		terminalPayment("p-1", types.PaymentConfirmed),
		terminalPayment("p-2", types.PaymentConfirmed),
	}}
	pub := &fakePublisher{failAt: 2}

	if err := testNotifier(repo, pub).tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Only the delivered notification may be marked; p-2 is retried next tick.
	if len(repo.notified) != 1 || repo.notified[0] != "p-1" {
		t.Fatalf("expected only p-1 marked, got %v", repo.notified)
	}
}

func TestNotifier_NothingToDo(t *testing.T) {
	repo := &fakeRepo{}
	pub := &fakePublisher{}

	if err := testNotifier(repo, pub).tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.messages) != 0 || len(repo.notified) != 0 {
		t.Fatal("an empty window must publish and mark nothing")
	}
}
