package notifier

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/openledger/payment-processor/internal/queue"
	"github.com/openledger/payment-processor/internal/types"
)

type Config struct {
	BatchSize    int
	PollInterval time.Duration
	DBTimeout    time.Duration
}

const (
	PatternPaymentStatus = "payment-status"
)

type PaymentStatusData struct {
	PaymentID     string              `json:"payment_id"`
	ClientID      string              `json:"client_id"`
	AccountName   string              `json:"account_name"`
	Status        types.PaymentStatus `json:"status"`
	FailureReason *string             `json:"failure_reason,omitempty"`
}

type PaymentStatusNotification struct {
	Pattern string            `json:"pattern"`
	Data    PaymentStatusData `json:"data"`
}

type Repository interface {
	TerminalUnnotifiedPayments(ctx context.Context, limit int) ([]types.Payment, error)
	MarkPaymentsNotified(ctx context.Context, ids []string) error
}

type Publisher interface {
	Publish(queueName queue.QueueName, message []byte) error
}

// Notifier publishes terminal payment outcomes to the payment-status queue so
// upstream services learn about CONFIRMED and FAILED payments without polling
// the API.
type Notifier struct {
	config *Config
	queue  Publisher
	repo   Repository
	log    *slog.Logger
}

func New(config *Config, rabbit Publisher, repo Repository) *Notifier {
	return &Notifier{
		config: config,
		queue:  rabbit,
		repo:   repo,
		log:    slog.With("component", "notifier"),
	}
}

func (n *Notifier) Start(ctx context.Context) error {
	n.log.Info("Starting notifier...")

	for {
		select {
		case <-ctx.Done():
			n.log.Info("Stopping notifier.")
			return ctx.Err()

		case <-time.After(n.config.PollInterval):
			if err := n.tick(ctx); err != nil {
				n.log.Error("notification cycle failed", "error", err)
			}
		}
	}
}

func (n *Notifier) tick(ctx context.Context) error {
	dbCtx, cancel := context.WithTimeout(ctx, n.config.DBTimeout)
	payments, err := n.repo.TerminalUnnotifiedPayments(dbCtx, n.config.BatchSize)
	cancel()
	if err != nil {
		return err
	}
	if len(payments) == 0 {
		return nil
	}

	// Notified rows are marked in one write after the loop; a crash in between
	// re-sends some notifications, which consumers must tolerate.
	notified := make([]string, 0, len(payments))
	for _, payment := range payments {
		payload := PaymentStatusNotification{
			Pattern: PatternPaymentStatus,
			Data: PaymentStatusData{
				PaymentID:     payment.ID,
				ClientID:      payment.ClientID,
				AccountName:   payment.AccountName,
				Status:        payment.Status,
				FailureReason: payment.FailureReason,
			},
		}

		jsonData, err := json.Marshal(payload)
		if err != nil {
			n.log.Error("error marshaling JSON", "payment", payment.ID, "error", err)
			break
		}

		n.log.Debug("Sending notification", "payload", jsonData)

		if err := n.queue.Publish(queue.QueuePaymentStatus, jsonData); err != nil {
			n.log.Error("couldn't enqueue message", "payment", payment.ID, "error", err)
			break
		}

		notified = append(notified, payment.ID)
	}

	if len(notified) == 0 {
		return nil
	}

	dbCtx, cancel = context.WithTimeout(ctx, n.config.DBTimeout)
	defer cancel()

	if err := n.repo.MarkPaymentsNotified(dbCtx, notified); err != nil {
		return err
	}

	n.log.Debug("Notified payment outcomes", "count", len(notified))
	return nil
}
