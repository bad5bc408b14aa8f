package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/openledger/payment-processor/internal/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	svcerr "github.com/openledger/payment-processor/internal/errors"
)

const (
	DuplicateKeyValue string = "23505"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrPartialDuplicate marks a bulk admission that collides with only part
	// of an earlier request.
	ErrPartialDuplicate = errors.New("partial duplicate")
)

const paymentColumns = `
	id, client_id, account_name, status, payment_batch_id, recipient_address,
	amount, payment_id, failure_reason, notified_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*types.Payment, error) {
	var p types.Payment
	err := row.Scan(
		&p.ID, &p.ClientID, &p.AccountName, &p.Status, &p.PaymentBatchID,
		&p.RecipientAddress, &p.Amount, &p.PaymentID, &p.FailureReason,
		&p.NotifiedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePayment inserts a payment in RECEIVED status. Admission is idempotent
// on (account_name, client_id): when the pair already exists the original row
// is returned and created is false.
func (p *Postgres) CreatePayment(ctx context.Context, np types.NewPayment) (
	*types.Payment, bool, error) {

	id := uuid.NewString()

	row := p.pg.QueryRow(ctx, `
		INSERT INTO payments
			(id, client_id, account_name, status, recipient_address, amount, payment_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_name, client_id) DO NOTHING
		RETURNING`+paymentColumns,
		id, np.ClientID, np.AccountName, types.PaymentReceived,
		np.RecipientAddress, np.Amount, np.PaymentID,
	)

	payment, err := scanPayment(row)
	if err == nil {
		p.log.Info("Payment created", "id", payment.ID, "account", payment.AccountName)
		return payment, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, svcerr.Store("couldn't create payment", err)
	}

	// Conflict: an identical (account_name, client_id) admission exists.
	existing, err := p.paymentByClientID(ctx, np.AccountName, np.ClientID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (p *Postgres) paymentByClientID(ctx context.Context, accountName, clientID string) (
	*types.Payment, error) {

	row := p.pg.QueryRow(ctx,
		`SELECT`+paymentColumns+` FROM payments
		 WHERE account_name = $1 AND client_id = $2`,
		accountName, clientID,
	)
	payment, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, svcerr.Store("couldn't load payment by client id", err)
	}
	return payment, nil
}

// PaymentsByClientIDs returns existing payments for the given client ids on
// one account. Used by bulk admission to detect duplicates.
func (p *Postgres) PaymentsByClientIDs(ctx context.Context, accountName string,
	clientIDs []string) ([]types.Payment, error) {

	rows, err := p.pg.Query(ctx,
		`SELECT`+paymentColumns+` FROM payments
		 WHERE account_name = $1 AND client_id = ANY($2)`,
		accountName, clientIDs,
	)
	if err != nil {
		return nil, svcerr.Store("couldn't load payments by client ids", err)
	}
	defer rows.Close()

	return collectPayments(rows)
}

// PaymentWithBatch loads a payment and, when batched, its owning batch.
func (p *Postgres) PaymentWithBatch(ctx context.Context, id string) (
	*types.Payment, *types.PaymentBatch, error) {

	row := p.pg.QueryRow(ctx,
		`SELECT`+paymentColumns+` FROM payments WHERE id = $1`, id)
	payment, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, svcerr.Store("couldn't load payment", err)
	}

	if payment.PaymentBatchID == nil {
		return payment, nil, nil
	}

	batch, err := p.BatchByID(ctx, *payment.PaymentBatchID)
	if err != nil {
		return nil, nil, err
	}
	return payment, batch, nil
}

// ReceivablePayments returns payments awaiting batching in deterministic
// order: ascending created_at, then id. The order feeds the Wallet API
// request and must be stable across retries.
func (p *Postgres) ReceivablePayments(ctx context.Context, limit int) (
	[]types.Payment, error) {

	rows, err := p.pg.Query(ctx,
		`SELECT`+paymentColumns+` FROM payments
		 WHERE status = $1
		 ORDER BY created_at, id
		 LIMIT $2`,
		types.PaymentReceived, limit,
	)
	if err != nil {
		return nil, svcerr.Store("couldn't load receivable payments", err)
	}
	defer rows.Close()

	return collectPayments(rows)
}

// PaymentsByBatchID returns the batch members in the same deterministic order
// used when the batch was created.
func (p *Postgres) PaymentsByBatchID(ctx context.Context, batchID string) (
	[]types.Payment, error) {

	rows, err := p.pg.Query(ctx,
		`SELECT`+paymentColumns+` FROM payments
		 WHERE payment_batch_id = $1
		 ORDER BY created_at, id`,
		batchID,
	)
	if err != nil {
		return nil, svcerr.Store("couldn't load batch payments", err)
	}
	defer rows.Close()

	return collectPayments(rows)
}

// TerminalUnnotifiedPayments returns confirmed or failed payments whose
// terminal status has not been published yet.
func (p *Postgres) TerminalUnnotifiedPayments(ctx context.Context, limit int) (
	[]types.Payment, error) {

	rows, err := p.pg.Query(ctx,
		`SELECT`+paymentColumns+` FROM payments
		 WHERE status IN ($1, $2) AND notified_at IS NULL
		 ORDER BY updated_at
		 LIMIT $3`,
		types.PaymentConfirmed, types.PaymentFailed, limit,
	)
	if err != nil {
		return nil, svcerr.Store("couldn't load unnotified payments", err)
	}
	defer rows.Close()

	return collectPayments(rows)
}

func (p *Postgres) MarkPaymentsNotified(ctx context.Context, ids []string) error {
	_, err := p.pg.Exec(ctx,
		`UPDATE payments SET notified_at = $1 WHERE id = ANY($2)`,
		time.Now().UTC(), ids,
	)
	if err != nil {
		return svcerr.Store("couldn't mark payments notified", err)
	}
	return nil
}

func collectPayments(rows pgx.Rows) ([]types.Payment, error) {
	var payments []types.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, svcerr.Store("couldn't scan payment row", err)
		}
		payments = append(payments, *payment)
	}
	if err := rows.Err(); err != nil {
		return nil, svcerr.Store("payment rows iteration failed", err)
	}
	return payments, nil
}
