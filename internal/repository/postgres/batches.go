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

const batchColumns = `
	id, account_name, status, pr_idempotency_key, unsigned_tx_json,
	signed_tx_json, is_consolidation, cycle, error_message, retry_count,
	claimed_by, mined_height, mined_header_hash, mined_timestamp,
	created_at, updated_at`

func scanBatch(row rowScanner) (*types.PaymentBatch, error) {
	var b types.PaymentBatch
	err := row.Scan(
		&b.ID, &b.AccountName, &b.Status, &b.PRIdempotencyKey,
		&b.UnsignedTxJSON, &b.SignedTxJSON, &b.IsConsolidation, &b.Cycle,
		&b.ErrorMessage, &b.RetryCount, &b.ClaimedBy, &b.MinedHeight,
		&b.MinedHeaderHash, &b.MinedTimestamp, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (p *Postgres) BatchByID(ctx context.Context, id string) (*types.PaymentBatch, error) {
	row := p.pg.QueryRow(ctx,
		`SELECT`+batchColumns+` FROM payment_batches WHERE id = $1`, id)
	batch, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, svcerr.Store("couldn't load batch", err)
	}
	return batch, nil
}

// BatchesByStatus returns batches in a given pipeline status, oldest first.
func (p *Postgres) BatchesByStatus(ctx context.Context, status types.BatchStatus,
	limit int) ([]types.PaymentBatch, error) {

	rows, err := p.pg.Query(ctx,
		`SELECT`+batchColumns+` FROM payment_batches
		 WHERE status = $1
		 ORDER BY created_at
		 LIMIT $2`,
		status, limit,
	)
	if err != nil {
		return nil, svcerr.Store("couldn't load batches by status", err)
	}
	defer rows.Close()

	var batches []types.PaymentBatch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, svcerr.Store("couldn't scan batch row", err)
		}
		batches = append(batches, *batch)
	}
	if err := rows.Err(); err != nil {
		return nil, svcerr.Store("batch rows iteration failed", err)
	}
	return batches, nil
}

// CreateBatchWithPayments creates a PENDING_BATCHING batch and moves the
// selected payments to BATCHED in a single transaction.
func (p *Postgres) CreateBatchWithPayments(ctx context.Context, accountName,
	prIdempotencyKey string, paymentIDs []string) (*types.PaymentBatch, error) {

	tx, err := p.pg.Begin(ctx)
	if err != nil {
		return nil, svcerr.Store("couldn't begin batch creation", err)
	}
	defer tx.Rollback(ctx)

	batch, err := createBatchWithPaymentsTx(ctx, tx, accountName, prIdempotencyKey, paymentIDs)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, svcerr.Store("couldn't commit batch creation", err)
	}

	p.log.Info("Payment batch created",
		"batch", batch.ID,
		"account", accountName,
		"payments", len(paymentIDs),
	)
	return batch, nil
}

func createBatchWithPaymentsTx(ctx context.Context, tx pgx.Tx, accountName,
	prIdempotencyKey string, paymentIDs []string) (*types.PaymentBatch, error) {

	row := tx.QueryRow(ctx, `
		INSERT INTO payment_batches (id, account_name, status, pr_idempotency_key)
		VALUES ($1, $2, $3, $4)
		RETURNING`+batchColumns,
		uuid.NewString(), accountName, types.BatchPendingBatching, prIdempotencyKey,
	)
	batch, err := scanBatch(row)
	if err != nil {
		return nil, svcerr.Store("couldn't insert batch", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE payments
		SET status = $1, payment_batch_id = $2, updated_at = now()
		WHERE id = ANY($3)`,
		types.PaymentBatched, batch.ID, paymentIDs,
	)
	if err != nil {
		return nil, svcerr.Store("couldn't attach payments to batch", err)
	}

	return batch, nil
}

// AdmitPaymentBatch creates all payments of a bulk admission request together
// with their batch in one transaction. The payments are returned in insertion
// order with BATCHED status. A resend of a fully admitted request returns the
// original batch; a request where only some client ids exist is rejected with
// ErrPartialDuplicate.
func (p *Postgres) AdmitPaymentBatch(ctx context.Context, accountName string,
	items []types.NewPayment) (*types.PaymentBatch, []types.Payment, error) {

	clientIDs := make([]string, len(items))
	for i, item := range items {
		clientIDs[i] = item.ClientID
	}

	existing, err := p.PaymentsByClientIDs(ctx, accountName, clientIDs)
	if err != nil {
		return nil, nil, err
	}
	if len(existing) > 0 {
		if len(existing) < len(items) || !sameBatch(existing) {
			return nil, nil, ErrPartialDuplicate
		}
		batch, err := p.BatchByID(ctx, *existing[0].PaymentBatchID)
		if err != nil {
			return nil, nil, err
		}
		return batch, existing, nil
	}

	tx, err := p.pg.Begin(ctx)
	if err != nil {
		return nil, nil, svcerr.Store("couldn't begin bulk admission", err)
	}
	defer tx.Rollback(ctx)

	payments := make([]types.Payment, 0, len(items))
	paymentIDs := make([]string, 0, len(items))
	for _, item := range items {
		row := tx.QueryRow(ctx, `
			INSERT INTO payments
				(id, client_id, account_name, status, recipient_address, amount, payment_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING`+paymentColumns,
			uuid.NewString(), item.ClientID, accountName, types.PaymentReceived,
			item.RecipientAddress, item.Amount, item.PaymentID,
		)
		payment, err := scanPayment(row)
		if err != nil {
			return nil, nil, svcerr.Store("couldn't insert bulk payment", err)
		}
		payments = append(payments, *payment)
		paymentIDs = append(paymentIDs, payment.ID)
	}

	batch, err := createBatchWithPaymentsTx(ctx, tx, accountName, uuid.NewString(), paymentIDs)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, svcerr.Store("couldn't commit bulk admission", err)
	}

	for i := range payments {
		payments[i].Status = types.PaymentBatched
		payments[i].PaymentBatchID = &batch.ID
	}

	p.log.Info("Bulk payment batch admitted",
		"batch", batch.ID,
		"account", accountName,
		"payments", len(payments),
	)
	return batch, payments, nil
}

// sameBatch reports whether all payments belong to one batch.
func sameBatch(payments []types.Payment) bool {
	first := payments[0].PaymentBatchID
	if first == nil {
		return false
	}
	for _, p := range payments[1:] {
		if p.PaymentBatchID == nil || *p.PaymentBatchID != *first {
			return false
		}
	}
	return true
}

// ClaimBatch moves a batch from a waiting status to an in-progress status
// with a compare-and-set on the current status. Exactly one concurrent caller
// wins; the rest observe claimed == false.
func (p *Postgres) ClaimBatch(ctx context.Context, batchID string,
	from, to types.BatchStatus, owner string) (bool, error) {

	tag, err := p.pg.Exec(ctx, `
		UPDATE payment_batches
		SET status = $1, claimed_by = $2, updated_at = now()
		WHERE id = $3 AND status = $4`,
		to, owner, batchID, from,
	)
	if err != nil {
		return false, svcerr.Store("couldn't claim batch", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecoverStuckBatches reverts batches held in an in-progress status for
// longer than the claim timeout back to their waiting status, charging one
// retry. This is how crashed workers release their claims.
func (p *Postgres) RecoverStuckBatches(ctx context.Context,
	inProgress, waiting types.BatchStatus, olderThan time.Duration) (int64, error) {

	tag, err := p.pg.Exec(ctx, `
		UPDATE payment_batches
		SET status = $1, claimed_by = NULL, retry_count = retry_count + 1,
		    updated_at = now()
		WHERE status = $2 AND updated_at < now() - ($3 * interval '1 millisecond')`,
		waiting, inProgress, olderThan.Milliseconds(),
	)
	if err != nil {
		return 0, svcerr.Store("couldn't recover stuck batches", err)
	}
	return tag.RowsAffected(), nil
}

// MarkAwaitingSignature stores the unsigned transaction list produced by the
// Wallet API and advances the batch out of PENDING_BATCHING.
func (p *Postgres) MarkAwaitingSignature(ctx context.Context, batchID,
	unsignedTxJSON string, isConsolidation bool) error {

	return p.advance(ctx, batchID, types.BatchPendingBatching, `
		UPDATE payment_batches
		SET status = $1, unsigned_tx_json = $2, is_consolidation = $3,
		    error_message = NULL, retry_count = 0, updated_at = now()
		WHERE id = $4 AND status = $5`,
		types.BatchAwaitingSignature, unsignedTxJSON, isConsolidation,
		batchID, types.BatchPendingBatching,
	)
}

// MarkSigned stores the signed transaction list and releases the signing
// claim.
func (p *Postgres) MarkSigned(ctx context.Context, batchID, signedTxJSON string) error {
	return p.advance(ctx, batchID, types.BatchSigningInProgress, `
		UPDATE payment_batches
		SET status = $1, signed_tx_json = $2, claimed_by = NULL,
		    error_message = NULL, retry_count = 0, updated_at = now()
		WHERE id = $3 AND status = $4`,
		types.BatchAwaitingBroadcast, signedTxJSON,
		batchID, types.BatchSigningInProgress,
	)
}

// MarkAwaitingConfirmation completes a final-path broadcast.
func (p *Postgres) MarkAwaitingConfirmation(ctx context.Context, batchID string) error {
	return p.advance(ctx, batchID, types.BatchBroadcasting, `
		UPDATE payment_batches
		SET status = $1, claimed_by = NULL, error_message = NULL,
		    retry_count = 0, updated_at = now()
		WHERE id = $2 AND status = $3`,
		types.BatchAwaitingConfirmation,
		batchID, types.BatchBroadcasting,
	)
}

// LoopbackBatch performs the single backward arc of the state graph: after a
// verified split cycle, the batch re-enters the pipeline head with a bumped
// cycle counter, cleared transaction artifacts, a fresh idempotency key and a
// reset retry budget, atomically.
func (p *Postgres) LoopbackBatch(ctx context.Context, batchID, newIdempotencyKey string) error {
	return p.advance(ctx, batchID, types.BatchBroadcasting, `
		UPDATE payment_batches
		SET status = $1, cycle = cycle + 1, pr_idempotency_key = $2,
		    unsigned_tx_json = NULL, signed_tx_json = NULL,
		    is_consolidation = FALSE, claimed_by = NULL,
		    error_message = NULL, retry_count = 0, updated_at = now()
		WHERE id = $3 AND status = $4`,
		types.BatchPendingBatching, newIdempotencyKey,
		batchID, types.BatchBroadcasting,
	)
}

func (p *Postgres) advance(ctx context.Context, batchID string,
	from types.BatchStatus, sql string, args ...any) error {

	tag, err := p.pg.Exec(ctx, sql, args...)
	if err != nil {
		return svcerr.Store("couldn't advance batch", err)
	}
	if tag.RowsAffected() != 1 {
		return svcerr.Store("batch "+batchID+" no longer in "+string(from), nil)
	}
	return nil
}

// ConfirmBatch moves the batch and all member payments to CONFIRMED in one
// transaction, recording where the final transaction was mined.
func (p *Postgres) ConfirmBatch(ctx context.Context, batchID string,
	minedHeight int64, minedHeaderHash string, minedTimestamp int64) error {

	tx, err := p.pg.Begin(ctx)
	if err != nil {
		return svcerr.Store("couldn't begin confirmation", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE payment_batches
		SET status = $1, mined_height = $2, mined_header_hash = $3,
		    mined_timestamp = $4, error_message = NULL, updated_at = now()
		WHERE id = $5 AND status = $6`,
		types.BatchConfirmed, minedHeight, minedHeaderHash, minedTimestamp,
		batchID, types.BatchAwaitingConfirmation,
	)
	if err != nil {
		return svcerr.Store("couldn't confirm batch", err)
	}
	if tag.RowsAffected() != 1 {
		return svcerr.Store("batch "+batchID+" no longer awaiting confirmation", nil)
	}

	_, err = tx.Exec(ctx, `
		UPDATE payments
		SET status = $1, updated_at = now()
		WHERE payment_batch_id = $2`,
		types.PaymentConfirmed, batchID,
	)
	if err != nil {
		return svcerr.Store("couldn't confirm batch payments", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return svcerr.Store("couldn't commit confirmation", err)
	}

	p.log.Info("Batch confirmed", "batch", batchID, "height", minedHeight)
	return nil
}

// FailBatch moves the batch and all member payments to FAILED in one
// transaction. Terminal statuses are absorbing: a batch already in CONFIRMED
// or FAILED is left untouched.
func (p *Postgres) FailBatch(ctx context.Context, batchID, reason string) error {
	tx, err := p.pg.Begin(ctx)
	if err != nil {
		return svcerr.Store("couldn't begin batch failure", err)
	}
	defer tx.Rollback(ctx)

	if err := failBatchTx(ctx, tx, batchID, reason); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return svcerr.Store("couldn't commit batch failure", err)
	}

	p.log.Warn("Batch failed", "batch", batchID, "reason", reason)
	return nil
}

func failBatchTx(ctx context.Context, tx pgx.Tx, batchID, reason string) error {
	_, err := tx.Exec(ctx, `
		UPDATE payment_batches
		SET status = $1, error_message = $2, claimed_by = NULL, updated_at = now()
		WHERE id = $3 AND status NOT IN ($4, $5)`,
		types.BatchFailed, reason, batchID,
		types.BatchConfirmed, types.BatchFailed,
	)
	if err != nil {
		return svcerr.Store("couldn't fail batch", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE payments
		SET status = $1, failure_reason = $2, updated_at = now()
		WHERE payment_batch_id = $3`,
		types.PaymentFailed, reason, batchID,
	)
	if err != nil {
		return svcerr.Store("couldn't fail batch payments", err)
	}
	return nil
}

// RetryBatch reverts a batch to its waiting status charging one retry, or
// fails it together with its payments once the retry budget is exhausted.
func (p *Postgres) RetryBatch(ctx context.Context, batchID string,
	waiting types.BatchStatus, reason string, maxRetries int) error {

	tx, err := p.pg.Begin(ctx)
	if err != nil {
		return svcerr.Store("couldn't begin batch retry", err)
	}
	defer tx.Rollback(ctx)

	var retryCount int
	err = tx.QueryRow(ctx,
		`SELECT retry_count FROM payment_batches WHERE id = $1 FOR UPDATE`,
		batchID,
	).Scan(&retryCount)
	if err != nil {
		return svcerr.Store("couldn't lock batch for retry", err)
	}

	if retryCount+1 >= maxRetries {
		if err := failBatchTx(ctx, tx, batchID, reason); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return svcerr.Store("couldn't commit batch failure", err)
		}
		p.log.Warn("Batch exhausted its retry budget",
			"batch", batchID,
			"retries", retryCount+1,
			"reason", reason,
		)
		return nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE payment_batches
		SET status = $1, retry_count = retry_count + 1, error_message = $2,
		    claimed_by = NULL, updated_at = now()
		WHERE id = $3`,
		waiting, reason, batchID,
	)
	if err != nil {
		return svcerr.Store("couldn't revert batch for retry", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return svcerr.Store("couldn't commit batch retry", err)
	}

	p.log.Info("Batch scheduled for retry",
		"batch", batchID,
		"retry", retryCount+1,
		"reason", reason,
	)
	return nil
}
