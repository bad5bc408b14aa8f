package types

import (
	"encoding/json"
	"fmt"
	"time"
)

type BatchStatus string

const (
	BatchPendingBatching      BatchStatus = "PENDING_BATCHING"
	BatchAwaitingSignature    BatchStatus = "AWAITING_SIGNATURE"
	BatchSigningInProgress    BatchStatus = "SIGNING_IN_PROGRESS"
	BatchAwaitingBroadcast    BatchStatus = "AWAITING_BROADCAST"
	BatchBroadcasting         BatchStatus = "BROADCASTING"
	BatchAwaitingConfirmation BatchStatus = "AWAITING_CONFIRMATION"
	BatchConfirmed            BatchStatus = "CONFIRMED"
	BatchFailed               BatchStatus = "FAILED"
)

// PaymentBatch is the pipeline's unit of work. All member payments share the
// batch's account. The status column is the rendezvous between workers; the
// only backward transition is BROADCASTING -> PENDING_BATCHING on a
// consolidation loopback.
type PaymentBatch struct {
	ID               string      `db:"id"`
	AccountName      string      `db:"account_name"`
	Status           BatchStatus `db:"status"`
	PRIdempotencyKey string      `db:"pr_idempotency_key"`
	UnsignedTxJSON   *string     `db:"unsigned_tx_json"`
	SignedTxJSON     *string     `db:"signed_tx_json"`
	IsConsolidation  bool        `db:"is_consolidation"`
	Cycle            int         `db:"cycle"`
	ErrorMessage     *string     `db:"error_message"`
	RetryCount       int         `db:"retry_count"`
	ClaimedBy        *string     `db:"claimed_by"`
	MinedHeight      *int64      `db:"mined_height"`
	MinedHeaderHash  *string     `db:"mined_header_hash"`
	MinedTimestamp   *int64      `db:"mined_timestamp"`
	CreatedAt        time.Time   `db:"created_at"`
	UpdatedAt        time.Time   `db:"updated_at"`
}

// EncodeTxList serialises a list of transaction payloads for the
// unsigned_tx_json / signed_tx_json columns.
func EncodeTxList(txs []json.RawMessage) (string, error) {
	data, err := json.Marshal(txs)
	if err != nil {
		return "", fmt.Errorf("couldn't encode tx list: %w", err)
	}
	return string(data), nil
}

// DecodeTxList parses a stored transaction list column.
func DecodeTxList(column *string) ([]json.RawMessage, error) {
	if column == nil || *column == "" {
		return nil, fmt.Errorf("tx list column is empty")
	}

	var txs []json.RawMessage
	if err := json.Unmarshal([]byte(*column), &txs); err != nil {
		return nil, fmt.Errorf("couldn't decode tx list: %w", err)
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("tx list column holds no transactions")
	}

	return txs, nil
}

// TxHash extracts the transaction hash from a signed transaction envelope.
// The console wallet emits signed transactions as JSON objects carrying a
// top-level "hash" field next to the chain-specific payload.
func TxHash(signed json.RawMessage) (string, error) {
	var envelope struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(signed, &envelope); err != nil {
		return "", fmt.Errorf("couldn't parse signed tx envelope: %w", err)
	}
	if envelope.Hash == "" {
		return "", fmt.Errorf("signed tx envelope has no hash")
	}
	return envelope.Hash, nil
}
