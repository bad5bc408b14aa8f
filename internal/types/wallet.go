package types

import (
	"encoding/json"
)

// Wallet API discriminator values for unsigned transaction responses.
const (
	TxKindFinal = "final"
	TxKindSplit = "split"
)

// UnsignedTxItem is one payment as presented to the Wallet API. The order of
// items must be deterministic so that retried requests with the same
// idempotency key are byte-identical.
type UnsignedTxItem struct {
	RecipientAddress string `json:"recipient_address"`
	Amount           int64  `json:"amount"`
	Memo             string `json:"memo,omitempty"`
}

// UnsignedTxRequest asks the Wallet API to construct the transaction(s) for a
// batch cycle.
type UnsignedTxRequest struct {
	AccountName    string           `json:"account_name"`
	Payments       []UnsignedTxItem `json:"payments"`
	IdempotencyKey string           `json:"idempotency_key"`
	Cycle          int              `json:"cycle"`
}

// UnsignedTxResponse is the Wallet API answer: either a single final payment
// transaction or an ordered list of consolidation split transactions.
type UnsignedTxResponse struct {
	Kind        string            `json:"kind"`
	UnsignedTx  json.RawMessage   `json:"unsigned_tx,omitempty"`
	UnsignedTxs []json.RawMessage `json:"unsigned_txs,omitempty"`
}

// SubmitResult reports a base node's verdict on a submitted transaction.
type SubmitResult struct {
	Accepted        bool   `json:"accepted"`
	RejectionReason string `json:"rejection_reason,omitempty"`
	Permanent       bool   `json:"permanent,omitempty"`
}

type TxLocation string

const (
	TxLocationMined      TxLocation = "mined"
	TxLocationMempool    TxLocation = "mempool"
	TxLocationNotFound   TxLocation = "not_found"
	TxLocationReorgedOut TxLocation = "reorged_out"
)

// ConfirmationResult reports the chain depth of a broadcast transaction.
type ConfirmationResult struct {
	Location        TxLocation `json:"location"`
	Depth           uint64     `json:"depth"`
	MinedHeight     int64      `json:"mined_height,omitempty"`
	MinedHeaderHash string     `json:"mined_header_hash,omitempty"`
	MinedTimestamp  int64      `json:"mined_timestamp,omitempty"`
}
