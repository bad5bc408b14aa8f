package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openledger/payment-processor/internal/helpers"
	"github.com/openledger/payment-processor/internal/metrics"
	"github.com/openledger/payment-processor/internal/repository/postgres"
	"github.com/openledger/payment-processor/internal/types"
)

// PaymentRequest is the admission payload. The (account_name, client_id) pair
// is the idempotency key: re-sending the same request returns the original
// payment instead of creating a second one.
type PaymentRequest struct {
	ClientID         string  `json:"client_id"`
	AccountName      string  `json:"account_name"`
	RecipientAddress string  `json:"recipient_address"`
	Amount           int64   `json:"amount"`
	PaymentID        *string `json:"payment_id,omitempty"`
}

type PaymentAdmission struct {
	ID      string              `json:"id"`
	Status  types.PaymentStatus `json:"status"`
	created bool
}

func (a PaymentAdmission) SuccessStatus() int {
	if a.created {
		return http.StatusAccepted
	}
	return http.StatusOK
}

// PaymentView is the full lookup response, including mined details once the
// batch confirms.
type PaymentView struct {
	ID               string              `json:"id"`
	ClientID         string              `json:"client_id"`
	AccountName      string              `json:"account_name"`
	Status           types.PaymentStatus `json:"status"`
	RecipientAddress string              `json:"recipient_address"`
	Amount           int64               `json:"amount"`
	PaymentID        *string             `json:"payment_id,omitempty"`
	FailureReason    *string             `json:"failure_reason,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	Batch            *BatchView          `json:"batch,omitempty"`
}

type BatchView struct {
	ID              string            `json:"id"`
	Status          types.BatchStatus `json:"status"`
	Cycle           int               `json:"cycle"`
	MinedHeight     *int64            `json:"mined_height,omitempty"`
	MinedHeaderHash *string           `json:"mined_header_hash,omitempty"`
	MinedTimestamp  *int64            `json:"mined_timestamp,omitempty"`
}

type PaymentBatchRequest struct {
	AccountName string           `json:"account_name"`
	Payments    []PaymentRequest `json:"payments"`
}

type PaymentBatchAdmission struct {
	BatchID  string             `json:"batch_id"`
	Status   types.BatchStatus  `json:"status"`
	Payments []PaymentAdmission `json:"payments"`
}

func (a PaymentBatchAdmission) SuccessStatus() int {
	return http.StatusAccepted
}

func (s *Server) CreatePaymentHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	var req PaymentRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if err := validatePayment(&req); err != nil {
		return nil, err
	}

	payment, created, err := s.repo.CreatePayment(r.Context(), types.NewPayment{
		ClientID:         req.ClientID,
		AccountName:      req.AccountName,
		RecipientAddress: req.RecipientAddress,
		Amount:           req.Amount,
		PaymentID:        req.PaymentID,
	})
	if err != nil {
		s.log.Error("couldn't admit payment", "client_id", req.ClientID, "error", err)
		return nil, &APIError{Code: ErrCodeInternal, Status: http.StatusInternalServerError}
	}

	if created {
		metrics.PaymentsAdmitted.Inc()
	}

	// Addresses and amounts are masked in the audit trail.
	s.log.Info("Payment admission",
		"payment", payment.ID,
		"client_id", req.ClientID,
		"account", req.AccountName,
		"recipient", helpers.MaskAddress(req.RecipientAddress),
		"amount", helpers.MaskAmount(req.Amount),
		"created", created,
	)

	return PaymentAdmission{
		ID:      payment.ID,
		Status:  payment.Status,
		created: created,
	}, nil
}

func (s *Server) GetPaymentHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	id := strings.TrimPrefix(r.URL.Path, "/payments/")
	if id == "" || strings.Contains(id, "/") {
		return nil, &APIError{Code: ErrCodeBadRequest, Status: http.StatusBadRequest}
	}

	cacheKey := "payment:" + id
	if s.cache != nil {
		if cached, ok := s.cache.Get(r.Context(), cacheKey); ok {
			return json.RawMessage(cached), nil
		}
	}

	payment, batch, err := s.repo.PaymentWithBatch(r.Context(), id)
	if errors.Is(err, postgres.ErrNotFound) {
		return nil, &APIError{Code: ErrCodeNotFound, Status: http.StatusNotFound}
	}
	if err != nil {
		s.log.Error("couldn't load payment", "payment", id, "error", err)
		return nil, &APIError{Code: ErrCodeInternal, Status: http.StatusInternalServerError}
	}

	view := PaymentView{
		ID:               payment.ID,
		ClientID:         payment.ClientID,
		AccountName:      payment.AccountName,
		Status:           payment.Status,
		RecipientAddress: payment.RecipientAddress,
		Amount:           payment.Amount,
		PaymentID:        payment.PaymentID,
		FailureReason:    payment.FailureReason,
		CreatedAt:        payment.CreatedAt,
		UpdatedAt:        payment.UpdatedAt,
	}
	if batch != nil {
		view.Batch = &BatchView{
			ID:              batch.ID,
			Status:          batch.Status,
			Cycle:           batch.Cycle,
			MinedHeight:     batch.MinedHeight,
			MinedHeaderHash: batch.MinedHeaderHash,
			MinedTimestamp:  batch.MinedTimestamp,
		}
	}

	if s.cache != nil {
		if encoded, err := json.Marshal(view); err == nil {
			s.cache.Set(r.Context(), cacheKey, encoded)
		}
	}

	return view, nil
}

// CreatePaymentBatchHandler admits a pre-grouped set of payments as a single
// batch, bypassing the batching window.
func (s *Server) CreatePaymentBatchHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	var req PaymentBatchRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if req.AccountName == "" || len(req.Payments) == 0 {
		return nil, &APIError{Code: ErrCodeBadRequest, Status: http.StatusBadRequest}
	}

	items := make([]types.NewPayment, len(req.Payments))
	for i, p := range req.Payments {
		if p.AccountName == "" {
			p.AccountName = req.AccountName
		}
		if p.AccountName != req.AccountName {
			return nil, &APIError{Code: ErrCodeBadRequest, Status: http.StatusBadRequest}
		}
		if err := validatePayment(&p); err != nil {
			return nil, err
		}
		items[i] = types.NewPayment{
			ClientID:         p.ClientID,
			AccountName:      p.AccountName,
			RecipientAddress: p.RecipientAddress,
			Amount:           p.Amount,
			PaymentID:        p.PaymentID,
		}
	}

	batch, payments, err := s.repo.AdmitPaymentBatch(r.Context(), req.AccountName, items)
	if errors.Is(err, postgres.ErrPartialDuplicate) {
		return nil, &APIError{Code: ErrCodeConflict, Status: http.StatusConflict}
	}
	if err != nil {
		s.log.Error("couldn't admit payment batch",
			"account", req.AccountName, "error", err)
		return nil, &APIError{Code: ErrCodeInternal, Status: http.StatusInternalServerError}
	}

	metrics.PaymentsAdmitted.Add(float64(len(payments)))
	metrics.BatchesCreated.Inc()

	s.log.Info("Payment batch admission",
		"batch", batch.ID,
		"account", req.AccountName,
		"payments", len(payments),
	)

	admissions := make([]PaymentAdmission, len(payments))
	for i, payment := range payments {
		admissions[i] = PaymentAdmission{ID: payment.ID, Status: payment.Status}
	}

	return PaymentBatchAdmission{
		BatchID:  batch.ID,
		Status:   batch.Status,
		Payments: admissions,
	}, nil
}

func decodeBody(r *http.Request, dst interface{}) error {
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return &APIError{Code: ErrCodeBadRequest, Status: http.StatusBadRequest}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &APIError{Code: ErrCodeBadRequest, Status: http.StatusBadRequest}
	}
	return nil
}

func validatePayment(req *PaymentRequest) error {
	if req.ClientID == "" || req.AccountName == "" ||
		req.RecipientAddress == "" || req.Amount <= 0 {
		return &APIError{Code: ErrCodeBadRequest, Status: http.StatusBadRequest}
	}
	return nil
}
