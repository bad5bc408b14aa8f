package api

type APIErrorCode string

const (
	ErrCodeBadRequest APIErrorCode = "bad_request"
	ErrCodeNotFound   APIErrorCode = "not_found"
	ErrCodeConflict   APIErrorCode = "conflict"
	ErrCodeNotReady   APIErrorCode = "not_ready"
	ErrCodeInternal   APIErrorCode = "internal_error"
)

// APIError represents a custom error with a code and an HTTP status
type APIError struct {
	Code   APIErrorCode
	Status int
}

// Implement the error interface for APIError
func (e *APIError) Error() string {
	return string(e.Code)
}
