package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// statusSetter lets a handler pick the success status code before returning
// its payload. Defaults to 200 OK.
type statusSetter interface {
	SuccessStatus() int
}

// WithMethod is a middleware that checks if the endpoint was called using a
// specific HTTP method and rejects it otherwise.
func WithMethod(next http.HandlerFunc, method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, fmt.Sprintf("Only %s method is allowed", method), http.StatusMethodNotAllowed)
			return
		}

		next.ServeHTTP(w, r)
	}
}

// WithJSONResponse wraps an APIHandler and handles JSON response formatting
func WithJSONResponse(handler APIHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Set the Content-Type header before the handler may write a status
		w.Header().Set("Content-Type", "application/json")

		// Call the handler to get data or error
		data, err := handler(w, r)

		if err != nil {
			var errorResponse *ErrorResponse

			var apiErr *APIError
			if errors.As(err, &apiErr) {
				errorResponse = &ErrorResponse{
					Ok:        false,
					ErrorCode: string(apiErr.Code),
				}
				w.WriteHeader(apiErr.Status)
			} else {
				errorResponse = &ErrorResponse{
					Ok:        false,
					ErrorCode: err.Error(),
				}
				w.WriteHeader(http.StatusInternalServerError)
			}

			slog.Debug("API error", "error", err)

			// Encode and send the error response
			if err := json.NewEncoder(w).Encode(*errorResponse); err != nil {
				http.Error(w, `{"ok": false, "errorCode": "internal_error"}`, http.StatusInternalServerError)
			}
			return
		}

		if setter, ok := data.(statusSetter); ok {
			w.WriteHeader(setter.SuccessStatus())
		}

		// Create the success response
		successResponse := SuccessResponse{
			Ok:   true,
			Data: data,
		}

		// Encode and send the success response
		if err := json.NewEncoder(w).Encode(successResponse); err != nil {
			http.Error(w, `{"ok": false, "errorCode": "internal_error"}`, http.StatusInternalServerError)
			return
		}
	}
}
