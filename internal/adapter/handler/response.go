package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rl1809/retail-pos/internal/core/domain"
)

type envelope struct {
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Content any    `json:"content"`
}

type errorContent struct {
	Kind   domain.ErrorKind `json:"kind,omitempty"`
	Detail string           `json:"detail,omitempty"`
}

const internalMessage = "Something went wrong while processing the request, please retry"

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeSuccess(w http.ResponseWriter, status int, message string, content any) {
	if content == nil {
		content = struct{}{}
	}
	writeJSON(w, status, envelope{Status: "success", Code: status, Message: message, Content: content})
}

func writeFailure(w http.ResponseWriter, status int, message string, content any) {
	if content == nil {
		content = struct{}{}
	}
	writeJSON(w, status, envelope{Status: "error", Code: status, Message: message, Content: content})
}

// writeDomainError maps a service error to its HTTP status. Infrastructure
// failures get a generic message so internals never leak.
func writeDomainError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	switch kind {
	case domain.KindInvalidRequest:
		writeFailure(w, http.StatusBadRequest, err.Error(), errorContent{Kind: kind})
	case domain.KindProductNotFound:
		writeFailure(w, http.StatusNotFound, err.Error(), errorContent{Kind: kind})
	case domain.KindInsufficientStock:
		content := errorContent{Kind: kind}
		var stockErr *domain.StockError
		if errors.As(err, &stockErr) {
			content.Detail = stockErr.ProductID
		}
		writeFailure(w, http.StatusConflict, err.Error(), content)
	case domain.KindUnauthenticated:
		writeFailure(w, http.StatusUnauthorized, "Unauthorized", errorContent{Kind: kind})
	default:
		writeFailure(w, http.StatusInternalServerError, internalMessage, errorContent{Kind: domain.KindInternal})
	}
}
