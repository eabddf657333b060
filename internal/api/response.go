package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/DineFlow/internal/models"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse    []byte
	fallbackExchangeInternal []byte
)

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
	fallbackExchangeInternal, err = json.Marshal(models.ExchangeError{Error: models.ExchangeErrInternal})
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback exchange response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so an encoding error can still change the status code
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}
	writeBody(w, statusCode, "application/json", jsonData)
}

// writeExchangeError writes the single-field error body the platform expects.
func writeExchangeError(w http.ResponseWriter, statusCode int, code string) {
	jsonData, err := json.Marshal(models.ExchangeError{Error: code})
	if err != nil {
		jsonData = fallbackExchangeInternal
		statusCode = http.StatusInternalServerError
	}
	writeBody(w, statusCode, "application/json", jsonData)
}

func writePlainText(w http.ResponseWriter, statusCode int, text string) {
	writeBody(w, statusCode, "text/plain; charset=utf-8", []byte(text))
}

func writeBody(w http.ResponseWriter, statusCode int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server.writeBody: failed to write response", "error", err)
	}
}
