package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// writeJsonAndRespond serializes the payload and writes it with the given
// status code. serialization failures degrade to a plain 500 because by the
// time encoding fails there is nothing structured left to say.
func writeJsonAndRespond(writer http.ResponseWriter, logger *zap.Logger, statusCode int, payload any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		logger.Error("response payload not serializable", zap.Error(err))
		http.Error(writer, "internal server error", http.StatusInternalServerError)
		return
	}

	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)
	if _, err := writer.Write(encoded); err != nil {
		logger.Warn("response write failed", zap.Error(err))
	}
}

// errorPayload is the uniform JSON error body.
type errorPayload struct {
	Error string `json:"error"`
}

func writeErrorAndRespond(writer http.ResponseWriter, logger *zap.Logger, statusCode int, message string) {
	writeJsonAndRespond(writer, logger, statusCode, errorPayload{Error: message})
}
