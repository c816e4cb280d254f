package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/arena-platform/arena-deploy/db"
)

// handleListAttempts returns attempt history, newest first. an optional
// ?environment= query narrows the listing to one environment.
func (dependencies *RouterDependencies) handleListAttempts(writer http.ResponseWriter, request *http.Request) {
	environment := request.URL.Query().Get("environment")

	attempts, err := dependencies.Database.ListAttempts(environment)
	if err != nil {
		writeErrorAndRespond(writer, dependencies.Logger, http.StatusInternalServerError, "failed to list attempts")
		return
	}
	writeJsonAndRespond(writer, dependencies.Logger, http.StatusOK, attempts)
}

// handleGetAttempt returns one attempt with its artifacts, rollouts and the
// most recent health check results.
func (dependencies *RouterDependencies) handleGetAttempt(writer http.ResponseWriter, request *http.Request) {
	correlationID := chi.URLParam(request, "correlationID")

	attempt, err := dependencies.Database.GetAttempt(correlationID)
	if errors.Is(err, db.ErrRecordNotFound) {
		writeErrorAndRespond(writer, dependencies.Logger, http.StatusNotFound, "attempt not found")
		return
	}
	if err != nil {
		writeErrorAndRespond(writer, dependencies.Logger, http.StatusInternalServerError, "failed to load attempt")
		return
	}
	writeJsonAndRespond(writer, dependencies.Logger, http.StatusOK, attempt)
}

// handleGetAuditTrail returns the attempt's audit records in insertion order.
func (dependencies *RouterDependencies) handleGetAuditTrail(writer http.ResponseWriter, request *http.Request) {
	correlationID := chi.URLParam(request, "correlationID")

	records, err := dependencies.Database.ListAuditRecords(correlationID)
	if err != nil {
		writeErrorAndRespond(writer, dependencies.Logger, http.StatusInternalServerError, "failed to load audit trail")
		return
	}
	if len(records) == 0 {
		writeErrorAndRespond(writer, dependencies.Logger, http.StatusNotFound, "no audit records for attempt")
		return
	}
	writeJsonAndRespond(writer, dependencies.Logger, http.StatusOK, records)
}
