// Package handlers serves the read-only status API exposed by the `serve`
// command: attempt history, per-attempt detail, and audit trails, plus the
// Prometheus scrape endpoint. the API never mutates anything; deploy and
// rollback happen only through the CLI.
package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arena-platform/arena-deploy/db"
)

// RouterDependencies carries everything the handlers need. constructed once
// in the serve command and shared by all requests.
type RouterDependencies struct {
	Database *db.Database
	Logger   *zap.Logger
}

// NewRouter builds the chi router for the status API.
func NewRouter(dependencies *RouterDependencies) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(30 * time.Second))

	router.Get("/healthz", dependencies.handleHealthz)
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api", func(api chi.Router) {
		api.Get("/attempts", dependencies.handleListAttempts)
		api.Get("/attempts/{correlationID}", dependencies.handleGetAttempt)
		api.Get("/attempts/{correlationID}/audit", dependencies.handleGetAuditTrail)
	})

	return router
}

// handleHealthz reports process liveness and database reachability.
func (dependencies *RouterDependencies) handleHealthz(writer http.ResponseWriter, request *http.Request) {
	if _, err := dependencies.Database.ListAttempts(""); err != nil {
		writeErrorAndRespond(writer, dependencies.Logger, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJsonAndRespond(writer, dependencies.Logger, http.StatusOK, map[string]string{"status": "ok"})
}
