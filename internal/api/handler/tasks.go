package handler

import (
	"context"
	"encoding/json"
	"net/http"

	mw "github.com/kiranshivaraju/genqueue/internal/api/middleware"
	"github.com/kiranshivaraju/genqueue/internal/api/response"
	"github.com/kiranshivaraju/genqueue/internal/dispatch"
	"github.com/kiranshivaraju/genqueue/pkg/models"
)

// Dispatcher is the worker-facing side the task handlers depend on.
type Dispatcher interface {
	Claim(ctx context.Context) (models.ClaimResponse, error)
	Report(ctx context.Context, results []models.Result) (dispatch.ReportSummary, error)
}

// NewClaimHandler returns an http.HandlerFunc for POST /api/v1/tasks/claim.
// The token has already been checked by the auth middleware.
func NewClaimHandler(d Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := d.Claim(r.Context())
		if err != nil {
			mw.LoggerFrom(r).Error("claim failed", "error", err)
			response.Error(w, http.StatusServiceUnavailable, response.CodeUnavailable, "Task store unavailable", nil)
			return
		}
		response.Raw(w, http.StatusOK, resp)
	}
}

// NewReportHandler returns an http.HandlerFunc for POST /api/v1/tasks/report.
// A store failure answers 503 so the worker retries the whole batch.
func NewReportHandler(d Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.ReportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid report body: "+err.Error(), nil)
			return
		}
		logger := mw.LoggerFrom(r)

		if req.Result == 0 {
			response.Ack(w)
			return
		}
		if req.Result != len(req.Data) {
			logger.Warn("report count does not match entries", "result", req.Result, "entries", len(req.Data))
		}

		summary, err := d.Report(r.Context(), req.Data)
		if err != nil {
			logger.Error("report failed", "error", err)
			response.Error(w, http.StatusServiceUnavailable, response.CodeUnavailable, "Task store unavailable", nil)
			return
		}
		logger.Info("report applied", "done", summary.Done, "failed", summary.Failed, "ignored", summary.Ignored)
		response.Ack(w)
	}
}
