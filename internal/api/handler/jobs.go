package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/genqueue/internal/api/middleware"
	"github.com/kiranshivaraju/genqueue/internal/api/response"
	"github.com/kiranshivaraju/genqueue/internal/artifact"
	"github.com/kiranshivaraju/genqueue/internal/gateway"
	"github.com/kiranshivaraju/genqueue/pkg/models"
)

// Gateway is the submission side the job handlers depend on.
type Gateway interface {
	Submit(ctx context.Context, id, text string) (string, error)
	Poll(ctx context.Context, id string) (gateway.PollResult, error)
	CheckDownload(ctx context.Context, id string) error
}

type jobView struct {
	ID             string        `json:"id"`
	Status         models.Status `json:"status"`
	StatusName     string        `json:"status_name"`
	ArtifactsReady bool          `json:"artifacts_ready"`
}

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitHandler(gw Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
			return
		}

		id, err := gw.Submit(r.Context(), req.ID, req.Text)
		if err != nil {
			writeGatewayError(w, r, err)
			return
		}

		response.Accepted(w, jobView{
			ID:         id,
			Status:     models.StatusQueued,
			StatusName: models.StatusQueued.String(),
		})
	}
}

// NewPollHandler returns an http.HandlerFunc for GET /api/v1/jobs/{id}.
// Unknown ids answer 200 with status 0.
func NewPollHandler(gw Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := gw.Poll(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeGatewayError(w, r, err)
			return
		}
		response.JSON(w, jobView{
			ID:             res.ID,
			Status:         res.Status,
			StatusName:     res.Status.String(),
			ArtifactsReady: res.ArtifactsReady,
		})
	}
}

// NewImageHandler returns an http.HandlerFunc for GET /api/v1/jobs/{id}/images/{index}.
func NewImageHandler(gw Gateway, files *artifact.FileStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		index, err := strconv.Atoi(chi.URLParam(r, "index"))
		if err != nil || index < 0 || index >= files.ImageCount() {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest,
				fmt.Sprintf("index must be between 0 and %d", files.ImageCount()-1), nil)
			return
		}
		if err := gw.CheckDownload(r.Context(), id); err != nil {
			writeGatewayError(w, r, err)
			return
		}

		f, err := files.OpenImage(id, index)
		if err != nil {
			// Removed by the collector after the readiness check.
			if errors.Is(err, artifact.ErrNotFound) {
				response.Error(w, http.StatusConflict, response.CodeNotReady, "Job results are not available", nil)
				return
			}
			writeInternal(w, r, "open image failed", err)
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			writeInternal(w, r, "stat image failed", err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		http.ServeContent(w, r, artifact.ImageName(index), info.ModTime(), f)
	}
}

// NewArchiveHandler returns an http.HandlerFunc for GET /api/v1/jobs/{id}/archive.
func NewArchiveHandler(gw Gateway, files *artifact.FileStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := gw.CheckDownload(r.Context(), id); err != nil {
			writeGatewayError(w, r, err)
			return
		}

		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, id))
		if err := files.WriteArchive(r.Context(), id, w); err != nil {
			// Headers are gone; the client sees a truncated archive.
			mw.LoggerFrom(r).Error("archive stream failed", "job_id", id, "error", err)
		}
	}
}

func writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, gateway.ErrInvalidID):
		response.Error(w, http.StatusBadRequest, response.CodeInvalidID, err.Error(), nil)
	case errors.Is(err, gateway.ErrEmptyText), errors.Is(err, gateway.ErrTextTooLong):
		response.Error(w, http.StatusBadRequest, response.CodeValidation, err.Error(), nil)
	case errors.Is(err, gateway.ErrAlreadyPending):
		response.Error(w, http.StatusConflict, response.CodeAlreadyPending, "Job is already queued or running; poll its status", nil)
	case errors.Is(err, gateway.ErrNotReady):
		response.Error(w, http.StatusConflict, response.CodeNotReady, "Job results are not available", nil)
	default:
		writeInternal(w, r, "gateway request failed", err)
	}
}

func writeInternal(w http.ResponseWriter, r *http.Request, msg string, err error) {
	mw.LoggerFrom(r).Error(msg, "path", r.URL.Path, "error", err)
	response.Internal(w)
}
