package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/starship/internal/errors"
	"github.com/3leaps/starship/pkg/coordinator"
	"github.com/3leaps/starship/pkg/ledger"
	"github.com/3leaps/starship/pkg/protocol"
)

const maxReportBytes = 1 << 20

// JobsHandler serves the worker polling protocol over a coordinator.
type JobsHandler struct {
	coord  *coordinator.Coordinator
	logger *zap.Logger
}

// NewJobsHandler binds the protocol routes to coord.
func NewJobsHandler(coord *coordinator.Coordinator, logger *zap.Logger) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsHandler{coord: coord, logger: logger}
}

// NextJob serves GET /next_video.
func (h *JobsHandler) NextJob(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	work, err := h.coord.RequestWork(
		q.Get(protocol.ParamWorkerID),
		q.Get(protocol.ParamWorkerStatus),
		q.Get(protocol.ParamWorkerMessage),
	)
	if err != nil {
		h.protocolError(w, err)
		return
	}

	switch work.Kind {
	case coordinator.WorkJob:
		writeJSON(w, http.StatusOK, protocol.NewJobResponse(work.Job))
	case coordinator.WorkPending:
		writeJSON(w, http.StatusOK, protocol.PendingResponse{PendingFinish: true})
	default:
		writeJSON(w, http.StatusOK, protocol.FinishedResponse{Finished: true})
	}
}

// Report serves POST /next_video.
func (h *JobsHandler) Report(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxReportBytes))
	if err != nil || len(data) == 0 {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "No data provided"})
		return
	}

	var req protocol.ReportRequest
	if err := json.Unmarshal(data, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "Malformed report: " + err.Error()})
		return
	}

	if err := h.coord.ReportOutcome(req.ToReport()); err != nil {
		h.protocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.AckResponse{Status: "ok"})
}

// Status serves GET /status.
func (h *JobsHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.NewStatusResponse(h.coord.GetStatus()))
}

// Job serves GET /jobs/{id} with the full ledger record of one job.
func (h *JobsHandler) Job(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.Atoi(raw)
	if err != nil {
		respondWithError(w, r, apperrors.NewHTTPError(http.StatusBadRequest, apperrors.CodeBadRequest,
			"job id must be an integer", err).WithDetails(map[string]any{"id": raw}))
		return
	}

	job, err := h.coord.Job(id)
	if err != nil {
		respondWithError(w, r, apperrors.NewHTTPError(http.StatusNotFound, apperrors.CodeNotFound,
			"job not found", err).WithDetails(map[string]any{"id": id}))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// protocolError answers in the flat {"error": reason} shape workers expect.
func (h *JobsHandler) protocolError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	reason := err.Error()

	var invalid *coordinator.InvalidReportError
	switch {
	case errors.As(err, &invalid):
		status = http.StatusBadRequest
		reason = capitalize(invalid.Error())
	case errors.Is(err, ledger.ErrUnknownJob):
		status = http.StatusNotFound
	default:
		h.logger.Error("Coordinator request failed", zap.Error(err))
	}
	writeJSON(w, status, protocol.ErrorResponse{Error: reason})
}

func capitalize(s string) string {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
