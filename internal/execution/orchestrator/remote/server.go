package remote

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/animus-labs/animus-pipelines/internal/domain"
	"github.com/animus-labs/animus-pipelines/internal/execution/orchestrator"
	"github.com/animus-labs/animus-pipelines/internal/execution/plan"
	"github.com/animus-labs/animus-pipelines/internal/platform/httpserver"
	"github.com/animus-labs/animus-pipelines/internal/platform/requestid"
)

const maxSubmitBytes = 8 << 20

// Handler exposes an Orchestrator over HTTP:
//
//	POST /v1/runs               submit {plan, params}
//	GET  /v1/runs/{id}          status
//	GET  /v1/runs/{id}/result   finished run, 409 while in flight
//	POST /v1/runs/{id}/cancel   cancel
//	GET  /v1/pipelines          catalog names
type Handler struct {
	orchestrator orchestrator.Orchestrator
	catalog      *orchestrator.Catalog
	logger       *slog.Logger
	mux          *http.ServeMux
}

func NewHandler(o orchestrator.Orchestrator, catalog *orchestrator.Catalog, logger *slog.Logger) (*Handler, error) {
	if o == nil {
		return nil, errors.New("orchestrator is required")
	}
	if catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &Handler{orchestrator: o, catalog: catalog, logger: logger, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /v1/runs", h.submit)
	h.mux.HandleFunc("GET /v1/runs/{id}", h.status)
	h.mux.HandleFunc("GET /v1/runs/{id}/result", h.result)
	h.mux.HandleFunc("POST /v1/runs/{id}/cancel", h.cancel)
	h.mux.HandleFunc("GET /v1/pipelines", h.pipelines)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSubmitBytes))
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	var req submitRequest
	if err := decodeJSON(body, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if len(req.Plan) == 0 {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_plan", "plan is required")
		return
	}
	execPlan, err := plan.UnmarshalExecutionPlan(req.Plan)
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_plan", err.Error())
		return
	}
	if strings.TrimSpace(execPlan.PipelineName) == "" {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_plan", "plan pipelineName is required")
		return
	}

	handle, err := h.orchestrator.Submit(r.Context(), execPlan, normalizeParams(req.Params))
	if err != nil {
		h.writeSubmitError(w, r, err)
		return
	}
	id, _ := requestid.FromContext(r.Context())
	h.logger.Info("run accepted", "run_id", handle.RunID, "pipeline", handle.PipelineName, "request_id", id)
	httpserver.WriteJSON(w, http.StatusAccepted, runStatusPayload{
		RunID:        handle.RunID,
		PipelineName: handle.PipelineName,
		Status:       orchestrator.StatusQueued,
	})
}

func (h *Handler) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrPipelineNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, codePipelineNotFound, err.Error())
	case errors.Is(err, domain.ErrMissingParameter):
		httpserver.WriteError(w, r, http.StatusUnprocessableEntity, codeMissingParameters, err.Error())
	case errors.Is(err, domain.ErrConfiguration):
		httpserver.WriteError(w, r, http.StatusBadRequest, codeInvalidPlan, err.Error())
	default:
		h.logger.Error("submit failed", "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", "")
	}
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	handle := orchestrator.RunHandle{RunID: r.PathValue("id")}
	status, err := h.orchestrator.Status(r.Context(), handle)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, runStatusPayload{RunID: handle.RunID, Status: status})
}

func (h *Handler) result(w http.ResponseWriter, r *http.Request) {
	handle := orchestrator.RunHandle{RunID: r.PathValue("id")}
	status, err := h.orchestrator.Status(r.Context(), handle)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	if !status.Done() {
		httpserver.WriteError(w, r, http.StatusConflict, codeRunNotFinished, "run status is "+string(status))
		return
	}
	run, err := h.orchestrator.Wait(r.Context(), handle)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, encodeRun(run))
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	handle := orchestrator.RunHandle{RunID: r.PathValue("id")}
	if err := h.orchestrator.Cancel(r.Context(), handle); err != nil {
		h.writeRunError(w, r, err)
		return
	}
	status, err := h.orchestrator.Status(r.Context(), handle)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusAccepted, runStatusPayload{RunID: handle.RunID, Status: status})
}

func (h *Handler) pipelines(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"pipelines": h.catalog.Names()})
}

func (h *Handler) writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, orchestrator.ErrRunNotFound) {
		httpserver.WriteError(w, r, http.StatusNotFound, codeRunNotFound, "")
		return
	}
	h.logger.Error("run request failed", "path", r.URL.Path, "error", err)
	httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", "")
}
