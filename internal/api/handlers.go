package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/discovery-cli/internal/cache"
	"github.com/sells-group/discovery-cli/internal/model"
	"github.com/sells-group/discovery-cli/internal/pipeline"
	"github.com/sells-group/discovery-cli/internal/resilience"
	"github.com/sells-group/discovery-cli/internal/store"
)

type accepted struct {
	RunID  string          `json:"run_id"`
	Status model.RunStatus `json:"status"`
}

type errorBody struct {
	Error  string          `json:"error"`
	Field  string          `json:"field,omitempty"`
	Status model.RunStatus `json:"status,omitempty"`
}

type ledgerBody struct {
	RunID   string              `json:"run_id"`
	Total   float64             `json:"total"`
	Entries []model.LedgerEntry `json:"entries"`
}

type healthBody struct {
	Status   string            `json:"status"`
	Circuits map[string]string `json:"circuits,omitempty"`
	Cache    *cache.Stats      `json:"cache,omitempty"`
}

// health reports the store as up or down. An open provider circuit marks
// the service degraded without failing the check.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.reader.Ping(r.Context()); err != nil {
		zap.L().Warn("api: health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, healthBody{Status: "unavailable"})
		return
	}

	body := healthBody{Status: "ok"}
	if s.opts.Circuits != nil {
		body.Circuits = make(map[string]string)
		for name, state := range s.opts.Circuits.Breakers() {
			body.Circuits[name] = state.String()
			if state == resilience.CircuitOpen {
				body.Status = "degraded"
			}
		}
	}
	if s.opts.Cache != nil {
		stats := s.opts.Cache.Stats()
		body.Cache = &stats
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req pipeline.StartRequest
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}

	run, err := s.runs.StartRun(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.dispatch.Dispatch(run.ID)
	writeJSON(w, http.StatusAccepted, accepted{RunID: run.ID, Status: run.Status})
}

func (s *Server) resumeRun(w http.ResponseWriter, r *http.Request) {
	status, err := s.runs.Status(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !status.Status.Terminal() {
		s.dispatch.Dispatch(status.RunID)
	}
	writeJSON(w, http.StatusAccepted, accepted{RunID: status.RunID, Status: status.Status})
}

func (s *Server) abortRun(w http.ResponseWriter, r *http.Request) {
	status, err := s.runs.Abort(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accepted{RunID: status.RunID, Status: status.Status})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.runs.Status(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	rep, err := s.runs.GetReport(r.Context(), runID)
	if errors.Is(err, pipeline.ErrNotReady) {
		body := errorBody{Error: "not_ready"}
		if status, serr := s.runs.Status(r.Context(), runID); serr == nil {
			body.Status = status.Status
		}
		writeJSON(w, http.StatusConflict, body)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) getLedger(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.runs.Status(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.reader.ListLedger(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, ledgerBody{RunID: runID, Total: model.SumCost(entries), Entries: entries})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Status:   model.RunStatus(q.Get("status")),
		ClientID: q.Get("client_id"),
	}
	if filter.Status != "" && !validStatus(filter.Status) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown status", Field: "status"})
		return
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "must be a non-negative integer", Field: name})
			return
		}
		*dst = n
	}

	runs, err := s.reader.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]*pipeline.RunStatus, 0, len(runs))
	for i := range runs {
		out = append(out, pipeline.StatusOf(&runs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func validStatus(s model.RunStatus) bool {
	switch s {
	case model.RunStatusPending, model.RunStatusRunning, model.RunStatusAwaitingRetry,
		model.RunStatusComplete, model.RunStatusFailed, model.RunStatusAborted:
		return true
	}
	return false
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	var invalid *model.ValidationError
	var failed *pipeline.FailedError
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: invalid.Error(), Field: invalid.Field})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "run not found"})
	case errors.As(err, &failed):
		f := failed.Failure
		if f == nil {
			f = &model.Failure{Kind: model.FailurePermanent, Message: string(failed.Status)}
		}
		writeJSON(w, http.StatusUnprocessableEntity, f)
	case store.IsUnavailable(err):
		zap.L().Warn("api: store unavailable", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "store unavailable"})
	default:
		zap.L().Error("api: request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}
