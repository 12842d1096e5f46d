package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	caravan "github.com/nevindra/caravan"
)

const maxBodyBytes = 1 << 20

func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)

	mux.HandleFunc("POST /v1/threads", a.handleCreateThread)
	mux.HandleFunc("GET /v1/threads", a.handleListThreads)
	mux.HandleFunc("GET /v1/threads/{id}", a.handleGetThread)
	mux.HandleFunc("DELETE /v1/threads/{id}", a.handleDeleteThread)
	mux.HandleFunc("GET /v1/threads/{id}/messages", a.handleGetMessages)
	mux.HandleFunc("POST /v1/threads/{id}/runs", a.handleStartRun)

	mux.HandleFunc("GET /v1/runs/{id}", a.handleGetRun)
	mux.HandleFunc("POST /v1/runs/{id}/submit_tool_outputs", a.handleResumeRun)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", a.handleCancelRun)

	mux.HandleFunc("GET /v1/toolsets", a.handleListToolsets)

	return mux
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(a.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Threads ---

type createThreadRequest struct {
	OwnerID string `json:"owner_id"`
	Title   string `json:"title"`
}

func (a *App) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	thread, err := a.coordinator.CreateThread(r.Context(), req.OwnerID, req.Title)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(a.logger, w, http.StatusCreated, thread)
}

func (a *App) handleListThreads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	threads, err := a.store.ListThreads(r.Context(), caravan.ThreadFilter{
		OwnerID: q.Get("owner"),
		Limit:   atoiOr(q.Get("limit"), 0),
		Offset:  atoiOr(q.Get("offset"), 0),
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(a.logger, w, http.StatusOK, listResponse{Data: orEmpty(threads)})
}

func (a *App) handleGetThread(w http.ResponseWriter, r *http.Request) {
	thread, err := a.store.GetThread(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(a.logger, w, http.StatusOK, thread)
}

func (a *App) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteThread(r.Context(), r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	msgs, err := a.store.GetMessages(r.Context(), r.PathValue("id"), caravan.MessageQuery{
		Limit:  atoiOr(q.Get("limit"), 0),
		Before: q.Get("before"),
		After:  q.Get("after"),
		Order:  q.Get("order"),
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(a.logger, w, http.StatusOK, listResponse{Data: orEmpty(msgs)})
}

// --- Runs ---

type startRunRequest struct {
	Message string             `json:"message"`
	Config  *caravan.RunConfig `json:"config,omitempty"`
	Stream  *bool              `json:"stream,omitempty"`
}

type runStartedResponse struct {
	RunID    string `json:"run_id"`
	ThreadID string `json:"thread_id"`
	Status   string `json:"status"`
}

func (a *App) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	h, err := a.coordinator.StartRun(r.Context(), r.PathValue("id"), req.Message, req.Config)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.respondRun(w, r, h, req.Stream)
}

type resumeRunRequest struct {
	ToolOutputs []caravan.ToolOutput `json:"tool_outputs"`
	Stream      *bool                `json:"stream,omitempty"`
}

func (a *App) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	var req resumeRunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	h, err := a.coordinator.ResumeRun(r.Context(), r.PathValue("id"), req.ToolOutputs)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.respondRun(w, r, h, req.Stream)
}

// respondRun either streams the run's events as SSE or detaches from
// the stream and acknowledges with the run id. The run keeps executing
// either way.
func (a *App) respondRun(w http.ResponseWriter, r *http.Request, h *caravan.RunHandle, stream *bool) {
	streaming := stream == nil || *stream
	if v := r.URL.Query().Get("stream"); v != "" {
		streaming = v != "false" && v != "0"
	}
	if !streaming {
		h.Close()
		writeJSON(a.logger, w, http.StatusAccepted, runStartedResponse{
			RunID:    h.ID,
			ThreadID: h.ThreadID,
			Status:   string(caravan.RunQueued),
		})
		return
	}
	if err := caravan.ServeSSE(r.Context(), w, h); err != nil {
		a.logger.Debug("event stream ended early", "run_id", h.ID, "error", err)
	}
}

func (a *App) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.coordinator.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(a.logger, w, http.StatusOK, run)
}

func (a *App) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.coordinator.CancelRun(r.Context(), id); err != nil {
		a.writeError(w, err)
		return
	}
	run, err := a.coordinator.GetRun(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(a.logger, w, http.StatusOK, run)
}

// --- Toolsets ---

type toolsetSummary struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	ToolNames   []string       `json:"tool_names"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

func (a *App) handleListToolsets(w http.ResponseWriter, _ *http.Request) {
	summaries := []toolsetSummary{}
	if a.toolsets != nil {
		for _, ts := range a.toolsets.List() {
			s := toolsetSummary{
				ID:          ts.ID,
				Name:        ts.Name,
				Description: ts.Description,
				ToolNames:   []string{},
				Attributes:  ts.Attributes,
			}
			for _, def := range ts.Definitions() {
				s.ToolNames = append(s.ToolNames, def.Name)
			}
			summaries = append(summaries, s)
		}
	}
	writeJSON(a.logger, w, http.StatusOK, listResponse{Data: summaries})
}

// --- Helpers ---

type listResponse struct {
	Data any `json:"data"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *App) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "error", err)
	}
	writeJSON(a.logger, w, status, errorResponse{Error: errorBody{
		Code:    caravan.ErrorCode(err),
		Message: err.Error(),
	}})
}

func statusFor(err error) int {
	var validErr *caravan.ValidationError
	var guardErr *caravan.GuardError
	switch {
	case errors.Is(err, caravan.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &validErr):
		return http.StatusBadRequest
	case errors.As(err, &guardErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &caravan.ValidationError{Field: "body", Msg: err.Error()}
	}
	return nil
}

func writeJSON(logger *slog.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("response encode failed", "error", err)
	}
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// orEmpty keeps list payloads as [] instead of null.
func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
