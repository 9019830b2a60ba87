package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/alfredjeanlab/sorotask/internal/model"
)

// maxRequestBytes caps the size of request bodies.
const maxRequestBytes = 1 << 20

// NewHTTPHandler returns an http.Handler with all routes registered.
// When authToken is non-empty, requests (except GET /v1/health) must include
// a valid Authorization: Bearer <token> header. This operator token is
// separate from the per-task creator proof.
func (s *TaskServer) NewHTTPHandler(authToken string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", s.handleRegisterTask)
	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /v1/tasks/{id}/execute", s.handleExecuteTask)
	mux.HandleFunc("GET /v1/tasks/{id}/events", s.handleListEvents)
	mux.HandleFunc("POST /v1/monitor", s.handleMonitor)
	mux.HandleFunc("GET /v1/events/stream", s.handleEventStream)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	return LoggingMiddleware(s.logger, AuthMiddleware(authToken, mux))
}

// handleRegisterTask handles POST /v1/tasks.
func (s *TaskServer) handleRegisterTask(w http.ResponseWriter, r *http.Request) {
	var req RegisterTaskRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	resp, err := s.RegisterTask(r.Context(), &req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleGetTask handles GET /v1/tasks/{id}. Unknown IDs return 200 with a
// null task.
func (s *TaskServer) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTaskID(w, r)
	if !ok {
		return
	}
	resp, err := s.GetTask(r.Context(), &GetTaskRequest{TaskID: id})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListTasks handles GET /v1/tasks?creator=&after=&limit=.
func (s *TaskServer) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := &ListTasksRequest{Creator: model.Identity(q.Get("creator"))}
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be a task id")
			return
		}
		req.AfterID = model.TaskID(n)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		req.Limit = n
	}
	resp, err := s.ListTasks(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleExecuteTask handles POST /v1/tasks/{id}/execute.
func (s *TaskServer) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTaskID(w, r)
	if !ok {
		return
	}
	resp, err := s.ExecuteTask(r.Context(), &ExecuteTaskRequest{TaskID: id})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListEvents handles GET /v1/tasks/{id}/events.
func (s *TaskServer) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTaskID(w, r)
	if !ok {
		return
	}
	resp, err := s.ListEvents(r.Context(), &ListEventsRequest{TaskID: id})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleMonitor handles POST /v1/monitor.
func (s *TaskServer) handleMonitor(w http.ResponseWriter, r *http.Request) {
	resp, err := s.Monitor(r.Context(), &MonitorRequest{})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth handles GET /v1/health.
func (s *TaskServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, err := s.Health(r.Context(), &HealthRequest{})
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// pathTaskID parses the {id} path value. Zero is accepted; it is simply
// never registered.
func pathTaskID(w http.ResponseWriter, r *http.Request) (model.TaskID, bool) {
	n, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be a non-negative integer")
		return 0, false
	}
	return model.TaskID(n), true
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorBody{Error: message})
}
