package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"promoter/internal/database"
	"promoter/internal/export"
	"promoter/internal/models"
	"promoter/internal/service"
	"promoter/internal/signer"
	"promoter/internal/worker"

	"github.com/go-chi/chi/v5"
)

const (
	maxBodyBytes     = 1 << 20
	defaultListLimit = 100
	actorHeader      = "X-Actor"
)

type taskResponse struct {
	Task    *models.Task `json:"task"`
	Created *bool        `json:"created,omitempty"`
}

type processOnceResponse struct {
	Kind     string         `json:"kind"`
	Outcome  worker.Outcome `json:"outcome"`
	TaskID   string         `json:"task_id,omitempty"`
	Attempts int            `json:"attempts,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	h, err := s.deps.Health.Check(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	code := http.StatusOK
	if !h.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"ok": h.Healthy, "worker": h})
}

func (s *Server) handleEnqueueUpload(w http.ResponseWriter, r *http.Request) {
	var req service.UploadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	task, err := s.deps.Producer.EnqueueUpload(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, taskResponse{Task: task})
}

func (s *Server) handleEnqueueGenericPost(w http.ResponseWriter, r *http.Request) {
	var req service.GenericPostRequest
	if !decodeBody(w, r, &req) {
		return
	}
	task, created, err := s.deps.Producer.EnqueueGenericPost(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	code := http.StatusCreated
	if !created {
		code = http.StatusOK
	}
	writeJSON(w, code, taskResponse{Task: task, Created: &created})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Tasks.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: task})
}

func (s *Server) handleProcessOnce(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	if kind != models.KindUpload && kind != models.KindGenericPost {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown queue %q", kind))
		return
	}

	res, err := s.deps.Queue.ProcessNext(r.Context(), kind)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := processOnceResponse{Kind: kind, Outcome: worker.OutcomeIdle}
	if res != nil {
		resp.Outcome = res.Outcome
		resp.TaskID = res.TaskID
		resp.Attempts = res.Attempts
		resp.Reason = res.Reason
		if res.Err != nil {
			resp.Error = res.Err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	entries, err := s.deps.DeadLetters.List(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []models.DeadLetterTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (s *Server) handleExportDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.DeadLetters.List(r.Context(), 0)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	now := s.deps.Now()
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName(now)))
	if err := export.WriteDeadLetters(w, entries, now); err != nil {
		s.log.Error().Err(err).Msg("dead-letter export failed")
	}
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var opts service.ReplayOptions
	if r.ContentLength != 0 && !decodeBody(w, r, &opts) {
		return
	}
	report, err := s.deps.DeadLetters.Replay(r.Context(), opts)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.DeadLetters.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: task})
}

func (s *Server) handleResetAttempts(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.DeadLetters.ResetAttempts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: task})
}

func (s *Server) handleGetBanditConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Bandit.Current(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdateBanditConfig(w http.ResponseWriter, r *http.Request) {
	var changes map[string]any
	if !decodeBody(w, r, &changes) {
		return
	}
	cfg, err := s.deps.Bandit.Update(r.Context(), actor(r), changes)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleRollbackBanditConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Bandit.Rollback(r.Context(), actor(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// actor names who made an admin change: the authenticated client, or the
// X-Actor header when auth is off.
func actor(r *http.Request) string {
	if name := ClientFromContext(r.Context()); name != "" {
		return name
	}
	return strings.TrimSpace(r.Header.Get(actorHeader))
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrUnknownConfigKey):
		return http.StatusBadRequest
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, database.ErrNotQueued), errors.Is(err, service.ErrNothingToRollback):
		return http.StatusConflict
	case errors.Is(err, signer.ErrInvalidSignature):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
