package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/domain"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/profile"
)

const maxBodyBytes = 1 << 20

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.recorder.Status())
}

func (s *Server) startRecording(w http.ResponseWriter, r *http.Request) {
	s.recorderAction(w, r, s.recorder.StartRecording)
}

func (s *Server) stopRecording(w http.ResponseWriter, r *http.Request) {
	s.recorderAction(w, r, s.recorder.StopRecording)
}

func (s *Server) toggleRecording(w http.ResponseWriter, r *http.Request) {
	s.recorderAction(w, r, s.recorder.Toggle)
}

func (s *Server) retryTranscription(w http.ResponseWriter, r *http.Request) {
	s.recorderAction(w, r, s.recorder.RetryTranscription)
}

func (s *Server) recorderAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context) error) {
	if err := action(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.recorder.Status())
}

func (s *Server) openSettings(w http.ResponseWriter, r *http.Request) {
	perm := domain.Permission(chi.URLParam(r, "kind"))
	switch perm {
	case domain.PermissionMicrophone, domain.PermissionPasteAutomation:
	default:
		writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("unknown permission %q", perm)})
		return
	}
	if err := s.recorder.OpenPermissionSettings(r.Context(), perm); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.profiles.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if profiles == nil {
		profiles = []domain.Profile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles, "count": len(profiles)})
}

func (s *Server) createProfile(w http.ResponseWriter, r *http.Request) {
	var req profile.CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := s.profiles.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.profiles.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	var req profile.UpdateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := s.profiles.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) deleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := s.profiles.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getActive(w http.ResponseWriter, r *http.Request) {
	p, err := s.profiles.Active(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type setActiveRequest struct {
	ID string `json:"id"`
}

func (s *Server) setActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "id required"})
		return
	}
	if err := s.profiles.SetActive(r.Context(), req.ID); err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.profiles.Active(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) clearActive(w http.ResponseWriter, r *http.Request) {
	if err := s.profiles.ClearActive(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// recentJournal lists journal entries, newest first.
func (s *Server) recentJournal(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be between 1 and 1000", Code: "invalid_limit"})
			return
		}
		limit = n
	}
	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []eventstore.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// streamEvents relays broadcaster events as server-sent events until the
// client disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming not supported"})
		return
	}
	ch, cancel := s.events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	initial, _ := json.Marshal(s.recorder.Status())
	fmt.Fprintf(w, "event: status\ndata: %s\n\n", initial)
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("failed to encode event", slogError(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeError maps domain errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= 500 {
		s.logger.Error("request failed", slogError(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func classify(err error) (int, string) {
	var (
		dup        *profile.DuplicateNameError
		badPort    *profile.InvalidPortError
		badEngine  *profile.InvalidEngineError
		transition *dictation.TransitionError
		perm       *dictation.PermissionError
		capture    *dictation.CaptureError
	)
	switch {
	case errors.Is(err, profile.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, profile.ErrNoActiveProfile):
		return http.StatusNotFound, "no_active_profile"
	case errors.As(err, &dup), errors.Is(err, profile.ErrNameConflict):
		return http.StatusConflict, "duplicate_name"
	case errors.As(err, &badPort):
		return http.StatusBadRequest, "invalid_port"
	case errors.As(err, &badEngine):
		return http.StatusBadRequest, "invalid_engine"
	case errors.Is(err, profile.ErrInvalidName):
		return http.StatusBadRequest, "invalid_name"
	case errors.Is(err, profile.ErrMissingCredential):
		return http.StatusBadRequest, "missing_credential"
	case errors.As(err, &transition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, dictation.ErrRetryUnavailable):
		return http.StatusConflict, "retry_unavailable"
	case errors.As(err, &perm):
		return http.StatusForbidden, "permission_denied"
	case errors.As(err, &capture):
		return http.StatusInternalServerError, string(capture.Code)
	case errors.Is(err, dictation.ErrClosed):
		return http.StatusServiceUnavailable, "closed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error(), Code: "bad_request"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
