package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/coachnote/internal/conversation"
	"github.com/thebtf/coachnote/internal/export"
	"github.com/thebtf/coachnote/internal/notebook"
	"github.com/thebtf/coachnote/internal/session"
	"github.com/thebtf/coachnote/internal/sse"
	"github.com/thebtf/coachnote/pkg/models"
)

const maxBodyBytes = 4 << 20

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ready"
	if !s.ready.Load() {
		status = "starting"
	}
	resp := map[string]interface{}{
		"status":  status,
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"clients": s.events.ClientCount(),
	}
	if s.configErr != nil {
		resp["configError"] = s.configErr.Code
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "service is starting")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Service) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.turns == nil {
		writeJSON(w, http.StatusOK, conversation.MetricsSnapshot{})
		return
	}
	writeJSON(w, http.StatusOK, s.turns.Metrics().Snapshot())
}

type registerRequest struct {
	ConversationID string `json:"conversationId"`
	TherapistID    string `json:"therapistId"`
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	rec, err := s.registry.Register(r.Context(), strings.TrimSpace(req.ConversationID), strings.TrimSpace(req.TherapistID))
	if err != nil {
		if errors.Is(err, session.ErrInvalidRegistration) {
			writeError(w, http.StatusBadRequest, "invalid_registration", err.Error())
			return
		}
		log.Error().Err(err).Str("sessionId", req.ConversationID).Msg("Session registration failed")
		writeError(w, http.StatusInternalServerError, "storage_error", "registration not stored")
		return
	}
	s.events.Publish(sse.Event{Type: sse.EventRegistered, SessionID: rec.SessionID})
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Service) handleLatestSession(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.registry.Latest(r.Context())
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no session registered")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.registry.Lookup(r.Context(), chi.URLParam(r, "handle"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleTurn always answers 200 with content so the voice agent can speak.
func (s *Service) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req conversation.TurnRequest
	if err := decode(r, &req); err != nil {
		log.Warn().Err(err).Msg("Malformed turn request")
		writeJSON(w, http.StatusOK, conversation.TurnResponse{
			Content:   conversation.NoSessionContent,
			Variables: map[string]interface{}{conversation.VarError: "bad_request"},
		})
		return
	}
	writeJSON(w, http.StatusOK, s.turns.ProcessTurn(r.Context(), req))
}

func (s *Service) manager() *notebook.Manager {
	return notebook.NewManager(s.tiers)
}

func (s *Service) handleListNotebooks(w http.ResponseWriter, r *http.Request) {
	list, err := s.manager().List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list notebooks")
		writeError(w, http.StatusInternalServerError, "storage_error", "notebooks unavailable")
		return
	}
	notebook.SortNewestFirst(list)

	therapist := r.URL.Query().Get("therapist")
	out := make([]models.NotebookSnapshot, 0, len(list))
	for _, nb := range list {
		if therapist != "" && nb.TherapistID() != therapist {
			continue
		}
		out = append(out, nb.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) loadNotebook(r *http.Request) *models.Notebook {
	id := chi.URLParam(r, "id")
	if id == "latest" {
		return s.manager().Latest(r.Context())
	}
	return s.manager().Load(r.Context(), id)
}

func (s *Service) handleGetNotebook(w http.ResponseWriter, r *http.Request) {
	nb := s.loadNotebook(r)
	if nb == nil {
		writeError(w, http.StatusNotFound, "not_found", "notebook not found")
		return
	}
	writeJSON(w, http.StatusOK, nb.Snapshot())
}

// handleUpsertNotebook saves a client-edited notebook. A positive revision
// must match the stored one; zero overwrites.
func (s *Service) handleUpsertNotebook(w http.ResponseWriter, r *http.Request) {
	var snap models.NotebookSnapshot
	if err := decode(r, &snap); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if strings.TrimSpace(snap.ID) == "" || snap.ID == "latest" {
		writeError(w, http.StatusBadRequest, "bad_request", "notebook id is required")
		return
	}

	expected := snap.Revision
	if expected <= 0 {
		expected = models.AnyRevision
	}
	nb := models.FromSnapshot(snap)
	if err := s.manager().Put(r.Context(), nb, expected); err != nil {
		if errors.Is(err, notebook.ErrRevisionConflict) {
			writeError(w, http.StatusConflict, "revision_conflict", "notebook was changed by another writer")
			return
		}
		log.Error().Err(err).Str("notebookId", snap.ID).Msg("Failed to save notebook")
		writeError(w, http.StatusInternalServerError, "storage_error", "notebook not saved")
		return
	}
	writeJSON(w, http.StatusOK, nb.Snapshot())
}

func (s *Service) handleExportNotebook(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_format", err.Error())
		return
	}
	nb := s.loadNotebook(r)
	if nb == nil {
		writeError(w, http.StatusNotFound, "not_found", "notebook not found")
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+format.FileName(nb)+`"`)
	if err := export.Write(w, nb, format); err != nil {
		log.Warn().Err(err).Str("notebookId", nb.ID()).Msg("Export failed")
	}
}

func (s *Service) handleCompleteNotebook(w http.ResponseWriter, r *http.Request) {
	s.finishNotebook(w, r, (*notebook.Manager).CompleteSession)
}

func (s *Service) handleAbandonNotebook(w http.ResponseWriter, r *http.Request) {
	s.finishNotebook(w, r, (*notebook.Manager).AbandonSession)
}

func (s *Service) finishNotebook(w http.ResponseWriter, r *http.Request, finish func(*notebook.Manager, context.Context) error) {
	id := chi.URLParam(r, "id")
	mgr := s.manager()
	nb, restored, err := mgr.Open(r.Context(), id, "", "")
	if err != nil || !restored {
		writeError(w, http.StatusNotFound, "not_found", "notebook not found")
		return
	}
	if err := finish(mgr, r.Context()); err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidTransition):
			writeError(w, http.StatusConflict, "invalid_transition", err.Error())
		case errors.Is(err, notebook.ErrRevisionConflict):
			writeError(w, http.StatusConflict, "revision_conflict", "notebook was changed by another writer")
		default:
			log.Error().Err(err).Str("notebookId", id).Msg("Failed to finish notebook")
			writeError(w, http.StatusInternalServerError, "storage_error", "notebook not saved")
		}
		return
	}
	s.events.Publish(sse.Event{Type: sse.EventSessionEnded, SessionID: id, NotebookID: id, Detail: string(nb.Status())})
	writeJSON(w, http.StatusOK, nb.Snapshot())
}

func decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	return dec.Decode(v)
}
