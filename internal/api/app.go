package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/echoes/internal/echo"
	"github.com/kalambet/echoes/internal/narration"
	"github.com/kalambet/echoes/internal/pipeline"
	"github.com/kalambet/echoes/internal/session"
)

const maxRequestBodySize = 1 << 20 // 1MB

// AppDeps holds dependencies for the HTTP API.
type AppDeps struct {
	Session *session.Session
	Token   string
	Metrics http.Handler // optional; served unauthenticated at /metrics
}

// NewAppHandler returns the REST API driving a session. Everything except
// /health and /metrics requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/state", handleState(deps))
		r.Put("/settings", handleSettings(deps))
		r.Post("/scan", handleScan(deps))
		r.Post("/select", handleSelect(deps))
		r.Post("/reset", handleReset(deps))
		r.Patch("/result", handleUpdateResult(deps))
		r.Post("/narrate", handleNarrate(deps))

		r.Get("/history", handleListHistory(deps))
		r.Post("/history", handleSaveHistory(deps))
		r.Post("/history/reconcile", handleReconcileHistory(deps))
		r.Get("/history/{id}", handleGetHistory(deps))
		r.Delete("/history/{id}", handleDeleteHistory(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleState(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Session.State())
	}
}

// SettingsRequest updates the session. Omitted fields are left unchanged.
type SettingsRequest struct {
	Date        *string `json:"date"`
	Author      *string `json:"author"`
	Era         *string `json:"era"`
	Category    *string `json:"category"`
	ResetFilter bool    `json:"reset_filter"`
}

func handleSettings(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SettingsRequest
		if !decodeBody(w, r, &req) {
			return
		}

		var era echo.Era
		var cat echo.Category
		var err error
		if req.Era != nil {
			if era, err = echo.ParseEra(*req.Era); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
		}
		if req.Category != nil {
			if cat, err = echo.ParseCategory(*req.Category); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
		}

		s := deps.Session
		if req.Date != nil {
			if _, err := s.SetDate(*req.Date); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
		}
		if req.Author != nil {
			if err := s.SetAuthor(*req.Author); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
		}
		if req.ResetFilter {
			s.ResetFilter()
		}
		if req.Era != nil {
			s.SetEra(era)
		}
		if req.Category != nil {
			s.SetCategory(cat)
		}
		writeJSON(w, http.StatusOK, s.State())
	}
}

// runContext detaches a generation run from the request. A client that hangs
// up does not cancel the shared run; phase timeouts and Reset still bound it.
func runContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

type scanRequest struct {
	More bool `json:"more"`
}

func handleScan(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scanRequest
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}
		cands, err := deps.Session.Scan(runContext(r), req.More)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"candidates": cands})
	}
}

type selectRequest struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
}

func handleSelect(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req selectRequest
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}
		result, err := deps.Session.Select(runContext(r), req.Index, req.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleReset(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Session.Reset()
		writeJSON(w, http.StatusOK, deps.Session.State())
	}
}

func handleUpdateResult(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var edit session.Edit
		if !decodeBody(w, r, &edit) {
			return
		}
		result, err := deps.Session.UpdateResult(edit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleNarrate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := deps.Session.Narrate(r.Context(), &buf); err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
		w.Write(buf.Bytes())
	}
}

func handleListHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"entries": deps.Session.History()})
	}
}

func handleSaveHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, err := deps.Session.Save()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, entry)
	}
}

func handleReconcileHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dropped, removed, err := deps.Session.ReconcileHistory()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"dropped_entries": dropped, "removed_blobs": removed})
	}
}

func handleGetHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := deps.Session.LoadHistory(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleDeleteHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Session.DeleteHistory(chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var e *echo.Error
	switch {
	case errors.Is(err, echo.ErrInvalidPhase):
		httpError(w, http.StatusConflict, "invalid_phase", "%v", err)
	case errors.Is(err, echo.ErrSuperseded):
		httpError(w, http.StatusConflict, "superseded", "%v", err)
	case errors.Is(err, narration.ErrBusy):
		httpError(w, http.StatusConflict, "busy", "%v", err)
	case errors.Is(err, pipeline.ErrNoSuchCandidate):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.As(err, &e):
		httpError(w, statusFor(e), string(e.Kind), "%s", e.Error())
	default:
		slog.Error("request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "server_error", "%v", err)
	}
}

func statusFor(e *echo.Error) int {
	switch e.Kind {
	case echo.KindStorageQuotaExceeded:
		return http.StatusInsufficientStorage
	case echo.KindStorageCorrupted:
		return http.StatusNotFound
	}
	if e.Cause == echo.CauseTimeout {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
