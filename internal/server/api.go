package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sjawhar/voice-tutor/internal/display"
	"github.com/sjawhar/voice-tutor/internal/session"
	"github.com/sjawhar/voice-tutor/internal/storage"
)

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const maxBodyBytes = 64 << 10

type SessionStore interface {
	GetSessionsByDate(date string) ([]storage.Session, error)
	GetSession(id string) (storage.Session, error)
	GetTranscript(sessionID string) ([]storage.TranscriptItem, error)
	GetDates() ([]string, error)
}

// Controller is the session orchestrator as driven over HTTP.
type Controller interface {
	StartSession(cfg session.Config) (string, error)
	StartDegraded(ctx context.Context) (string, error)
	Retry(ctx context.Context) (string, error)
	Pause() error
	Resume() error
	EndSession(ctx context.Context) (session.Summary, bool)
	Snapshot() session.Snapshot
}

type TranscriptSource interface {
	Items() []display.Item
}

func registerAPIRoutes(mux *http.ServeMux, deps Deps) {
	store := deps.Store

	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "" {
			date = time.Now().UTC().Format("2006-01-02")
		}

		sessions, err := store.GetSessionsByDate(date)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list sessions: %v", err))
			return
		}
		if sessions == nil {
			sessions = []storage.Session{}
		}
		writeJSON(w, http.StatusOK, sessions)
	})

	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.PathValue("id")
		if !validSessionID(sessionID) {
			writeJSONError(w, http.StatusForbidden, "invalid session id")
			return
		}

		sessionData, err := store.GetSession(sessionID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, sql.ErrNoRows) {
				status = http.StatusNotFound
			}
			writeJSONError(w, status, fmt.Sprintf("get session: %v", err))
			return
		}

		items, err := store.GetTranscript(sessionID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get session transcript: %v", err))
			return
		}
		if items == nil {
			items = []storage.TranscriptItem{}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"session":    sessionData,
			"transcript": items,
		})
	})

	mux.HandleFunc("GET /api/sessions/{id}/audio", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.PathValue("id")
		if !validSessionID(sessionID) {
			writeJSONError(w, http.StatusForbidden, "invalid session id")
			return
		}

		sessionData, err := store.GetSession(sessionID)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}

		if sessionData.AudioPath == "" {
			writeJSONError(w, http.StatusNotFound, "audio not available")
			return
		}

		cleanPath, ok := audioPathAllowed(sessionData.AudioPath, deps.AudioDir)
		if !ok {
			writeJSONError(w, http.StatusForbidden, "invalid audio path")
			return
		}

		f, err := os.Open(cleanPath)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "audio file not found")
			return
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("stat audio: %v", err))
			return
		}

		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		w.Header().Set("Content-Type", contentTypeForAudio(cleanPath))
		http.ServeContent(w, r, filepath.Base(cleanPath), info.ModTime(), f)
	})

	mux.HandleFunc("POST /api/sessions/{id}/recap", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.PathValue("id")
		if !validSessionID(sessionID) {
			writeJSONError(w, http.StatusForbidden, "invalid session id")
			return
		}
		if deps.Recap == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "recaps not configured")
			return
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if _, _, err := deps.Recap(ctx, sessionID); err != nil {
				deps.Logger.Warn("recap request failed", "session_id", sessionID, "error", err)
			}
		}()
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("GET /api/dates", func(w http.ResponseWriter, r *http.Request) {
		dates, err := store.GetDates()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get dates: %v", err))
			return
		}
		if dates == nil {
			dates = []string{}
		}
		writeJSON(w, http.StatusOK, dates)
	})
}

func registerControlRoutes(mux *http.ServeMux, deps Deps) {
	ctrl := deps.Controller

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		var warnings []string
		if deps.Warnings != nil {
			warnings = deps.Warnings()
		}
		if warnings == nil {
			warnings = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": ctrl.Snapshot(), "warnings": warnings})
	})

	mux.HandleFunc("GET /api/transcript", func(w http.ResponseWriter, r *http.Request) {
		items := []display.Item{}
		if deps.Transcript != nil {
			if got := deps.Transcript.Items(); got != nil {
				items = got
			}
		}
		writeJSON(w, http.StatusOK, items)
	})

	mux.HandleFunc("POST /api/session", func(w http.ResponseWriter, r *http.Request) {
		var cfg session.Config
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decode session config: %v", err))
			return
		}
		id, err := ctrl.StartSession(cfg)
		writeStarted(w, id, err)
	})

	mux.HandleFunc("POST /api/session/retry", func(w http.ResponseWriter, r *http.Request) {
		id, err := ctrl.Retry(r.Context())
		writeStarted(w, id, err)
	})

	mux.HandleFunc("POST /api/session/degraded", func(w http.ResponseWriter, r *http.Request) {
		id, err := ctrl.StartDegraded(r.Context())
		writeStarted(w, id, err)
	})

	mux.HandleFunc("POST /api/session/pause", func(w http.ResponseWriter, r *http.Request) {
		writeControl(w, ctrl.Pause())
	})

	mux.HandleFunc("POST /api/session/resume", func(w http.ResponseWriter, r *http.Request) {
		writeControl(w, ctrl.Resume())
	})

	mux.HandleFunc("POST /api/session/end", func(w http.ResponseWriter, r *http.Request) {
		summary, ended := ctrl.EndSession(r.Context())
		if !ended {
			writeJSON(w, http.StatusOK, map[string]any{"ended": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ended": true, "summary": summary})
	})
}

func writeStarted(w http.ResponseWriter, id string, err error) {
	if err != nil {
		writeControl(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func writeControl(w http.ResponseWriter, err error) {
	if err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var initErr *session.SessionInitError
	var transitionErr *session.TransitionError
	switch {
	case errors.Is(err, session.ErrInvalidConfig):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &initErr), errors.As(err, &transitionErr):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// audioPathAllowed rejects traversal and, when root is set, anything
// outside it. Without a root only relative paths are served.
func audioPathAllowed(path, root string) (string, bool) {
	cleanPath := filepath.Clean(path)
	if cleanPath == "" || cleanPath == "." || strings.Contains(cleanPath, "..") {
		return "", false
	}
	if root == "" {
		return cleanPath, !filepath.IsAbs(cleanPath)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	absPath, err := filepath.Abs(cleanPath)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return cleanPath, true
}

func validSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

func contentTypeForAudio(path string) string {
	switch filepath.Ext(path) {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
