// Package api exposes the agent's local HTTP and WebSocket surface on
// the loopback interface. Browsers and the companion UI talk to it; the
// eID protocol itself never crosses this boundary.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"runtime/debug"
	"strconv"

	"github.com/useid/eid-agent/internal/flows/identification"
	"github.com/useid/eid-agent/internal/flows/setup"
	"github.com/useid/eid-agent/internal/logging"
	"github.com/useid/eid-agent/internal/reader"
	"github.com/useid/eid-agent/internal/storage"
)

// ReaderLister provides the reader snapshot. Satisfied by
// reader.Monitor.
type ReaderLister interface {
	Readers() []reader.Info
}

// Server holds the API's collaborators. Handlers never reach into
// engine internals; everything goes through the flow coordinators.
type Server struct {
	ident    *identification.Coordinator
	setup    *setup.Coordinator
	store    *storage.Store
	readers  ReaderLister
	hub      *WSHub
	shutdown func()
}

// NewServer wires the API against the coordinators, storage and reader
// monitor.
func NewServer(ident *identification.Coordinator, setupFlow *setup.Coordinator, store *storage.Store, readers ReaderLister) *Server {
	return &Server{
		ident:   ident,
		setup:   setupFlow,
		store:   store,
		readers: readers,
	}
}

// SetShutdownHandler sets the callback for shutdown requests.
func (s *Server) SetShutdownHandler(handler func()) {
	s.shutdown = handler
}

// NewMux constructs the HTTP mux, including the WebSocket endpoint.
func (s *Server) NewMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/health", corsMiddleware(s.handleHealth))
	mux.HandleFunc("/v1/version", corsMiddleware(s.handleVersion))
	mux.HandleFunc("/v1/logs", corsMiddleware(s.handleLogs))
	mux.HandleFunc("/v1/crashes", corsMiddleware(s.handleCrashes))
	mux.HandleFunc("/v1/settings", corsMiddleware(s.handleSettings))
	mux.HandleFunc("/v1/readers", corsMiddleware(s.handleReaders))
	mux.HandleFunc("/v1/flows/identification", corsMiddleware(s.handleIdentificationState))
	mux.HandleFunc("/v1/flows/setup", corsMiddleware(s.handleSetupState))
	mux.HandleFunc("/v1/deeplink", corsMiddleware(s.handleDeepLink))
	mux.HandleFunc("/v1/shutdown", corsMiddleware(s.handleShutdown))
	mux.HandleFunc("/v1/ws", s.InitWebSocket())
	return mux
}

// recoveryMiddleware catches panics and logs them to crash files.
func recoveryMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				context := fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path)

				logging.CapturePanic(rec, stack, context)
				logging.Error(logging.CatHTTP, fmt.Sprintf("PANIC in %s: %v", context, rec), map[string]any{
					"panic":  fmt.Sprintf("%v", rec),
					"stack":  string(stack),
					"method": r.Method,
					"path":   r.URL.Path,
				})

				crashFile, err := logging.WriteCrashLog(rec, stack)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
					crashFile = ""
				}

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":     "internal server error",
					"crashFile": crashFile,
				})
			}
		}()
		next(w, r)
	}
}

// corsMiddleware adds CORS headers to allow browser access from any origin.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		recoveryMiddleware(next)(w, r)
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // Error logged but not returned (header already sent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"readerCount": len(s.readers.Readers()),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	})
}

func (s *Server) handleReaders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	respondJSON(w, http.StatusOK, s.readers.Readers())
}

func (s *Server) handleIdentificationState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	respondJSON(w, http.StatusOK, s.ident.State())
}

func (s *Server) handleSetupState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	respondJSON(w, http.StatusOK, s.setup.State())
}

// handleDeepLink receives an eid:// or https universal link and either
// starts identification directly or defers it behind first-use setup.
func (s *Server) handleDeepLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
		return
	}

	tcTokenURL, err := ExtractTCTokenURL(req.URL)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	logging.Info(logging.CatHTTP, "Deep link received", nil)

	if !s.store.SetupCompleted() {
		// First-time user: park the URL, setup runs first
		if err := s.store.SetTokenURL(tcTokenURL); err != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to store token URL: " + err.Error(),
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"setupRequired": true,
		})
		return
	}

	// The session outlives this request; do not tie it to r.Context()
	if err := s.ident.Begin(context.Background(), tcTokenURL); err != nil {
		respondJSON(w, http.StatusConflict, map[string]string{
			"error": err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"setupRequired": false,
	})
}

// ExtractTCTokenURL pulls the tcTokenURL query parameter out of a deep
// link. The value passes through verbatim; a malformed token URL only
// surfaces later as a process failure.
func ExtractTCTokenURL(deepLink string) (string, error) {
	if deepLink == "" {
		return "", fmt.Errorf("missing url")
	}
	u, err := url.Parse(deepLink)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	tcTokenURL := u.Query().Get("tcTokenURL")
	if tcTokenURL == "" {
		return "", fmt.Errorf("missing tcTokenURL parameter")
	}
	return tcTokenURL, nil
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if s.shutdown == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "shutdown not available",
		})
		return
	}

	logging.Info(logging.CatSystem, "Shutdown requested via API", nil)
	respondJSON(w, http.StatusOK, map[string]string{
		"success": "shutting down",
	})

	// Trigger shutdown after response is sent
	go s.shutdown()
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
			if limit > 1000 {
				limit = 1000
			}
		}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": logging.GetRecentLogs(limit),
	})
}

func (s *Server) handleCrashes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	if filename := query.Get("file"); filename != "" {
		content, err := logging.ReadCrashLog(filename)
		if err != nil {
			respondJSON(w, http.StatusNotFound, map[string]string{
				"error": "crash log not found: " + err.Error(),
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"filename": filename,
			"content":  content,
		})
		return
	}

	limit := 20
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
			if limit > 100 {
				limit = 100
			}
		}
	}

	logs, err := logging.GetCrashLogs(limit)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list crash logs: " + err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"crashes":  logs,
		"crashDir": logging.CrashLogDir(),
	})
}

// handleSettings handles GET and POST requests for user settings.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"crashReporting": s.store.CrashReporting(),
			"setupCompleted": s.store.SetupCompleted(),
		})

	case http.MethodPost:
		var req struct {
			CrashReporting *bool `json:"crashReporting"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body: " + err.Error(),
			})
			return
		}

		if req.CrashReporting != nil {
			if err := s.store.SetCrashReporting(*req.CrashReporting); err != nil {
				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error": "failed to save settings: " + err.Error(),
				})
				return
			}
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"crashReporting": s.store.CrashReporting(),
			"setupCompleted": s.store.SetupCompleted(),
			"message":        "Settings updated. Restart may be required for some changes to take effect.",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}
