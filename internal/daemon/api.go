package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/nous-labs/questbuddy/pkg/channel"
)

// Router builds the HTTP API:
//
//	GET  /health                  liveness and uptime
//	POST /v1/chat                 run one message through the pipeline
//	GET  /v1/users/{userID}/quests  structured progress report
//	GET  /v1/events               SSE stream of pipeline events
//	GET  /ws/chat?user=ID         websocket channel, when enabled
func (d *Daemon) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/health", d.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat", d.handleChat)
		r.Get("/users/{userID}/quests", d.handleQuests)
		r.Get("/events", d.handleEvents)
	})
	if d.websocket != nil {
		r.Get("/ws/chat", d.websocket.ServeHTTP)
	}
	return r
}

// serveHTTP runs the API until ctx is cancelled.
func (d *Daemon) serveHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:        d.config.HTTPAddr,
		Handler:     d.Router(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		// no WriteTimeout: /v1/events and /ws/chat are long-lived
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("API shutdown", "error", err)
		}
	}()

	slog.Info("API listening", "addr", d.config.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status, body := d.healthStatus()
	writeJSON(w, status, body)
}

// chatRequest is the JSON body for POST /v1/chat.
type chatRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// chatResponse is the JSON response for POST /v1/chat.
type chatResponse struct {
	Reply   string   `json:"reply"`
	Chunks  []string `json:"chunks"`
	Elapsed string   `json:"elapsed"`
}

// handleChat runs the pipeline and returns the reply instead of sending it
// to a channel.
func (d *Daemon) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "user_id and message are required")
		return
	}

	start := time.Now()
	reply, err := d.HandleMessage(r.Context(), channel.Message{
		Source:    "http",
		SenderID:  req.UserID,
		RoomID:    req.UserID,
		Content:   req.Message,
		Timestamp: start.UnixMilli(),
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		Reply:   reply,
		Chunks:  d.chunks(reply),
		Elapsed: time.Since(start).Round(time.Millisecond).String(),
	})
}

// handleQuests serves the progress report for one user.
func (d *Daemon) handleQuests(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	report, err := d.dispatcher.Report(r.Context(), userID)
	if err != nil {
		slog.Error("quest report failed", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "quest log unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"quests":  report,
		"count":   len(report),
	})
}

// handleEvents streams events as SSE, starting with the recent backlog.
func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	stream, done := d.events.Subscribe()
	defer d.events.Unsubscribe(done)
	slog.Debug("SSE client connected", "subscribers", d.events.SubscriberCount())

	for _, e := range d.events.Recent(50) {
		fmt.Fprintf(w, "data: %s\n\n", e.JSON())
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-stream:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", evt.JSON())
			flusher.Flush()
		}
	}
}
