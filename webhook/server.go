// Package webhook terminates the workflow engine's status callbacks. The
// endpoint acknowledges every authenticated request regardless of what the
// dispatcher made of it, so duplicate or unknown job ids never cause the
// upstream to retry harder.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/Leogelv/astria-portraits-telegram-bot/core"
	"github.com/Leogelv/astria-portraits-telegram-bot/jobs"
	"github.com/Leogelv/astria-portraits-telegram-bot/lib/sl"
)

const secretHeader = "X-Webhook-Secret"

type Server struct {
	conf       *core.Config
	dispatcher *jobs.Dispatcher
	srv        *http.Server
	log        *slog.Logger
}

func NewServer(conf *core.Config, dispatcher *jobs.Dispatcher, log *slog.Logger) *Server {
	s := &Server{
		conf:       conf,
		dispatcher: dispatcher,
		log:        log.With(sl.Module("webhook")),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Get("/healthz", s.health)
	r.Post(conf.Webhook.Path, s.notification)

	s.srv = &http.Server{
		Addr:    conf.Webhook.Listen,
		Handler: r,
	}
	return s
}

// Handler exposes the route tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Start() error {
	s.log.With(slog.String("listen", s.conf.Webhook.Listen)).Info("webhook server listening")
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) notification(w http.ResponseWriter, r *http.Request) {
	log := s.log.With(slog.String("request_id", requestIDFromContext(r.Context())))

	if s.conf.Webhook.Secret != "" && r.Header.Get(secretHeader) != s.conf.Webhook.Secret {
		log.Warn("rejected callback with bad secret")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var n jobs.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil || n.JobId == "" {
		// Garbage payloads are acknowledged like any other no-op.
		if err != nil {
			log.Warn("undecodable callback payload", sl.Err(err))
		} else {
			log.Warn("callback without job id")
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	outcome := s.dispatcher.HandleNotification(r.Context(), n)
	log.With(sl.Job(n.JobId), slog.String("outcome", outcome.String())).Debug("callback handled")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": outcome.String()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type contextKey string

const requestIDKey contextKey = "request_id"

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, rid)
		w.Header().Set("X-Request-ID", rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
