package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tomatolab/classchat/internal/repository"
	"github.com/tomatolab/classchat/internal/service"
	"github.com/tomatolab/classchat/internal/validation"
)

// Broadcaster sends a notice to every chat front-end user that is signed in.
type Broadcaster interface {
	Broadcast(ctx context.Context, text string) (sent, total int)
}

type Server struct {
	addr     string
	username string
	password string
	log      *slog.Logger
	roster   *service.RosterService
	notifier Broadcaster
	router   *chi.Mux
}

// NewServer builds the roster administration API. notifier may be nil when
// no chat front-end is running.
func NewServer(addr, username, password string, log *slog.Logger, roster *service.RosterService, notifier Broadcaster) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:     addr,
		username: username,
		password: password,
		log:      log,
		roster:   roster,
		notifier: notifier,
		router:   r,
	}
	r.Get("/healthz", s.handleHealth)
	r.Group(func(protected chi.Router) {
		protected.Use(s.basicAuthMiddleware())
		protected.Route("/accounts", func(r chi.Router) {
			r.Get("/", s.handleListAccounts)
			r.Post("/", s.handleAddAccount)
			r.Post("/{id}/reset-pin", s.handleResetPIN)
		})
		protected.Get("/usage", s.handleUsage)
		protected.Post("/broadcast", s.handleBroadcast)
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("admin shutdown error", "err", err)
		}
	}()

	s.log.Info("admin api listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin listen: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.roster.List(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, accounts)
}

type accountRequest struct {
	StudentID string `json:"student_id" validate:"required,len=4,numeric"`
}

func (s *Server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := validation.Struct(req); err != nil {
		s.badRequest(w, err)
		return
	}
	account, err := s.roster.Add(r.Context(), req.StudentID)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusCreated, account)
	case errors.Is(err, service.ErrInvalidIdentityFormat):
		s.badRequest(w, err)
	case errors.Is(err, repository.ErrAccountExists):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.internalError(w, err)
	}
}

func (s *Server) handleResetPIN(w http.ResponseWriter, r *http.Request) {
	err := s.roster.ResetPIN(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, service.ErrUnknownIdentity):
		http.Error(w, "account not found", http.StatusNotFound)
	default:
		s.internalError(w, err)
	}
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	report, err := s.roster.UsageReport(r.Context(), r.URL.Query().Get("date"))
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, report)
	case errors.Is(err, service.ErrInvalidDate):
		s.badRequest(w, err)
	default:
		s.internalError(w, err)
	}
}

type broadcastRequest struct {
	Message string `json:"message" validate:"notblank,max=4096"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if s.notifier == nil {
		http.Error(w, "no chat front-end running", http.StatusServiceUnavailable)
		return
	}
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := validation.Struct(req); err != nil {
		s.badRequest(w, err)
		return
	}
	sent, total := s.notifier.Broadcast(r.Context(), req.Message)
	s.writeJSON(w, http.StatusOK, map[string]int{"sent": sent, "total": total})
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || s.password == "" || !equal(user, s.username) || !equal(pass, s.password) {
				w.Header().Set("WWW-Authenticate", `Basic realm="classchat"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("admin handler error", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
