package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tomatolab/classchat/internal/models"
	"github.com/tomatolab/classchat/internal/service"
	"github.com/tomatolab/classchat/internal/validation"
)

const (
	CookieName  = "classchat_session"
	sessionIdle = 12 * time.Hour
)

type ctxKey struct{}

type Server struct {
	addr     string
	log      *slog.Logger
	auth     *service.AuthService
	chat     *service.ChatService
	sessions *SessionManager
	maxBody  int64
	router   *chi.Mux
}

// NewServer builds the student facing API. maxAttachment caps the decoded
// attachment size.
func NewServer(addr string, log *slog.Logger, auth *service.AuthService, chat *service.ChatService, sessions *SessionManager, maxAttachment int) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:     addr,
		log:      log,
		auth:     auth,
		chat:     chat,
		sessions: sessions,
		// base64 inflates by 4/3; leave room for the message itself
		maxBody: int64(maxAttachment)*4/3 + 64<<10,
		router:  r,
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api", func(r chi.Router) {
		r.Use(s.sessionMiddleware)
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
		r.Get("/status", s.handleStatus)
		r.Get("/transcript", s.handleTranscript)
		r.Post("/turns", s.handleTurn)
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := srv.Shutdown(shutdownCtx); err != nil {
					s.log.Error("http shutdown error", "err", err)
				}
				cancel()
				return
			case <-ticker.C:
				if n := s.sessions.Sweep(sessionIdle); n > 0 {
					s.log.Info("expired idle sessions", "count", n)
				}
			}
		}
	}()

	s.log.Info("chat api listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

// requestSession is the session a request works on. id is empty for an
// anonymous visitor, whose session is discarded after the request.
type requestSession struct {
	id      string
	session *models.Session
}

// sessionMiddleware attaches the caller's session and holds its lock until
// the request is done. Unknown cookies are treated as anonymous.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs := &requestSession{session: &models.Session{}}
		if c, err := r.Cookie(CookieName); err == nil {
			if e := s.sessions.Acquire(c.Value); e != nil {
				defer e.mu.Unlock()
				rs = &requestSession{id: c.Value, session: &e.session}
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, rs)))
	})
}

func requestSessionFrom(r *http.Request) *requestSession {
	return r.Context().Value(ctxKey{}).(*requestSession)
}

func sessionFrom(r *http.Request) *models.Session {
	return requestSessionFrom(r).session
}

func setSessionCookie(w http.ResponseWriter, r *http.Request, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds service.Credentials
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	rs := requestSessionFrom(r)
	status, err := s.auth.Login(r.Context(), rs.session, creds)
	switch {
	case err == nil:
		if rs.id == "" {
			setSessionCookie(w, r, s.sessions.Create(*rs.session), 0)
		}
		writeJSON(w, http.StatusOK, status)
	case service.IsValidationError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case service.IsAuthError(err):
		writeError(w, http.StatusUnauthorized, "Authentication failed. Check your student ID, PIN and access code.")
	default:
		s.log.Error("login failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "The record store is unavailable. Please try again.")
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	rs := requestSessionFrom(r)
	s.auth.Logout(rs.session)
	if rs.id != "" {
		s.sessions.Remove(rs.id)
		setSessionCookie(w, r, "", -1)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.auth.Status(sessionFrom(r)))
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	if !sess.LoggedIn {
		writeError(w, http.StatusUnauthorized, "Please log in first.")
		return
	}
	transcript := sess.Transcript
	if transcript == nil {
		transcript = []models.Message{}
	}
	writeJSON(w, http.StatusOK, transcript)
}

type attachmentRequest struct {
	ContentType string `json:"content_type" validate:"max=100"`
	Data        []byte `json:"data" validate:"required"`
}

type turnRequest struct {
	Message    string             `json:"message" validate:"notblank,max=8000"`
	Attachment *attachmentRequest `json:"attachment,omitempty"`
}

type turnEvent struct {
	Delta   string               `json:"delta,omitempty"`
	Outcome *service.TurnOutcome `json:"outcome,omitempty"`
	Error   *turnFailure         `json:"error,omitempty"`
}

type turnFailure struct {
	Kind    service.TurnKind `json:"kind"`
	Message string           `json:"message"`
	Status  service.Status   `json:"status"`
}

// handleTurn streams the turn as newline delimited JSON: delta events while
// the model writes, then one outcome or error event.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	if !sess.LoggedIn {
		writeError(w, http.StatusUnauthorized, "Please log in first.")
		return
	}
	var req turnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validation.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	turn := service.TurnRequest{Message: req.Message}
	if req.Attachment != nil {
		turn.Attachment = &models.Attachment{ContentType: req.Attachment.ContentType, Data: req.Attachment.Data}
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	emit := func(ev turnEvent) {
		if err := enc.Encode(ev); err != nil {
			return
		}
		_ = rc.Flush()
	}

	outcome, err := s.chat.SubmitTurn(r.Context(), sess, turn, func(delta string) {
		emit(turnEvent{Delta: delta})
	})
	if err != nil {
		var terr *service.TurnError
		if !errors.As(err, &terr) {
			terr = &service.TurnError{Kind: service.TurnGeneration, Message: "Unexpected error.", Err: err}
		}
		emit(turnEvent{Error: &turnFailure{Kind: terr.Kind, Message: terr.Message, Status: s.auth.Status(sess)}})
		return
	}
	emit(turnEvent{Outcome: outcome})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
