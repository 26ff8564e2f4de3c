// Package httpapi serves the REST side of the messenger: signup, login and
// the full-state re-fetch clients perform after (re)connecting.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/sation/messenger/internal/auth"
	"github.com/sation/messenger/internal/metrics"
	"github.com/sation/messenger/internal/protocol"
	"github.com/sation/messenger/internal/ratelimit"
	"github.com/sation/messenger/internal/session"
	"github.com/sation/messenger/internal/store"
)

// Accounts is the signup/login service. *auth.Service satisfies it.
type Accounts interface {
	Signup(ctx context.Context, req auth.SignupRequest) (*store.User, string, error)
	Login(ctx context.Context, req auth.LoginRequest) (*store.User, string, error)
	VerifyToken(token string) (int64, error)
}

// Chats is the read side of the chat service. *chat.Service satisfies it.
type Chats interface {
	ListChats(ctx context.Context, userID int64) ([]store.ChatSummary, error)
	LoadMessages(ctx context.Context, chatID string, userID int64) ([]store.Message, error)
}

// Presence reads the session mirror shared by every node. *session.Store
// satisfies it.
type Presence interface {
	Live(ctx context.Context, userID int64) ([]*session.Session, error)
}

// Limiter throttles anonymous endpoints by client IP. *ratelimit.Limiter
// satisfies it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Handler holds the REST endpoints.
type Handler struct {
	accounts Accounts
	chats    Chats
	presence Presence
	limiter  Limiter
}

// NewHandler creates a Handler. presence may be nil to leave the presence
// routes unmounted; limiter may be nil to disable throttling.
func NewHandler(accounts Accounts, chats Chats, presence Presence, limiter Limiter) *Handler {
	return &Handler{accounts: accounts, chats: chats, presence: presence, limiter: limiter}
}

// Router returns the routes mounted on a gorilla/mux router.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/signup", h.instrument("signup", h.signup)).Methods(http.MethodPost)
	r.HandleFunc("/login", h.instrument("login", h.login)).Methods(http.MethodPost)

	authed := r.NewRoute().Subrouter()
	authed.Use(h.requireUser)
	authed.HandleFunc("/chats", h.instrument("list_chats", h.listChats)).Methods(http.MethodGet)
	authed.HandleFunc("/chats/{id}/messages", h.instrument("load_messages", h.loadMessages)).Methods(http.MethodGet)
	if h.presence != nil {
		authed.HandleFunc("/sessions", h.instrument("list_sessions", h.listSessions)).Methods(http.MethodGet)
		authed.HandleFunc("/users/{id}/presence", h.instrument("presence", h.userPresence)).Methods(http.MethodGet)
	}
	return r
}

// Register mounts every route on mount, e.g. ws.Server.Handle.
func (h *Handler) Register(mount func(pattern string, handler http.Handler)) {
	router := h.Router()
	for _, pattern := range []string{"/signup", "/login", "/chats", "/chats/", "/sessions", "/users/"} {
		mount(pattern, router)
	}
}

type tokenResponse struct {
	User  *store.User `json:"user"`
	Token string      `json:"token"`
}

type presenceResponse struct {
	UserID     int64 `json:"user_id"`
	Online     bool  `json:"online"`
	Sessions   int   `json:"sessions"`
	LastActive int64 `json:"last_active,omitempty"`
}

type apiFunc func(w http.ResponseWriter, r *http.Request) error

// instrument adapts an apiFunc: errors become JSON error bodies and every
// call is counted under the given request type.
func (h *Handler) instrument(name string, fn apiFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		code := "ok"
		if err := fn(w, r); err != nil {
			code = ErrorCode(err)
			message := err.Error()
			if code == protocol.CodeInternal {
				log.Printf("httpapi: %s failed: %v", name, err)
				message = "internal error"
			}
			writeError(w, code, message, name)
		}
		metrics.RequestLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
		metrics.RequestsTotal.WithLabelValues(name, code).Inc()
	}
}

func (h *Handler) throttle(r *http.Request) error {
	if h.limiter == nil {
		return nil
	}
	if ok, _ := h.limiter.Allow(r.Context(), ratelimit.ClientIP(r), ratelimit.RuleLogin); !ok {
		return ratelimit.ErrLimited
	}
	return nil
}

func (h *Handler) signup(w http.ResponseWriter, r *http.Request) error {
	if err := h.throttle(r); err != nil {
		return err
	}
	var req auth.SignupRequest
	if err := decodeBody(w, r, &req); err != nil {
		return err
	}
	u, token, err := h.accounts.Signup(r.Context(), req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, tokenResponse{User: u, Token: token})
	return nil
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) error {
	if err := h.throttle(r); err != nil {
		return err
	}
	var req auth.LoginRequest
	if err := decodeBody(w, r, &req); err != nil {
		return err
	}
	u, token, err := h.accounts.Login(r.Context(), req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, tokenResponse{User: u, Token: token})
	return nil
}

func (h *Handler) listChats(w http.ResponseWriter, r *http.Request) error {
	chats, err := h.chats.ListChats(r.Context(), UserID(r.Context()))
	if err != nil {
		return err
	}
	if chats == nil {
		chats = []store.ChatSummary{}
	}
	writeJSON(w, http.StatusOK, chats)
	return nil
}

func (h *Handler) loadMessages(w http.ResponseWriter, r *http.Request) error {
	msgs, err := h.chats.LoadMessages(r.Context(), mux.Vars(r)["id"], UserID(r.Context()))
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
	return nil
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) error {
	sessions, err := h.presence.Live(r.Context(), UserID(r.Context()))
	if err != nil {
		return err
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
	return nil
}

func (h *Handler) userPresence(w http.ResponseWriter, r *http.Request) error {
	raw := mux.Vars(r)["id"]
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		return fmt.Errorf("%w: user id %q", auth.ErrInvalid, raw)
	}
	sessions, err := h.presence.Live(r.Context(), userID)
	if err != nil {
		return err
	}
	resp := presenceResponse{UserID: userID, Online: len(sessions) > 0, Sessions: len(sessions)}
	for _, s := range sessions {
		resp.LastActive = max(resp.LastActive, s.LastActive)
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", auth.ErrInvalid, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code, message, request string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusFor(code))
	_, _ = w.Write(protocol.NewErrorMessage(code, message, request))
}
