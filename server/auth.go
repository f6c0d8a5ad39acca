package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/julienschmidt/httprouter"
)

const sessionCookie = "convod_session"

// sessionAuth is in-memory cookie session auth. An empty password disables
// auth entirely, which is the default for localhost use.
type sessionAuth struct {
	password string

	mu     sync.Mutex
	tokens map[string]struct{}
}

func newSessionAuth(password string) *sessionAuth {
	return &sessionAuth{password: password, tokens: make(map[string]struct{})}
}

func (a *sessionAuth) enabled() bool { return a.password != "" }

func (a *sessionAuth) login(password string) (string, bool) {
	if subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) != 1 {
		return "", false
	}
	buf := make([]byte, 32)
	rand.Read(buf)
	token := hex.EncodeToString(buf)
	a.mu.Lock()
	a.tokens[token] = struct{}{}
	a.mu.Unlock()
	return token, true
}

func (a *sessionAuth) authorized(r *http.Request) bool {
	if !a.enabled() {
		return true
	}
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return false
	}
	a.mu.Lock()
	_, ok := a.tokens[cookie.Value]
	a.mu.Unlock()
	return ok
}

func (s *Server) login(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.auth.enabled() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	token, ok := s.auth.login(req.Password)
	if !ok {
		s.log.Infow("rejected login attempt", "Remote", r.RemoteAddr)
		http.Error(w, "invalid password", http.StatusUnauthorized)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requireAuth(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		if !s.auth.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r, params)
	}
}
