package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const sessionName = "zima_session"

// requireAuth gates every route behind the token handshake. Browsers get a
// redirect to the login page, API clients a bare 401.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, _ := s.sessionStore.Get(r, sessionName)
		if ok, _ := session.Values["authenticated"].(bool); ok {
			next.ServeHTTP(w, r)
			return
		}
		if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/data") {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		http.Redirect(w, r, "/login", http.StatusSeeOther)
	})
}

// tokenMatches compares in constant time.
func (s *Server) tokenMatches(presented string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) == 1
}

// handleLoginPage serves the login form. A token query parameter logs in
// directly, so the printed URL works as a one-click entry.
func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("token"); token != "" {
		if s.tokenMatches(token) {
			s.startSession(w, r)
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
		s.logger.Warn("rejected login attempt", "remote", r.RemoteAddr)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(loginHTML)
}

// handleLogin processes the login form.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.tokenMatches(r.FormValue("token")) {
		s.logger.Warn("rejected login attempt", "remote", r.RemoteAddr)
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}
	s.startSession(w, r)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	session, _ := s.sessionStore.Get(r, sessionName)
	session.Values["authenticated"] = true
	if err := session.Save(r, w); err != nil {
		s.logger.Error("failed to save session", "error", err)
	}
}
