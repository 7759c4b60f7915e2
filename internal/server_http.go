package internal

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"clinchat/internal/identity"
)

type signupRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HandleSignup creates an account over plain HTTP so deployments can script
// registration without speaking the chat protocol.
func (s *Server) HandleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authLimiter.Allow(s.clientIP(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	username := strings.TrimSpace(req.Username)
	password := strings.TrimSpace(req.Password)
	if username == "" || password == "" {
		writeError(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	}
	if err := s.ident.Register(r.Context(), username, password); err != nil {
		if errors.Is(err, identity.ErrExists) {
			writeError(w, http.StatusConflict, errors.New("username already taken"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.engine.metrics.IncSignup()
	writeJSON(w, http.StatusCreated, map[string]string{"username": username})
}

// HandleHealth reports liveness and the running version.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

// MetricsHandler exposes the runtime counters as JSON.
func (s *Server) MetricsHandler() http.Handler {
	return s.engine.metrics
}

func (s *Server) clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
