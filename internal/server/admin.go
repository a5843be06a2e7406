package server

import (
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/fedigrid/relay/internal/signer"
)

// hashAPIToken derives the bcrypt hash the auth middleware compares against.
// Hashing runs on the signing lane; it is the same kind of CPU-bound work.
func hashAPIToken(pool *signer.Pool, token string) ([]byte, error) {
	var hash []byte
	err := pool.Sign(func() error {
		h, err := bcrypt.GenerateFromPassword([]byte(token), 12)
		if err != nil {
			return err
		}
		hash = h
		return nil
	})
	return hash, err
}

// apiAuth guards the admin API with the X-Api-Token header. Comparison runs on
// the verify lane so a flood of bad tokens cannot occupy the HTTP workers.
func (s *Server) apiAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiTokenHash == nil {
			jsonResponse(w, map[string]string{"msg": "admin API disabled"}, http.StatusForbidden)
			return
		}
		token := r.Header.Get("X-Api-Token")
		if token == "" {
			jsonResponse(w, map[string]string{"msg": "No API token supplied"}, http.StatusUnauthorized)
			return
		}
		err := s.pool.Verify(func() error {
			return bcrypt.CompareHashAndPassword(s.apiTokenHash, []byte(token))
		})
		if err != nil {
			jsonResponse(w, map[string]string{"msg": "invalid token"}, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type domainsRequest struct {
	Domains []string `json:"domains"`
}

func readDomains(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var req domainsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Domains) == 0 {
		jsonResponse(w, map[string]string{"msg": "expected a non-empty 'domains' array"}, http.StatusBadRequest)
		return nil, false
	}
	return req.Domains, true
}

func (s *Server) handleAllow(w http.ResponseWriter, r *http.Request) {
	domains, ok := readDomains(w, r)
	if !ok {
		return
	}
	for _, domain := range domains {
		if err := s.store.Allow(r.Context(), domain); err != nil {
			jsonResponse(w, map[string]string{"error": err.Error()}, http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDisallow(w http.ResponseWriter, r *http.Request) {
	domains, ok := readDomains(w, r)
	if !ok {
		return
	}
	for _, domain := range domains {
		if err := s.store.Disallow(r.Context(), domain); err != nil {
			jsonResponse(w, map[string]string{"error": err.Error()}, http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	domains, ok := readDomains(w, r)
	if !ok {
		return
	}
	for _, domain := range domains {
		if err := s.store.Block(r.Context(), domain); err != nil {
			jsonResponse(w, map[string]string{"error": err.Error()}, http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	domains, ok := readDomains(w, r)
	if !ok {
		return
	}
	for _, domain := range domains {
		if err := s.store.Unblock(r.Context(), domain); err != nil {
			jsonResponse(w, map[string]string{"error": err.Error()}, http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAllowed(w http.ResponseWriter, r *http.Request) {
	domains, err := s.store.Allowed(r.Context())
	if err != nil {
		jsonResponse(w, map[string]string{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string][]string{"allowed_domains": orEmpty(domains)}, http.StatusOK)
}

func (s *Server) handleBlocked(w http.ResponseWriter, r *http.Request) {
	domains, err := s.store.Blocked(r.Context())
	if err != nil {
		jsonResponse(w, map[string]string{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string][]string{"blocked_domains": orEmpty(domains)}, http.StatusOK)
}

func (s *Server) handleConnected(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.ConnectedIDs(r.Context())
	if err != nil {
		jsonResponse(w, map[string]string{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string][]string{"connected_actors": orEmpty(ids)}, http.StatusOK)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Stats(r.Context())
	if err != nil {
		jsonResponse(w, map[string]string{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	jsonResponse(w, counts, http.StatusOK)
}

func (s *Server) handleLastSeen(w http.ResponseWriter, r *http.Request) {
	seen, err := s.store.LastOnline(r.Context())
	if err != nil {
		jsonResponse(w, map[string]string{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	out := make(map[string]string, len(seen))
	for domain, at := range seen {
		out[domain] = at.UTC().Format(time.RFC3339)
	}
	jsonResponse(w, map[string]any{"last_seen": out}, http.StatusOK)
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
