package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// InventoryServer is a paged JSON inventory API:
//
//	POST /api/login              {"username","password"} -> {"data":{"token"}}
//	GET  /api/health
//	GET  /api/devices?page&limit -> {"data":[...],"meta":{"total":n}}
//	GET  /api/devices/{id}       -> {...,"detailed":true}
//	GET  /api/users?page&limit
//
// With a password set, every other call needs the session token.
type InventoryServer struct {
	*httptest.Server

	Username string
	Password string
	Token    string

	mu       sync.Mutex
	devices  []map[string]interface{}
	users    []map[string]interface{}
	requests []string
	logins   int
}

func NewInventoryServer(t *testing.T, devices, users []map[string]interface{}) *InventoryServer {
	t.Helper()
	s := &InventoryServer{devices: devices, users: users, Token: "sess-1"}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", s.login)
	mux.HandleFunc("/api/health", s.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
	}))
	mux.HandleFunc("/api/devices", s.authed(func(w http.ResponseWriter, r *http.Request) {
		s.page(w, r, s.snapshot(true))
	}))
	mux.HandleFunc("/api/devices/", s.authed(s.detail))
	mux.HandleFunc("/api/users", s.authed(func(w http.ResponseWriter, r *http.Request) {
		s.page(w, r, s.snapshot(false))
	}))
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// RequireLogin protects the API with a username and password.
func (s *InventoryServer) RequireLogin(username, password string) *InventoryServer {
	s.Username, s.Password = username, password
	return s
}

// Requests returns the request URIs served so far.
func (s *InventoryServer) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *InventoryServer) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

func (s *InventoryServer) snapshot(devices bool) []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if devices {
		return s.devices
	}
	return s.users
}

func (s *InventoryServer) login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if r.Method != http.MethodPost || json.NewDecoder(r.Body).Decode(&body) != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad login request"})
		return
	}
	if body.Username != s.Username || body.Password != s.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "bad credentials"})
		return
	}
	s.mu.Lock()
	s.logins++
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]string{"token": s.Token}})
}

func (s *InventoryServer) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.URL.RequestURI())
		s.mu.Unlock()
		if s.Password != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not logged in"})
			return
		}
		next(w, r)
	}
}

func (s *InventoryServer) page(w http.ResponseWriter, r *http.Request, all []map[string]interface{}) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = len(all)
	}
	start := (page - 1) * limit
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": all[start:end],
		"meta": map[string]interface{}{"total": len(all)},
	})
}

func (s *InventoryServer) detail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/devices/")
	for _, d := range s.snapshot(true) {
		if toString(d["id"]) == id {
			out := map[string]interface{}{"detailed": true}
			for k, v := range d {
				out[k] = v
			}
			writeJSON(w, http.StatusOK, out)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such device"})
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
