package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lucid-vigil/fleet/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, url string, opts ...Option) *RESTClient {
	t.Helper()
	opts = append([]Option{WithRetries(2, time.Millisecond)}, opts...)
	client, err := NewRESTClient(url, opts...)
	require.NoError(t, err)
	return client
}

func TestNewRESTClient_InvalidURL(t *testing.T) {
	_, err := NewRESTClient("ftp://example.test")
	assert.Error(t, err)
	_, err = NewRESTClient("://bad")
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	client := newTestClient(t, "https://cmdb.example.test/api/v1/")

	tests := map[string]string{
		"devices":                          "https://cmdb.example.test/api/v1/devices",
		"/devices?page=2":                  "https://cmdb.example.test/api/v1/devices?page=2",
		"/api/v1/devices?page=3":           "https://cmdb.example.test/api/v1/devices?page=3",
		"https://other.example.test/x?y=1": "https://other.example.test/x?y=1",
	}
	for in, want := range tests {
		got, err := client.Resolve(in)
		require.NoError(t, err)
		assert.Equal(t, want, got.String(), in)
	}
}

func TestDo_RetriesTransient(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	body, err := client.GetJSON(context.Background(), "/status", nil)
	require.NoError(t, err)
	assert.True(t, body.Get("ok").Bool())
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDo_GivesUpAfterRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Do(context.Background(), http.MethodGet, "/x", nil, nil)
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.True(t, errors.IsTransient(err))
}

func TestDo_PersistentNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Do(context.Background(), http.MethodGet, "/missing", nil, nil)

	var statusErr *errors.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDo_PostsJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		json.NewEncoder(w).Encode(map[string]string{"echo": in["name"]})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	data, err := client.Do(context.Background(), http.MethodPost, "/echo", nil, map[string]string{"name": "ws-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"ws-1"}`, string(data))
}

func TestGetJSON_InvalidBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>"))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).GetJSON(context.Background(), "/", nil)
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, WithRateLimit(20, 1))
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := client.Do(context.Background(), http.MethodGet, "/", nil, nil)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestAuthSchemes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		json.NewEncoder(w).Encode(map[string]string{
			"auth":  r.Header.Get("Authorization"),
			"key":   r.Header.Get("X-Api-Key"),
			"query": r.URL.Query().Get("token"),
			"user":  user,
			"pass":  pass,
		})
	}))
	defer srv.Close()

	tests := []struct {
		name  string
		auth  Authenticator
		field string
		want  string
	}{
		{"basic", BasicAuth{Username: "admin", Password: "secret"}, "pass", "secret"},
		{"api key header", APIKeyAuth{Name: "X-Api-Key", Value: "k1"}, "key", "k1"},
		{"api key query", APIKeyAuth{Name: "token", Value: "k2", In: "query"}, "query", "k2"},
		{"bearer", BearerAuth{Token: "t0k"}, "auth", "Bearer t0k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, srv.URL, WithAuth(tt.auth))
			body, err := client.GetJSON(context.Background(), "/", nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, body.Get(tt.field).String())
		})
	}
}

func TestSessionAuth_ReloginOn401(t *testing.T) {
	var logins int32
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&logins, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]string{"session": map[int32]string{1: "old", 2: "new"}[n]},
		})
	})
	mux.HandleFunc("/devices", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Session") != "new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`[{"id":1}]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	auth := &SessionAuth{
		LoginURL:  srv.URL + "/login",
		Body:      map[string]string{"user": "u", "password": "p"},
		TokenPath: "data.session",
		Header:    "X-Session",
	}
	client := newTestClient(t, srv.URL, WithAuth(auth))

	body, err := client.GetJSON(context.Background(), "/devices", nil)
	require.NoError(t, err)
	assert.Len(t, body.Array(), 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&logins))
}

func TestSessionAuth_MissingToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	auth := &SessionAuth{LoginURL: srv.URL + "/login", TokenPath: "token"}
	client := newTestClient(t, srv.URL, WithAuth(auth))
	_, err := client.Do(context.Background(), http.MethodGet, "/", nil, nil)
	assert.ErrorContains(t, err, "no token")
	assert.True(t, errors.IsPersistent(err))
}

func TestJWTAuth_CachesUntilNearExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	auth := &JWTAuth{
		Issuer:  "fleet",
		Subject: "collector",
		Secret:  []byte("s3cret"),
		TTL:     time.Minute,
		Claims:  map[string]interface{}{"scope": "inventory.read"},
		now:     func() time.Time { return now },
	}

	first, err := auth.Token()
	require.NoError(t, err)

	now = now.Add(20 * time.Second)
	second, err := auth.Token()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	now = now.Add(15 * time.Second) // 35s in, within 30s of expiry
	third, err := auth.Token()
	require.NoError(t, err)
	assert.NotEqual(t, first, third)

	parsed, err := jwt.Parse(third, func(*jwt.Token) (interface{}, error) { return []byte("s3cret"), nil },
		jwt.WithTimeFunc(func() time.Time { return now }))
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "fleet", claims["iss"])
	assert.Equal(t, "inventory.read", claims["scope"])
}

func TestJWTAuth_EmptySecret(t *testing.T) {
	_, err := (&JWTAuth{}).Token()
	assert.Error(t, err)
}

func TestOAuth2Auth(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"abc","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"auth": r.Header.Get("Authorization")})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	auth := NewOAuth2Auth(srv.Client(), "id", "secret", srv.URL+"/token", []string{"read"})
	client := newTestClient(t, srv.URL, WithAuth(auth))

	for i := 0; i < 2; i++ {
		body, err := client.GetJSON(context.Background(), "/api", nil)
		require.NoError(t, err)
		assert.Equal(t, "Bearer abc", body.Get("auth").String())
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenCalls))
}
