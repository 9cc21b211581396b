package connection

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lucid-vigil/fleet/pkg/errors"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Authenticator decorates outgoing requests with credentials.
type Authenticator interface {
	Apply(ctx context.Context, req *http.Request) error
}

// Invalidator is implemented by authenticators holding a token the server
// may revoke. The client calls Invalidate after a 401 and retries once.
type Invalidator interface {
	Invalidate()
}

// BasicAuth sends HTTP basic credentials.
type BasicAuth struct {
	Username string
	Password string
}

func (a BasicAuth) Apply(_ context.Context, req *http.Request) error {
	req.SetBasicAuth(a.Username, a.Password)
	return nil
}

// APIKeyAuth sends a static key in a header or a query parameter.
type APIKeyAuth struct {
	Name  string // header or parameter name
	Value string
	In    string // "header" (default) or "query"
}

func (a APIKeyAuth) Apply(_ context.Context, req *http.Request) error {
	if a.Name == "" {
		return fmt.Errorf("api key name is empty")
	}
	if a.In == "query" {
		q := req.URL.Query()
		q.Set(a.Name, a.Value)
		req.URL.RawQuery = q.Encode()
		return nil
	}
	req.Header.Set(a.Name, a.Value)
	return nil
}

// BearerAuth sends a static bearer token.
type BearerAuth struct {
	Token string
}

func (a BearerAuth) Apply(_ context.Context, req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+a.Token)
	return nil
}

// OAuth2Auth obtains tokens with the client credentials grant. The token
// source caches and refreshes tokens itself.
type OAuth2Auth struct {
	source oauth2.TokenSource
}

// NewOAuth2Auth builds a client credentials authenticator. httpClient is used
// for token requests and may be nil.
func NewOAuth2Auth(httpClient *http.Client, clientID, clientSecret, tokenURL string, scopes []string) *OAuth2Auth {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	ctx := context.Background()
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}
	return &OAuth2Auth{source: cfg.TokenSource(ctx)}
}

func (a *OAuth2Auth) Apply(_ context.Context, req *http.Request) error {
	tok, err := a.source.Token()
	if err != nil {
		return errors.NewAuthError("oauth2", "oauth2", err)
	}
	tok.SetAuthHeader(req)
	return nil
}

// JWTAuth signs a short-lived HS256 assertion and sends it as a bearer
// token. The signed token is reused until 30 seconds before it expires.
type JWTAuth struct {
	Issuer   string
	Subject  string
	Audience string
	Secret   []byte
	TTL      time.Duration
	Claims   map[string]interface{}

	mu      sync.Mutex
	token   string
	expires time.Time
	now     func() time.Time
}

const jwtRenewBefore = 30 * time.Second

func (a *JWTAuth) Apply(_ context.Context, req *http.Request) error {
	token, err := a.Token()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// Token returns the cached assertion or signs a new one.
func (a *JWTAuth) Token() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if a.now != nil {
		now = a.now()
	}
	if a.token != "" && now.Before(a.expires.Add(-jwtRenewBefore)) {
		return a.token, nil
	}
	if len(a.Secret) == 0 {
		return "", errors.NewAuthError("jwt", "jwt", fmt.Errorf("signing secret is empty"))
	}

	ttl := a.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	expires := now.Add(ttl)

	claims := jwt.MapClaims{}
	for k, v := range a.Claims {
		claims[k] = v
	}
	claims["iss"] = a.Issuer
	claims["sub"] = a.Subject
	if a.Audience != "" {
		claims["aud"] = a.Audience
	}
	claims["iat"] = now.Unix()
	claims["nbf"] = now.Unix()
	claims["exp"] = expires.Unix()
	claims["jti"] = uuid.NewString()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
	if err != nil {
		return "", errors.NewAuthError("jwt", "jwt", err)
	}
	a.token = signed
	a.expires = expires
	return signed, nil
}

func (a *JWTAuth) Invalidate() {
	a.mu.Lock()
	a.token = ""
	a.mu.Unlock()
}

// SessionAuth logs in once with a POST, takes the session token from the
// JSON response and sends it on every request.
type SessionAuth struct {
	LoginURL  string
	Body      interface{} // JSON encoded login payload
	TokenPath string      // gjson path of the token in the login response
	Header    string      // defaults to Authorization
	Prefix    string      // e.g. "Bearer "; empty sends the bare token
	HTTP      *http.Client

	mu    sync.Mutex
	token string
}

func (a *SessionAuth) Apply(ctx context.Context, req *http.Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token == "" {
		token, err := a.login(ctx)
		if err != nil {
			return errors.NewAuthError("session", "session", err)
		}
		a.token = token
	}

	header := a.Header
	if header == "" {
		header = "Authorization"
	}
	req.Header.Set(header, a.Prefix+a.token)
	return nil
}

func (a *SessionAuth) Invalidate() {
	a.mu.Lock()
	a.token = ""
	a.mu.Unlock()
}

func (a *SessionAuth) login(ctx context.Context) (string, error) {
	client, err := NewRESTClient(a.LoginURL, WithRetries(0, 0))
	if err != nil {
		return "", err
	}
	if a.HTTP != nil {
		client.HTTP = a.HTTP
	}

	data, err := client.Do(ctx, http.MethodPost, a.LoginURL, nil, a.Body)
	if err != nil {
		return "", err
	}

	path := a.TokenPath
	if path == "" {
		path = "token"
	}
	token := gjson.GetBytes(data, path).String()
	if token == "" {
		return "", fmt.Errorf("login response has no token at %q", path)
	}
	return token, nil
}
