// Package restapi is the generic adapter for JSON inventory APIs. Vendors
// differ only in settings: authentication scheme, endpoint paths,
// pagination style and the field map from their records to the common
// schema.
package restapi

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/lucid-vigil/fleet/pkg/adapters"
	"github.com/lucid-vigil/fleet/pkg/config"
	"github.com/lucid-vigil/fleet/pkg/connection"
	"github.com/lucid-vigil/fleet/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const Type = "restapi"

func init() {
	adapters.Register(Type, New)
}

var clientSchema = adapters.Schema{Fields: []adapters.SchemaField{
	{Name: "base_url", Title: "Base URL", Type: adapters.TypeString, Required: true},
	{Name: "auth", Title: "Authentication", Type: adapters.TypeString, Default: "none",
		Enum: []string{"none", "basic", "api_key", "bearer", "oauth2", "jwt", "session"}},
	{Name: "username", Title: "Username", Type: adapters.TypeString},
	{Name: "password", Title: "Password", Type: adapters.TypeString, Secret: true},
	{Name: "api_key", Title: "API key", Type: adapters.TypeString, Secret: true},
	{Name: "api_key_name", Title: "API key header or parameter", Type: adapters.TypeString, Default: "X-API-Key"},
	{Name: "api_key_in", Title: "API key location", Type: adapters.TypeString, Default: "header", Enum: []string{"header", "query"}},
	{Name: "token", Title: "Bearer token", Type: adapters.TypeString, Secret: true},
	{Name: "client_id", Title: "OAuth2 client id", Type: adapters.TypeString},
	{Name: "client_secret", Title: "OAuth2 client secret", Type: adapters.TypeString, Secret: true},
	{Name: "token_url", Title: "OAuth2 token URL", Type: adapters.TypeString},
	{Name: "scopes", Title: "OAuth2 scopes", Type: adapters.TypeList},
	{Name: "jwt_issuer", Title: "JWT issuer", Type: adapters.TypeString},
	{Name: "jwt_subject", Title: "JWT subject", Type: adapters.TypeString},
	{Name: "jwt_audience", Title: "JWT audience", Type: adapters.TypeString},
	{Name: "jwt_secret", Title: "JWT signing secret", Type: adapters.TypeString, Secret: true},
	{Name: "jwt_ttl", Title: "JWT lifetime", Type: adapters.TypeString, Default: "5m"},
	{Name: "login_path", Title: "Session login path", Type: adapters.TypeString},
	{Name: "login_body", Title: "Session login body", Type: adapters.TypeMap, Secret: true},
	{Name: "token_path", Title: "Session token path", Type: adapters.TypeString, Default: "token"},
	{Name: "token_header", Title: "Session token header", Type: adapters.TypeString, Default: "Authorization"},
	{Name: "token_prefix", Title: "Session token prefix", Type: adapters.TypeString, Default: "Bearer "},
	{Name: "health_path", Title: "Connectivity check path", Type: adapters.TypeString},
	{Name: "devices_path", Title: "Devices endpoint", Type: adapters.TypeString, Required: true},
	{Name: "users_path", Title: "Users endpoint", Type: adapters.TypeString},
	{Name: "pagination", Title: "Pagination style", Type: adapters.TypeString, Default: "none",
		Enum: []string{"none", "page", "offset", "cursor", "link"}},
	{Name: "page_param", Type: adapters.TypeString},
	{Name: "size_param", Type: adapters.TypeString},
	{Name: "page_size", Type: adapters.TypeInteger, Default: 100},
	{Name: "start_page", Type: adapters.TypeInteger, Default: 1},
	{Name: "offset_param", Type: adapters.TypeString},
	{Name: "cursor_param", Type: adapters.TypeString},
	{Name: "cursor_path", Type: adapters.TypeString},
	{Name: "next_path", Type: adapters.TypeString},
	{Name: "total_path", Type: adapters.TypeString},
	{Name: "max_pages", Type: adapters.TypeInteger},
	{Name: "records_path", Title: "Record array path", Type: adapters.TypeString},
	{Name: "id_path", Title: "Device id path", Type: adapters.TypeString, Default: "id"},
	{Name: "user_id_path", Title: "User id path", Type: adapters.TypeString, Default: "id"},
	{Name: "field_map", Title: "Device field map", Type: adapters.TypeMap},
	{Name: "user_field_map", Title: "User field map", Type: adapters.TypeMap},
	{Name: "detail_path", Title: "Per-device detail endpoint, {id} is replaced", Type: adapters.TypeString},
	{Name: "detail_concurrency", Type: adapters.TypeInteger, Default: 4},
	{Name: "since_param", Title: "Incremental fetch parameter", Type: adapters.TypeString},
	{Name: "headers", Title: "Extra request headers", Type: adapters.TypeMap},
	{Name: "rate_limit", Title: "Requests per second", Type: adapters.TypeNumber},
	{Name: "max_retries", Type: adapters.TypeInteger, Default: 3},
	{Name: "retry_backoff", Type: adapters.TypeString, Default: "500ms"},
	{Name: "timeout", Type: adapters.TypeString, Default: "30s"},
	{Name: "verify_ssl", Title: "Verify TLS certificates", Type: adapters.TypeBool, Default: true},
}}

type settings struct {
	BaseURL      string                 `mapstructure:"base_url"`
	Auth         string                 `mapstructure:"auth"`
	Username     string                 `mapstructure:"username"`
	Password     string                 `mapstructure:"password"`
	APIKey       string                 `mapstructure:"api_key"`
	APIKeyName   string                 `mapstructure:"api_key_name"`
	APIKeyIn     string                 `mapstructure:"api_key_in"`
	Token        string                 `mapstructure:"token"`
	ClientID     string                 `mapstructure:"client_id"`
	ClientSecret string                 `mapstructure:"client_secret"`
	TokenURL     string                 `mapstructure:"token_url"`
	Scopes       []string               `mapstructure:"scopes"`
	JWTIssuer    string                 `mapstructure:"jwt_issuer"`
	JWTSubject   string                 `mapstructure:"jwt_subject"`
	JWTAudience  string                 `mapstructure:"jwt_audience"`
	JWTSecret    string                 `mapstructure:"jwt_secret"`
	JWTTTL       time.Duration          `mapstructure:"jwt_ttl"`
	LoginPath    string                 `mapstructure:"login_path"`
	LoginBody    map[string]interface{} `mapstructure:"login_body"`
	TokenPath    string                 `mapstructure:"token_path"`
	TokenHeader  string                 `mapstructure:"token_header"`
	TokenPrefix  string                 `mapstructure:"token_prefix"`
	HealthPath   string                 `mapstructure:"health_path"`
	DevicesPath  string                 `mapstructure:"devices_path"`
	UsersPath    string                 `mapstructure:"users_path"`
	Pagination   string                 `mapstructure:"pagination"`
	PageParam    string                 `mapstructure:"page_param"`
	SizeParam    string                 `mapstructure:"size_param"`
	PageSize     int                    `mapstructure:"page_size"`
	StartPage    int                    `mapstructure:"start_page"`
	OffsetParam  string                 `mapstructure:"offset_param"`
	CursorParam  string                 `mapstructure:"cursor_param"`
	CursorPath   string                 `mapstructure:"cursor_path"`
	NextPath     string                 `mapstructure:"next_path"`
	TotalPath    string                 `mapstructure:"total_path"`
	MaxPages     int                    `mapstructure:"max_pages"`
	RecordsPath  string                 `mapstructure:"records_path"`
	IDPath       string                 `mapstructure:"id_path"`
	UserIDPath   string                 `mapstructure:"user_id_path"`
	FieldMap     map[string]string      `mapstructure:"field_map"`
	UserFieldMap map[string]string      `mapstructure:"user_field_map"`
	DetailPath   string                 `mapstructure:"detail_path"`
	DetailConc   int                    `mapstructure:"detail_concurrency"`
	SinceParam   string                 `mapstructure:"since_param"`
	Headers      map[string]string      `mapstructure:"headers"`
	RateLimit    float64                `mapstructure:"rate_limit"`
	MaxRetries   int                    `mapstructure:"max_retries"`
	RetryBackoff time.Duration          `mapstructure:"retry_backoff"`
	Timeout      time.Duration          `mapstructure:"timeout"`
	VerifySSL    bool                   `mapstructure:"verify_ssl"`
}

func (s settings) pager() connection.Pager {
	return connection.Pager{
		Style:       connection.Style(s.Pagination),
		PageParam:   s.PageParam,
		SizeParam:   s.SizeParam,
		PageSize:    s.PageSize,
		StartPage:   s.StartPage,
		OffsetParam: s.OffsetParam,
		CursorParam: s.CursorParam,
		CursorPath:  s.CursorPath,
		NextPath:    s.NextPath,
		RecordsPath: s.RecordsPath,
		TotalPath:   s.TotalPath,
		MaxPages:    s.MaxPages,
	}
}

// Adapter is the generic REST adapter.
type Adapter struct {
	*adapters.BaseAdapter
}

// New creates the adapter.
func New(logger zerolog.Logger) adapters.Adapter {
	return &Adapter{BaseAdapter: adapters.NewBaseAdapter(Type, clientSchema, logger)}
}

// Connect builds the HTTP client for one client and checks connectivity
// when a health path is configured.
func (a *Adapter) Connect(ctx context.Context, client config.ClientConfig) (adapters.Session, error) {
	var s settings
	if err := a.Prepare(client, &s); err != nil {
		return nil, err
	}
	pager := s.pager()
	if err := pager.Validate(); err != nil {
		return nil, errors.NewConfigError(Type, err, nil).WithClient(client.ID)
	}

	logger := a.ClientLogger(client)
	opts := []connection.Option{
		connection.WithTimeout(s.Timeout),
		connection.WithRetries(s.MaxRetries, s.RetryBackoff),
		connection.WithLogger(logger),
	}
	if s.RateLimit > 0 {
		opts = append(opts, connection.WithRateLimit(s.RateLimit, 1))
	}
	if !s.VerifySSL {
		opts = append(opts, connection.WithInsecureTLS())
	}
	for name, value := range s.Headers {
		opts = append(opts, connection.WithHeader(name, value))
	}

	rc, err := connection.NewRESTClient(s.BaseURL, opts...)
	if err != nil {
		return nil, errors.NewConfigError(Type, err, nil).WithClient(client.ID)
	}
	auth, err := buildAuth(rc, s)
	if err != nil {
		return nil, errors.NewConfigError(Type, err, map[string]interface{}{"auth": s.Auth}).WithClient(client.ID)
	}
	rc.Auth = auth

	if s.HealthPath != "" {
		if _, err := rc.Do(ctx, "GET", s.HealthPath, nil, nil); err != nil {
			return nil, errors.NewConnectionError(Type, s.BaseURL, err).WithClient(client.ID)
		}
	}

	return &session{
		client:   rc,
		settings: s,
		pager:    pager,
		since:    adapters.SinceFromContext(ctx),
		logger:   logger,
	}, nil
}

func buildAuth(rc *connection.RESTClient, s settings) (connection.Authenticator, error) {
	switch s.Auth {
	case "", "none":
		return nil, nil
	case "basic":
		if s.Username == "" {
			return nil, fmt.Errorf("basic auth needs username")
		}
		return connection.BasicAuth{Username: s.Username, Password: s.Password}, nil
	case "api_key":
		if s.APIKey == "" {
			return nil, fmt.Errorf("api_key auth needs api_key")
		}
		return connection.APIKeyAuth{Name: s.APIKeyName, Value: s.APIKey, In: s.APIKeyIn}, nil
	case "bearer":
		if s.Token == "" {
			return nil, fmt.Errorf("bearer auth needs token")
		}
		return connection.BearerAuth{Token: s.Token}, nil
	case "oauth2":
		if s.ClientID == "" || s.TokenURL == "" {
			return nil, fmt.Errorf("oauth2 auth needs client_id and token_url")
		}
		tokenURL, err := rc.Resolve(s.TokenURL)
		if err != nil {
			return nil, err
		}
		return connection.NewOAuth2Auth(rc.HTTP, s.ClientID, s.ClientSecret, tokenURL.String(), s.Scopes), nil
	case "jwt":
		if s.JWTSecret == "" {
			return nil, fmt.Errorf("jwt auth needs jwt_secret")
		}
		return &connection.JWTAuth{
			Issuer:   s.JWTIssuer,
			Subject:  s.JWTSubject,
			Audience: s.JWTAudience,
			Secret:   []byte(s.JWTSecret),
			TTL:      s.JWTTTL,
		}, nil
	case "session":
		if s.LoginPath == "" {
			return nil, fmt.Errorf("session auth needs login_path")
		}
		loginURL, err := rc.Resolve(s.LoginPath)
		if err != nil {
			return nil, err
		}
		return &connection.SessionAuth{
			LoginURL:  loginURL.String(),
			Body:      s.LoginBody,
			TokenPath: s.TokenPath,
			Header:    s.TokenHeader,
			Prefix:    s.TokenPrefix,
			HTTP:      rc.HTTP,
		}, nil
	}
	return nil, fmt.Errorf("unknown auth scheme %q", s.Auth)
}

type session struct {
	client   *connection.RESTClient
	settings settings
	pager    connection.Pager
	since    time.Time
	logger   zerolog.Logger
}

// Incremental reports whether the fetch is limited to changed records.
func (s *session) Incremental() bool {
	return s.settings.SinceParam != "" && !s.since.IsZero()
}

func (s *session) query() url.Values {
	q := url.Values{}
	if s.Incremental() {
		q.Set(s.settings.SinceParam, s.since.UTC().Format(time.RFC3339))
	}
	return q
}

func (s *session) Devices(ctx context.Context, emit adapters.DeviceFunc) error {
	_, err := s.pager.Paginate(ctx, s.client, s.settings.DevicesPath, s.query(), func(records []gjson.Result) error {
		if s.settings.DetailPath != "" {
			detailed, err := s.details(ctx, records)
			if err != nil {
				return err
			}
			records = detailed
		}
		for _, rec := range records {
			d, err := adapters.MapJSONDevice(rec, s.settings.IDPath, s.settings.FieldMap)
			if err != nil {
				s.logger.Warn().Err(err).Str("device", d.ID).Msg("Some device fields could not be mapped")
			}
			if err := emit(d); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

// details replaces every list record by its detail record.
func (s *session) details(ctx context.Context, records []gjson.Result) ([]gjson.Result, error) {
	paths := make([]string, 0, len(records))
	for _, rec := range records {
		id := rec.Get(s.settings.IDPath).String()
		if id == "" {
			return nil, errors.NewParseError(Type, "", fmt.Errorf("record without %q cannot be detailed", s.settings.IDPath))
		}
		paths = append(paths, strings.ReplaceAll(s.settings.DetailPath, "{id}", url.PathEscape(id)))
	}

	bodies, err := connection.BatchGet(ctx, s.client, paths, s.settings.DetailConc)
	if err != nil {
		return nil, err
	}
	out := make([]gjson.Result, 0, len(bodies))
	for i, body := range bodies {
		if !gjson.ValidBytes(body) {
			return nil, errors.NewParseError(Type, paths[i], fmt.Errorf("detail response is not valid JSON"))
		}
		out = append(out, gjson.ParseBytes(body))
	}
	return out, nil
}

func (s *session) Users(ctx context.Context, emit adapters.UserFunc) error {
	if s.settings.UsersPath == "" {
		return adapters.ErrNotSupported
	}
	_, err := s.pager.Paginate(ctx, s.client, s.settings.UsersPath, url.Values{}, func(records []gjson.Result) error {
		for _, rec := range records {
			u, err := adapters.MapJSONUser(rec, s.settings.UserIDPath, s.settings.UserFieldMap)
			if err != nil {
				s.logger.Warn().Err(err).Str("user", u.ID).Msg("Some user fields could not be mapped")
			}
			if err := emit(u); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func (s *session) Close() error {
	return nil
}
