// Package connection holds the transport side of adapters: an HTTP client
// with authentication, retry and rate limiting, the pagination loop and
// batched detail fetches. Subpackages cover SQL, SSH and SNMP sources.
package connection

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lucid-vigil/fleet/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	defaultBackoff    = 500 * time.Millisecond
	maxResponseBytes  = 64 << 20
)

// RESTClient performs authenticated JSON requests against one base URL.
type RESTClient struct {
	BaseURL    string
	HTTP       *http.Client
	Auth       Authenticator
	Limiter    *rate.Limiter
	MaxRetries int
	Backoff    time.Duration
	Headers    map[string]string

	base   *url.URL
	logger zerolog.Logger
}

// Option configures a RESTClient.
type Option func(*RESTClient)

func WithAuth(auth Authenticator) Option {
	return func(c *RESTClient) { c.Auth = auth }
}

// WithRateLimit caps requests per second. A non-positive rps disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *RESTClient) {
		if rps <= 0 {
			c.Limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.Limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithRetries(maxRetries int, backoff time.Duration) Option {
	return func(c *RESTClient) {
		c.MaxRetries = maxRetries
		c.Backoff = backoff
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *RESTClient) { c.HTTP.Timeout = timeout }
}

// WithInsecureTLS disables certificate verification for appliances with
// self-signed certificates.
func WithInsecureTLS() Option {
	return func(c *RESTClient) {
		c.HTTP.Transport = &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		}
	}
}

func WithHeader(name, value string) Option {
	return func(c *RESTClient) { c.Headers[name] = value }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *RESTClient) { c.logger = logger }
}

// NewRESTClient creates a client for baseURL.
func NewRESTClient(baseURL string, opts ...Option) (*RESTClient, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", baseURL)
	}

	c := &RESTClient{
		BaseURL:    base.String(),
		HTTP:       &http.Client{Timeout: defaultTimeout},
		MaxRetries: defaultMaxRetries,
		Backoff:    defaultBackoff,
		Headers:    map[string]string{"Accept": "application/json"},
		base:       base,
		logger:     log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Resolve turns path into an absolute URL. Absolute URLs are kept and
// anything else is appended to the base URL.
func (c *RESTClient) Resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}
	if ref.IsAbs() {
		return ref, nil
	}
	// links returned by the server usually carry the base path already
	if c.base.Path != "" && (ref.Path == c.base.Path || strings.HasPrefix(ref.Path, c.base.Path+"/")) {
		return c.base.ResolveReference(ref), nil
	}
	joined := *c.base
	joined.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.TrimLeft(ref.Path, "/")
	joined.RawQuery = ref.RawQuery
	return &joined, nil
}

// Do sends the request and returns the response body. Transient failures
// are retried with exponential backoff; a 429 waits for Retry-After when the
// server sends it. A 401 with a session authenticator logs in again once.
// Non-2xx responses end as *errors.StatusError.
func (c *RESTClient) Do(ctx context.Context, method, path string, query url.Values, body interface{}) ([]byte, error) {
	target, err := c.Resolve(path)
	if err != nil {
		return nil, err
	}
	if len(query) > 0 {
		q := target.Query()
		for k, vs := range query {
			q[k] = vs
		}
		target.RawQuery = q.Encode()
	}

	var payload []byte
	if body != nil {
		switch b := body.(type) {
		case []byte:
			payload = b
		default:
			payload, err = json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("failed to encode request body: %w", err)
			}
		}
	}

	reauthed := false
	for attempt := 0; ; attempt++ {
		data, err := c.once(ctx, method, target.String(), payload)
		if err == nil {
			return data, nil
		}

		var statusErr *errors.StatusError
		if stderrors.As(err, &statusErr) && statusErr.Code == http.StatusUnauthorized && !reauthed {
			if inv, ok := c.Auth.(Invalidator); ok {
				reauthed = true
				inv.Invalidate()
				attempt--
				continue
			}
		}

		if attempt >= c.MaxRetries || !errors.IsTransient(err) {
			return nil, err
		}

		wait := c.Backoff << attempt
		if statusErr != nil && statusErr.RetryAfter > 0 {
			wait = time.Duration(statusErr.RetryAfter) * time.Second
		}
		c.logger.Debug().
			Err(err).
			Str("url", target.Redacted()).
			Int("attempt", attempt+1).
			Dur("wait", wait).
			Msg("Retrying request")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *RESTClient) once(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Auth != nil {
		if err := c.Auth.Apply(ctx, req); err != nil {
			return nil, err
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &errors.StatusError{Code: resp.StatusCode, Body: string(data)}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				statusErr.RetryAfter = secs
			}
		}
		return nil, statusErr
	}
	return data, nil
}

// GetJSON performs a GET and parses the body as JSON.
func (c *RESTClient) GetJSON(ctx context.Context, path string, query url.Values) (gjson.Result, error) {
	data, err := c.Do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return gjson.Result{}, err
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, fmt.Errorf("response from %s is not valid JSON", path)
	}
	return gjson.ParseBytes(data), nil
}
