package errors

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapterError_Error(t *testing.T) {
	cause := stderrors.New("boom")
	err := NewConnectionError("restapi", "https://example.test", cause)
	assert.Equal(t, "[restapi] connection: Connection failed: https://example.test: boom", err.Error())
	assert.True(t, stderrors.Is(err, cause))

	err.WithClient("prod")
	assert.Equal(t, "[restapi/prod] connection: Connection failed: https://example.test: boom", err.Error())

	assert.Equal(t, "[tag_device] action: Action tag_device failed", NewActionError("tag_device", nil).Error())
}

func TestErrorHandler_LogsBySeverity(t *testing.T) {
	tests := []struct {
		name     string
		err      *AdapterError
		expected string
	}{
		{"high is error", NewAuthError("restapi", "basic", nil), `"level":"error"`},
		{"medium is warn", NewPaginationError("restapi", 3, nil), `"level":"warn"`},
		{"low is info", NewParseError("restapi", "abc", nil), `"level":"info"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			handler := NewErrorHandler(zerolog.New(&buf), nil)
			require.NoError(t, handler.HandleError(context.Background(), tt.err))
			assert.Contains(t, buf.String(), tt.expected)
			assert.Contains(t, buf.String(), `"adapter":"restapi"`)
		})
	}
}

func TestMemoryCollector(t *testing.T) {
	collector := NewMemoryCollector()
	handler := NewErrorHandler(zerolog.Nop(), collector)
	ctx := context.Background()

	require.NoError(t, handler.HandleError(ctx, NewParseError("a", "1", nil)))
	require.NoError(t, handler.HandleError(ctx, NewParseError("a", "2", nil)))
	last := NewStorageError("b", "upsert", nil)
	require.NoError(t, handler.HandleError(ctx, last))

	stats := handler.Stats()
	assert.Equal(t, 3, stats.TotalErrors)
	assert.Equal(t, 2, stats.ErrorsByType[TypeParse])
	assert.Equal(t, 2, stats.ErrorsByAdapter["a"])
	assert.Equal(t, 1, stats.ErrorsBySeverity[SeverityMedium])
	assert.Same(t, last, stats.LastError)

	// returned stats are a copy
	stats.ErrorsByType[TypeParse] = 99
	assert.Equal(t, 2, collector.GetErrorStats().ErrorsByType[TypeParse])
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, Unknown},
		{"deadline", context.DeadlineExceeded, Transient},
		{"canceled", context.Canceled, Persistent},
		{"429", &StatusError{Code: 429}, Transient},
		{"503 wrapped", fmt.Errorf("page 2: %w", &StatusError{Code: 503}), Transient},
		{"401", &StatusError{Code: 401}, Persistent},
		{"404", &StatusError{Code: 404}, Persistent},
		{"mysql deadlock", &mysql.MySQLError{Number: 1213}, Transient},
		{"mysql no table", &mysql.MySQLError{Number: 1146}, Persistent},
		{"net error", timeoutErr{}, Transient},
		{"parse error", NewParseError("a", "1", stderrors.New("bad")), Persistent},
		{"connection error uses cause", NewConnectionError("a", "x", &StatusError{Code: 502}), Transient},
		{"string fallback", stderrors.New("dial tcp: connection refused"), Transient},
		{"plain", stderrors.New("something else"), Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}

	assert.True(t, IsTransient(&StatusError{Code: 500}))
	assert.True(t, IsPersistent(&StatusError{Code: 403}))
}

func TestStatusError_TruncatesBody(t *testing.T) {
	body := make([]byte, 300)
	for i := range body {
		body[i] = 'x'
	}
	err := &StatusError{Code: 500, Body: string(body)}
	assert.Contains(t, err.Error(), "unexpected status 500 Internal Server Error: ")
	assert.Less(t, len(err.Error()), 260)
}
