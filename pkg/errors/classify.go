package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// Class tells callers whether an error is worth retrying.
type Class int

const (
	Unknown    Class = iota
	Transient        // retry may succeed
	Persistent       // retry will fail the same way
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Persistent:
		return "persistent"
	default:
		return "unknown"
	}
}

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter int // seconds, 0 when the server did not say
}

func (se *StatusError) Error() string {
	body := se.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("unexpected status %d %s", se.Code, http.StatusText(se.Code))
	}
	return fmt.Sprintf("unexpected status %d %s: %s", se.Code, http.StatusText(se.Code), body)
}

// Classify sorts err into Transient, Persistent or Unknown.
func Classify(err error) Class {
	if err == nil {
		return Unknown
	}

	if stderrors.Is(err, context.Canceled) {
		return Persistent
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return Transient
	}

	var statusErr *StatusError
	if stderrors.As(err, &statusErr) {
		switch {
		case statusErr.Code == http.StatusTooManyRequests,
			statusErr.Code == http.StatusRequestTimeout,
			statusErr.Code >= 500:
			return Transient
		case statusErr.Code >= 400:
			return Persistent
		}
	}

	var mysqlErr *mysql.MySQLError
	if stderrors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1213, // deadlock
			1205, // lock wait timeout
			1040, // too many connections
			2002, 2003, 2006, 2013, // connection lost or refused
			1053, // server shutdown
			1062: // duplicate entry from a concurrent upsert
			return Transient
		case 1452, 1451, // foreign key
			1054, // unknown column
			1146, // no such table
			1064, // syntax
			1292, // truncated value
			1406: // data too long
			return Persistent
		}
	}

	var adapterErr *AdapterError
	if stderrors.As(err, &adapterErr) {
		switch adapterErr.ErrorType {
		case TypeConfiguration, TypeAuthentication, TypeParse:
			return Persistent
		}
		if adapterErr.Cause != nil {
			return Classify(adapterErr.Cause)
		}
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return Transient
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "too many open files") ||
		strings.Contains(msg, "i/o timeout") {
		return Transient
	}

	return Unknown
}

// IsTransient reports whether err is classified Transient.
func IsTransient(err error) bool {
	return Classify(err) == Transient
}

// IsPersistent reports whether err is classified Persistent.
func IsPersistent(err error) bool {
	return Classify(err) == Persistent
}
