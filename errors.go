package main

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrSyncTokenExpired is returned by ListEvents when the upstream rejects a
// stored cursor; the caller must fall back to a full load.
var ErrSyncTokenExpired = errors.New("sync token expired")

// ErrWatchUnsupported is returned by providers that have no push channels.
var ErrWatchUnsupported = errors.New("push notifications not supported by provider")

type ErrorCategory string

const (
	CategoryAuth      ErrorCategory = "auth"
	CategoryNotFound  ErrorCategory = "not_found"
	CategoryGone      ErrorCategory = "gone"
	CategoryRateLimit ErrorCategory = "rate_limit"
	CategoryServer    ErrorCategory = "server"
	CategoryTransport ErrorCategory = "transport"
	CategoryRequest   ErrorCategory = "request"
)

// UpstreamError is a failed call against a calendar service.
type UpstreamError struct {
	Op         string
	CalendarID string
	StatusCode int
	Category   ErrorCategory
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: %s (%d): %v", e.Op, e.CalendarID, e.Category, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.CalendarID, e.Category, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func newUpstreamError(op, calendarID string, status int, err error) *UpstreamError {
	return &UpstreamError{
		Op:         op,
		CalendarID: calendarID,
		StatusCode: status,
		Category:   categorize(status),
		Err:        err,
	}
}

func categorize(status int) ErrorCategory {
	switch {
	case status == 0:
		return CategoryTransport
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CategoryAuth
	case status == http.StatusNotFound:
		return CategoryNotFound
	case status == http.StatusGone:
		return CategoryGone
	case status == http.StatusTooManyRequests:
		return CategoryRateLimit
	case status >= 500:
		return CategoryServer
	default:
		return CategoryRequest
	}
}

// ConfigError is fatal at startup.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// DataError reports a malformed item from the calendar or film database.
type DataError struct {
	Source string
	Item   string
	Err    error
}

func (e *DataError) Error() string {
	if e.Item != "" {
		return fmt.Sprintf("%s: bad data for %s: %v", e.Source, e.Item, e.Err)
	}
	return fmt.Sprintf("%s: bad data: %v", e.Source, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }

func isNotFound(err error) bool {
	var uerr *UpstreamError
	if errors.As(err, &uerr) {
		return uerr.Category == CategoryNotFound || uerr.Category == CategoryGone
	}
	return false
}
