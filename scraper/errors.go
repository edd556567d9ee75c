package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrTimeout indicates a timeout while issuing a request.
type ErrTimeout struct {
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrConnection indicates a network connectivity failure.
type ErrConnection struct {
	Err error
}

func (e ErrConnection) Error() string {
	return fmt.Errorf("connection: %w", e.Err).Error()
}

func (e ErrConnection) Unwrap() error {
	return e.Err
}

// ErrServer indicates a 5xx response.
type ErrServer struct {
	Status int
	Err    error
}

func (e ErrServer) Error() string {
	return fmt.Errorf("server %d: %w", e.Status, e.Err).Error()
}

func (e ErrServer) Unwrap() error {
	return e.Err
}

// ErrRateLimited indicates the target throttled or challenged the request:
// HTTP 429, HTTP 403, or a bot-challenge marker in a 2xx body.
type ErrRateLimited struct {
	Status    int
	Challenge bool
	Err       error
}

func (e ErrRateLimited) Error() string {
	return fmt.Errorf("rate_limited: %w", e.Err).Error()
}

func (e ErrRateLimited) Unwrap() error {
	return e.Err
}

// ErrNotFound indicates a missing resource (HTTP 404).
type ErrNotFound struct {
	Err error
}

func (e ErrNotFound) Error() string {
	return fmt.Errorf("not_found: %w", e.Err).Error()
}

func (e ErrNotFound) Unwrap() error {
	return e.Err
}

// ErrClientStatus indicates a 4xx response that retrying will not fix.
type ErrClientStatus struct {
	Status int
	Err    error
}

func (e ErrClientStatus) Error() string {
	return fmt.Errorf("client %d: %w", e.Status, e.Err).Error()
}

func (e ErrClientStatus) Unwrap() error {
	return e.Err
}

// FetchFailure is the terminal outcome of a fetch whose attempts were
// exhausted or which hit a non-retryable status.
type FetchFailure struct {
	URL      string
	Attempts int
	Err      error
}

func (e *FetchFailure) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchFailure) Unwrap() error {
	return e.Err
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var conn ErrConnection
	if errors.As(err, &conn) {
		return "connection"
	}
	var server ErrServer
	if errors.As(err, &server) {
		return "server"
	}
	var rateLimited ErrRateLimited
	if errors.As(err, &rateLimited) {
		if rateLimited.Challenge {
			return "challenge"
		}
		if rateLimited.Status == http.StatusForbidden {
			return "forbidden"
		}
		return "rate_limited"
	}
	var notFound ErrNotFound
	if errors.As(err, &notFound) {
		return "not_found"
	}
	var client ErrClientStatus
	if errors.As(err, &client) {
		return "client"
	}
	return "other"
}

// classifyError maps a transport error or response status to the fetch
// taxonomy. It returns nil for a usable response.
func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}
	if err != nil && statusCode == 0 {
		return ErrConnection{Err: err}
	}

	wrapped := err
	if wrapped == nil {
		wrapped = fmt.Errorf("http status %d", statusCode)
	}
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusTooManyRequests || statusCode == http.StatusForbidden:
		return ErrRateLimited{Status: statusCode, Err: wrapped}
	case statusCode == http.StatusNotFound:
		return ErrNotFound{Err: wrapped}
	case statusCode == http.StatusRequestTimeout:
		return ErrTimeout{Err: wrapped}
	case statusCode >= 500:
		return ErrServer{Status: statusCode, Err: wrapped}
	case statusCode >= 400:
		return ErrClientStatus{Status: statusCode, Err: wrapped}
	}
	return wrapped
}

// retryable reports whether another attempt may succeed.
func retryable(err error) bool {
	var notFound ErrNotFound
	var client ErrClientStatus
	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.As(err, &notFound), errors.As(err, &client):
		return false
	}
	return true
}

func isRateLimited(err error) bool {
	var rl ErrRateLimited
	return errors.As(err, &rl)
}

var (
	errChallenge     = errors.New("bot challenge marker in body")
	errEmptyResponse = errors.New("backend returned no response")
)
