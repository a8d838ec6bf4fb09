package relay

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrMalformedResource = errors.New("relay: malformed resource locator")
	ErrNoSender          = errors.New("relay: telegram configuration not set")
)

// StatusError carries the HTTP status the intake should answer with.
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string   { return e.Err.Error() }
func (e *StatusError) Unwrap() error   { return e.Err }
func (e *StatusError) HTTPStatus() int { return e.Status }

// NoRetry marks an error as permanent.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

type httpStatuser interface{ HTTPStatus() int }

// HTTPStatus returns the upstream status carried by err, or 500.
func HTTPStatus(err error) int {
	var hs httpStatuser
	if errors.As(err, &hs) {
		if s := hs.HTTPStatus(); s >= 400 && s <= 599 {
			return s
		}
	}
	return http.StatusInternalServerError
}

func badRequest(format string, args ...any) error {
	return NoRetry(&StatusError{Status: http.StatusBadRequest, Err: fmt.Errorf(format, args...)})
}
