package tcia

import (
	"errors"
	"fmt"
	"net/http"
)

// AuthError reports a failed or expired authentication. It is fatal for the
// whole run: without a valid token no case can be downloaded.
type AuthError struct {
	Status int
	Msg    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("archive authentication failed (status %d): %s", e.Status, e.Msg)
}

// NotFoundError reports a series the archive does not know about. It is a
// per-case failure.
type NotFoundError struct {
	SeriesUID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("series %s not found in the archive", e.SeriesUID)
}

// RestrictedError reports a series in a collection the current account has
// no license for. Some SAROS collections require a signed data usage
// agreement; without it the archive answers 403.
type RestrictedError struct {
	SeriesUID string
}

func (e *RestrictedError) Error() string {
	return fmt.Sprintf("series %s is access restricted, the account lacks the collection license", e.SeriesUID)
}

// TransientError wraps a failure that is worth retrying: server errors,
// timeouts, dropped connections.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient archive failure: %v", e.Err)
	}
	return fmt.Sprintf("transient archive failure (status %d)", e.Status)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// statusError maps an unexpected HTTP status to the error taxonomy.
func statusError(status int, seriesUID string) error {
	switch {
	case status == http.StatusUnauthorized:
		return &AuthError{Status: status, Msg: "token rejected"}
	case status == http.StatusForbidden:
		return &RestrictedError{SeriesUID: seriesUID}
	case status == http.StatusNotFound:
		return &NotFoundError{SeriesUID: seriesUID}
	case status >= 500, status == http.StatusTooManyRequests:
		return &TransientError{Status: status}
	default:
		return fmt.Errorf("unexpected archive status %d", status)
	}
}
