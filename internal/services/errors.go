package services

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAlreadyRunning is returned by Start while a processing cycle is active.
	ErrAlreadyRunning = errors.New("a processing cycle is already running")
	// ErrUnauthorized marks gateway failures that require a new login.
	ErrUnauthorized = errors.New("gateway rejected credentials")
	// ErrGateway marks any other failed gateway call.
	ErrGateway = errors.New("gateway call failed")
	// ErrNoFilesBuilt is returned when repeated build tasks produce no records for today.
	ErrNoFilesBuilt = errors.New("build task produced no files for today")
)

// GatewayError describes a failed call to the remote pipeline gateway.
type GatewayError struct {
	Call       string
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s call failed with status %d", e.Call, e.StatusCode)
	}
	return fmt.Sprintf("%s call failed: %v", e.Call, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Is matches ErrGateway for every gateway failure and ErrUnauthorized for
// 401 and 403 responses.
func (e *GatewayError) Is(target error) bool {
	switch target {
	case ErrGateway:
		return true
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}

// transient reports whether a retry of an idempotent call may succeed.
func (e *GatewayError) transient() bool {
	if e.StatusCode == 0 {
		return !errors.Is(e.Err, ErrUnauthorized)
	}
	return e.StatusCode >= http.StatusInternalServerError
}
