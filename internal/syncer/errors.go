package syncer

import (
	"errors"
	"fmt"
)

// Class buckets transport failures into the retry policy they get.
type Class string

const (
	// ClassNetwork: transient, retried with backoff, never terminal.
	ClassNetwork Class = "network"
	// ClassServer: transient up to the attempt cap, then permanent.
	ClassServer Class = "server"
	// ClassAuth: permanent until re-auth, surfaced and not retried.
	ClassAuth Class = "auth"
	// ClassValidation: permanent, surfaced and not retried.
	ClassValidation Class = "validation"
	// ClassStorage: local I/O failure, cleared and degraded, not retried.
	ClassStorage Class = "storage"
	// ClassUnknown: anything unclassified, treated like network.
	ClassUnknown Class = "unknown"
)

// NetworkError wraps a transport-level failure (timeout, DNS, refused).
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError carries a 401/403 from the sync endpoint.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (status %d): %s", e.StatusCode, e.Message)
}

// ValidationError carries any other 4xx from the sync endpoint.
type ValidationError struct {
	StatusCode int
	Message    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error (status %d): %s", e.StatusCode, e.Message)
}

// ServerError carries a 5xx from the sync endpoint.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (status %d): %s", e.StatusCode, e.Message)
}

// StorageError wraps a local persistence failure.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage error: %v", e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// Classify maps an error to its retry class.
func Classify(err error) Class {
	var (
		netErr     *NetworkError
		authErr    *AuthError
		valErr     *ValidationError
		srvErr     *ServerError
		storageErr *StorageError
	)
	switch {
	case err == nil:
		return ClassUnknown
	case errors.As(err, &netErr):
		return ClassNetwork
	case errors.As(err, &authErr):
		return ClassAuth
	case errors.As(err, &valErr):
		return ClassValidation
	case errors.As(err, &srvErr):
		return ClassServer
	case errors.As(err, &storageErr):
		return ClassStorage
	default:
		return ClassUnknown
	}
}

// Retryable reports whether the class warrants another automatic attempt.
func Retryable(class Class) bool {
	switch class {
	case ClassNetwork, ClassServer, ClassUnknown:
		return true
	}
	return false
}
