package vaultbp

import (
	"fmt"
)

// AuthenticationError is returned by a getter when no usable token could be
// obtained, either because login failed or because both renewal and the
// fallback login failed.
//
// It wraps the underlying token error.
type AuthenticationError struct {
	Cause error
}

func (e AuthenticationError) Error() string {
	return fmt.Sprintf("vaultbp: authentication failed: %v", e.Cause)
}

// Unwrap implements helper interface for errors.Is and errors.As.
func (e AuthenticationError) Unwrap() error {
	return e.Cause
}

// RetrievalError is returned by a getter when the secret store could not be
// reached, answered with a non-2xx status, or answered with a body missing
// the expected fields.
//
// Kind and ID identify the secret the getter was asked for.
type RetrievalError struct {
	Kind  string
	ID    string
	Cause error
}

func (e RetrievalError) Error() string {
	return fmt.Sprintf("vaultbp: failed to retrieve %s secret %q: %v", e.Kind, e.ID, e.Cause)
}

// Unwrap implements helper interface for errors.Is and errors.As.
func (e RetrievalError) Unwrap() error {
	return e.Cause
}

// ConfigurationError is returned by New when the config is missing required
// identifiers. It is fatal at startup and prevents the client from being
// constructed.
//
// Cause is usually an errorsbp.Batch carrying every validation failure, not
// just the first one.
type ConfigurationError struct {
	Cause error
}

func (e ConfigurationError) Error() string {
	return fmt.Sprintf("vaultbp: invalid configuration: %v", e.Cause)
}

// Unwrap implements helper interface for errors.Is and errors.As.
func (e ConfigurationError) Unwrap() error {
	return e.Cause
}
