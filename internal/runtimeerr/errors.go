// Package runtimeerr defines the closed set of error categories the agent
// runtime recognizes (spec §7), so callers can branch with errors.As instead
// of string matching.
package runtimeerr

import "fmt"

// ValidationError wraps malformed input: an unknown action type, an
// out-of-range probability, etc. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// TransientIOError wraps a store/provider failure the caller may retry:
// connection lost, lock contention, provider timeout.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient io: %s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// ResourceExhaustionError signals a full queue or saturated pool. The
// caller is informed explicitly; nothing is silently dropped.
type ResourceExhaustionError struct {
	Resource string
}

func (e *ResourceExhaustionError) Error() string {
	return fmt.Sprintf("resource exhausted: %s", e.Resource)
}

// ConfigurationError signals a required predictor/provider/lock service is
// absent while running in production mode. Fatal at the operation boundary.
type ConfigurationError struct {
	Component string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Component, e.Reason)
}

// FatalStoreError wraps unrecoverable storage failures: schema corruption,
// engine errors the caller cannot work around. Propagates and stops the
// current operation.
type FatalStoreError struct {
	Op  string
	Err error
}

func (e *FatalStoreError) Error() string {
	return fmt.Sprintf("fatal store error: %s: %v", e.Op, e.Err)
}

func (e *FatalStoreError) Unwrap() error { return e.Err }
