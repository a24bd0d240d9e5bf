package providers

import "fmt"

// CredentialError means the upstream rejected our credentials (401/403).
// Fatal at registry bootstrap for that provider only.
type CredentialError struct {
	Provider string
	Message  string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("%s: credential error: %s", e.Provider, e.Message)
}

// ConnectivityError means the upstream could not be reached or returned a
// retryable status during connection establishment. The client retries these
// locally; the error escalates only after retries exhaust.
type ConnectivityError struct {
	Provider string
	Status   int // 0 when no HTTP response was received
	Message  string
}

func (e *ConnectivityError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: connectivity error (status=%d): %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: connectivity error: %s", e.Provider, e.Message)
}

// HTTPStatus implements the status-coder convention used by the relay's
// error mapping. Returns 502 when no upstream status is available.
func (e *ConnectivityError) HTTPStatus() int {
	if e.Status > 0 {
		return e.Status
	}
	return 502
}

// StreamError is a mid-stream failure after the connection succeeded.
// Never retried — partial output already delivered cannot be replayed.
type StreamError struct {
	Provider string
	Message  string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s: stream error: %s", e.Provider, e.Message)
}
