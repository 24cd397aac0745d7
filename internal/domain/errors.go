package domain

import "fmt"

// Error types for consistent error handling across the concierge.
// None of them ever carries a full card number or CVV.

// ErrParse indicates claim text that does not match the accepted grammar.
// Handled at the chat boundary with a corrective prompt, never surfaced
// as a failure.
type ErrParse struct {
	Reason string
}

func (e *ErrParse) Error() string {
	return fmt.Sprintf("claim parse error: %s", e.Reason)
}

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrProofUnavailable indicates the upstream ownership-proof channel
// did not respond or did not expose comparable secret fields.
type ErrProofUnavailable struct {
	LastFour string
}

func (e *ErrProofUnavailable) Error() string {
	return fmt.Sprintf("ownership proof unavailable for card ending %s", e.LastFour)
}

// ErrSecretMismatch indicates the proof succeeded but the claimed
// secrets do not match the issuer's record.
type ErrSecretMismatch struct {
	LastFour string
}

func (e *ErrSecretMismatch) Error() string {
	return fmt.Sprintf("claimed secrets do not match card ending %s", e.LastFour)
}

// ErrExternalService indicates a transport/HTTP/timeout failure from
// the upstream card service.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrSessionExpired indicates an action that requires an authenticated
// session when none exists. Handled at the chat boundary with a
// corrective prompt.
type ErrSessionExpired struct {
	UserID string
}

func (e *ErrSessionExpired) Error() string {
	return fmt.Sprintf("no authenticated session for user %s", e.UserID)
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}
