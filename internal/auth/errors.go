package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthentication matches every credential failure (bad signature,
	// malformed, expired, not yet valid).
	ErrAuthentication = errors.New("authentication failed")

	// ErrConfiguration matches missing required auth configuration.
	ErrConfiguration = errors.New("auth configuration error")
)

// ConfigError reports a missing required configuration value.
type ConfigError struct {
	Key string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("missing required configuration %s", e.Key)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }

// ExpiredError reports a credential past its exp claim.
type ExpiredError struct {
	ExpiredAt time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("token expired at %s", e.ExpiredAt.UTC().Format(time.RFC3339))
}

func (e *ExpiredError) Is(target error) bool { return target == ErrAuthentication }

// NotYetValidError reports a credential before its nbf claim.
type NotYetValidError struct {
	NotBefore time.Time
}

func (e *NotYetValidError) Error() string {
	return fmt.Sprintf("token not valid before %s", e.NotBefore.UTC().Format(time.RFC3339))
}

func (e *NotYetValidError) Is(target error) bool { return target == ErrAuthentication }

// InvalidTokenError reports an empty, malformed or badly signed credential.
type InvalidTokenError struct {
	Reason string
	Err    error
}

func (e *InvalidTokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid token: %s: %v", e.Reason, e.Err)
	}
	return "invalid token: " + e.Reason
}

func (e *InvalidTokenError) Unwrap() error { return e.Err }

func (e *InvalidTokenError) Is(target error) bool { return target == ErrAuthentication }
