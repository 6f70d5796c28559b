package licensing

import (
	"errors"
	"fmt"
)

// ErrorCode classifies why a license could not be resolved into an entitlement.
type ErrorCode string

const (
	CodeMissing       ErrorCode = "missing"
	CodeNotConfigured ErrorCode = "not_configured"
	CodeInvalid       ErrorCode = "invalid"
	CodeExpired       ErrorCode = "expired"
	CodeNetwork       ErrorCode = "network"
	CodeUnknown       ErrorCode = "unknown"
)

// Sentinels for errors.Is checks against a *LicenseError.
var (
	ErrMissing       = errors.New("license key missing")
	ErrNotConfigured = errors.New("license signing material not configured")
	ErrInvalid       = errors.New("invalid license key")
	ErrExpired       = errors.New("license has expired")
	ErrNetwork       = errors.New("license verification unreachable")
	ErrUnknown       = errors.New("license verification failed")
)

// LicenseError is the only error type returned across the licensing boundary.
type LicenseError struct {
	Code    ErrorCode
	Message string

	// ExpiresAt is set for CodeExpired (epoch millis).
	ExpiresAt int64
}

func (e *LicenseError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

// Is implements errors.Is against the code sentinels.
func (e *LicenseError) Is(target error) bool {
	switch target {
	case ErrMissing:
		return e.Code == CodeMissing
	case ErrNotConfigured:
		return e.Code == CodeNotConfigured
	case ErrInvalid:
		return e.Code == CodeInvalid
	case ErrExpired:
		return e.Code == CodeExpired
	case ErrNetwork:
		return e.Code == CodeNetwork
	case ErrUnknown:
		return e.Code == CodeUnknown
	}
	return false
}

// Retryable reports whether repeating the same request may succeed.
func (e *LicenseError) Retryable() bool {
	return e.Code == CodeNetwork
}

// NewLicenseError builds a LicenseError with an optional message.
func NewLicenseError(code ErrorCode, message string) *LicenseError {
	return &LicenseError{Code: code, Message: message}
}

func expiredError(expiresAt int64) *LicenseError {
	return &LicenseError{Code: CodeExpired, ExpiresAt: expiresAt}
}

// AsLicenseError extracts a *LicenseError, converting anything else into CodeUnknown.
func AsLicenseError(err error) *LicenseError {
	if err == nil {
		return nil
	}
	var le *LicenseError
	if errors.As(err, &le) {
		return le
	}
	return &LicenseError{Code: CodeUnknown, Message: err.Error()}
}
