package service

import "errors"

var (
	// ErrConfig is wrapped with the name of the missing setting.
	ErrConfig = errors.New("configuration error")

	ErrInvalidIdentityFormat = errors.New("invalid student id format")
	ErrInvalidPinFormat      = errors.New("pin must be 4 digits")
	ErrInvalidDate           = errors.New("invalid date")

	ErrInvalidPassphrase = errors.New("invalid access code")
	ErrUnknownIdentity   = errors.New("unknown student id")
	ErrPinMismatch       = errors.New("pin mismatch")
)

// IsAuthError groups the authentication failures that callers should
// report with one generic message.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrInvalidPassphrase) ||
		errors.Is(err, ErrUnknownIdentity) ||
		errors.Is(err, ErrPinMismatch)
}

// IsValidationError reports malformed input that can simply be re-entered.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidIdentityFormat) || errors.Is(err, ErrInvalidPinFormat)
}

type TurnKind string

const (
	TurnUnauthenticated TurnKind = "unauthenticated"
	TurnInvalid         TurnKind = "invalid"
	TurnQuota           TurnKind = "quota"
	TurnImageLocked     TurnKind = "image_locked"
	TurnConfig          TurnKind = "config"
	TurnGeneration      TurnKind = "generation"
)

// TurnError is a turn that was refused or failed. Message is safe to show
// to the user.
type TurnError struct {
	Kind    TurnKind
	Message string
	Err     error
}

func (e *TurnError) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *TurnError) Unwrap() error { return e.Err }

func turnError(kind TurnKind, message string, err error) *TurnError {
	return &TurnError{Kind: kind, Message: message, Err: err}
}
