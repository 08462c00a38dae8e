// Package audio validates base64 audio payloads before they enter the pipeline.
package audio

import (
	"encoding/base64"
	"errors"
	"fmt"

	apperrors "github.com/voxrelay/voxrelay/internal/pkg/errors"
)

// Size bounds on the decoded payload, inclusive.
const (
	MinBytes = 1024
	MaxBytes = 5 * 1024 * 1024
)

// Sentinels matched by ValidationError via errors.Is.
var (
	ErrMalformed = errors.New("malformed audio data")
	ErrTooSmall  = errors.New("audio data too small")
	ErrTooLarge  = errors.New("audio data too large")
)

// ValidationError describes why a payload was rejected.
type ValidationError struct {
	Kind error
	Size int
	Err  error
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case ErrMalformed:
		if e.Err != nil {
			return fmt.Sprintf("Invalid audio data: %v", e.Err)
		}
		return "Invalid audio data"
	case ErrTooSmall:
		return "Audio data too small"
	case ErrTooLarge:
		return "Audio data too large"
	}
	return e.Kind.Error()
}

// Is matches the sentinel kind.
func (e *ValidationError) Is(target error) bool {
	return target == e.Kind
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Reason is the short machine-readable form used in error details.
func (e *ValidationError) Reason() string {
	switch e.Kind {
	case ErrTooSmall:
		return "too_small"
	case ErrTooLarge:
		return "too_large"
	default:
		return "malformed"
	}
}

// AppError converts the failure into the VALIDATION_ERROR taxonomy entry.
func (e *ValidationError) AppError() *apperrors.AppError {
	return apperrors.ValidationError(e.Error(), e).WithDetail("reason", e.Reason())
}

// fallbacks are tried in order after standard padded base64.
var fallbacks = []*base64.Encoding{
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// Validate decodes b64 and checks the size bounds. It is pure and deterministic.
func Validate(b64 string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		data, err = decodeFallback(b64, err)
		if err != nil {
			return nil, &ValidationError{Kind: ErrMalformed, Err: err}
		}
	}

	switch n := len(data); {
	case n < MinBytes:
		return nil, &ValidationError{Kind: ErrTooSmall, Size: n}
	case n > MaxBytes:
		return nil, &ValidationError{Kind: ErrTooLarge, Size: n}
	}
	return data, nil
}

func decodeFallback(b64 string, stdErr error) ([]byte, error) {
	for _, enc := range fallbacks {
		if data, err := enc.DecodeString(b64); err == nil {
			return data, nil
		}
	}
	return nil, stdErr
}

// Check runs Validate and returns the taxonomy error, discarding the bytes.
func Check(b64 string) error {
	if _, err := Validate(b64); err != nil {
		return AsAppError(err)
	}
	return nil
}

// AsAppError maps a Validate error to *apperrors.AppError. Other errors pass through.
func AsAppError(err error) error {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.AppError()
	}
	return err
}
