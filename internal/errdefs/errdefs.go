// Package errdefs defines the failure taxonomy shared by the orchestration
// engine. Callers classify with errors.Is against the sentinel kinds; the
// kind decides retry behavior:
//
//   - ErrValidation: local content check failed; never retried.
//   - ErrTransient: network/platform hiccup; eligible for retry with backoff.
//   - ErrPermanent: platform rejected the request; not retried.
//   - ErrConfig: missing credentials or malformed schedule; the affected
//     unit is skipped, siblings continue.
//   - ErrQuota: admission denied; fails fast, no remote call attempted.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation error")
	ErrTransient  = errors.New("transient remote error")
	ErrPermanent  = errors.New("permanent remote error")
	ErrConfig     = errors.New("configuration error")
	ErrQuota      = errors.New("quota exceeded")
)

func Validationf(format string, a ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrValidation, a)...)
}

func Transientf(format string, a ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrTransient, a)...)
}

func Permanentf(format string, a ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrPermanent, a)...)
}

func Configf(format string, a ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrConfig, a)...)
}

func Quotaf(format string, a ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrQuota, a)...)
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool { return errors.Is(err, ErrTransient) }

func prepend(first any, rest []any) []any {
	out := make([]any, 0, len(rest)+1)
	out = append(out, first)
	return append(out, rest...)
}
