package router

import (
	"errors"
	"fmt"
)

// ErrAllDisabled means providers are configured but every one of them is
// currently quarantined.
var ErrAllDisabled = errors.New("router: all providers are disabled")

// ErrModelUnavailable is the errors.Is target for *ModelUnavailableError.
var ErrModelUnavailable = errors.New("router: model unavailable")

// ErrExhausted is the errors.Is target for *ExhaustedError.
var ErrExhausted = errors.New("router: all attempts failed")

// ModelUnavailableError means no active provider serves the requested model.
// OnlyDisabled distinguishes "nobody has it" from "everyone who has it is
// quarantined" in the message; callers treat both the same.
type ModelUnavailableError struct {
	Model        string
	OnlyDisabled bool
}

func (e *ModelUnavailableError) Error() string {
	if e.OnlyDisabled {
		return fmt.Sprintf("model %q is served only by disabled providers", e.Model)
	}
	return fmt.Sprintf("no provider serves model %q", e.Model)
}

func (e *ModelUnavailableError) Is(target error) bool {
	return target == ErrModelUnavailable
}

// ExhaustedError means every candidate was tried and failed. Last carries
// the final upstream failure for client display.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("all %d provider attempt(s) failed, last error: %s", e.Attempts, e.Last.Error())
	}
	return fmt.Sprintf("all %d provider attempt(s) failed", e.Attempts)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}
