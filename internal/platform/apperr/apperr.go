// Package apperr defines the error outcomes surfaced to callers of the
// sample lifecycle operations. Each outcome has a Kind and a sentinel so
// callers can branch with errors.Is.
//
//   - ErrConfiguration: tenant context or platform setup missing
//   - ErrValidation: bad input, unknown or disabled offering, value outside range
//   - ErrInvalidState: operation not allowed in the entity's current status
//   - ErrInvalidTransition: assignment state machine rejected an event
//   - ErrUnmatched / ErrAmbiguous: instrument result could not be attached
//   - ErrConcurrencyConflict: a compare-and-swap lost a race
//   - ErrAuditWrite: audit record could not be written, operation rolled back
//   - ErrNotFound: entity does not exist in the active tenant
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindConfiguration       Kind = "ConfigurationError"
	KindValidation          Kind = "ValidationError"
	KindInvalidState        Kind = "InvalidState"
	KindInvalidTransition   Kind = "InvalidTransition"
	KindUnmatched           Kind = "UnmatchedResult"
	KindAmbiguous           Kind = "AmbiguousResult"
	KindConcurrencyConflict Kind = "ConcurrencyConflict"
	KindAuditWrite          Kind = "AuditWriteFailure"
	KindNotFound            Kind = "NotFound"
	KindUnavailable         Kind = "Unavailable"
)

var (
	ErrConfiguration       = errors.New("configuration error")
	ErrValidation          = errors.New("validation error")
	ErrInvalidState        = errors.New("invalid state")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrUnmatched           = errors.New("unmatched result")
	ErrAmbiguous           = errors.New("ambiguous result")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrAuditWrite          = errors.New("audit write failure")
	ErrNotFound            = errors.New("not found")
	ErrUnavailable         = errors.New("unavailable")
)

var sentinels = map[Kind]error{
	KindConfiguration:       ErrConfiguration,
	KindValidation:          ErrValidation,
	KindInvalidState:        ErrInvalidState,
	KindInvalidTransition:   ErrInvalidTransition,
	KindUnmatched:           ErrUnmatched,
	KindAmbiguous:           ErrAmbiguous,
	KindConcurrencyConflict: ErrConcurrencyConflict,
	KindAuditWrite:          ErrAuditWrite,
	KindNotFound:            ErrNotFound,
	KindUnavailable:         ErrUnavailable,
}

// Error carries a Kind, a human message and optional structured details.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's own kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// New returns an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind wrapping err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// With attaches a detail field and returns the same error.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func Configuration(format string, args ...any) *Error {
	return New(KindConfiguration, format, args...)
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func InvalidState(format string, args ...any) *Error {
	return New(KindInvalidState, format, args...)
}

func NotFound(entity string, id any) *Error {
	return New(KindNotFound, "%s %v not found", entity, id).With("entity", entity)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	var te *TransitionError
	if errors.As(err, &te) {
		return KindInvalidTransition, true
	}
	return "", false
}

// TransitionError is returned when the assignment state machine refuses an
// event. Raced is set when the refusal came from losing a compare-and-swap
// against a concurrent writer; such errors also match ErrConcurrencyConflict.
type TransitionError struct {
	Entity  string
	ID      string
	Current string
	Event   string
	Raced   bool
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s: cannot %s %s %s in state %s", KindInvalidTransition, e.Event, e.Entity, e.ID, e.Current)
	if e.Raced {
		msg += " (concurrent update)"
	}
	return msg
}

func (e *TransitionError) Is(target error) bool {
	if target == ErrInvalidTransition {
		return true
	}
	return e.Raced && target == ErrConcurrencyConflict
}

// HTTPStatus maps an error to the status code used by the JSON API.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUnmatched):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrConcurrencyConflict),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrAmbiguous):
		return http.StatusConflict
	case errors.Is(err, ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error envelope.
type Body struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ToBody renders err for the wire. Unknown errors are masked.
func ToBody(err error) Body {
	var te *TransitionError
	if errors.As(err, &te) {
		kind := KindInvalidTransition
		if te.Raced {
			kind = KindConcurrencyConflict
		}
		return Body{
			Error:   string(kind),
			Message: te.Error(),
			Details: map[string]any{"current_state": te.Current, "event": te.Event, "entity_id": te.ID},
		}
	}
	var ae *Error
	if errors.As(err, &ae) {
		return Body{Error: string(ae.Kind), Message: ae.Message, Details: ae.Details}
	}
	return Body{Error: "InternalError", Message: "internal server error"}
}
