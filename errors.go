package migration

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	CodeHandlerFailed        = "MIGRATION_HANDLER_FAILED"
	CodeTimeout              = "MIGRATION_TIMEOUT"
	CodeInvalidTransition    = "MIGRATION_INVALID_TRANSITION"
	CodeCompensationFailed   = "MIGRATION_COMPENSATION_FAILED"
	CodeConcurrencyConflict  = "MIGRATION_CONCURRENCY_CONFLICT"
	CodeNotFound             = "MIGRATION_NOT_FOUND"
	CodeAlreadyExists        = "MIGRATION_ALREADY_EXISTS"
	CodeInvalidDefinition    = "MIGRATION_INVALID_DEFINITION"
	CodeInvalidWaveState     = "MIGRATION_INVALID_WAVE_STATE"
	CodeGateFailed           = "MIGRATION_GATE_FAILED"
	CodeCancelled            = "MIGRATION_CANCELLED"
	CodeStoreUnavailable     = "MIGRATION_STORE_UNAVAILABLE"
	CodeInvalidConfiguration = "MIGRATION_INVALID_CONFIGURATION"
)

var (
	// ErrHandler marks a forward or compensation handler call that failed.
	ErrHandler = apperrors.New("handler failed", apperrors.CategoryHandler).
			WithTextCode(CodeHandlerFailed)
	// ErrTimeout marks a handler call that exceeded its deadline.
	ErrTimeout = apperrors.New("handler timed out", apperrors.CategoryHandler).
			WithTextCode(CodeTimeout)
	// ErrInvalidTransition is returned by the tracker for a disallowed status change.
	ErrInvalidTransition = apperrors.New("invalid transition", apperrors.CategoryBadInput).
				WithTextCode(CodeInvalidTransition)
	// ErrCompensationFailure marks a compensation that failed after its retry budget.
	ErrCompensationFailure = apperrors.New("compensation failed", apperrors.CategoryHandler).
				WithTextCode(CodeCompensationFailed)
	// ErrConcurrencyConflict is an optimistic version mismatch on persisted state.
	ErrConcurrencyConflict = apperrors.New("concurrency conflict", apperrors.CategoryConflict).
				WithTextCode(CodeConcurrencyConflict)
	ErrNotFound = apperrors.New("record not found", apperrors.CategoryBadInput).
			WithTextCode(CodeNotFound)
	ErrAlreadyExists = apperrors.New("record already exists", apperrors.CategoryConflict).
				WithTextCode(CodeAlreadyExists)
	ErrInvalidDefinition = apperrors.New("invalid definition", apperrors.CategoryValidation).
				WithTextCode(CodeInvalidDefinition)
	ErrInvalidWaveState = apperrors.New("invalid wave state", apperrors.CategoryBadInput).
				WithTextCode(CodeInvalidWaveState)
	ErrGateFailed = apperrors.New("quality gate failed", apperrors.CategoryValidation).
			WithTextCode(CodeGateFailed)
	ErrCancelled = apperrors.New("operation cancelled", apperrors.CategoryHandler).
			WithTextCode(CodeCancelled)
	ErrStoreUnavailable = apperrors.New("store unavailable", apperrors.CategoryExternal).
				WithTextCode(CodeStoreUnavailable)
	ErrInvalidConfiguration = apperrors.New("invalid configuration", apperrors.CategoryValidation).
				WithTextCode(CodeInvalidConfiguration)
)

// NewError clones base with a message, source error and metadata.
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrHandler
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// Code returns the text code of the outermost go-errors value in err.
func Code(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// HasCode reports whether any go-errors value in the chain of err carries code.
func HasCode(err error, code string) bool {
	if err == nil || code == "" {
		return false
	}
	var ge *apperrors.Error
	if stderrors.As(err, &ge) && ge.TextCode == code {
		return true
	}
	switch e := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			if HasCode(inner, code) {
				return true
			}
		}
		return false
	case *apperrors.Error:
		return HasCode(e.Source, code)
	}
	return HasCode(stderrors.Unwrap(err), code)
}

func IsHandlerError(err error) bool        { return HasCode(err, CodeHandlerFailed) }
func IsTimeout(err error) bool             { return HasCode(err, CodeTimeout) }
func IsInvalidTransition(err error) bool   { return HasCode(err, CodeInvalidTransition) }
func IsCompensationFailure(err error) bool { return HasCode(err, CodeCompensationFailed) }
func IsConcurrencyConflict(err error) bool { return HasCode(err, CodeConcurrencyConflict) }
func IsNotFound(err error) bool            { return HasCode(err, CodeNotFound) }
func IsAlreadyExists(err error) bool       { return HasCode(err, CodeAlreadyExists) }
func IsInvalidDefinition(err error) bool   { return HasCode(err, CodeInvalidDefinition) }
func IsGateFailed(err error) bool          { return HasCode(err, CodeGateFailed) }

// Metadata returns the metadata attached to the outermost go-errors value.
func Metadata(err error) map[string]any {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.Metadata
	}
	return nil
}
