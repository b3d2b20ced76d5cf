// Package control is the structured entry point over the tracker, saga
// engine and wave orchestrator. Every call returns a Response; errors are
// converted to ErrorInfo rather than returned.
package control

import (
	stderrors "errors"
	"net/http"

	apperrors "github.com/goliatone/go-errors"

	migration "github.com/goliatone/go-migration"
)

const codeInternal = "MIGRATION_INTERNAL"

// ErrorInfo is the transport-friendly error shape.
type ErrorInfo struct {
	Code      string         `json:"code"`
	Category  string         `json:"category,omitempty"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Response wraps every control surface result.
type Response[T any] struct {
	Success bool       `json:"success"`
	Data    T          `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

func ok[T any](data T) Response[T] {
	return Response[T]{Success: true, Data: data}
}

// fail keeps data alongside the error; a failed wave rollback still reports
// which entities were compensated.
func fail[T any](data T, err error) Response[T] {
	return Response[T]{Data: data, Error: ErrorInfoFor(err)}
}

func respond[T any](data T, err error) Response[T] {
	if err != nil {
		return fail(data, err)
	}
	return ok(data)
}

// ErrorInfoFor converts err into ErrorInfo. Errors without a text code map to
// MIGRATION_INTERNAL.
func ErrorInfoFor(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Code: codeInternal, Message: err.Error()}
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		if ge.TextCode != "" {
			info.Code = ge.TextCode
		}
		info.Category = string(ge.Category)
		info.Metadata = ge.Metadata
	}
	info.Retryable = retryable(info.Code)
	return info
}

func retryable(code string) bool {
	switch code {
	case migration.CodeConcurrencyConflict, migration.CodeStoreUnavailable, migration.CodeTimeout:
		return true
	}
	return false
}

// HTTPStatus maps an error code to the status an HTTP adapter should return.
func HTTPStatus(info *ErrorInfo) int {
	if info == nil {
		return http.StatusOK
	}
	switch info.Code {
	case migration.CodeNotFound:
		return http.StatusNotFound
	case migration.CodeAlreadyExists, migration.CodeConcurrencyConflict, migration.CodeInvalidTransition, migration.CodeInvalidWaveState:
		return http.StatusConflict
	case migration.CodeInvalidDefinition, migration.CodeInvalidConfiguration:
		return http.StatusBadRequest
	case migration.CodeGateFailed:
		return http.StatusPreconditionFailed
	case migration.CodeTimeout:
		return http.StatusGatewayTimeout
	case migration.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case migration.CodeHandlerFailed, migration.CodeCompensationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
