// Package errors provides structured error handling for the exception
// pipeline. Errors carry a machine-readable code so boundary layers can map
// them to transport responses without string matching.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Validation errors (rejected before any event is appended)
	CodeValidationTenantMissing    Code = "VALIDATION_TENANT_MISSING"
	CodeValidationEventTypeMissing Code = "VALIDATION_EVENT_TYPE_MISSING"
	CodeValidationExceptionInvalid Code = "VALIDATION_EXCEPTION_INVALID"
	CodeValidationPlaybookInvalid  Code = "VALIDATION_PLAYBOOK_INVALID"

	// Step completion errors
	CodeStepNoPlaybookAssigned Code = "STEP_NO_PLAYBOOK_ASSIGNED"
	CodeStepOutOfOrder         Code = "STEP_OUT_OF_ORDER"
	CodeStepUnknownOrdinal     Code = "STEP_UNKNOWN_ORDINAL"

	// Tenant isolation errors
	CodeTenantMismatch Code = "TENANT_MISMATCH"

	// Pipeline errors
	CodeStageFailed       Code = "STAGE_FAILED"
	CodeStageNotAdvancing Code = "STAGE_NOT_ADVANCING"

	// Collaborator errors
	CodeTransientFailure     Code = "TRANSIENT_FAILURE"
	CodeCollaboratorNotFound Code = "COLLABORATOR_NOT_FOUND"

	// Lookup errors
	CodeExceptionNotFound Code = "EXCEPTION_NOT_FOUND"
	CodePlaybookNotFound  Code = "PLAYBOOK_NOT_FOUND"
)

// HTTPStatus maps the code to an HTTP response status for the API layer.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidationTenantMissing,
		CodeValidationEventTypeMissing,
		CodeValidationExceptionInvalid,
		CodeValidationPlaybookInvalid:
		return http.StatusBadRequest
	case CodeStepNoPlaybookAssigned,
		CodeStepOutOfOrder,
		CodeStepUnknownOrdinal,
		CodeStageNotAdvancing:
		return http.StatusConflict
	case CodeTenantMismatch:
		return http.StatusForbidden
	case CodeExceptionNotFound, CodePlaybookNotFound, CodeCollaboratorNotFound:
		return http.StatusNotFound
	case CodeTransientFailure:
		return http.StatusServiceUnavailable
	case CodeStageFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether an operation failing with this code may be
// retried by the worker runtime. Validation and tenant-mismatch rejections
// are final; only transient collaborator failures retry.
func (c Code) Retryable() bool {
	return c == CodeTransientFailure
}
