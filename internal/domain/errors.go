package domain

import "errors"

// Error taxonomy (sentinels). Callers classify failures with errors.Is; the
// set is closed and every adapter error wraps exactly one of these.
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrDefinitionInvalid  = errors.New("workflow definition invalid")
	ErrUnknownNodeType    = errors.New("unknown node type")
	ErrValidationFailed   = errors.New("node validation failed")
	ErrNodeExecution      = errors.New("node execution failed")
	ErrTimeout            = errors.New("node timed out")
	ErrQueueUnavailable   = errors.New("queue store unavailable")
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrReconcile          = errors.New("reconcile write failed")
	ErrInternal           = errors.New("internal error")
)
