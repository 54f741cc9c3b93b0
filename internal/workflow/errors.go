package workflow

import "errors"

// Errors surfaced by C8 (§4.5, §7). HandleResult returns ErrSchemaInvalid for
// a malformed result, ErrNotFound for an unknown workflow and
// ErrDispatchFailed when the next task cannot be published; stale results
// and CAS conflicts inside HandleResult are dropped with a nil error, so it
// never returns ErrStaleResult or ErrConflictOnTransition. CancelWorkflow and
// RetryWorkflow return ErrConflictOnTransition when their CAS loses. The
// truth-table log does not consult these values.
var (
	ErrSchemaInvalid        = errors.New("workflow: schema invalid")
	ErrStaleResult          = errors.New("workflow: stale result")
	ErrDispatchFailed       = errors.New("workflow: dispatch failed")
	ErrNotFound             = errors.New("workflow: not found")
	ErrConflictOnTransition = errors.New("workflow: conflict on transition")
)
