package deployment

import (
	"errors"
	"fmt"
	"slices"
)

// Kind is the failure taxonomy of a deployment attempt.
type Kind uint8

const (
	// KindRequest rejects a deployment before any state changes.
	KindRequest Kind = iota + 1
	KindSnapshot
	KindMergeBarrier
	KindComponentLoad
	KindComponentUpdate
	// KindInterrupted is process teardown, not a failure.
	KindInterrupted
	KindCanceled
	KindRollbackReapply
	KindRollbackConvergence
	KindBootstrap
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindSnapshot:
		return "snapshot"
	case KindMergeBarrier:
		return "merge_barrier"
	case KindComponentLoad:
		return "component_load"
	case KindComponentUpdate:
		return "component_update"
	case KindInterrupted:
		return "interrupted"
	case KindCanceled:
		return "canceled"
	case KindRollbackReapply:
		return "rollback_reapply"
	case KindRollbackConvergence:
		return "rollback_convergence"
	case KindBootstrap:
		return "bootstrap"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error codes, coarse to specific.
const (
	CodeDeploymentFailure   = "DEPLOYMENT_FAILURE"
	CodeMissingCapabilities = "NUCLEUS_MISSING_REQUIRED_CAPABILITIES"
	CodeCircularDependency  = "COMPONENT_CIRCULAR_DEPENDENCY_ERROR"
	CodeDocumentNotValid    = "DEPLOYMENT_DOCUMENT_NOT_VALID"
	CodeSnapshot            = "CONFIGURATION_SNAPSHOT_ERROR"
	CodeMerge               = "CONFIGURATION_MERGE_ERROR"
	CodeComponentUpdate     = "COMPONENT_UPDATE_ERROR"
	CodeComponentBroken     = "COMPONENT_BROKEN"
	CodeComponentLoad       = "COMPONENT_LOAD_ERROR"
	CodeUpdateTimeout       = "COMPONENT_UPDATE_TIMEOUT"
	CodeBootstrap           = "COMPONENT_BOOTSTRAP_ERROR"
	CodeRollbackReapply     = "ROLLBACK_REAPPLY_ERROR"
	CodeIOWrite             = "IO_WRITE_ERROR"
)

// Error type tags for fleet-side triage.
const (
	TypeRequestError       = "REQUEST_ERROR"
	TypeUserComponentError = "USER_COMPONENT_ERROR"
	TypeNucleusError       = "NUCLEUS_ERROR"
	TypeUnknownError       = "UNKNOWN_ERROR"
)

// Error is a classified deployment failure. Codes and Types accumulate
// along the wrap chain.
type Error struct {
	Kind  Kind
	Codes []string
	Types []string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return e.Msg
	case e.Msg == "":
		return e.Err.Error()
	default:
		return e.Msg + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, codes, types []string, msg string, err error) *Error {
	return &Error{Kind: kind, Codes: codes, Types: types, Msg: msg, Err: err}
}

// IsKind reports whether any classified error in err's chain has kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			return false
		}
		if de.Kind == kind {
			return true
		}
		err = de.Err
	}
	return false
}

// ErrorStack returns the ordered error codes of err, rooted at
// DEPLOYMENT_FAILURE, most specific last.
func ErrorStack(err error) []string {
	if err == nil {
		return nil
	}
	stack := []string{CodeDeploymentFailure}
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			break
		}
		for _, code := range de.Codes {
			if stack[len(stack)-1] != code {
				stack = append(stack, code)
			}
		}
		err = de.Err
	}
	return stack
}

// ErrorTypes returns the distinct error types of err in chain order.
func ErrorTypes(err error) []string {
	if err == nil {
		return nil
	}
	var types []string
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			break
		}
		for _, t := range de.Types {
			if !slices.Contains(types, t) {
				types = append(types, t)
			}
		}
		err = de.Err
	}
	if len(types) == 0 {
		types = []string{TypeUnknownError}
	}
	return types
}

// persistedFailure restores a failure recorded before a restart.
type persistedFailure struct {
	msg string
}

func (p *persistedFailure) Error() string { return p.msg }

// RestoreFailure rebuilds a cause whose stack and types are reported
// verbatim after a restart.
func RestoreFailure(d Deployment) error {
	if d.FailureCause == "" && len(d.ErrorStack) == 0 {
		return nil
	}
	stack := d.ErrorStack
	if len(stack) > 0 && stack[0] == CodeDeploymentFailure {
		stack = stack[1:]
	}
	return newError(0, slices.Clone(stack), slices.Clone(d.ErrorTypes), "", &persistedFailure{msg: d.FailureCause})
}

// RecordFailure copies a failure onto the deployment record.
func RecordFailure(d *Deployment, cause error) {
	if cause == nil {
		return
	}
	d.FailureCause = cause.Error()
	d.ErrorStack = ErrorStack(cause)
	d.ErrorTypes = ErrorTypes(cause)
}

// BootstrapError classifies a failed bootstrap step. component is empty
// when the task list itself could not be read or written.
func BootstrapError(component string, err error) error {
	msg := "run bootstrap tasks"
	if component != "" {
		msg = fmt.Sprintf("bootstrap of component %s failed", component)
	}
	return newError(KindBootstrap, []string{CodeComponentUpdate, CodeBootstrap}, []string{TypeUserComponentError}, msg, err)
}
