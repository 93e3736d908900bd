package deployment

import (
	"fmt"
	"strings"
	"time"

	"edgeagent/internal/check"
)

// Type identifies where a deployment came from.
type Type uint8

const (
	TypeLocal Type = iota + 1
	TypeShadow
	TypeRemoteJob
)

// Types lists every deployment type.
var Types = []Type{TypeLocal, TypeShadow, TypeRemoteJob}

func (t Type) String() string {
	switch t {
	case TypeLocal:
		return "LOCAL"
	case TypeShadow:
		return "SHADOW"
	case TypeRemoteJob:
		return "REMOTE_JOB"
	default:
		return "UNKNOWN"
	}
}

func (t Type) MarshalText() ([]byte, error) {
	if t < TypeLocal || t > TypeRemoteJob {
		return nil, fmt.Errorf("invalid deployment type: %d", t)
	}
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(data []byte) error {
	next, err := ParseType(string(data))
	if err != nil {
		return err
	}
	*t = next
	return nil
}

// ParseType parses LOCAL, SHADOW or REMOTE_JOB.
func ParseType(raw string) (Type, error) {
	for _, t := range Types {
		if strings.EqualFold(strings.TrimSpace(raw), t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("invalid deployment type %q", raw)
}

// Stage is the persisted cross-restart position of a deployment.
type Stage uint8

const (
	StageDefault Stage = iota + 1
	StageBootstrap
	StageKernelActivation
	StageKernelRollback
	StageRollbackBootstrap
)

func (s Stage) String() string {
	switch s {
	case StageDefault:
		return "DEFAULT"
	case StageBootstrap:
		return "BOOTSTRAP"
	case StageKernelActivation:
		return "KERNEL_ACTIVATION"
	case StageKernelRollback:
		return "KERNEL_ROLLBACK"
	case StageRollbackBootstrap:
		return "ROLLBACK_BOOTSTRAP"
	default:
		return "UNKNOWN"
	}
}

func (s Stage) IsValid() bool {
	return s >= StageDefault && s <= StageRollbackBootstrap
}

// Transition validates a stage move. Every stage may return to DEFAULT.
func (s Stage) Transition(to Stage) Stage {
	ok := to == StageDefault
	switch s {
	case StageDefault:
		ok = ok || to == StageBootstrap
	case StageBootstrap:
		ok = ok || to == StageBootstrap || to == StageKernelActivation || to == StageKernelRollback || to == StageRollbackBootstrap
	case StageKernelActivation:
		ok = ok || to == StageKernelRollback || to == StageRollbackBootstrap
	case StageKernelRollback:
	case StageRollbackBootstrap:
		ok = ok || to == StageRollbackBootstrap || to == StageKernelRollback
	}
	check.Assertf(ok, "deployment stage transition: %s -> %s", s, to)
	if !ok {
		return s
	}
	return to
}

func (s Stage) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("invalid deployment stage: %d", s)
	}
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(data []byte) error {
	next, err := ParseStage(string(data))
	if err != nil {
		return err
	}
	*s = next
	return nil
}

// ParseStage parses a persisted stage marker.
func ParseStage(raw string) (Stage, error) {
	for s := StageDefault; s <= StageRollbackBootstrap; s++ {
		if strings.EqualFold(strings.TrimSpace(raw), s.String()) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("invalid deployment stage %q", raw)
}

// Status is the coarse status reported to consumers.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
	StatusCanceled   Status = "CANCELED"
)

// DetailedStatus refines a terminal Status.
type DetailedStatus string

const (
	DetailedSuccessful                 DetailedStatus = "SUCCESSFUL"
	DetailedFailedNoStateChange        DetailedStatus = "FAILED_NO_STATE_CHANGE"
	DetailedFailedRollbackNotRequested DetailedStatus = "FAILED_ROLLBACK_NOT_REQUESTED"
	DetailedFailedRollbackComplete     DetailedStatus = "FAILED_ROLLBACK_COMPLETE"
	DetailedFailedUnableToRollback     DetailedStatus = "FAILED_UNABLE_TO_ROLLBACK"
	DetailedCanceled                   DetailedStatus = "CANCELED"
	DetailedReplaced                   DetailedStatus = "REPLACED"
)

// Status maps a detailed status onto the coarse one.
func (d DetailedStatus) Status() Status {
	switch d {
	case DetailedSuccessful:
		return StatusSucceeded
	case DetailedCanceled, DetailedReplaced:
		return StatusCanceled
	case "":
		return StatusInProgress
	default:
		return StatusFailed
	}
}

// Deployment is one desired-state change request.
type Deployment struct {
	ID       string    `json:"id"`
	Type     Type      `json:"type"`
	Document []byte    `json:"document,omitempty"`
	Stage    Stage     `json:"stage"`
	Cancel   bool      `json:"cancel,omitempty"`
	Received time.Time `json:"received"`

	// ErrorStack, ErrorTypes and FailureCause carry a failure across a
	// restart so the resumed attempt reports it verbatim.
	ErrorStack   []string `json:"error_stack,omitempty"`
	ErrorTypes   []string `json:"error_types,omitempty"`
	FailureCause string   `json:"failure_cause,omitempty"`
}

// Result is the outcome of one activation or rollback pass.
type Result struct {
	Detailed DetailedStatus
	Cause    error
}

// Status is the coarse status of the result.
func (r Result) Status() Status {
	return r.Detailed.Status()
}
