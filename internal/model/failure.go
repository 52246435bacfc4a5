package model

import "fmt"

// FailureKind classifies why a run stopped.
type FailureKind string

const (
	FailureTransient        FailureKind = "transient_external"
	FailurePermanent        FailureKind = "permanent_external"
	FailureBudgetExceeded   FailureKind = "budget_exceeded"
	FailureValidation       FailureKind = "validation"
	FailureStoreUnavailable FailureKind = "store_unavailable"
	FailureAborted          FailureKind = "aborted"
)

// Failure is the structured, user-visible reason a run failed. It always
// names the stage and whether retrying could succeed.
type Failure struct {
	Stage     Stage       `json:"stage"`
	Kind      FailureKind `json:"kind"`
	Retryable bool        `json:"retryable"`
	Message   string      `json:"message"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("stage %s failed (%s, retryable=%t): %s", f.Stage, f.Kind, f.Retryable, f.Message)
}
