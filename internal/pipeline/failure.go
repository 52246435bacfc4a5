package pipeline

import (
	"errors"
	"strings"

	"github.com/sells-group/discovery-cli/internal/cost"
	"github.com/sells-group/discovery-cli/internal/model"
	"github.com/sells-group/discovery-cli/internal/resilience"
	"github.com/sells-group/discovery-cli/internal/store"
)

// maxFailureMessage bounds the user-visible failure text.
const maxFailureMessage = 300

// classify turns a stage error into the failure stored on the run.
// Budget and validation errors win over the transport classification
// because they are the root cause the user can act on.
func classify(st model.Stage, err error) *model.Failure {
	f := &model.Failure{Stage: st, Message: summarize(err)}

	var budget *cost.BudgetError
	var invalid *model.ValidationError
	switch {
	case errors.As(err, &budget) || errors.Is(err, cost.ErrBudgetExceeded):
		f.Kind = model.FailureBudgetExceeded
	case errors.As(err, &invalid):
		f.Kind = model.FailureValidation
		f.Message = invalid.Error()
	case store.IsUnavailable(err):
		f.Kind = model.FailureStoreUnavailable
		f.Retryable = true
	case resilience.IsPermanent(err):
		f.Kind = model.FailurePermanent
	case resilience.IsTransient(err):
		f.Kind = model.FailureTransient
		f.Retryable = true
	default:
		f.Kind = model.FailurePermanent
	}
	return f
}

// summarize keeps the outermost context of an error chain and trims it, so
// raw provider payloads never reach the run record.
func summarize(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	msg = strings.TrimSpace(msg)
	if r := []rune(msg); len(r) > maxFailureMessage {
		msg = string(r[:maxFailureMessage]) + "…"
	}
	return msg
}
