package orchestrator

import (
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/errs"
)

// Outcome is how an orchestrated write resolved.
type Outcome int

const (
	// OutcomeOK means the row store accepted the write.
	OutcomeOK Outcome = iota
	// OutcomeTimeout means no definitive answer arrived in time. The write
	// may still land, so the optimistic value is kept.
	OutcomeTimeout
	// OutcomeHardRejection means the row store refused the write. The
	// optimistic value has been rolled back.
	OutcomeHardRejection
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeHardRejection:
		return "hard_rejection"
	default:
		return "unknown"
	}
}

// Result is the resolution of a move or status change.
type Result struct {
	RecordID string
	Outcome  Outcome
	// Err is nil for OutcomeOK.
	Err error
	// RolledBack counts the fields restored after a hard rejection.
	RolledBack int
}

// outcomeOf maps a write error onto an Outcome. Failures without a
// definitive answer (deadline, network, throttling) keep the optimistic
// value: the mutation is retried or the next refresh settles it.
func outcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errs.IsAdvisory(err):
		return OutcomeTimeout
	default:
		return OutcomeHardRejection
	}
}
