package checkout

import "fmt"

var transitions = map[Status][]Status{
	StatusIncomplete:         {StatusRequiresEscalation, StatusReadyForComplete, StatusCanceled},
	StatusRequiresEscalation: {StatusIncomplete, StatusReadyForComplete, StatusCanceled},
	StatusReadyForComplete:   {StatusIncomplete, StatusRequiresEscalation, StatusCompleteInProgress, StatusCanceled},
	StatusCompleteInProgress: {StatusCompleted, StatusReadyForComplete, StatusRequiresEscalation},
	StatusCompleted:          nil,
	StatusCanceled:           nil,
}

// Transition is the outcome of [ValidateTransition].
type Transition struct {
	Allowed bool
	Reason  string
}

// ValidateTransition reports whether a checkout may move from one status to
// another. Denials always carry a reason.
func ValidateTransition(from, to Status) Transition {
	next, known := transitions[from]
	if !known {
		return Transition{Reason: fmt.Sprintf("unknown status %q", from)}
	}
	if IsTerminal(from) {
		return Transition{Reason: fmt.Sprintf("checkout is %s and cannot change status", from)}
	}
	for _, s := range next {
		if s == to {
			return Transition{Allowed: true}
		}
	}
	return Transition{Reason: fmt.Sprintf("cannot transition from %s to %s", from, to)}
}

// AllowedTransitions returns the statuses reachable from s.
func AllowedTransitions(s Status) []Status {
	return append([]Status(nil), transitions[s]...)
}

// Statuses lists every known status.
func Statuses() []Status {
	return []Status{
		StatusIncomplete,
		StatusRequiresEscalation,
		StatusReadyForComplete,
		StatusCompleteInProgress,
		StatusCompleted,
		StatusCanceled,
	}
}
