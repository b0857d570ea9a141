package lims

import (
	"github.com/lims/lims/internal/platform/apperr"
)

// Event drives an Assignment through its lifecycle.
type Event string

const (
	EventDispatch    Event = "dispatch"
	EventStartManual Event = "start_manual"
	EventComplete    Event = "complete"
	EventVerify      Event = "verify"
	EventRelease     Event = "release"
	EventReject      Event = "reject"
	EventCancel      Event = "cancel"
)

// assignmentTransitions is the complete table of legal moves. Anything not
// listed is refused. Reject is the only backward edge.
var assignmentTransitions = map[AssignmentStatus]map[Event]AssignmentStatus{
	AssignmentPending: {
		EventDispatch:    AssignmentQueued,
		EventStartManual: AssignmentQueued,
		EventCancel:      AssignmentRejected,
	},
	AssignmentQueued: {
		EventComplete: AssignmentAnalysisComplete,
		EventCancel:   AssignmentRejected,
	},
	AssignmentAnalysisComplete: {
		EventVerify: AssignmentVerified,
		EventReject: AssignmentPending,
	},
	AssignmentVerified: {
		EventRelease: AssignmentReleased,
		EventReject:  AssignmentPending,
	},
	AssignmentReleased: {},
	AssignmentRejected: {},
}

// Transition returns the status reached by applying ev in state from, or a
// *apperr.TransitionError naming both when the move is not in the table.
func Transition(a *Assignment, ev Event) (AssignmentStatus, error) {
	if next, ok := assignmentTransitions[a.Status][ev]; ok {
		return next, nil
	}
	return "", &apperr.TransitionError{
		Entity:  "assignment",
		ID:      a.ID.String(),
		Current: string(a.Status),
		Event:   string(ev),
	}
}

// CanTransition reports whether ev is legal in state from.
func CanTransition(from AssignmentStatus, ev Event) bool {
	_, ok := assignmentTransitions[from][ev]
	return ok
}

// AllAssignmentStatuses lists every status, for exhaustive checks.
func AllAssignmentStatuses() []AssignmentStatus {
	return []AssignmentStatus{
		AssignmentPending, AssignmentQueued, AssignmentAnalysisComplete,
		AssignmentVerified, AssignmentReleased, AssignmentRejected,
	}
}

// AllEvents lists every event, for exhaustive checks.
func AllEvents() []Event {
	return []Event{
		EventDispatch, EventStartManual, EventComplete, EventVerify,
		EventRelease, EventReject, EventCancel,
	}
}

// DeriveRequestStatus recomputes a request's status from its assignments.
// Cancellation is the only status set directly and is sticky. Rejected
// (cancelled) assignments do not count toward progress.
func DeriveRequestStatus(current RequestStatus, assignments []*Assignment) RequestStatus {
	if current == RequestCancelled {
		return RequestCancelled
	}
	if len(assignments) == 0 {
		return RequestPending
	}

	var live, pending, verified, released int
	for _, a := range assignments {
		switch a.Status {
		case AssignmentRejected:
			continue
		case AssignmentPending:
			pending++
		case AssignmentVerified:
			verified++
		case AssignmentReleased:
			released++
		}
		live++
	}

	switch {
	case live == 0:
		return RequestCancelled
	case released == live:
		return RequestReleased
	case verified+released == live:
		return RequestVerified
	case pending == live:
		return RequestCollected
	default:
		return RequestInProcess
	}
}
