package lims

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/platform/apperr"
)

func TestTransition_Table(t *testing.T) {
	cases := []struct {
		from AssignmentStatus
		ev   Event
		to   AssignmentStatus
	}{
		{AssignmentPending, EventDispatch, AssignmentQueued},
		{AssignmentPending, EventStartManual, AssignmentQueued},
		{AssignmentQueued, EventComplete, AssignmentAnalysisComplete},
		{AssignmentAnalysisComplete, EventVerify, AssignmentVerified},
		{AssignmentVerified, EventRelease, AssignmentReleased},
		{AssignmentAnalysisComplete, EventReject, AssignmentPending},
		{AssignmentVerified, EventReject, AssignmentPending},
		{AssignmentPending, EventCancel, AssignmentRejected},
		{AssignmentQueued, EventCancel, AssignmentRejected},
	}
	for _, tc := range cases {
		a := &Assignment{ID: uuid.New(), Status: tc.from}
		got, err := Transition(a, tc.ev)
		if err != nil {
			t.Errorf("%s --%s--> unexpected error: %v", tc.from, tc.ev, err)
			continue
		}
		if got != tc.to {
			t.Errorf("%s --%s--> expected %s, got %s", tc.from, tc.ev, tc.to, got)
		}
	}
}

func TestTransition_IllegalPairsRefused(t *testing.T) {
	legal := 0
	for _, from := range AllAssignmentStatuses() {
		for _, ev := range AllEvents() {
			if CanTransition(from, ev) {
				legal++
				continue
			}
			a := &Assignment{ID: uuid.New(), Status: from}
			_, err := Transition(a, ev)
			if !errors.Is(err, apperr.ErrInvalidTransition) {
				t.Fatalf("%s --%s--> expected InvalidTransition, got %v", from, ev, err)
			}
			var te *apperr.TransitionError
			if !errors.As(err, &te) {
				t.Fatalf("expected *TransitionError, got %T", err)
			}
			if te.Current != string(from) || te.Event != string(ev) {
				t.Errorf("error should name state %s and event %s, got %s/%s", from, ev, te.Current, te.Event)
			}
			if errors.Is(err, apperr.ErrConcurrencyConflict) {
				t.Errorf("plain refusal must not report a concurrency conflict")
			}
		}
	}
	if legal != 9 {
		t.Errorf("expected 9 legal transitions, got %d", legal)
	}
}

func TestTransition_NoForwardSkips(t *testing.T) {
	a := &Assignment{ID: uuid.New(), Status: AssignmentPending}
	for _, ev := range []Event{EventVerify, EventRelease, EventComplete, EventReject} {
		if _, err := Transition(a, ev); err == nil {
			t.Errorf("pending --%s--> should be refused", ev)
		}
	}
	a.Status = AssignmentReleased
	if _, err := Transition(a, EventReject); err == nil {
		t.Error("released results cannot be rejected")
	}
}

func assignments(statuses ...AssignmentStatus) []*Assignment {
	out := make([]*Assignment, len(statuses))
	for i, s := range statuses {
		out[i] = &Assignment{ID: uuid.New(), Status: s}
	}
	return out
}

func TestDeriveRequestStatus(t *testing.T) {
	cases := []struct {
		name    string
		current RequestStatus
		in      []*Assignment
		want    RequestStatus
	}{
		{"no assignments", RequestPending, nil, RequestPending},
		{"all pending", RequestPending, assignments(AssignmentPending, AssignmentPending), RequestCollected},
		{"one queued", RequestCollected, assignments(AssignmentQueued, AssignmentPending), RequestInProcess},
		{"mixed verified", RequestInProcess, assignments(AssignmentVerified, AssignmentAnalysisComplete), RequestInProcess},
		{"all verified", RequestInProcess, assignments(AssignmentVerified, AssignmentVerified), RequestVerified},
		{"partly released", RequestVerified, assignments(AssignmentReleased, AssignmentVerified), RequestVerified},
		{"all released", RequestVerified, assignments(AssignmentReleased, AssignmentReleased), RequestReleased},
		{"rejected ignored", RequestVerified, assignments(AssignmentReleased, AssignmentRejected), RequestReleased},
		{"all rejected", RequestCollected, assignments(AssignmentRejected), RequestCancelled},
		{"cancelled sticky", RequestCancelled, assignments(AssignmentReleased), RequestCancelled},
		{"retest goes back", RequestVerified, assignments(AssignmentVerified, AssignmentPending), RequestInProcess},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveRequestStatus(tc.current, tc.in); got != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}
}
