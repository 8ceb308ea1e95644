package dispute

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateOpen, StateMediation, true},
		{StateOpen, StateClosed, true},
		{StateOpen, StateResolved, false},
		{StateMediation, StateMediation, true},
		{StateMediation, StateAwaitingResponse, true},
		{StateMediation, StateResolved, false},
		{StateAwaitingResponse, StateResolved, true},
		{StateAwaitingResponse, StateMediation, true},
		{StateResolved, StateMediation, false},
		{StateResolved, StateClosed, false},
		{StateClosed, StateOpen, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStatusAndStage(t *testing.T) {
	if statusFor(StateAwaitingResponse) != StatusOpen || statusFor(StateResolved) != StatusResolved || statusFor(StateClosed) != StatusClosed {
		t.Fatal("unexpected status mapping")
	}
	if stageFor(StateMediation) != "negotiation" || stageFor(StateOpen) != "filed" {
		t.Fatal("unexpected stage mapping")
	}
}
