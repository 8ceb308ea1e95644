package dispute

var transitions = map[State][]State{
	StateOpen:             {StateMediation, StateAwaitingResponse, StateClosed},
	StateMediation:        {StateMediation, StateAwaitingResponse, StateClosed},
	StateAwaitingResponse: {StateMediation, StateResolved, StateClosed},
}

// CanTransition reports whether from → to is a legal workflow move.
// resolved and closed have no outgoing edges.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	return s == StateResolved || s == StateClosed
}

func (s State) Valid() bool {
	switch s {
	case StateOpen, StateMediation, StateAwaitingResponse, StateResolved, StateClosed:
		return true
	default:
		return false
	}
}

func statusFor(s State) Status {
	switch s {
	case StateResolved:
		return StatusResolved
	case StateClosed:
		return StatusClosed
	default:
		return StatusOpen
	}
}

func stageFor(s State) string {
	switch s {
	case StateOpen:
		return "filed"
	case StateMediation:
		return "negotiation"
	case StateAwaitingResponse:
		return "awaiting_execution"
	default:
		return string(s)
	}
}
