package resolution

import (
	"fmt"
	"time"

	"escrowflow/dispute"
)

// decision is the result of applying one party response to a resolution.
type decision struct {
	next       Resolution
	noop       bool
	bothAgreed bool
}

// decide applies resp from party to r. It only reads what is stored: the
// second acceptor sees the first acceptor's status and finalizes. An existing
// auto_execute_date is never moved.
func decide(r Resolution, party dispute.Party, resp PartyStatus, now time.Time, window time.Duration) (decision, error) {
	switch resp {
	case PartyAccepted, PartyRejected, PartyCounterProposed:
	default:
		return decision{}, fmt.Errorf("%w: %q", ErrInvalidResponse, resp)
	}

	switch r.Status {
	case StatusAgreed:
		if resp == PartyAccepted {
			return decision{next: r, noop: true, bothAgreed: true}, nil
		}
		return decision{}, fmt.Errorf("%w: resolution already agreed", ErrInvalidState)
	case StatusProposed:
	default:
		return decision{}, fmt.Errorf("%w: resolution is %s", ErrInvalidState, r.Status)
	}

	if r.StatusOf(party) == resp && resp != PartyCounterProposed {
		return decision{next: r, noop: true}, nil
	}

	next := r
	at := now
	other := dispute.PartyProfessional
	if party == dispute.PartyClient {
		next.ClientStatus = resp
		next.ClientResponseAt = &at
	} else {
		other = dispute.PartyClient
		next.ProfessionalStatus = resp
		next.ProfessionalResponseAt = &at
	}

	if resp == PartyAccepted && r.StatusOf(other) == PartyAccepted {
		next.Status = StatusAgreed
		next.AgreementFinalizedAt = &at
		if next.AutoExecuteDate == nil {
			due := now.Add(window)
			next.AutoExecuteDate = &due
		}
		return decision{next: next, bothAgreed: true}, nil
	}
	return decision{next: next}, nil
}
