package resolution

import (
	"errors"
	"testing"
	"time"

	"escrowflow/dispute"
)

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func fresh() Resolution {
	return Resolution{ClientStatus: PartyProposed, ProfessionalStatus: PartyProposed, Status: StatusProposed}
}

func TestDecide_Symmetry(t *testing.T) {
	orders := [][2]dispute.Party{
		{dispute.PartyClient, dispute.PartyProfessional},
		{dispute.PartyProfessional, dispute.PartyClient},
	}
	for _, order := range orders {
		first, err := decide(fresh(), order[0], PartyAccepted, t0, 24*time.Hour)
		if err != nil || first.bothAgreed || first.next.Status != StatusProposed {
			t.Fatalf("%s first: unexpected %+v %v", order[0], first, err)
		}
		second, err := decide(first.next, order[1], PartyAccepted, t0.Add(time.Minute), 24*time.Hour)
		if err != nil {
			t.Fatalf("%s second: %v", order[1], err)
		}
		if !second.bothAgreed || second.next.Status != StatusAgreed {
			t.Fatalf("expected agreement, got %+v", second)
		}
		want := t0.Add(time.Minute).Add(24 * time.Hour)
		if second.next.AutoExecuteDate == nil || !second.next.AutoExecuteDate.Equal(want) {
			t.Fatalf("expected auto execute %s, got %v", want, second.next.AutoExecuteDate)
		}
		if second.next.ClientStatus != PartyAccepted || second.next.ProfessionalStatus != PartyAccepted {
			t.Fatal("both parties must be accepted")
		}
	}
}

func TestDecide_ReacceptAfterAgreedIsNoop(t *testing.T) {
	due := t0.Add(24 * time.Hour)
	r := Resolution{ClientStatus: PartyAccepted, ProfessionalStatus: PartyAccepted, Status: StatusAgreed, AutoExecuteDate: &due}

	d, err := decide(r, dispute.PartyClient, PartyAccepted, t0.Add(5*time.Hour), 24*time.Hour)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !d.noop || !d.bothAgreed || !d.next.AutoExecuteDate.Equal(due) {
		t.Fatalf("expected noop with unchanged countdown, got %+v", d)
	}

	if _, err := decide(r, dispute.PartyProfessional, PartyRejected, t0, 24*time.Hour); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for reject after agreed, got %v", err)
	}
}

func TestDecide_RejectThenAcceptStaysProposed(t *testing.T) {
	d, err := decide(fresh(), dispute.PartyClient, PartyRejected, t0, 24*time.Hour)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	d, err = decide(d.next, dispute.PartyProfessional, PartyAccepted, t0, 24*time.Hour)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if d.bothAgreed || d.next.Status != StatusProposed || d.next.AutoExecuteDate != nil {
		t.Fatalf("expected still proposed, got %+v", d.next)
	}
}

func TestDecide_KeepsExistingCountdown(t *testing.T) {
	earlier := t0.Add(-time.Hour)
	r := fresh()
	r.ProfessionalStatus = PartyAccepted
	r.AutoExecuteDate = &earlier

	d, err := decide(r, dispute.PartyClient, PartyAccepted, t0, 24*time.Hour)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !d.next.AutoExecuteDate.Equal(earlier) {
		t.Fatalf("expected countdown to stay %s, got %s", earlier, d.next.AutoExecuteDate)
	}
}

func TestDecide_Guards(t *testing.T) {
	if _, err := decide(fresh(), dispute.PartyClient, PartyProposed, t0, time.Hour); !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
	for _, s := range []Status{StatusExecuted, StatusAbandoned} {
		r := fresh()
		r.Status = s
		if _, err := decide(r, dispute.PartyClient, PartyAccepted, t0, time.Hour); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("%s: expected ErrInvalidState, got %v", s, err)
		}
	}

	r := fresh()
	r.ClientStatus = PartyRejected
	d, err := decide(r, dispute.PartyClient, PartyRejected, t0, time.Hour)
	if err != nil || !d.noop {
		t.Fatalf("expected repeated reject to be a noop, got %+v %v", d, err)
	}

	r.ClientStatus = PartyCounterProposed
	d, err = decide(r, dispute.PartyClient, PartyCounterProposed, t0, time.Hour)
	if err != nil || d.noop {
		t.Fatalf("expected repeated counter-proposal to be recorded, got %+v %v", d, err)
	}
}
