package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"escrowflow/autoexec"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/resolution"
	"escrowflow/review"
	"escrowflow/test/infra"
)

// Stats counts actor outcomes. Rejected calls hit a domain guard; Failed calls
// hit something else, usually a backend killed by chaos.
// Deadlocks counts failures PostgreSQL aborted with 40P01.
type Stats struct {
	OK        atomic.Int64
	Rejected  atomic.Int64
	Failed    atomic.Int64
	Executed  atomic.Int64
	Deadlocks atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("ok=%d rejected=%d failed=%d executed=%d deadlocks=%d",
		s.OK.Load(), s.Rejected.Load(), s.Failed.Load(), s.Executed.Load(), s.Deadlocks.Load())
}

func (s *Stats) record(err error) {
	switch {
	case err == nil:
		s.OK.Add(1)
	case expected(err):
		s.Rejected.Add(1)
	default:
		s.Failed.Add(1)
		if db.IsDeadlock(err) {
			s.Deadlocks.Add(1)
		}
	}
}

// Party is one side of a seeded job.
type Party struct {
	UserID string
	JobID  string
}

func expected(err error) bool {
	for _, target := range []error{
		escrow.ErrInvalidState, escrow.ErrNotFound, escrow.ErrInvalidAmount,
		review.ErrUnauthorized, review.ErrReviewRequired,
		dispute.ErrInvalidState, dispute.ErrInvalidInput, dispute.ErrNotFound, dispute.ErrForbidden,
		resolution.ErrInvalidState, resolution.ErrInvalidInput, resolution.ErrNotFound, resolution.ErrForbidden,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

// pick returns one random id from query, or false when there is none.
func pick(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) (string, bool) {
	var id string
	if err := pool.QueryRow(ctx, query+" ORDER BY random() LIMIT 1", args...).Scan(&id); err != nil {
		return "", false
	}
	return id, true
}

func pause(rng *rand.Rand, base, jitter int) {
	time.Sleep(time.Duration(base+rng.Intn(jitter)) * time.Millisecond)
}

// Releaser has the client release random milestones of its job, rating the
// work on roughly half the attempts.
func Releaser(ctx context.Context, h *infra.Harness, client Party, rng *rand.Rand, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		milestoneID, ok := pick(ctx, h.Pool, `
			SELECT m.id::text FROM escrow_milestones m
			JOIN payments p ON p.id = m.payment_id
			WHERE p.job_id = $1`, client.JobID)
		if ok {
			req := review.ReleaseRequest{MilestoneID: milestoneID, ActorID: client.UserID, Notes: "looks good"}
			if rng.Intn(2) == 0 {
				req.Review = &review.Input{Rating: 1 + rng.Intn(5), Title: "stress"}
			}
			_, err := h.Gate.Release(ctx, req)
			stats.record(err)
		}
		pause(rng, 20, 40)
	}
}

// Disputer opens disputes on pending milestones, or on the whole job.
func Disputer(ctx context.Context, h *infra.Harness, actor Party, rng *rand.Rand, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		p := dispute.OpenParams{JobID: actor.JobID, ActorID: actor.UserID, Type: "quality", Reason: "work incomplete"}
		if rng.Intn(4) != 0 {
			if milestoneID, ok := pick(ctx, h.Pool, `
				SELECT m.id::text FROM escrow_milestones m
				JOIN payments p ON p.id = m.payment_id
				WHERE p.job_id = $1 AND m.status = 'pending'`, actor.JobID); ok {
				p.MilestoneID = &milestoneID
			}
		}
		_, err := h.Disputes.Open(ctx, p)
		stats.record(err)
		pause(rng, 80, 120)
	}
}

// Proposer puts resolutions on open disputes that have none active.
func Proposer(ctx context.Context, h *infra.Harness, actor Party, rng *rand.Rand, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		var (
			disputeID string
			jobLevel  bool
		)
		err := h.Pool.QueryRow(ctx, `
			SELECT id::text, milestone_id IS NULL FROM disputes
			WHERE job_id = $1 AND workflow_state NOT IN ('resolved', 'closed')
			ORDER BY random() LIMIT 1`, actor.JobID).Scan(&disputeID, &jobLevel)
		if err == nil {
			p := resolution.ProposeParams{
				DisputeID: disputeID,
				ActorID:   actor.UserID,
				Outcome:   resolution.OutcomeRelease,
				Terms:     "settle",
			}
			if rng.Intn(2) == 0 {
				p.Outcome = resolution.OutcomeRefund
			}
			if rng.Intn(3) == 0 {
				amount := decimal.NewFromInt(int64(1 + rng.Intn(100)))
				p.Amount = &amount
			}
			if jobLevel {
				if milestoneID, ok := pick(ctx, h.Pool, `
					SELECT m.id::text FROM escrow_milestones m
					JOIN payments p ON p.id = m.payment_id
					WHERE p.job_id = $1 AND m.status IN ('pending', 'disputed')`, actor.JobID); ok {
					p.MilestoneID = &milestoneID
				}
			}
			_, err := h.Resolutions.Propose(ctx, p)
			stats.record(err)
		}
		pause(rng, 40, 80)
	}
}

// Responder answers proposed resolutions on its job, accepting most of them.
func Responder(ctx context.Context, h *infra.Harness, actor Party, rng *rand.Rand, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		resolutionID, ok := pick(ctx, h.Pool, `
			SELECT r.id::text FROM dispute_resolutions r
			JOIN disputes d ON d.id = r.dispute_id
			WHERE d.job_id = $1 AND r.status = 'proposed'`, actor.JobID)
		if ok {
			p := resolution.RespondParams{ResolutionID: resolutionID, ActorID: actor.UserID, Response: resolution.PartyAccepted}
			switch rng.Intn(10) {
			case 0:
				p.Response = resolution.PartyRejected
			case 1:
				amount := decimal.NewFromInt(50)
				p.Response = resolution.PartyCounterProposed
				p.CounterProposal = &resolution.CounterProposalInput{Text: "meet halfway", ProposedAmount: &amount}
			}
			_, err := h.Resolutions.Respond(ctx, p)
			stats.record(err)
		}
		pause(rng, 10, 30)
	}
}

// Appealer occasionally appeals agreed resolutions before they come due.
func Appealer(ctx context.Context, h *infra.Harness, actor Party, rng *rand.Rand, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if rng.Intn(4) == 0 {
			resolutionID, ok := pick(ctx, h.Pool, `
				SELECT r.id::text FROM dispute_resolutions r
				JOIN disputes d ON d.id = r.dispute_id
				WHERE d.job_id = $1 AND r.status = 'agreed'`, actor.JobID)
			if ok {
				_, err := h.Resolutions.Appeal(ctx, resolution.AppealParams{
					ResolutionID: resolutionID,
					ActorID:      actor.UserID,
					Reason:       "new evidence",
				})
				stats.record(err)
			}
		}
		pause(rng, 60, 90)
	}
}

// Closer withdraws disputes its party opened, racing Respond, Appeal and the
// sweepers on the same resolutions.
func Closer(ctx context.Context, h *infra.Harness, actor Party, rng *rand.Rand, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if rng.Intn(3) == 0 {
			disputeID, ok := pick(ctx, h.Pool, `
				SELECT d.id::text FROM disputes d
				WHERE d.job_id = $1 AND d.created_by = $2
				  AND d.workflow_state NOT IN ('resolved', 'closed')
				  AND EXISTS (SELECT 1 FROM dispute_resolutions r
				              WHERE r.dispute_id = d.id AND r.status IN ('proposed', 'agreed'))`,
				actor.JobID, actor.UserID)
			if ok {
				_, err := h.Disputes.Close(ctx, dispute.CloseParams{
					DisputeID: disputeID,
					ActorID:   actor.UserID,
					Reason:    "settled offline",
				})
				stats.record(err)
			}
		}
		pause(rng, 50, 100)
	}
}

// SweepWorker sweeps in a tight loop. Several run at once to contend on the
// same due rows.
func SweepWorker(ctx context.Context, sweeper *autoexec.Sweeper, rng *rand.Rand, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		report, err := sweeper.Sweep(ctx)
		stats.record(err)
		stats.Executed.Add(int64(report.Executed))
		pause(rng, 30, 50)
	}
}

// Seed creates count jobs, each with one payment of milestones milestones of
// 100.00, and returns the client and professional of every job.
func Seed(ctx context.Context, h *infra.Harness, jobs, milestones int) ([]Party, []Party, error) {
	clients := make([]Party, 0, jobs)
	pros := make([]Party, 0, jobs)
	run := time.Now().UnixNano()
	for i := 0; i < jobs; i++ {
		var client, pro Party
		err := db.InTx(ctx, h.Pool, func(tx pgx.Tx) error {
			if err := tx.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1, 'Client', 'client') RETURNING id::text`,
				fmt.Sprintf("client-%d-%d@example.com", run, i)).Scan(&client.UserID); err != nil {
				return fmt.Errorf("seed client: %w", err)
			}
			if err := tx.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1, 'Pro', 'professional') RETURNING id::text`,
				fmt.Sprintf("pro-%d-%d@example.com", run, i)).Scan(&pro.UserID); err != nil {
				return fmt.Errorf("seed professional: %w", err)
			}
			var paymentID string
			if err := tx.QueryRow(ctx, `
				INSERT INTO payments (job_id, client_id, professional_id, net_amount)
				VALUES (gen_random_uuid(), $1, $2, $3)
				RETURNING id::text, job_id::text`,
				client.UserID, pro.UserID, 100*milestones).Scan(&paymentID, &client.JobID); err != nil {
				return fmt.Errorf("seed payment: %w", err)
			}
			pro.JobID = client.JobID
			for m := 0; m < milestones; m++ {
				if _, err := tx.Exec(ctx, `INSERT INTO escrow_milestones (payment_id, title, amount) VALUES ($1, $2, 100)`,
					paymentID, fmt.Sprintf("Milestone %d", m+1)); err != nil {
					return fmt.Errorf("seed milestone: %w", err)
				}
			}
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
		clients = append(clients, client)
		pros = append(pros, pro)
	}
	return clients, pros, nil
}
