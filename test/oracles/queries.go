package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query whose result set must stay empty.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_settled_conserved",
			SQL: `SELECT m.id, m.amount,
                         COALESCE((SELECT SUM(r.amount) FROM escrow_releases r WHERE r.milestone_id = m.id), 0)
                       + COALESCE((SELECT SUM(f.amount) FROM escrow_refunds f WHERE f.milestone_id = m.id), 0) AS settled
                  FROM escrow_milestones m
                  WHERE m.status NOT IN ('pending', 'disputed')
                    AND m.amount <> COALESCE((SELECT SUM(r.amount) FROM escrow_releases r WHERE r.milestone_id = m.id), 0)
                                  + COALESCE((SELECT SUM(f.amount) FROM escrow_refunds f WHERE f.milestone_id = m.id), 0)`,
		},
		{
			Name: "O2_milestone_matches_ledger",
			SQL: `SELECT m.id, m.status FROM escrow_milestones m
                  LEFT JOIN escrow_releases r ON r.milestone_id = m.id
                  LEFT JOIN escrow_refunds f ON f.milestone_id = m.id
                  WHERE (m.status IN ('completed', 'released_via_resolution') AND r.id IS NULL)
                     OR (m.status = 'refunded' AND f.id IS NULL)
                     OR (m.status = 'completed' AND f.id IS NOT NULL)
                     OR (m.status IN ('pending', 'disputed') AND (r.id IS NOT NULL OR f.id IS NOT NULL))`,
		},
		{
			Name: "O3_payout_sum",
			SQL: `SELECT p.id, p.amount, COALESCE(SUM(i.amount), 0) AS items
                  FROM payouts p LEFT JOIN payout_items i ON i.payout_id = p.id
                  GROUP BY p.id, p.amount
                  HAVING p.amount <> COALESCE(SUM(i.amount), 0)`,
		},
		{
			Name: "O4_release_paid_out",
			SQL: `SELECT r.milestone_id FROM escrow_releases r
                  LEFT JOIN payout_items i ON i.milestone_id = r.milestone_id
                  WHERE i.id IS NULL OR i.amount <> r.amount`,
		},
		{
			Name: "O5_single_pending_payout",
			SQL: `SELECT professional_id, COUNT(*) FROM payouts
                  WHERE status = 'pending'
                  GROUP BY professional_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_client_release_reviewed",
			SQL: `SELECT r.milestone_id FROM escrow_releases r
                  JOIN escrow_milestones m ON m.id = r.milestone_id
                  JOIN payments p ON p.id = m.payment_id
                  WHERE r.source = 'client'
                    AND NOT EXISTS (SELECT 1 FROM reviews v
                                    WHERE v.milestone_id = r.milestone_id AND v.client_id = p.client_id)`,
		},
		{
			Name: "O7_timeline_seq_contiguous",
			SQL: `WITH seqs AS (
                      SELECT dispute_id, seq,
                             ROW_NUMBER() OVER (PARTITION BY dispute_id ORDER BY seq) AS n
                      FROM dispute_timeline)
                  SELECT * FROM seqs WHERE seq <> n`,
		},
		{
			Name: "O8_agreement_needs_both_parties",
			SQL: `SELECT id, status, client_status, professional_status FROM dispute_resolutions
                  WHERE status IN ('agreed', 'executed')
                    AND (client_status <> 'accepted' OR professional_status <> 'accepted')`,
		},
		{
			Name: "O9_executed_settled",
			SQL: `SELECT r.id, r.outcome, m.status FROM dispute_resolutions r
                  JOIN escrow_milestones m ON m.id = r.milestone_id
                  WHERE r.status = 'executed'
                    AND NOT ((r.outcome = 'release' AND m.status = 'released_via_resolution')
                          OR (r.outcome = 'refund' AND m.status = 'refunded'))`,
		},
		{
			Name: "O10_executed_after_window",
			SQL: `SELECT id, auto_execute_date, executed_at FROM dispute_resolutions
                  WHERE status = 'executed'
                    AND (auto_execute_date IS NULL OR executed_at IS NULL OR executed_at < auto_execute_date)`,
		},
		{
			Name: "O11_resolved_dispute_executed",
			SQL: `SELECT d.id FROM disputes d
                  WHERE d.workflow_state = 'resolved'
                    AND NOT EXISTS (SELECT 1 FROM dispute_resolutions r
                                    WHERE r.dispute_id = d.id AND r.status = 'executed')`,
		},
		{
			Name: "O12_one_active_resolution",
			SQL: `SELECT dispute_id, COUNT(*) FROM dispute_resolutions
                  WHERE status IN ('proposed', 'agreed')
                  GROUP BY dispute_id HAVING COUNT(*) > 1`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
