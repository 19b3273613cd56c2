package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_active_job_per_runner",
			SQL: `SELECT runner_id, COUNT(*) FROM errand_requests
                  WHERE runner_id IS NOT NULL
                    AND status IN ('applied','accepted','purchasing','delivering','delivered','disputed')
                  GROUP BY runner_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_slot_without_active_request",
			SQL: `SELECT j.runner_id, j.request_id FROM runner_active_jobs j
                  WHERE NOT EXISTS (
                      SELECT 1 FROM errand_requests r
                      WHERE r.id = j.request_id
                        AND r.runner_id = j.runner_id
                        AND r.status IN ('applied','accepted','purchasing','delivering','delivered','disputed'))`,
		},
		{
			Name: "O3_active_request_without_slot",
			SQL: `SELECT r.id, r.runner_id FROM errand_requests r
                  WHERE r.runner_id IS NOT NULL
                    AND r.status IN ('applied','accepted','purchasing','delivering','delivered','disputed')
                    AND NOT EXISTS (
                        SELECT 1 FROM runner_active_jobs j
                        WHERE j.runner_id = r.runner_id AND j.request_id = r.id)`,
		},
		{
			Name: "O4_terminal_request_holding_slot",
			SQL: `SELECT j.runner_id, j.request_id FROM runner_active_jobs j
                  JOIN errand_requests r ON r.id = j.request_id
                  WHERE r.status IN ('confirmed','resolved_released','cancelled')`,
		},
		{
			Name: "O5_delivered_without_proof",
			SQL: `SELECT id, status FROM errand_requests
                  WHERE status IN ('delivered','confirmed','disputed','resolved_released')
                    AND proof_reference IS NULL`,
		},
		{
			Name: "O6_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT request_id, seq,
                             LAG(seq) OVER (PARTITION BY request_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O7_open_dispute_state_mismatch",
			SQL: `SELECT d.id, r.status FROM disputes d
                  JOIN errand_requests r ON r.id = d.request_id
                  WHERE d.status = 'open' AND r.status <> 'disputed'`,
		},
		{
			Name: "O8_disputed_without_open_case",
			SQL: `SELECT r.id FROM errand_requests r
                  WHERE r.status = 'disputed'
                    AND NOT EXISTS (
                        SELECT 1 FROM disputes d
                        WHERE d.request_id = r.id AND d.status = 'open')`,
		},
		{
			Name: "O9_request_delete_guard",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='no_delete_errand_requests')`,
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
	}
	return "", "", nil
}
