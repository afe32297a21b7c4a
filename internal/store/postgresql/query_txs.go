package postgresql

import (
	"context"
	"errors"
	"fmt"

	"github.com/misswatch/misswatch/internal/store"
)

// Txs groups in-cap miss rows by transaction. The inner query is capped at
// Limit rows (one more is counted to detect saturation); the aggregation
// never pulls rows from outside the cap, so callers reconstruct full groups
// by walking pages and merging client-side. The second return value is the
// number of inner rows matched, at most Limit+1.
func (p *PostgreSQL) Txs(ctx context.Context, q *store.MissQuery) ([]*store.TxGroupRow, int64, error) {
	predicates, args := missPredicates(q)
	order := missOrder(q)

	query := fmt.Sprintf(`
		WITH inner_rows AS (
			SELECT *, ROW_NUMBER() OVER (ORDER BY %s) AS rn
			FROM full_miss
			WHERE %s
			ORDER BY %s
			LIMIT %d
		),
		capped AS (
			SELECT * FROM inner_rows WHERE rn <= %d
		)
		SELECT
			tx_hash,
			MIN(tx_first_seen) AS tx_first_seen,
			MIN(tx_quorum_reached) AS tx_quorum_reached,
			MIN(sender) AS sender,
			COUNT(*) AS num_misses,
			JSON_AGG(JSON_BUILD_OBJECT(
				'block_hash', TRIM(block_hash),
				'slot', slot,
				'block_number', block_number,
				'proposal_time', FLOOR(EXTRACT(EPOCH FROM proposal_time)),
				'proposer_index', proposer_index,
				'tip', tip
			) ORDER BY rn) AS blocks,
			(ARRAY_AGG(proposal_time ORDER BY rn DESC))[1] AS last_proposal_time,
			(ARRAY_AGG(tx_quorum_reached ORDER BY rn DESC))[1] AS last_quorum_reached,
			(SELECT COUNT(*) FROM inner_rows) AS total_rows
		FROM capped
		GROUP BY tx_hash
		ORDER BY MAX(rn)
	`, order, predicates, order, q.Limit+1, q.Limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Join(store.ErrFailedToGetRows, err)
	}
	defer rows.Close()

	var result []*store.TxGroupRow
	var totalRows int64
	for rows.Next() {
		var row store.TxGroupRow
		err = rows.Scan(
			&row.TxHash,
			&row.TxFirstSeen,
			&row.TxQuorumReached,
			&row.Sender,
			&row.NumMisses,
			&row.Blocks,
			&row.LastProposalTime,
			&row.LastQuorumReached,
			&totalRows,
		)
		if err != nil {
			return nil, 0, errors.Join(store.ErrFailedToGetRows, err)
		}
		result = append(result, &row)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, errors.Join(store.ErrFailedToGetRows, err)
	}
	return result, totalRows, nil
}
