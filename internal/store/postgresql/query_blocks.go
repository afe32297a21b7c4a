package postgresql

import (
	"context"
	"errors"
	"fmt"

	"github.com/misswatch/misswatch/internal/store"
)

// Blocks groups in-cap miss rows by block. Cap semantics match Txs: the
// aggregation sees at most Limit rows and the second return value counts the
// matched inner rows, at most Limit+1.
func (p *PostgreSQL) Blocks(ctx context.Context, q *store.MissQuery) ([]*store.BlockGroupRow, int64, error) {
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
			block_hash,
			MIN(slot) AS slot,
			MIN(block_number) AS block_number,
			MIN(proposal_time) AS proposal_time,
			MIN(proposer_index) AS proposer_index,
			COUNT(*) AS num_misses,
			JSON_AGG(JSON_BUILD_OBJECT(
				'tx_hash', TRIM(tx_hash),
				'tx_first_seen', FLOOR(EXTRACT(EPOCH FROM tx_first_seen)),
				'tx_quorum_reached', FLOOR(EXTRACT(EPOCH FROM tx_quorum_reached)),
				'sender', TRIM(sender),
				'tip', tip
			) ORDER BY rn) AS txs,
			(ARRAY_AGG(tx_quorum_reached ORDER BY rn DESC))[1] AS last_quorum_reached,
			(SELECT COUNT(*) FROM inner_rows) AS total_rows
		FROM capped
		GROUP BY block_hash
		ORDER BY MAX(rn)
	`, order, predicates, order, q.Limit+1, q.Limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Join(store.ErrFailedToGetRows, err)
	}
	defer rows.Close()

	var result []*store.BlockGroupRow
	var totalRows int64
	for rows.Next() {
		var row store.BlockGroupRow
		err = rows.Scan(
			&row.BlockHash,
			&row.Slot,
			&row.BlockNumber,
			&row.ProposalTime,
			&row.ProposerIndex,
			&row.NumMisses,
			&row.Txs,
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
