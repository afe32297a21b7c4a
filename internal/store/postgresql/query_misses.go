package postgresql

import (
	"context"
	"errors"
	"fmt"

	"github.com/misswatch/misswatch/internal/store"
)

// Misses returns up to Limit+1 flat miss rows in keyset order. The extra row
// lets the caller detect a saturated page without a second query.
func (p *PostgreSQL) Misses(ctx context.Context, q *store.MissQuery) ([]*store.MissRow, error) {
	predicates, args := missPredicates(q)

	query := fmt.Sprintf(`
		SELECT
			tx_hash, block_hash, slot, block_number, proposal_time,
			proposer_index, tx_first_seen, tx_quorum_reached, sender, tip
		FROM full_miss
		WHERE %s
		ORDER BY %s
		LIMIT %d
	`, predicates, missOrder(q), q.Limit+1)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Join(store.ErrFailedToGetRows, err)
	}
	defer rows.Close()

	var result []*store.MissRow
	for rows.Next() {
		var row store.MissRow
		err = rows.Scan(
			&row.TxHash,
			&row.BlockHash,
			&row.Slot,
			&row.BlockNumber,
			&row.ProposalTime,
			&row.ProposerIndex,
			&row.TxFirstSeen,
			&row.TxQuorumReached,
			&row.Sender,
			&row.Tip,
		)
		if err != nil {
			return nil, errors.Join(store.ErrFailedToGetRows, err)
		}
		result = append(result, &row)
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Join(store.ErrFailedToGetRows, err)
	}
	return result, nil
}
