package postgresql

import (
	"context"
	"errors"

	"github.com/misswatch/misswatch/internal/store"
)

// InsertBlock inserts one beacon_block row, doing nothing on primary-key
// conflict.
func (p *PostgreSQL) InsertBlock(ctx context.Context, block *store.BeaconBlock) error {
	q := `
		INSERT INTO beacon_block (
			root, slot, proposer_index, execution_block_hash,
			execution_block_number, proposal_time, num_transactions, num_pool_transactions
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (root) DO NOTHING
	`

	_, err := p.db.ExecContext(ctx, q,
		block.Root,
		block.Slot,
		block.ProposerIndex,
		block.ExecutionBlockHash,
		block.ExecutionBlockNumber,
		block.ProposalTime.UTC(),
		block.NumTransactions,
		block.NumPoolTransactions,
	)
	if err != nil {
		return errors.Join(store.ErrFailedToInsertBlock, err)
	}
	return nil
}
