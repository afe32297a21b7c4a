package postgresql

import (
	"context"
	"errors"

	"github.com/misswatch/misswatch/internal/store"
)

// InsertMisses inserts miss rows one block at a time inside a transaction,
// doing nothing on (block_hash, tx_hash) conflict. Re-inserting an existing
// miss leaves the table bit-identical.
func (p *PostgreSQL) InsertMisses(ctx context.Context, misses []*store.Miss) error {
	if len(misses) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Join(store.ErrFailedToInsertMisses, err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	q := `
		INSERT INTO full_miss (
			block_hash, tx_hash, slot, block_number, proposal_time,
			proposer_index, tx_first_seen, tx_quorum_reached, sender, tip
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (block_hash, tx_hash) DO NOTHING
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return errors.Join(store.ErrFailedToInsertMisses, err)
	}
	defer stmt.Close()

	for _, miss := range misses {
		_, err = stmt.ExecContext(ctx,
			miss.BlockHash,
			miss.TxHash,
			miss.Slot,
			miss.BlockNumber,
			miss.ProposalTime.UTC(),
			miss.ProposerIndex,
			miss.TxFirstSeen.UTC(),
			miss.TxQuorumReached.UTC(),
			miss.Sender,
			miss.Tip,
		)
		if err != nil {
			return errors.Join(store.ErrFailedToInsertMisses, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.Join(store.ErrFailedToInsertMisses, err)
	}
	return nil
}
