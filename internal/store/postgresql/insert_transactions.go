package postgresql

import (
	"context"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/misswatch/misswatch/internal/store"
)

// InsertTransactions inserts transaction rows, doing nothing on primary-key
// conflict. Rows are immutable once inserted.
func (p *PostgreSQL) InsertTransactions(ctx context.Context, txs []*store.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	q := `
		INSERT INTO "transaction" (hash, sender, first_seen, quorum_reached)
		SELECT * FROM UNNEST($1::CHAR(66)[], $2::CHAR(42)[], $3::TIMESTAMP[], $4::TIMESTAMP[])
		ON CONFLICT (hash) DO NOTHING
	`

	hashes := make([]string, len(txs))
	senders := make([]string, len(txs))
	firstSeens := make([]time.Time, len(txs))
	quorums := make([]time.Time, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash
		senders[i] = tx.Sender
		firstSeens[i] = tx.FirstSeen.UTC()
		quorums[i] = tx.QuorumReached.UTC()
	}

	_, err := p.db.ExecContext(ctx, q,
		pq.Array(hashes),
		pq.Array(senders),
		pq.Array(firstSeens),
		pq.Array(quorums),
	)
	if err != nil {
		return errors.Join(store.ErrFailedToInsertTransactions, err)
	}
	return nil
}
