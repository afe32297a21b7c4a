package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrFailedToOpenDB             = errors.New("failed to open postgres database")
	ErrUnableToGetSQLConnection   = errors.New("unable to get or create sql connection")
	ErrFailedToInsertTransactions = errors.New("failed to insert transactions")
	ErrFailedToInsertBlock        = errors.New("failed to insert beacon block")
	ErrFailedToInsertMisses       = errors.New("failed to insert misses")
	ErrFailedToGetRows            = errors.New("failed to get rows")
	ErrFailedToMigrate            = errors.New("failed to apply db migrations")
	ErrFailedToTruncate           = errors.New("failed to truncate tables")
)

// MissStore is the write side of the persistence layer. All inserts are
// insert-or-do-nothing on primary-key conflict.
type MissStore interface {
	InsertTransactions(ctx context.Context, txs []*Transaction) error
	InsertBlock(ctx context.Context, block *BeaconBlock) error
	InsertMisses(ctx context.Context, misses []*Miss) error
	Ping(ctx context.Context) error
	Close() error
}

// QueryStore is the read side serving the REST API, backed by a separate
// read-only connection pool.
type QueryStore interface {
	Misses(ctx context.Context, q *MissQuery) ([]*MissRow, error)
	Txs(ctx context.Context, q *MissQuery) ([]*TxGroupRow, int64, error)
	Blocks(ctx context.Context, q *MissQuery) ([]*BlockGroupRow, int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// TimeTuple locates a point in the composite ordering key
// (proposal_time, tx_quorum_reached). QuorumReached is nil for cursors given
// as a bare epoch second, which bound the primary key only (inclusive).
type TimeTuple struct {
	ProposalTime  time.Time
	QuorumReached *time.Time
}

// MissQuery carries the filters and pagination bounds shared by the three
// endpoints. From/To are optional cursor bounds; Ascending is derived from
// their order. Limit is the pre-grouping row cap.
type MissQuery struct {
	From *TimeTuple
	To   *TimeTuple

	BlockNumber     *int32
	ProposerIndex   *int32
	Sender          *string
	PropagationTime *int64 // minimum proposal_time - tx_quorum_reached, seconds
	MinTip          *int64

	Ascending bool
	Limit     int
}

// MissRow is one flat result row, with the composite key echoed for cursor
// chaining.
type MissRow struct {
	Miss
}

// TxGroupRow groups misses by transaction; Blocks is a JSON array of the
// in-cap blocks that missed it.
type TxGroupRow struct {
	TxHash          string
	TxFirstSeen     time.Time
	TxQuorumReached time.Time
	Sender          string
	NumMisses       int64
	Blocks          []byte // JSON

	LastProposalTime  time.Time
	LastQuorumReached time.Time
}

// BlockGroupRow groups misses by block; Txs is a JSON array of the in-cap
// transactions it missed.
type BlockGroupRow struct {
	BlockHash     string
	Slot          int32
	BlockNumber   int32
	ProposalTime  time.Time
	ProposerIndex int32
	NumMisses     int64
	Txs           []byte // JSON

	LastQuorumReached time.Time
}
