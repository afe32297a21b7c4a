package store

import "time"

// Transaction is one row of the transaction table. Rows are immutable once
// inserted.
type Transaction struct {
	Hash          string
	Sender        string
	FirstSeen     time.Time
	QuorumReached time.Time
}

// BeaconBlock is one row of the beacon_block table.
type BeaconBlock struct {
	Root                 string
	Slot                 int32
	ProposerIndex        int32
	ExecutionBlockHash   string
	ExecutionBlockNumber int32
	ProposalTime         time.Time
	NumTransactions      int32
	NumPoolTransactions  int32
}

// Miss is one row of the full_miss table, keyed by (block_hash, tx_hash). The
// attribute columns are denormalised copies taken at detection time.
type Miss struct {
	BlockHash       string
	TxHash          string
	Slot            int32
	BlockNumber     int32
	ProposalTime    time.Time
	ProposerIndex   int32
	TxFirstSeen     time.Time
	TxQuorumReached time.Time
	Sender          string
	Tip             int64
}
