package nodeclient

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Head is a beacon block together with its execution payload, as observed on
// the head stream. Transactions carries the decoded execution payload;
// entries that failed to decode are skipped at fetch time.
type Head struct {
	Root                 common.Hash
	ParentRoot           common.Hash
	Slot                 uint64
	ProposerIndex        uint64
	ExecutionBlockHash   common.Hash
	ExecutionBlockNumber uint64
	BaseFeePerGas        *big.Int
	GasUsed              uint64
	GasLimit             uint64
	Transactions         []*types.Transaction

	// ProposalTime is derived from the slot: genesis_time + slot * slot_seconds.
	ProposalTime time.Time
	// ReceivedAt is the wall-clock time the head event arrived.
	ReceivedAt time.Time
}

func (h *Head) String() string {
	return fmt.Sprintf("slot %d (%s)", h.Slot, h.Root.Hex())
}

// IncludedHashes returns the set of transaction hashes in the execution
// payload.
func (h *Head) IncludedHashes() map[common.Hash]struct{} {
	hashes := make(map[common.Hash]struct{}, len(h.Transactions))
	for _, tx := range h.Transactions {
		hashes[tx.Hash()] = struct{}{}
	}
	return hashes
}

// PendingObservation is a pending transaction hash as reported by one node.
type PendingObservation struct {
	Node      int
	Hash      common.Hash
	Timestamp time.Time
}

// PoolTransaction is a full transaction from a pool snapshot. The sender is
// known without signature recovery because txpool_content keys by account.
type PoolTransaction struct {
	Tx     *types.Transaction
	Sender common.Address
}

// PoolContent is the result of a single txpool_content call.
type PoolContent struct {
	Transactions []PoolTransaction
	CapturedAt   time.Time
}
