package observer

import (
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TxView is an immutable snapshot of one observed transaction, handed to the
// detector. Tx is nil while the transaction is known by hash only.
type TxView struct {
	Hash   common.Hash
	Tx     *types.Transaction
	Sender common.Address
	Full   bool

	FirstSeen     time.Time
	QuorumReached time.Time // zero until the quorum threshold is crossed
	SeenBy        []int     // node IDs, ascending
}

// PoolSnapshot is the set of transaction hashes the main node's pool held at
// a single instant, recorded against the head it follows.
type PoolSnapshot struct {
	HeadRoot   common.Hash
	Hashes     map[common.Hash]struct{}
	CapturedAt time.Time
}

func (s *PoolSnapshot) Contains(hash common.Hash) bool {
	_, ok := s.Hashes[hash]
	return ok
}

// observedTx is the mutable per-transaction record. All fields are guarded by
// the store mutex.
type observedTx struct {
	hash   common.Hash
	tx     *types.Transaction
	sender common.Address
	full   bool

	firstSeen     time.Time
	quorumReached time.Time
	seenBy        map[int]time.Time // earliest report per node

	lastSeen        time.Time
	missedSnapshots int
	disappearedAt   time.Time // zero while visible
}

func (o *observedTx) view() *TxView {
	nodes := make([]int, 0, len(o.seenBy))
	for node := range o.seenBy {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)

	return &TxView{
		Hash:          o.hash,
		Tx:            o.tx,
		Sender:        o.sender,
		Full:          o.full,
		FirstSeen:     o.firstSeen,
		QuorumReached: o.quorumReached,
		SeenBy:        nodes,
	}
}
