package observer_test

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/misswatch/misswatch/internal/nodeclient"
	"github.com/misswatch/misswatch/internal/observer"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

func at(sec int64) time.Time {
	return time.Unix(1700000000+sec, 0).UTC()
}

func hashOf(b byte) common.Hash {
	return common.BytesToHash([]byte{b})
}

func poolContent(capturedAt time.Time, txs ...*types.Transaction) *nodeclient.PoolContent {
	content := &nodeclient.PoolContent{CapturedAt: capturedAt}
	for _, tx := range txs {
		content.Transactions = append(content.Transactions, nodeclient.PoolTransaction{
			Tx:     tx,
			Sender: common.BytesToAddress([]byte{0xaa}),
		})
	}
	return content
}

func legacyTx(nonce uint64) *types.Transaction {
	return types.NewTx(&types.LegacyTx{Nonce: nonce, GasPrice: common.Big1, Gas: 21000})
}

func TestObservePendingQuorum(t *testing.T) {
	tt := []struct {
		name   string
		quorum int
		// (node, second) pairs in arrival order
		reports [][2]int64

		expectedFirstSeen     int64
		expectedQuorumReached int64
		expectedQuorumZero    bool
	}{
		{
			name:    "quorum of two reached on second node",
			quorum:  2,
			reports: [][2]int64{{0, 100}, {1, 101}},

			expectedFirstSeen:     100,
			expectedQuorumReached: 101,
		},
		{
			name:    "single node never reaches quorum of two",
			quorum:  2,
			reports: [][2]int64{{0, 100}, {0, 101}},

			expectedFirstSeen:  100,
			expectedQuorumZero: true,
		},
		{
			name:    "quorum of one is first seen",
			quorum:  1,
			reports: [][2]int64{{1, 50}},

			expectedFirstSeen:     50,
			expectedQuorumReached: 50,
		},
		{
			name:    "repeated reports are idempotent per node",
			quorum:  2,
			reports: [][2]int64{{0, 100}, {0, 90}, {1, 105}},

			// the earlier re-report moves first_seen, quorum uses the 2nd
			// smallest per-node time
			expectedFirstSeen:     90,
			expectedQuorumReached: 105,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			store := observer.NewStore(testLogger, observer.WithQuorum(tc.quorum))

			hash := hashOf(1)
			for _, report := range tc.reports {
				store.ObservePending(int(report[0]), hash, at(report[1]))
			}

			view := store.View(hash)
			require.NotNil(t, view)
			assert.Equal(t, at(tc.expectedFirstSeen), view.FirstSeen)
			if tc.expectedQuorumZero {
				assert.True(t, view.QuorumReached.IsZero())
			} else {
				assert.Equal(t, at(tc.expectedQuorumReached), view.QuorumReached)
			}
		})
	}
}

func TestQuorumReachedNeverMoves(t *testing.T) {
	store := observer.NewStore(testLogger, observer.WithQuorum(2))
	hash := hashOf(1)

	store.ObservePending(0, hash, at(100))
	store.ObservePending(1, hash, at(110))
	require.Equal(t, at(110), store.View(hash).QuorumReached)

	// a late report with an earlier timestamp grows nothing and must not
	// revise the fixed quorum time
	store.ObservePending(2, hash, at(90))
	assert.Equal(t, at(110), store.View(hash).QuorumReached)
	assert.Equal(t, at(90), store.View(hash).FirstSeen)
	assert.Equal(t, []int{0, 1, 2}, store.View(hash).SeenBy)
}

func TestSnapshotUpgradesHashOnly(t *testing.T) {
	store := observer.NewStore(testLogger, observer.WithQuorum(1))

	tx := legacyTx(7)
	store.ObservePending(1, tx.Hash(), at(10))
	require.False(t, store.View(tx.Hash()).Full)

	store.ObserveSnapshot(0, hashOf(0xb0), poolContent(at(12), tx))

	view := store.View(tx.Hash())
	require.True(t, view.Full)
	require.NotNil(t, view.Tx)
	assert.Equal(t, at(10), view.FirstSeen)
}

func TestDisappearanceAndReappearance(t *testing.T) {
	store := observer.NewStore(testLogger, observer.WithQuorum(1))

	hash := hashOf(1)
	store.ObservePending(0, hash, at(0))

	// absent from two consecutive snapshots following the last observation
	store.ObserveSnapshot(0, hashOf(0xb1), poolContent(at(12)))
	store.ObserveSnapshot(0, hashOf(0xb2), poolContent(at(24)))

	// re-observation discards the prior record
	store.ObservePending(1, hash, at(30))
	view := store.View(hash)
	require.NotNil(t, view)
	assert.Equal(t, at(30), view.FirstSeen)
	assert.Equal(t, []int{1}, view.SeenBy)
}

func TestEvictionAfterDisappearance(t *testing.T) {
	store := observer.NewStore(testLogger,
		observer.WithQuorum(1), observer.WithEvictionAge(time.Minute))

	hash := hashOf(1)
	store.ObservePending(0, hash, at(0))
	store.ObserveSnapshot(0, hashOf(0xb1), poolContent(at(12)))
	store.ObserveSnapshot(0, hashOf(0xb2), poolContent(at(24)))
	require.Equal(t, 1, store.Len())

	// disappeared at t=24; the eviction age has passed by t=90
	store.ObserveSnapshot(0, hashOf(0xb3), poolContent(at(90)))
	assert.Equal(t, 0, store.Len())
}

func TestCandidates(t *testing.T) {
	store := observer.NewStore(testLogger, observer.WithQuorum(1))

	inSnapshot := legacyTx(1)
	snapshot := store.ObserveSnapshot(0, hashOf(0xb1), poolContent(at(0), inSnapshot))

	// observed after the snapshot, before the cut-off
	windowHash := hashOf(2)
	store.ObservePending(1, windowHash, at(5))

	// observed after the cut-off
	lateHash := hashOf(3)
	store.ObservePending(1, lateHash, at(20))

	candidates := store.Candidates(snapshot, at(10))
	hashes := make(map[common.Hash]bool)
	for _, candidate := range candidates {
		hashes[candidate.Hash] = true
	}
	assert.True(t, hashes[inSnapshot.Hash()])
	assert.True(t, hashes[windowHash])
	assert.False(t, hashes[lateHash])
}

func TestReappearedTxNotCandidateForEarlierHeads(t *testing.T) {
	store := observer.NewStore(testLogger, observer.WithQuorum(1))

	hash := hashOf(1)
	store.ObservePending(0, hash, at(0))
	snapshot := store.ObserveSnapshot(0, hashOf(0xb1), poolContent(at(12)))
	store.ObserveSnapshot(0, hashOf(0xb2), poolContent(at(24)))

	// disappeared, then re-observed at t=30; a head announced at t=25
	// precedes the re-observation
	store.ObservePending(0, hash, at(30))

	candidates := store.Candidates(snapshot, at(25))
	for _, candidate := range candidates {
		assert.NotEqual(t, hash, candidate.Hash)
	}
}

func TestReset(t *testing.T) {
	store := observer.NewStore(testLogger, observer.WithQuorum(1))

	store.ObservePending(0, hashOf(1), at(0))
	store.ObserveSnapshot(0, hashOf(0xb1), poolContent(at(1), legacyTx(1)))
	require.NotEqual(t, 0, store.Len())

	store.Reset()

	assert.Equal(t, 0, store.Len())
	previous, current := store.Snapshots()
	assert.Nil(t, previous)
	assert.Nil(t, current)
	assert.Nil(t, store.View(hashOf(1)))
}

func TestRemoveIncluded(t *testing.T) {
	store := observer.NewStore(testLogger, observer.WithQuorum(1))

	store.ObservePending(0, hashOf(1), at(0))
	store.ObservePending(0, hashOf(2), at(0))

	store.RemoveIncluded(map[common.Hash]struct{}{hashOf(1): {}})

	assert.Nil(t, store.View(hashOf(1)))
	assert.NotNil(t, store.View(hashOf(2)))
}

func TestSnapshotRotation(t *testing.T) {
	store := observer.NewStore(testLogger, observer.WithQuorum(1))

	first := store.ObserveSnapshot(0, hashOf(0xb1), poolContent(at(0)))
	second := store.ObserveSnapshot(0, hashOf(0xb2), poolContent(at(12)))

	previous, current := store.Snapshots()
	assert.Same(t, first, previous)
	assert.Same(t, second, current)

	third := store.ObserveSnapshot(0, hashOf(0xb3), poolContent(at(24)))
	previous, current = store.Snapshots()
	assert.Same(t, second, previous)
	assert.Same(t, third, current)
}
