package observer

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/misswatch/misswatch/internal/nodeclient"
)

const (
	quorumDefault      = 2
	evictionAgeDefault = 10 * time.Minute

	// disappearedAfterSnapshots is how many consecutive snapshots a
	// transaction must be absent from, following its last observation,
	// before it counts as disappeared.
	disappearedAfterSnapshots = 2
)

// Store is the fused in-memory view of everything the node clients have
// reported: per-transaction visibility, the two most recent pool snapshots
// and the recent head history. It is the only shared mutable state in the
// correlator; all access goes through the mutex.
type Store struct {
	mu sync.RWMutex

	quorum      int
	evictionAge time.Duration
	logger      *slog.Logger

	txs      map[common.Hash]*observedTx
	previous *PoolSnapshot
	current  *PoolSnapshot
	heads    *HeadHistory
}

func WithQuorum(quorum int) func(*Store) {
	return func(s *Store) {
		s.quorum = quorum
	}
}

func WithEvictionAge(age time.Duration) func(*Store) {
	return func(s *Store) {
		s.evictionAge = age
	}
}

func NewStore(logger *slog.Logger, opts ...func(*Store)) *Store {
	s := &Store{
		quorum:      quorumDefault,
		evictionAge: evictionAgeDefault,
		logger:      logger.With(slog.String("module", "observer")),
		txs:         make(map[common.Hash]*observedTx),
		heads:       NewHeadHistory(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ObservePending merges one pending-hash report. Insertion is idempotent per
// (node, hash): repeated reports keep the earliest timestamp. first_seen is
// the smallest timestamp across all nodes, quorum_reached is fixed the first
// time the visibility set reaches the quorum threshold and never moves
// afterwards. A report for a transaction that has disappeared re-initialises
// the record from the new sighting.
func (s *Store) ObservePending(node int, hash common.Hash, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observe(node, hash, t)
}

func (s *Store) observe(node int, hash common.Hash, t time.Time) *observedTx {
	o, ok := s.txs[hash]
	if ok && !o.disappearedAt.IsZero() {
		// Re-appearance: the prior observation is discarded.
		ok = false
	}
	if !ok {
		o = &observedTx{
			hash:      hash,
			firstSeen: t,
			seenBy:    map[int]time.Time{node: t},
			lastSeen:  t,
		}
		s.txs[hash] = o
	} else {
		if prev, seen := o.seenBy[node]; !seen || t.Before(prev) {
			o.seenBy[node] = t
		}
		if t.Before(o.firstSeen) {
			o.firstSeen = t
		}
		if t.After(o.lastSeen) {
			o.lastSeen = t
		}
		o.missedSnapshots = 0
	}

	if o.quorumReached.IsZero() && len(o.seenBy) >= s.quorum {
		o.quorumReached = s.kthReportTime(o)
	}
	return o
}

// kthReportTime is the earliest instant at which quorum-many distinct nodes
// had reported the transaction: the k-th smallest per-node report time. Ties
// order by node ID.
func (s *Store) kthReportTime(o *observedTx) time.Time {
	type report struct {
		t    time.Time
		node int
	}
	reports := make([]report, 0, len(o.seenBy))
	for node, t := range o.seenBy {
		reports = append(reports, report{t: t, node: node})
	}
	sort.Slice(reports, func(i, j int) bool {
		if reports[i].t.Equal(reports[j].t) {
			return reports[i].node < reports[j].node
		}
		return reports[i].t.Before(reports[j].t)
	})
	return reports[s.quorum-1].t
}

// ObserveSnapshot records a full pool snapshot from the main node. Every
// contained transaction is observed as seen (and upgraded to full, one-way);
// tracked transactions absent from this and the previous snapshot are marked
// disappeared. Only the two most recent snapshots are retained.
func (s *Store) ObserveSnapshot(node int, headRoot common.Hash, content *nodeclient.PoolContent) *PoolSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := &PoolSnapshot{
		HeadRoot:   headRoot,
		Hashes:     make(map[common.Hash]struct{}, len(content.Transactions)),
		CapturedAt: content.CapturedAt,
	}

	for _, poolTx := range content.Transactions {
		hash := poolTx.Tx.Hash()
		snapshot.Hashes[hash] = struct{}{}

		o := s.observe(node, hash, content.CapturedAt)
		if !o.full {
			o.tx = poolTx.Tx
			o.sender = poolTx.Sender
			o.full = true
		}
	}

	for hash, o := range s.txs {
		if snapshot.Contains(hash) || !o.disappearedAt.IsZero() {
			continue
		}
		if o.lastSeen.Before(snapshot.CapturedAt) {
			o.missedSnapshots++
			if o.missedSnapshots >= disappearedAfterSnapshots {
				o.disappearedAt = snapshot.CapturedAt
			}
		}
	}

	s.evictLocked(content.CapturedAt)

	s.previous = s.current
	s.current = snapshot
	return snapshot
}

// UpgradeTransaction installs a full body for a hash-only observation. The
// upgrade is one-way; calls for unknown or already-full transactions are
// no-ops.
func (s *Store) UpgradeTransaction(hash common.Hash, view *TxView) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.txs[hash]
	if !ok || o.full || view.Tx == nil {
		return
	}
	o.tx = view.Tx
	o.sender = view.Sender
	o.full = true
}

// Snapshots returns the two most recent pool snapshots, oldest first. Either
// may be nil.
func (s *Store) Snapshots() (previous, current *PoolSnapshot) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.previous, s.current
}

// Candidates returns views of every transaction that was either part of the
// given snapshot or observed pending between the snapshot capture and the
// cut-off. Transactions re-observed after a disappearance only qualify for
// cut-offs at or after their re-initialised first sighting.
func (s *Store) Candidates(snapshot *PoolSnapshot, until time.Time) []*TxView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	views := make([]*TxView, 0, len(snapshot.Hashes))
	for hash, o := range s.txs {
		inSnapshot := snapshot.Contains(hash)
		inWindow := o.lastSeen.After(snapshot.CapturedAt) && !o.firstSeen.After(until)
		if inSnapshot || inWindow {
			views = append(views, o.view())
		}
	}
	return views
}

// View returns the current view of a single transaction, or nil.
func (s *Store) View(hash common.Hash) *TxView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.txs[hash]
	if !ok {
		return nil
	}
	return o.view()
}

// Heads exposes the recent head history.
func (s *Store) Heads() *HeadHistory {
	return s.heads
}

// RemoveIncluded drops transactions once detection for the block that
// included them has completed.
func (s *Store) RemoveIncluded(hashes map[common.Hash]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for hash := range hashes {
		delete(s.txs, hash)
	}
}

// Reset discards all per-transaction state and both snapshots. Persisted rows
// are untouched; they stand as evidence under the chain view at their time.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.txs = make(map[common.Hash]*observedTx)
	s.previous = nil
	s.current = nil
	s.heads.Reset()
	s.logger.Info("observation state cleared")
}

// Len reports the number of tracked transactions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.txs)
}

func (s *Store) evictLocked(now time.Time) {
	evicted := 0
	for hash, o := range s.txs {
		if !o.disappearedAt.IsZero() && now.Sub(o.disappearedAt) >= s.evictionAge {
			delete(s.txs, hash)
			evicted++
		}
	}
	if evicted > 0 {
		s.logger.Debug("evicted disappeared transactions", slog.Int("count", evicted), slog.Int("remaining", len(s.txs)))
	}
}
