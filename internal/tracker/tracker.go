package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/misswatch/misswatch/internal/detector"
	"github.com/misswatch/misswatch/internal/metrics"
	"github.com/misswatch/misswatch/internal/nodeclient"
	"github.com/misswatch/misswatch/internal/observer"
	"github.com/misswatch/misswatch/internal/store"
)

// State of the tracker's head-following state machine.
type State int

const (
	StateUnsynced State = iota
	StateInitialising
	StateTracking
	StateResetting
)

func (s State) String() string {
	switch s {
	case StateUnsynced:
		return "UNSYNCED"
	case StateInitialising:
		return "INITIALISING"
	case StateTracking:
		return "TRACKING"
	case StateResetting:
		return "RESETTING"
	}
	return "UNKNOWN"
}

const (
	syncPollInterval = 5 * time.Second

	// backfillLimit bounds how many hash-only candidates are fetched in full
	// before a detection pass.
	backfillLimit = 25

	// headHistoryRetention covers two epochs of heads.
	headHistoryRetention = 64 * 12 * time.Second
)

var ErrHeadStreamClosed = errors.New("head channel closed")

// MainNode is the capability set the tracker needs from the main execution
// node.
type MainNode interface {
	FetchPool(ctx context.Context) (*nodeclient.PoolContent, error)
	FetchTransaction(ctx context.Context, hash common.Hash) (*types.Transaction, error)
	IsSynced(ctx context.Context) (bool, error)
	ID() int
}

// ConsensusNode is the capability set the tracker needs from the beacon node.
type ConsensusNode interface {
	IsSynced(ctx context.Context) (bool, error)
}

// Tracker drives the correlator: it follows the main node's head stream,
// captures a pool snapshot per head, runs detection for the previous head
// once the next snapshot is in, and hands results to the writer. Head
// processing is strictly serial.
type Tracker struct {
	logger    *slog.Logger
	mainNode  MainNode
	consensus ConsensusNode
	observers *observer.Store
	detect    *detector.Detector
	writer    *store.Writer // nil when persistence is disabled
	signer    types.Signer

	syncCheckEnabled bool

	state         atomic.Int32
	tracked       *nodeclient.Head
	snapshot      *observer.PoolSnapshot
	resetRequests atomic.Int64

	waitGroup *sync.WaitGroup
	cancelAll context.CancelFunc
	ctx       context.Context
}

func WithSyncCheck(enabled bool) func(*Tracker) {
	return func(t *Tracker) {
		t.syncCheckEnabled = enabled
	}
}

// WithWriter attaches the persistence writer; without it detection results
// are only logged.
func WithWriter(w *store.Writer) func(*Tracker) {
	return func(t *Tracker) {
		t.writer = w
	}
}

func New(
	logger *slog.Logger,
	mainNode MainNode,
	consensus ConsensusNode,
	observers *observer.Store,
	detect *detector.Detector,
	signer types.Signer,
	opts ...func(*Tracker),
) *Tracker {
	t := &Tracker{
		logger:           logger.With(slog.String("module", "tracker")),
		mainNode:         mainNode,
		consensus:        consensus,
		observers:        observers,
		detect:           detect,
		signer:           signer,
		syncCheckEnabled: true,
		waitGroup:        &sync.WaitGroup{},
	}
	for _, opt := range opts {
		opt(t)
	}

	ctx, cancelAll := context.WithCancel(context.Background())
	t.cancelAll = cancelAll
	t.ctx = ctx
	return t
}

// RequestReset asks the tracker to transition to RESETTING before processing
// the next head. Called by the writer when the persistence queue is blocked.
func (t *Tracker) RequestReset() {
	t.resetRequests.Add(1)
}

// State returns the current state; exposed for tests and health reporting.
func (t *Tracker) State() State {
	return State(t.state.Load())
}

// Start runs the state machine on the given head stream until Shutdown or
// until the stream ends.
func (t *Tracker) Start(heads <-chan *nodeclient.Head) {
	t.waitGroup.Add(1)
	go func() {
		defer t.waitGroup.Done()
		err := t.run(heads)
		if err != nil && !errors.Is(err, context.Canceled) {
			t.logger.Error("tracker stopped", slog.String("err", err.Error()))
		}
	}()
}

func (t *Tracker) Shutdown() {
	t.cancelAll()
	t.waitGroup.Wait()
}

func (t *Tracker) run(heads <-chan *nodeclient.Head) error {
	for {
		switch t.State() {
		case StateUnsynced:
			if err := t.awaitSynced(); err != nil {
				return err
			}
			t.setState(StateInitialising)

		case StateInitialising:
			ok, err := t.initialise(heads)
			if err != nil {
				if errors.Is(err, errNotSynced) {
					t.setState(StateUnsynced)
					continue
				}
				return err
			}
			if ok {
				t.setState(StateTracking)
			}

		case StateTracking:
			if err := t.track(heads); err != nil {
				return err
			}
			// track only returns without error to reset
			t.setState(StateResetting)

		case StateResetting:
			t.reset()
			t.setState(StateInitialising)
		}
	}
}

var errNotSynced = errors.New("node is not synced")

func (t *Tracker) setState(s State) {
	previous := t.State()
	if previous != s {
		t.logger.Info("state transition", slog.String("from", previous.String()), slog.String("to", s.String()))
	}
	t.state.Store(int32(s))
	metrics.TrackerState.Set(float64(s))
}

// awaitSynced polls the sync status of both nodes until they report synced.
func (t *Tracker) awaitSynced() error {
	if !t.syncCheckEnabled {
		return nil
	}
	for {
		if t.isSynced() {
			return nil
		}
		select {
		case <-t.ctx.Done():
			return t.ctx.Err()
		case <-time.After(syncPollInterval):
		}
	}
}

// isSynced treats transport failures as "unknown" and reports synced only on
// a positive answer from both nodes.
func (t *Tracker) isSynced() bool {
	execSynced, err := t.mainNode.IsSynced(t.ctx)
	if err != nil {
		t.logger.Warn("execution sync check failed", slog.String("err", err.Error()))
		return false
	}
	consensusSynced, err := t.consensus.IsSynced(t.ctx)
	if err != nil {
		t.logger.Warn("consensus sync check failed", slog.String("err", err.Error()))
		return false
	}
	return execSynced && consensusSynced
}

// initialise waits for the next head and records a pool snapshot against it.
// Returns false, nil when the snapshot failed and another attempt should be
// made with the next head.
func (t *Tracker) initialise(heads <-chan *nodeclient.Head) (bool, error) {
	if t.syncCheckEnabled && !t.isSynced() {
		return false, errNotSynced
	}

	head, err := t.nextHead(heads)
	if err != nil {
		return false, err
	}
	t.observers.Heads().Observe(head)

	snapshot, err := t.captureSnapshot(head)
	if err != nil {
		t.logger.Warn("initial snapshot failed, retrying with next head", slog.String("err", err.Error()))
		return false, nil
	}

	t.tracked = head
	t.snapshot = snapshot
	t.detect.Nonces().ApplyBlock(head)
	return true, nil
}

// track processes head events until a reset is needed. Returning nil means
// "transition to RESETTING"; errors end the tracker.
func (t *Tracker) track(heads <-chan *nodeclient.Head) error {
	for {
		head, err := t.nextHead(heads)
		if err != nil {
			return err
		}
		metrics.Heads.Inc()

		if t.resetRequests.Swap(0) > 0 {
			t.logger.Warn("reset requested by writer backpressure")
			return nil
		}

		// The previously tracked head is the latest entry of the head
		// history; a head that does not extend it is a reorg.
		previous := t.observers.Heads().Latest()
		if previous == nil || head.ParentRoot != previous.Root {
			t.logger.Info("reorg detected",
				slog.String("head", head.String()),
				slog.String("parent", head.ParentRoot.Hex()),
				slog.String("tracked", t.tracked.String()))
			metrics.Reorgs.Inc()
			return nil
		}

		if t.syncCheckEnabled && !t.isSynced() {
			t.logger.Warn("node lost sync while tracking")
			return nil
		}

		t.observers.Heads().Observe(head)

		// Detection for the tracked head is gated on this head's snapshot:
		// the pool content both settles the candidate set and upgrades
		// hash-only bodies.
		snapshot, err := t.captureSnapshot(head)
		if err != nil {
			t.logger.Warn("snapshot failed, abandoning detection for tracked head",
				slog.String("head", t.tracked.String()), slog.String("err", err.Error()))
			return nil
		}

		t.runDetection(t.tracked, t.snapshot, head.ReceivedAt)

		t.detect.Nonces().ApplyBlock(head)
		t.observers.Heads().Prune(time.Now().UTC().Add(-headHistoryRetention))

		t.tracked = head
		t.snapshot = snapshot
	}
}

func (t *Tracker) captureSnapshot(head *nodeclient.Head) (*observer.PoolSnapshot, error) {
	start := time.Now()
	content, err := t.mainNode.FetchPool(t.ctx)
	if err != nil {
		return nil, err
	}
	metrics.PoolFetchDuration.Observe(time.Since(start).Seconds())

	return t.observers.ObserveSnapshot(t.mainNode.ID(), head.Root, content), nil
}

// runDetection analyses the previous head against its snapshot, backfilled
// with pending observations up to the arrival of the current head.
func (t *Tracker) runDetection(head *nodeclient.Head, snapshot *observer.PoolSnapshot, until time.Time) {
	if snapshot == nil {
		return
	}

	// The head considered current at the proposal time must be the analysed
	// block's parent; anything else means the block was built on a branch
	// this tracker did not follow. An empty history (first analysed head)
	// proceeds, as serial tracking has already verified the parent link.
	if observed := t.observers.Heads().At(head.ProposalTime); observed != nil && observed.Root != head.ParentRoot {
		t.logger.Info("skipping detection, head at proposal time was not the parent",
			slog.String("head", head.String()),
			slog.String("parent", head.ParentRoot.Hex()),
			slog.String("headAtProposalTime", observed.String()))
		return
	}

	candidates := t.observers.Candidates(snapshot, until)
	t.backfill(candidates)

	// Re-read views so backfilled bodies are visible to the detector.
	for i, candidate := range candidates {
		if view := t.observers.View(candidate.Hash); view != nil {
			candidates[i] = view
		}
	}

	analysis := t.detect.Analyze(t.ctx, head, candidates)
	t.logger.Info(analysis.Summary())

	t.persist(analysis, len(candidates))

	t.observers.RemoveIncluded(head.IncludedHashes())
}

// backfill upgrades a bounded number of hash-only candidates to full bodies.
func (t *Tracker) backfill(candidates []*observer.TxView) {
	fetched := 0
	for _, candidate := range candidates {
		if candidate.Full || fetched >= backfillLimit {
			continue
		}
		tx, err := t.mainNode.FetchTransaction(t.ctx, candidate.Hash)
		if err != nil {
			if !nodeclient.IsNotFound(err) {
				t.logger.Debug("transaction backfill failed",
					slog.String("tx", candidate.Hash.Hex()), slog.String("err", err.Error()))
			}
			continue
		}
		fetched++

		sender, err := types.Sender(t.signer, tx)
		if err != nil {
			continue
		}
		t.observers.UpgradeTransaction(candidate.Hash, &observer.TxView{Tx: tx, Sender: sender})
	}
}

func (t *Tracker) persist(analysis *detector.Analysis, numPoolTxs int) {
	if t.writer == nil {
		return
	}

	block, err := detector.BlockRow(analysis.Head, numPoolTxs)
	if err != nil {
		t.logger.Error("block row cannot be represented", slog.String("err", err.Error()))
		return
	}

	// Every analysed head gets its beacon_block row; transaction and miss
	// rows exist only when something was missed.
	jobs := []*store.Job{
		{Kind: store.JobBlock, Block: block},
	}
	if len(analysis.Misses) > 0 {
		jobs = append(jobs,
			&store.Job{Kind: store.JobTransactions, Txs: detector.TransactionRows(analysis)},
			&store.Job{Kind: store.JobMisses, Misses: analysis.Misses},
		)
	}
	for _, job := range jobs {
		if err := t.writer.Enqueue(job); err != nil {
			t.logger.Error("failed to enqueue persistence job",
				slog.String("kind", string(job.Kind)), slog.String("err", err.Error()))
		}
	}
}

// reset discards all in-memory observation state. Persisted rows stand as
// historical evidence under the chain view at their time.
func (t *Tracker) reset() {
	t.observers.Reset()
	t.detect.Nonces().Flush()
	t.tracked = nil
	t.snapshot = nil
	t.resetRequests.Store(0)
	t.logger.Info("tracker reset complete")
}

func (t *Tracker) nextHead(heads <-chan *nodeclient.Head) (*nodeclient.Head, error) {
	select {
	case <-t.ctx.Done():
		return nil, t.ctx.Err()
	case head, ok := <-heads:
		if !ok {
			return nil, ErrHeadStreamClosed
		}
		return head, nil
	}
}
