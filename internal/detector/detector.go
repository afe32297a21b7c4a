package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ccoveille/go-safecast"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/misswatch/misswatch/internal/metrics"
	"github.com/misswatch/misswatch/internal/nodeclient"
	"github.com/misswatch/misswatch/internal/observer"
	"github.com/misswatch/misswatch/internal/store"
)

var ErrTipOverflow = errors.New("effective tip does not fit into int64")

// Check identifies one of the nine exclusion criteria. The first satisfied
// check excuses an omission and short-circuits evaluation.
type Check string

const (
	CheckIncluded              Check = "included"
	CheckIncompletePropagation Check = "incomplete_propagation"
	CheckPropagationTime       Check = "insufficient_propagation_time"
	CheckHashOnly              Check = "hash_only"
	CheckSameSender            Check = "same_sender"
	CheckBlockFull             Check = "block_full"
	CheckBaseFeeTooLow         Check = "base_fee_too_low"
	CheckTipTooLow             Check = "tip_too_low"
	CheckNonceMismatch         Check = "nonce_mismatch"
)

// Analysis is the outcome of one detection pass: the misses that survived all
// checks plus the per-candidate accounting needed for auditability.
type Analysis struct {
	Head          *nodeclient.Head
	Misses        []*store.Miss
	NumCandidates int
	NumIncluded   int

	// Excluded records, for every excused candidate, exactly the first
	// satisfied check.
	Excluded map[common.Hash]Check
	Counts   map[Check]int

	Duration time.Duration
}

// Summary renders the one-line per-block accounting logged after each pass.
func (a *Analysis) Summary() string {
	return fmt.Sprintf(
		"analysis for block %s: %d candidates, %d included, %d missed, %d incomplete propagation, "+
			"%d still propagating, %d only hash known, %d same sender, %d block full, "+
			"%d base fee too low, %d tip too low, %d nonce mismatch, took %.2fs",
		a.Head, a.NumCandidates, a.NumIncluded, len(a.Misses),
		a.Counts[CheckIncompletePropagation], a.Counts[CheckPropagationTime], a.Counts[CheckHashOnly],
		a.Counts[CheckSameSender], a.Counts[CheckBlockFull], a.Counts[CheckBaseFeeTooLow],
		a.Counts[CheckTipTooLow], a.Counts[CheckNonceMismatch], a.Duration.Seconds(),
	)
}

// Detector runs the decision procedure for one head against a candidate-set
// snapshot from the observation store. It reads observation state only
// through the views it is handed and never mutates shared state.
type Detector struct {
	logger *slog.Logger
	signer types.Signer
	nonces *NonceCache

	nodeIDs         []int
	propagationTime time.Duration
}

func New(logger *slog.Logger, signer types.Signer, nonces *NonceCache, nodeIDs []int, propagationTime time.Duration) *Detector {
	return &Detector{
		logger:          logger.With(slog.String("module", "detector")),
		signer:          signer,
		nonces:          nonces,
		nodeIDs:         nodeIDs,
		propagationTime: propagationTime,
	}
}

// Nonces exposes the nonce cache so the tracker can apply heads and flush it
// on reset.
func (d *Detector) Nonces() *NonceCache {
	return d.nonces
}

// Analyze applies the nine checks, in fixed order, to every candidate.
func (d *Detector) Analyze(ctx context.Context, head *nodeclient.Head, candidates []*observer.TxView) *Analysis {
	start := time.Now()

	analysis := &Analysis{
		Head:          head,
		NumCandidates: len(candidates),
		Excluded:      make(map[common.Hash]Check),
		Counts:        make(map[Check]int),
	}

	included := head.IncludedHashes()
	sendersInBlock := make(map[common.Address]struct{}, len(head.Transactions))
	for _, tx := range head.Transactions {
		sender, err := types.Sender(d.signer, tx)
		if err != nil {
			d.logger.Warn("failed to recover sender of included transaction",
				slog.String("tx", tx.Hash().Hex()), slog.String("err", err.Error()))
			continue
		}
		sendersInBlock[sender] = struct{}{}
	}
	median := medianTip(head.Transactions, head.BaseFeePerGas)

	for _, candidate := range candidates {
		check, miss := d.evaluate(ctx, head, candidate, included, sendersInBlock, median)
		if check != "" {
			analysis.Excluded[candidate.Hash] = check
			analysis.Counts[check]++
			metrics.CandidatesExcluded.WithLabelValues(string(check)).Inc()
			if check == CheckIncluded {
				analysis.NumIncluded++
			}
			continue
		}
		if miss != nil {
			analysis.Misses = append(analysis.Misses, miss)
		}
	}

	metrics.MissesDetected.Add(float64(len(analysis.Misses)))
	analysis.Duration = time.Since(start)
	metrics.DetectionDuration.Observe(analysis.Duration.Seconds())
	return analysis
}

// evaluate returns the first satisfied check, or a miss record when none is
// satisfied. An empty check with a nil miss means the candidate was skipped
// because its tuple could not be represented.
func (d *Detector) evaluate(
	ctx context.Context,
	head *nodeclient.Head,
	candidate *observer.TxView,
	included map[common.Hash]struct{},
	sendersInBlock map[common.Address]struct{},
	median *big.Int,
) (Check, *store.Miss) {
	// 1. Included in the block.
	if _, ok := included[candidate.Hash]; ok {
		return CheckIncluded, nil
	}

	// 2. Incomplete propagation: at least one configured node has not seen
	// it. A missing quorum timestamp counts as incomplete as well.
	if candidate.QuorumReached.IsZero() || !seenByAll(candidate, d.nodeIDs) {
		return CheckIncompletePropagation, nil
	}

	// 3. Insufficient propagation time (strict comparison).
	if head.ProposalTime.Sub(candidate.QuorumReached) < d.propagationTime {
		return CheckPropagationTime, nil
	}

	// 4. Hash only: the remaining checks need the full payload.
	if !candidate.Full || candidate.Tx == nil {
		return CheckHashOnly, nil
	}
	tx := candidate.Tx

	// 5. Same-sender displacement.
	if _, ok := sendersInBlock[candidate.Sender]; ok {
		return CheckSameSender, nil
	}

	// 6. Block full.
	if head.GasUsed+tx.Gas() > head.GasLimit {
		return CheckBlockFull, nil
	}

	// 7. Underpriced base fee.
	if tx.GasFeeCap().Cmp(head.BaseFeePerGas) < 0 {
		return CheckBaseFeeTooLow, nil
	}

	// 8. Underpriced tip. With an empty block there is no median and the
	// check is vacuously unsatisfied.
	tip := effectiveTip(tx, head.BaseFeePerGas)
	if median != nil && tip.Cmp(median) < 0 {
		return CheckTipTooLow, nil
	}

	// 9. Nonce mismatch. Transport failures leave the check unsatisfied.
	nonce, err := d.nonces.Get(ctx, candidate.Sender, head.ExecutionBlockHash)
	if err != nil {
		d.logger.Warn("nonce lookup failed, check left unsatisfied",
			slog.String("sender", candidate.Sender.Hex()), slog.String("err", err.Error()))
	} else if nonce != tx.Nonce() {
		return CheckNonceMismatch, nil
	}

	miss, err := missRecord(head, candidate, tip)
	if err != nil {
		d.logger.Warn("dropping miss that cannot be represented",
			slog.String("tx", candidate.Hash.Hex()), slog.String("err", err.Error()))
		return "", nil
	}
	return "", miss
}

func seenByAll(candidate *observer.TxView, nodeIDs []int) bool {
	seen := make(map[int]struct{}, len(candidate.SeenBy))
	for _, node := range candidate.SeenBy {
		seen[node] = struct{}{}
	}
	for _, node := range nodeIDs {
		if _, ok := seen[node]; !ok {
			return false
		}
	}
	return true
}

func missRecord(head *nodeclient.Head, candidate *observer.TxView, tip *big.Int) (*store.Miss, error) {
	if !tip.IsInt64() {
		return nil, ErrTipOverflow
	}
	slot, err := safecast.ToInt32(head.Slot)
	if err != nil {
		return nil, err
	}
	blockNumber, err := safecast.ToInt32(head.ExecutionBlockNumber)
	if err != nil {
		return nil, err
	}
	proposerIndex, err := safecast.ToInt32(head.ProposerIndex)
	if err != nil {
		return nil, err
	}

	return &store.Miss{
		BlockHash:       head.Root.Hex(),
		TxHash:          candidate.Hash.Hex(),
		Slot:            slot,
		BlockNumber:     blockNumber,
		ProposalTime:    head.ProposalTime,
		ProposerIndex:   proposerIndex,
		TxFirstSeen:     candidate.FirstSeen,
		TxQuorumReached: candidate.QuorumReached,
		Sender:          candidate.Sender.Hex(),
		Tip:             tip.Int64(),
	}, nil
}

// BlockRow derives the beacon_block row for a head analysed against the given
// candidate-set size.
func BlockRow(head *nodeclient.Head, numPoolTxs int) (*store.BeaconBlock, error) {
	slot, err := safecast.ToInt32(head.Slot)
	if err != nil {
		return nil, err
	}
	blockNumber, err := safecast.ToInt32(head.ExecutionBlockNumber)
	if err != nil {
		return nil, err
	}
	proposerIndex, err := safecast.ToInt32(head.ProposerIndex)
	if err != nil {
		return nil, err
	}
	numTxs, err := safecast.ToInt32(len(head.Transactions))
	if err != nil {
		return nil, err
	}
	numPool, err := safecast.ToInt32(numPoolTxs)
	if err != nil {
		return nil, err
	}

	return &store.BeaconBlock{
		Root:                 head.Root.Hex(),
		Slot:                 slot,
		ProposerIndex:        proposerIndex,
		ExecutionBlockHash:   head.ExecutionBlockHash.Hex(),
		ExecutionBlockNumber: blockNumber,
		ProposalTime:         head.ProposalTime,
		NumTransactions:      numTxs,
		NumPoolTransactions:  numPool,
	}, nil
}

// TransactionRows derives transaction-table rows for the misses of an
// analysis.
func TransactionRows(analysis *Analysis) []*store.Transaction {
	rows := make([]*store.Transaction, 0, len(analysis.Misses))
	for _, miss := range analysis.Misses {
		rows = append(rows, &store.Transaction{
			Hash:          miss.TxHash,
			Sender:        miss.Sender,
			FirstSeen:     miss.TxFirstSeen,
			QuorumReached: miss.TxQuorumReached,
		})
	}
	return rows
}
