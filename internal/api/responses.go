package api

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/misswatch/misswatch/internal/store"
)

// ItemizedResponse is the envelope of every endpoint: the items, the actual
// time span covered and a completeness flag. When a page was saturated by the
// row cap, To is the composite key of the last returned row, so repeating the
// request with from=To yields the next page without overlap or gap.
type ItemizedResponse struct {
	Complete bool   `json:"complete"`
	From     Cursor `json:"from"`
	To       Cursor `json:"to"`
	Items    any    `json:"items"`
}

func newItemizedResponse(items any, complete bool, queryFrom, queryTo *Cursor, dataTo *Cursor) *ItemizedResponse {
	to := queryTo
	if !complete && dataTo != nil {
		to = dataTo
	}
	return &ItemizedResponse{
		Complete: complete,
		From:     *queryFrom,
		To:       *to,
		Items:    items,
	}
}

type missItem struct {
	TxHash          string `json:"tx_hash"`
	BlockHash       string `json:"block_hash"`
	Slot            int32  `json:"slot"`
	BlockNumber     int32  `json:"block_number"`
	ProposalTime    int64  `json:"proposal_time"`
	ProposerIndex   int32  `json:"proposer_index"`
	TxFirstSeen     int64  `json:"tx_first_seen"`
	TxQuorumReached int64  `json:"tx_quorum_reached"`
	Sender          string `json:"sender"`
	Tip             int64  `json:"tip"`
}

func newMissItem(row *store.MissRow) missItem {
	return missItem{
		TxHash:          trimmed(row.TxHash),
		BlockHash:       trimmed(row.BlockHash),
		Slot:            row.Slot,
		BlockNumber:     row.BlockNumber,
		ProposalTime:    row.ProposalTime.Unix(),
		ProposerIndex:   row.ProposerIndex,
		TxFirstSeen:     row.TxFirstSeen.Unix(),
		TxQuorumReached: row.TxQuorumReached.Unix(),
		Sender:          trimmed(row.Sender),
		Tip:             row.Tip,
	}
}

type txItem struct {
	TxHash          string          `json:"tx_hash"`
	TxFirstSeen     int64           `json:"tx_first_seen"`
	TxQuorumReached int64           `json:"tx_quorum_reached"`
	Sender          string          `json:"sender"`
	NumMisses       int64           `json:"num_misses"`
	Blocks          json.RawMessage `json:"blocks"`
}

func newTxItem(row *store.TxGroupRow) txItem {
	return txItem{
		TxHash:          trimmed(row.TxHash),
		TxFirstSeen:     row.TxFirstSeen.Unix(),
		TxQuorumReached: row.TxQuorumReached.Unix(),
		Sender:          trimmed(row.Sender),
		NumMisses:       row.NumMisses,
		Blocks:          json.RawMessage(row.Blocks),
	}
}

type blockItem struct {
	BlockHash     string          `json:"block_hash"`
	Slot          int32           `json:"slot"`
	BlockNumber   int32           `json:"block_number"`
	ProposalTime  int64           `json:"proposal_time"`
	ProposerIndex int32           `json:"proposer_index"`
	NumMisses     int64           `json:"num_misses"`
	Txs           json.RawMessage `json:"txs"`
}

func newBlockItem(row *store.BlockGroupRow) blockItem {
	return blockItem{
		BlockHash:     trimmed(row.BlockHash),
		Slot:          row.Slot,
		BlockNumber:   row.BlockNumber,
		ProposalTime:  row.ProposalTime.Unix(),
		ProposerIndex: row.ProposerIndex,
		NumMisses:     row.NumMisses,
		Txs:           json.RawMessage(row.Txs),
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func cursorAt(proposalTime time.Time, quorumReached time.Time) *Cursor {
	q := quorumReached.UTC()
	return &Cursor{store.TimeTuple{ProposalTime: proposalTime.UTC(), QuorumReached: &q}}
}

func trimmed(s string) string {
	return strings.TrimRight(s, " ")
}
