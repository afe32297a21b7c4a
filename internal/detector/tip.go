package detector

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/core/types"
)

// effectiveTip is the tip per gas a transaction would pay in a block with the
// given base fee: min(max_priority_fee, max_fee - base_fee), clamped at zero.
func effectiveTip(tx *types.Transaction, baseFee *big.Int) *big.Int {
	tip := tx.EffectiveGasTipValue(baseFee)
	if tip.Sign() < 0 {
		return new(big.Int)
	}
	return tip
}

// medianTip returns the median effective tip of the given transactions, the
// lower of the two middle values for even cardinality. Returns nil for an
// empty set.
func medianTip(txs []*types.Transaction, baseFee *big.Int) *big.Int {
	if len(txs) == 0 {
		return nil
	}

	tips := make([]*big.Int, 0, len(txs))
	for _, tx := range txs {
		tips = append(tips, effectiveTip(tx, baseFee))
	}
	sort.Slice(tips, func(i, j int) bool {
		return tips[i].Cmp(tips[j]) < 0
	})
	return tips[(len(tips)-1)/2]
}
