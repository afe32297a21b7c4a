package postgresql

import (
	"fmt"
	"strings"

	"github.com/misswatch/misswatch/internal/store"
)

// missPredicates renders the shared WHERE clause of the three endpoints into
// SQL. Cursor bounds given as a bare second bound the primary sort key
// inclusively; composite cursors locate an exact point in the
// (proposal_time, tx_quorum_reached) key space, strict on the moving end so
// successive pages neither overlap nor gap.
func missPredicates(q *store.MissQuery) (string, []any) {
	var conditions []string
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	lower, upper := q.From, q.To
	lowerStrict, upperStrict := true, false
	if !q.Ascending {
		lower, upper = q.To, q.From
		lowerStrict, upperStrict = false, true
	}

	if lower != nil {
		if lower.QuorumReached != nil {
			op := ">="
			if lowerStrict {
				op = ">"
			}
			conditions = append(conditions, fmt.Sprintf("(proposal_time, tx_quorum_reached) %s (%s, %s)",
				op, arg(lower.ProposalTime.UTC()), arg(lower.QuorumReached.UTC())))
		} else {
			conditions = append(conditions, fmt.Sprintf("proposal_time >= %s", arg(lower.ProposalTime.UTC())))
		}
	}
	if upper != nil {
		if upper.QuorumReached != nil {
			op := "<="
			if upperStrict {
				op = "<"
			}
			conditions = append(conditions, fmt.Sprintf("(proposal_time, tx_quorum_reached) %s (%s, %s)",
				op, arg(upper.ProposalTime.UTC()), arg(upper.QuorumReached.UTC())))
		} else {
			conditions = append(conditions, fmt.Sprintf("proposal_time <= %s", arg(upper.ProposalTime.UTC())))
		}
	}

	if q.BlockNumber != nil {
		conditions = append(conditions, fmt.Sprintf("block_number = %s", arg(*q.BlockNumber)))
	}
	if q.ProposerIndex != nil {
		conditions = append(conditions, fmt.Sprintf("proposer_index = %s", arg(*q.ProposerIndex)))
	}
	if q.Sender != nil {
		conditions = append(conditions, fmt.Sprintf("sender = %s", arg(*q.Sender)))
	}
	if q.PropagationTime != nil {
		conditions = append(conditions, fmt.Sprintf("proposal_time - tx_quorum_reached >= make_interval(secs => %s)", arg(*q.PropagationTime)))
	}
	if q.MinTip != nil {
		conditions = append(conditions, fmt.Sprintf("tip >= %s", arg(*q.MinTip)))
	}

	if len(conditions) == 0 {
		return "TRUE", args
	}
	return strings.Join(conditions, " AND "), args
}

func missOrder(q *store.MissQuery) string {
	if q.Ascending {
		return "proposal_time ASC, tx_quorum_reached ASC"
	}
	return "proposal_time DESC, tx_quorum_reached DESC"
}
