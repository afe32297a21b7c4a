package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/misswatch/misswatch/internal/store"
)

var (
	ErrCursorEmpty    = errors.New("empty cursor")
	ErrCursorParts    = errors.New("too many cursor parts")
	ErrCursorSeconds  = errors.New("invalid cursor timestamp")
	ErrCursorNegative = errors.New("cursor timestamp out of range")
)

// Cursor is a point in the composite (proposal_time, tx_quorum_reached)
// ordering. It renders as a bare epoch second when only the primary key is
// bound and as "<sec>,<sec>" when it locates an exact composite position.
type Cursor struct {
	store.TimeTuple
}

func parseCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, ErrCursorEmpty
	}

	parts := strings.Split(s, ",")
	if len(parts) > 2 {
		return nil, ErrCursorParts
	}

	proposal, err := parseEpoch(parts[0])
	if err != nil {
		return nil, err
	}
	c := &Cursor{store.TimeTuple{ProposalTime: proposal}}

	if len(parts) == 2 {
		quorum, err := parseEpoch(parts[1])
		if err != nil {
			return nil, err
		}
		c.QuorumReached = &quorum
	}
	return c, nil
}

func parseEpoch(s string) (time.Time, error) {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, errors.Join(ErrCursorSeconds, err)
	}
	if sec < 0 {
		return time.Time{}, ErrCursorNegative
	}
	return time.Unix(sec, 0).UTC(), nil
}

func (c Cursor) String() string {
	if c.QuorumReached == nil {
		return strconv.FormatInt(c.ProposalTime.Unix(), 10)
	}
	return fmt.Sprintf("%d,%d", c.ProposalTime.Unix(), c.QuorumReached.Unix())
}

// MarshalJSON renders bare cursors as integers and composite ones as
// strings, matching the request form.
func (c Cursor) MarshalJSON() ([]byte, error) {
	if c.QuorumReached == nil {
		return json.Marshal(c.ProposalTime.Unix())
	}
	return json.Marshal(c.String())
}
