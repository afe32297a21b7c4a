package api

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/misswatch/misswatch/internal/store"
)

var ErrParameterOutOfRange = errors.New("query parameter out of range")

// missParams is the parsed common parameter set of the three endpoints. From
// and To are always populated: missing bounds default to epoch zero and the
// request time. The query direction follows the order of the bounds.
type missParams struct {
	from *Cursor
	to   *Cursor

	query        *store.MissQuery
	minNumMisses *int64
}

func parseMissParams(c echo.Context, requestTime time.Time, maxRows int) (*missParams, error) {
	params := &missParams{
		query: &store.MissQuery{Limit: maxRows},
	}

	from := &Cursor{store.TimeTuple{ProposalTime: time.Unix(0, 0).UTC()}}
	if raw := c.QueryParam("from"); raw != "" {
		parsed, err := parseCursor(raw)
		if err != nil {
			return nil, parameterError("from", err)
		}
		from = parsed
	}
	to := &Cursor{store.TimeTuple{ProposalTime: requestTime.Truncate(time.Second)}}
	if raw := c.QueryParam("to"); raw != "" {
		parsed, err := parseCursor(raw)
		if err != nil {
			return nil, parameterError("to", err)
		}
		to = parsed
	}
	params.from = from
	params.to = to
	params.query.From = &from.TimeTuple
	params.query.To = &to.TimeTuple
	params.query.Ascending = !from.ProposalTime.After(to.ProposalTime)

	blockNumber, err := parseOptInt32(c, "block_number")
	if err != nil {
		return nil, err
	}
	params.query.BlockNumber = blockNumber

	proposerIndex, err := parseOptInt32(c, "proposer_index")
	if err != nil {
		return nil, err
	}
	params.query.ProposerIndex = proposerIndex

	if raw := c.QueryParam("sender"); raw != "" {
		params.query.Sender = &raw
	}

	propagationTime, err := parseOptInt64(c, "propagation_time")
	if err != nil {
		return nil, err
	}
	params.query.PropagationTime = propagationTime

	minTip, err := parseOptInt64(c, "min_tip")
	if err != nil {
		return nil, err
	}
	params.query.MinTip = minTip

	params.minNumMisses, err = parseOptInt64(c, "min_num_misses")
	if err != nil {
		return nil, err
	}

	return params, nil
}

func parseOptInt32(c echo.Context, name string) (*int32, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || v < 0 {
		return nil, parameterError(name, err)
	}
	v32 := int32(v)
	return &v32, nil
}

func parseOptInt64(c echo.Context, name string) (*int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return nil, parameterError(name, err)
	}
	return &v, nil
}

func parameterError(name string, err error) error {
	if err == nil {
		err = ErrParameterOutOfRange
	}
	return errors.Join(ErrParameterOutOfRange, fmt.Errorf("parameter: %s", name), err)
}
