package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/misswatch/misswatch/internal/api"
	"github.com/misswatch/misswatch/internal/store"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

type queryStoreMock struct {
	MissesFunc func(ctx context.Context, q *store.MissQuery) ([]*store.MissRow, error)
	TxsFunc    func(ctx context.Context, q *store.MissQuery) ([]*store.TxGroupRow, int64, error)
	BlocksFunc func(ctx context.Context, q *store.MissQuery) ([]*store.BlockGroupRow, int64, error)
	PingFunc   func(ctx context.Context) error
}

func (m *queryStoreMock) Misses(ctx context.Context, q *store.MissQuery) ([]*store.MissRow, error) {
	return m.MissesFunc(ctx, q)
}

func (m *queryStoreMock) Txs(ctx context.Context, q *store.MissQuery) ([]*store.TxGroupRow, int64, error) {
	return m.TxsFunc(ctx, q)
}

func (m *queryStoreMock) Blocks(ctx context.Context, q *store.MissQuery) ([]*store.BlockGroupRow, int64, error) {
	return m.BlocksFunc(ctx, q)
}

func (m *queryStoreMock) Ping(ctx context.Context) error {
	if m.PingFunc == nil {
		return nil
	}
	return m.PingFunc(ctx)
}

func (m *queryStoreMock) Close() error { return nil }

var requestTime = time.Unix(1700005000, 0).UTC()

func missRowAt(proposalSec, quorumSec int64) *store.MissRow {
	return &store.MissRow{Miss: store.Miss{
		BlockHash:       "0xb1",
		TxHash:          fmt.Sprintf("0xt%d-%d", proposalSec, quorumSec),
		ProposalTime:    time.Unix(proposalSec, 0).UTC(),
		TxFirstSeen:     time.Unix(quorumSec-1, 0).UTC(),
		TxQuorumReached: time.Unix(quorumSec, 0).UTC(),
		Sender:          "0xs1",
		Tip:             1,
	}}
}

func serve(t *testing.T, mock *queryStoreMock, maxRows int, target string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()

	e := echo.New()
	handler := api.NewHandler(mock, testLogger, maxRows, time.Second,
		api.WithNow(func() time.Time { return requestTime }))
	handler.Register(e)

	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var body map[string]json.RawMessage
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestMissesCompletePage(t *testing.T) {
	mock := &queryStoreMock{
		MissesFunc: func(_ context.Context, q *store.MissQuery) ([]*store.MissRow, error) {
			assert.True(t, q.Ascending)
			assert.Equal(t, 2, q.Limit)
			return []*store.MissRow{missRowAt(1000, 990)}, nil
		},
	}

	rec, body := serve(t, mock, 2, "/v0/misses")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", string(body["complete"]))
	assert.Equal(t, "0", string(body["from"]))
	// complete pages echo the queried upper bound, here the request time
	assert.Equal(t, fmt.Sprintf("%d", requestTime.Unix()), string(body["to"]))

	var items []map[string]any
	require.NoError(t, json.Unmarshal(body["items"], &items))
	require.Len(t, items, 1)
	assert.Equal(t, float64(1000), items[0]["proposal_time"])
	assert.Equal(t, float64(990), items[0]["tx_quorum_reached"])
}

func TestMissesSaturatedPageChains(t *testing.T) {
	mock := &queryStoreMock{
		MissesFunc: func(_ context.Context, q *store.MissQuery) ([]*store.MissRow, error) {
			// limit+1 rows: the page is saturated
			return []*store.MissRow{
				missRowAt(1000, 990),
				missRowAt(1012, 1000),
				missRowAt(1024, 1010),
			}, nil
		},
	}

	rec, body := serve(t, mock, 2, "/v0/misses")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "false", string(body["complete"]))
	// to is the composite key of the last returned row
	assert.Equal(t, `"1012,1000"`, string(body["to"]))

	var items []map[string]any
	require.NoError(t, json.Unmarshal(body["items"], &items))
	assert.Len(t, items, 2)
}

func TestMissesCursorBoundsForwarded(t *testing.T) {
	var captured *store.MissQuery
	mock := &queryStoreMock{
		MissesFunc: func(_ context.Context, q *store.MissQuery) ([]*store.MissRow, error) {
			captured = q
			return nil, nil
		},
	}

	rec, _ := serve(t, mock, 2, "/v0/misses?from=1000,990&to=2000&proposer_index=7&min_tip=5")

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, captured)
	assert.True(t, captured.Ascending)
	require.NotNil(t, captured.From.QuorumReached)
	assert.Equal(t, int64(1000), captured.From.ProposalTime.Unix())
	assert.Equal(t, int64(990), captured.From.QuorumReached.Unix())
	assert.Nil(t, captured.To.QuorumReached)
	assert.Equal(t, int64(2000), captured.To.ProposalTime.Unix())
	require.NotNil(t, captured.ProposerIndex)
	assert.Equal(t, int32(7), *captured.ProposerIndex)
	require.NotNil(t, captured.MinTip)
	assert.Equal(t, int64(5), *captured.MinTip)
}

func TestMissesDescendingWhenFromAfterTo(t *testing.T) {
	var captured *store.MissQuery
	mock := &queryStoreMock{
		MissesFunc: func(_ context.Context, q *store.MissQuery) ([]*store.MissRow, error) {
			captured = q
			return nil, nil
		},
	}

	rec, _ := serve(t, mock, 2, "/v0/misses?from=2000&to=1000")

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, captured)
	assert.False(t, captured.Ascending)
}

func TestBadParameters(t *testing.T) {
	mock := &queryStoreMock{}

	for _, target := range []string{
		"/v0/misses?from=abc",
		"/v0/misses?from=1,2,3",
		"/v0/misses?block_number=-1",
		"/v0/misses?min_tip=x",
		"/v0/txs?min_num_misses=-2",
	} {
		t.Run(target, func(t *testing.T) {
			rec, _ := serve(t, mock, 2, target)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestTxsMinNumMissesFilter(t *testing.T) {
	mock := &queryStoreMock{
		TxsFunc: func(_ context.Context, q *store.MissQuery) ([]*store.TxGroupRow, int64, error) {
			return []*store.TxGroupRow{
				{TxHash: "0xt1", NumMisses: 1, Blocks: []byte("[]"), LastProposalTime: time.Unix(1000, 0), LastQuorumReached: time.Unix(990, 0)},
				{TxHash: "0xt2", NumMisses: 3, Blocks: []byte("[]"), LastProposalTime: time.Unix(1012, 0), LastQuorumReached: time.Unix(1000, 0)},
			}, 2, nil
		},
	}

	rec, body := serve(t, mock, 10, "/v0/txs?min_num_misses=2")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", string(body["complete"]))

	var items []map[string]any
	require.NoError(t, json.Unmarshal(body["items"], &items))
	require.Len(t, items, 1)
	assert.Equal(t, "0xt2", items[0]["tx_hash"])
}

func TestBlocksSaturated(t *testing.T) {
	mock := &queryStoreMock{
		BlocksFunc: func(_ context.Context, q *store.MissQuery) ([]*store.BlockGroupRow, int64, error) {
			return []*store.BlockGroupRow{
				{BlockHash: "0xb1", NumMisses: 2, Txs: []byte("[]"), ProposalTime: time.Unix(1000, 0).UTC(), LastQuorumReached: time.Unix(995, 0).UTC()},
			}, 3, nil
		},
	}

	rec, body := serve(t, mock, 2, "/v0/blocks")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "false", string(body["complete"]))
	assert.Equal(t, `"1000,995"`, string(body["to"]))
}

func TestStoreErrorMapping(t *testing.T) {
	tt := []struct {
		name     string
		queryErr error
		pingErr  error

		expectedStatus int
	}{
		{
			name:           "deadline exceeded",
			queryErr:       context.DeadlineExceeded,
			expectedStatus: http.StatusRequestTimeout,
		},
		{
			name:           "store unreachable",
			queryErr:       errors.New("connection refused"),
			pingErr:        errors.New("connection refused"),
			expectedStatus: http.StatusServiceUnavailable,
		},
		{
			name:           "other errors are internal",
			queryErr:       errors.New("syntax error"),
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			mock := &queryStoreMock{
				MissesFunc: func(_ context.Context, _ *store.MissQuery) ([]*store.MissRow, error) {
					return nil, tc.queryErr
				},
				PingFunc: func(_ context.Context) error { return tc.pingErr },
			}

			rec, _ := serve(t, mock, 2, "/v0/misses")
			assert.Equal(t, tc.expectedStatus, rec.Code)
		})
	}
}
