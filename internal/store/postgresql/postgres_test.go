package postgresql

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/misswatch/misswatch/internal/store"
)

const (
	dbName     = "misswatch_test"
	dbUsername = "misswatch"
	dbPassword = "misswatch"
)

var dbInfo string

func TestMain(m *testing.M) {
	pool, err := dockertest.NewPool("")
	if err != nil || pool.Client.Ping() != nil {
		log.Println("docker not available, skipping postgres tests")
		os.Exit(m.Run())
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "15.4",
		Env: []string{
			fmt.Sprintf("POSTGRES_PASSWORD=%s", dbPassword),
			fmt.Sprintf("POSTGRES_USER=%s", dbUsername),
			fmt.Sprintf("POSTGRES_DB=%s", dbName),
			"listen_addresses = '*'",
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		log.Fatalf("failed to start postgres container: %v", err)
	}

	hostPort := resource.GetPort("5432/tcp")
	dbInfo = fmt.Sprintf("host=localhost port=%s user=%s password=%s dbname=%s sslmode=disable",
		hostPort, dbUsername, dbPassword, dbName)

	err = pool.Retry(func() error {
		p, err := New(dbInfo, 1, 2)
		if err != nil {
			return err
		}
		defer p.Close()
		return p.Ping(context.Background())
	})
	if err != nil {
		log.Fatalf("failed to connect to postgres container: %v", err)
	}

	code := m.Run()

	if err := pool.Purge(resource); err != nil {
		log.Fatalf("failed to purge pool: %v", err)
	}
	os.Exit(code)
}

func setupStore(t *testing.T) *PostgreSQL {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres test in short mode")
	}
	if dbInfo == "" {
		t.Skip("docker not available")
	}

	p, err := New(dbInfo, 2, 5)
	require.NoError(t, err)
	require.NoError(t, p.Migrate())
	require.NoError(t, p.Truncate(context.Background()))
	t.Cleanup(func() { p.Close() })
	return p
}

func txHash(i int) string {
	return fmt.Sprintf("0x%064d", i)
}

func blockHash(i int) string {
	return fmt.Sprintf("0x%063xb", i)
}

func sender(i int) string {
	return fmt.Sprintf("0x%040d", i)
}

func epoch(sec int64) time.Time {
	return time.Unix(1700000000+sec, 0).UTC()
}

func missAt(block, tx int, proposalSec, quorumSec int64, tip int64) *store.Miss {
	return &store.Miss{
		BlockHash:       blockHash(block),
		TxHash:          txHash(tx),
		Slot:            int32(block),
		BlockNumber:     int32(block),
		ProposalTime:    epoch(proposalSec),
		ProposerIndex:   int32(block % 3),
		TxFirstSeen:     epoch(quorumSec - 5),
		TxQuorumReached: epoch(quorumSec),
		Sender:          sender(tx % 2),
		Tip:             tip,
	}
}

func TestInsertTransactionsIdempotent(t *testing.T) {
	p := setupStore(t)
	ctx := context.Background()

	txs := []*store.Transaction{
		{Hash: txHash(1), Sender: sender(1), FirstSeen: epoch(0), QuorumReached: epoch(1)},
		{Hash: txHash(2), Sender: sender(2), FirstSeen: epoch(2), QuorumReached: epoch(3)},
	}
	require.NoError(t, p.InsertTransactions(ctx, txs))

	// re-insertion with different attributes must not change the stored rows
	txs[0].Sender = sender(9)
	require.NoError(t, p.InsertTransactions(ctx, txs))

	var count int
	require.NoError(t, p.db.QueryRow(`SELECT COUNT(*) FROM "transaction"`).Scan(&count))
	assert.Equal(t, 2, count)

	var storedSender string
	require.NoError(t, p.db.QueryRow(`SELECT sender FROM "transaction" WHERE hash = $1`, txHash(1)).Scan(&storedSender))
	assert.Equal(t, sender(1), storedSender)
}

func TestInsertBlockIdempotent(t *testing.T) {
	p := setupStore(t)
	ctx := context.Background()

	block := &store.BeaconBlock{
		Root:                 blockHash(1),
		Slot:                 100,
		ProposerIndex:        42,
		ExecutionBlockHash:   blockHash(2),
		ExecutionBlockNumber: 1000,
		ProposalTime:         epoch(0),
		NumTransactions:      150,
		NumPoolTransactions:  3000,
	}
	require.NoError(t, p.InsertBlock(ctx, block))
	require.NoError(t, p.InsertBlock(ctx, block))

	var count int
	require.NoError(t, p.db.QueryRow("SELECT COUNT(*) FROM beacon_block").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestInsertMissesIdempotent(t *testing.T) {
	p := setupStore(t)
	ctx := context.Background()

	misses := []*store.Miss{
		missAt(1, 1, 100, 50, 10),
		missAt(1, 2, 100, 60, 20),
	}
	require.NoError(t, p.InsertMisses(ctx, misses))
	require.NoError(t, p.InsertMisses(ctx, misses))

	rows, err := p.Misses(ctx, &store.MissQuery{Ascending: true, Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(10), rows[0].Tip)
	assert.Equal(t, int64(20), rows[1].Tip)
}

func insertFixture(t *testing.T, p *PostgreSQL, n int) []*store.Miss {
	t.Helper()
	ctx := context.Background()

	misses := make([]*store.Miss, 0, n)
	for i := 0; i < n; i++ {
		// two misses share each proposal time, distinguished by quorum time
		misses = append(misses, missAt(i/2, i, int64(i/2)*12, int64(i), int64(i)))
	}
	require.NoError(t, p.InsertMisses(ctx, misses))
	return misses
}

func TestMissesPaginationRoundTrip(t *testing.T) {
	p := setupStore(t)
	ctx := context.Background()
	misses := insertFixture(t, p, 10)

	all, err := p.Misses(ctx, &store.MissQuery{Ascending: true, Limit: 100})
	require.NoError(t, err)
	require.Len(t, all, len(misses))

	// walk the same window page by page, chaining from = last row's tuple
	var walked []*store.MissRow
	var from *store.TimeTuple
	for {
		q := &store.MissQuery{Ascending: true, Limit: 3, From: from}
		page, err := p.Misses(ctx, q)
		require.NoError(t, err)

		complete := len(page) <= 3
		if !complete {
			page = page[:3]
		}
		walked = append(walked, page...)
		if complete {
			break
		}
		last := page[len(page)-1]
		quorum := last.TxQuorumReached
		from = &store.TimeTuple{ProposalTime: last.ProposalTime, QuorumReached: &quorum}
	}

	require.Len(t, walked, len(all))
	for i := range all {
		assert.Equal(t, all[i].TxHash, walked[i].TxHash, "row %d", i)
	}
}

func TestMissesDescendingOrder(t *testing.T) {
	p := setupStore(t)
	ctx := context.Background()
	insertFixture(t, p, 6)

	rows, err := p.Misses(ctx, &store.MissQuery{Ascending: false, Limit: 100})
	require.NoError(t, err)
	require.Len(t, rows, 6)
	for i := 1; i < len(rows); i++ {
		previous := rows[i-1]
		current := rows[i]
		notAfter := current.ProposalTime.Before(previous.ProposalTime) ||
			(current.ProposalTime.Equal(previous.ProposalTime) && !current.TxQuorumReached.After(previous.TxQuorumReached))
		assert.True(t, notAfter, "row %d out of order", i)
	}
}

func TestMissesFilters(t *testing.T) {
	p := setupStore(t)
	ctx := context.Background()
	insertFixture(t, p, 10)

	t.Run("min_tip", func(t *testing.T) {
		minTip := int64(7)
		rows, err := p.Misses(ctx, &store.MissQuery{Ascending: true, Limit: 100, MinTip: &minTip})
		require.NoError(t, err)
		require.Len(t, rows, 3)
		for _, row := range rows {
			assert.GreaterOrEqual(t, row.Tip, minTip)
		}
	})

	t.Run("sender", func(t *testing.T) {
		s := sender(0)
		rows, err := p.Misses(ctx, &store.MissQuery{Ascending: true, Limit: 100, Sender: &s})
		require.NoError(t, err)
		require.Len(t, rows, 5)
	})

	t.Run("block_number", func(t *testing.T) {
		blockNumber := int32(2)
		rows, err := p.Misses(ctx, &store.MissQuery{Ascending: true, Limit: 100, BlockNumber: &blockNumber})
		require.NoError(t, err)
		require.Len(t, rows, 2)
	})

	t.Run("propagation_time", func(t *testing.T) {
		// miss i has proposal_time (i/2)*12 and quorum i: the gap shrinks as
		// i grows within a block pair
		minGap := int64(5)
		rows, err := p.Misses(ctx, &store.MissQuery{Ascending: true, Limit: 100, PropagationTime: &minGap})
		require.NoError(t, err)
		for _, row := range rows {
			assert.GreaterOrEqual(t, row.ProposalTime.Unix()-row.TxQuorumReached.Unix(), minGap)
		}
		assert.NotEmpty(t, rows)
	})
}

func TestTxsGrouping(t *testing.T) {
	p := setupStore(t)
	ctx := context.Background()

	// the same transaction missed by two blocks, another missed once
	require.NoError(t, p.InsertMisses(ctx, []*store.Miss{
		missAt(1, 1, 12, 1, 1),
		missAt(2, 1, 24, 1, 1),
		missAt(2, 2, 24, 2, 2),
	}))

	groups, total, err := p.Txs(ctx, &store.MissQuery{Ascending: true, Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, groups, 2)

	byHash := map[string]*store.TxGroupRow{}
	for _, group := range groups {
		byHash[group.TxHash] = group
	}
	require.Contains(t, byHash, txHash(1))
	assert.Equal(t, int64(2), byHash[txHash(1)].NumMisses)
	assert.Equal(t, int64(1), byHash[txHash(2)].NumMisses)
	assert.JSONEq(t, fmt.Sprintf(`[
		{"block_hash":"%s","slot":1,"block_number":1,"proposal_time":%d,"proposer_index":1,"tip":1},
		{"block_hash":"%s","slot":2,"block_number":2,"proposal_time":%d,"proposer_index":2,"tip":1}
	]`, blockHash(1), epoch(12).Unix(), blockHash(2), epoch(24).Unix()), string(byHash[txHash(1)].Blocks))
}

func TestBlocksGroupingRowCap(t *testing.T) {
	p := setupStore(t)
	ctx := context.Background()
	insertFixture(t, p, 10)

	// cap of 3 leaves the fourth row out of every aggregate
	groups, total, err := p.Blocks(ctx, &store.MissQuery{Ascending: true, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)

	var rowsSeen int64
	for _, group := range groups {
		rowsSeen += group.NumMisses
	}
	assert.Equal(t, int64(3), rowsSeen)
}
