package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/misswatch/misswatch/config"
	"github.com/misswatch/misswatch/internal/detector"
	"github.com/misswatch/misswatch/internal/metrics"
	"github.com/misswatch/misswatch/internal/nodeclient"
	"github.com/misswatch/misswatch/internal/observer"
	"github.com/misswatch/misswatch/internal/store"
	"github.com/misswatch/misswatch/internal/store/postgresql"
	"github.com/misswatch/misswatch/internal/tracker"
)

// ErrStartupStore marks unrecoverable store errors during startup; the
// process exits with code 2.
var ErrStartupStore = errors.New("unrecoverable store error at startup")

const (
	headChannelSize    = 16
	pendingChannelSize = 4096
	mainNodeID         = 0
)

// StartMonitor wires the correlator: node clients, observation store,
// detector, tracker and writer. It returns a shutdown function.
func StartMonitor(logger *slog.Logger, appConfig *config.AppConfig) (func(), error) {
	monitorConfig := appConfig.Monitor
	if err := monitorConfig.Validate(); err != nil {
		return nil, errors.Join(config.ErrInvalidURL, err)
	}
	if err := appConfig.Db.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	shutdownFns := []func(){cancel}
	shutdown := func() {
		for i := len(shutdownFns) - 1; i >= 0; i-- {
			shutdownFns[i]()
		}
	}

	mainNode, err := nodeclient.NewExecutionClient(
		mainNodeID, "main",
		monitorConfig.ExecutionHTTPURL, monitorConfig.MainExecutionWSURL,
		logger,
		nodeclient.WithRequestTimeout(monitorConfig.RequestTimeout),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create main node client: %w", err)
	}

	nodeIDs := []int{mainNodeID}
	secondaries := make([]*nodeclient.ExecutionClient, 0, len(monitorConfig.SecondaryExecutionWSURLs))
	for i, wsURL := range monitorConfig.SecondaryExecutionWSURLs {
		id := i + 1
		secondaries = append(secondaries, nodeclient.NewSecondaryClient(
			id, fmt.Sprintf("secondary-%d", id), wsURL, logger,
			nodeclient.WithRequestTimeout(monitorConfig.RequestTimeout),
		))
		nodeIDs = append(nodeIDs, id)
	}

	beacon := nodeclient.NewBeaconClient(
		monitorConfig.ConsensusHTTPURL,
		monitorConfig.GenesisTime, monitorConfig.SecondsPerSlot,
		logger,
		nodeclient.WithBeaconRequestTimeout(monitorConfig.RequestTimeout),
	)

	chainID, err := mainNode.ChainID(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to query chain id: %w", err)
	}
	signer := types.LatestSignerForChainID(chainID)
	logger.Info("connected to execution node", slog.String("chainID", chainID.String()))

	if _, err := beacon.IsSynced(ctx); err != nil {
		logger.Warn("beacon endpoint not reachable yet, subscriptions will retry",
			slog.String("err", err.Error()))
	}

	if monitorConfig.Quorum > len(nodeIDs) {
		logger.Warn("quorum exceeds number of configured nodes, no transaction will reach quorum",
			slog.Int("quorum", monitorConfig.Quorum), slog.Int("nodes", len(nodeIDs)))
	}

	observers := observer.NewStore(logger,
		observer.WithQuorum(monitorConfig.Quorum),
		observer.WithEvictionAge(monitorConfig.EvictionAge),
	)

	nonces := detector.NewNonceCache(mainNode, signer, logger)
	detect := detector.New(logger, signer, nonces, nodeIDs, monitorConfig.PropagationTimeDuration())

	trackerOpts := []func(*tracker.Tracker){
		tracker.WithSyncCheck(monitorConfig.SyncCheckEnabled),
	}

	// The writer is built before the tracker but must be able to reset it on
	// sustained backpressure; the indirection below closes that loop.
	var track *tracker.Tracker

	var writer *store.Writer
	if appConfig.Db.Enabled {
		missStore, err := postgresql.New(appConfig.Db.Connection, 0, 0)
		if err != nil {
			cancel()
			return nil, errors.Join(ErrStartupStore, err)
		}
		if err := missStore.Migrate(); err != nil {
			cancel()
			return nil, errors.Join(ErrStartupStore, err)
		}
		shutdownFns = append(shutdownFns, func() { missStore.Close() })

		writer = store.NewWriter(missStore, logger,
			store.WithQueueSize(monitorConfig.WriterQueueSize),
			store.WithOnBlocked(func() {
				if track != nil {
					track.RequestReset()
				}
			}),
		)
		trackerOpts = append(trackerOpts, tracker.WithWriter(writer))
	} else {
		logger.Warn("db is disabled, misses will not be persisted")
	}

	track = tracker.New(logger, mainNode, beacon, observers, detect, signer, trackerOpts...)

	heads := make(chan *nodeclient.Head, headChannelSize)
	pending := make(chan nodeclient.PendingObservation, pendingChannelSize)

	go func() {
		err := beacon.SubscribeHeads(ctx, heads)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("head subscription ended", slog.String("err", err.Error()))
		}
	}()

	for _, client := range append([]*nodeclient.ExecutionClient{mainNode}, secondaries...) {
		go func(client *nodeclient.ExecutionClient) {
			err := client.SubscribePendingHashes(ctx, pending)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("pending subscription ended",
					slog.String("node", client.Name()), slog.String("err", err.Error()))
			}
		}(client)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case obs := <-pending:
				metrics.PendingObservations.WithLabelValues(fmt.Sprintf("%d", obs.Node)).Inc()
				observers.ObservePending(obs.Node, obs.Hash, obs.Timestamp)
			}
		}
	}()

	if writer != nil {
		writer.Start()
		shutdownFns = append(shutdownFns, writer.Shutdown)
	}
	track.Start(heads)
	shutdownFns = append(shutdownFns, track.Shutdown)

	return shutdown, nil
}
