package nodeclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrBeaconStatus     = errors.New("unexpected beacon node status")
	ErrOptimisticBlock  = errors.New("beacon node response is optimistic")
	ErrHeadStreamEnded  = errors.New("head event stream ended")
	ErrUndecodableBlock = errors.New("beacon block failed to decode")
)

// BeaconClient talks to a consensus node over its REST API. Heads are
// followed via the server-sent-events endpoint; blocks are fetched by root.
type BeaconClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	genesisTime    int64
	secondsPerSlot int64
	requestTimeout time.Duration
}

func WithBeaconRequestTimeout(d time.Duration) func(*BeaconClient) {
	return func(c *BeaconClient) {
		c.requestTimeout = d
	}
}

func NewBeaconClient(baseURL string, genesisTime, secondsPerSlot int64, logger *slog.Logger, opts ...func(*BeaconClient)) *BeaconClient {
	c := &BeaconClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		client:         &http.Client{},
		logger:         logger.With(slog.String("module", "beacon-client")),
		genesisTime:    genesisTime,
		secondsPerSlot: secondsPerSlot,
		requestTimeout: requestTimeoutDefault,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// headEvent is the payload of an SSE head event.
type headEvent struct {
	Slot  string `json:"slot"`
	Block string `json:"block"`
}

// SubscribeHeads follows the head topic and emits one fully fetched Head per
// event. The stream is re-established with exponential backoff on any error.
func (c *BeaconClient) SubscribeHeads(ctx context.Context, out chan<- *Head) error {
	bo := newBackOff()

	for {
		err := c.streamHeads(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := bo.NextBackOff()
		c.logger.Warn("head stream dropped, reconnecting",
			slog.String("err", err.Error()), slog.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *BeaconClient) streamHeads(ctx context.Context, out chan<- *Head) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/eth/v1/events?topics=head", nil)
	if err != nil {
		return classify(err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Join(ErrTransport, ErrBeaconStatus, fmt.Errorf("status: %d", resp.StatusCode))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	eventType := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if eventType != "head" {
				continue
			}
			receivedAt := time.Now().UTC()

			var event headEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &event); err != nil {
				// Malformed stream data is a protocol error; drop the
				// connection and resubscribe.
				return errors.Join(ErrProtocol, err)
			}

			head, err := c.FetchBlockByRoot(ctx, common.HexToHash(event.Block))
			if err != nil {
				return err
			}
			head.ReceivedAt = receivedAt

			select {
			case out <- head:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return classify(err)
	}
	return errors.Join(ErrTransport, ErrHeadStreamEnded)
}

type beaconBlockResponse struct {
	ExecutionOptimistic bool `json:"execution_optimistic"`
	Data                struct {
		Message struct {
			Slot          string `json:"slot"`
			ProposerIndex string `json:"proposer_index"`
			ParentRoot    string `json:"parent_root"`
			Body          struct {
				ExecutionPayload struct {
					BlockHash     string   `json:"block_hash"`
					BlockNumber   string   `json:"block_number"`
					BaseFeePerGas string   `json:"base_fee_per_gas"`
					GasUsed       string   `json:"gas_used"`
					GasLimit      string   `json:"gas_limit"`
					Transactions  []string `json:"transactions"`
				} `json:"execution_payload"`
			} `json:"body"`
		} `json:"message"`
	} `json:"data"`
}

// FetchBlockByRoot fetches a beacon block and decodes its execution payload.
// Individual transactions that fail to decode are skipped with a warning so
// one exotic transaction does not hide the whole block.
func (c *BeaconClient) FetchBlockByRoot(ctx context.Context, root common.Hash) (*Head, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var response beaconBlockResponse
	err := c.getJSON(ctx, "/eth/v2/beacon/blocks/"+root.Hex(), &response)
	if err != nil {
		return nil, err
	}
	if response.ExecutionOptimistic {
		return nil, errors.Join(ErrProtocol, ErrOptimisticBlock)
	}

	message := response.Data.Message
	payload := message.Body.ExecutionPayload

	head := &Head{
		Root:               root,
		ParentRoot:         common.HexToHash(message.ParentRoot),
		ExecutionBlockHash: common.HexToHash(payload.BlockHash),
	}
	if head.Slot, err = parseUint(message.Slot); err != nil {
		return nil, errors.Join(ErrProtocol, err)
	}
	if head.ProposerIndex, err = parseUint(message.ProposerIndex); err != nil {
		return nil, errors.Join(ErrProtocol, err)
	}
	if head.ExecutionBlockNumber, err = parseUint(payload.BlockNumber); err != nil {
		return nil, errors.Join(ErrProtocol, err)
	}
	if head.GasUsed, err = parseUint(payload.GasUsed); err != nil {
		return nil, errors.Join(ErrProtocol, err)
	}
	if head.GasLimit, err = parseUint(payload.GasLimit); err != nil {
		return nil, errors.Join(ErrProtocol, err)
	}
	baseFee, ok := new(big.Int).SetString(payload.BaseFeePerGas, 10)
	if !ok {
		return nil, errors.Join(ErrProtocol, fmt.Errorf("base fee: %q", payload.BaseFeePerGas))
	}
	head.BaseFeePerGas = baseFee
	head.ProposalTime = time.Unix(c.genesisTime+int64(head.Slot)*c.secondsPerSlot, 0).UTC()

	for _, raw := range payload.Transactions {
		data, err := hexutil.Decode(raw)
		if err != nil {
			c.logger.Warn("undecodable transaction payload in block",
				slog.String("block", head.String()), slog.String("err", err.Error()))
			continue
		}
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(data); err != nil {
			c.logger.Warn("undecodable transaction in block",
				slog.String("block", head.String()), slog.String("err", err.Error()))
			continue
		}
		head.Transactions = append(head.Transactions, tx)
	}

	return head, nil
}

type syncingResponse struct {
	Data struct {
		IsSyncing bool `json:"is_syncing"`
	} `json:"data"`
}

// IsSynced reports whether the consensus node considers itself synced.
func (c *BeaconClient) IsSynced(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var response syncingResponse
	if err := c.getJSON(ctx, "/eth/v1/node/syncing", &response); err != nil {
		return false, err
	}
	return !response.Data.IsSyncing, nil
}

func (c *BeaconClient) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return classify(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.Join(ErrNotFound, fmt.Errorf("path: %s", path))
	case resp.StatusCode != http.StatusOK:
		return errors.Join(ErrTransport, ErrBeaconStatus, fmt.Errorf("status: %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return classify(err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Join(ErrProtocol, err)
	}
	return nil
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
