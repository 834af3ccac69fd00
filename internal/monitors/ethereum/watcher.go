// Package ethereum watches for ether payments to registered addresses and
// emits a payment event for every value transfer it observes. Ether amounts
// are reported in wei and are not part of the USD accumulation.
package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"payin-monitor/internal/interfaces"
	"payin-monitor/internal/models"
	"payin-monitor/internal/monitors"
	"payin-monitor/internal/validation"
)

type Watcher struct {
	endpoint     string
	apiKey       string
	pollInterval time.Duration
	emitter      interfaces.EventEmitter
	log          zerolog.Logger

	client *ethclient.Client

	mu          sync.RWMutex
	addresses   map[common.Address]struct{}
	latestBlock uint64

	quit chan struct{}
	done chan struct{}
}

var _ interfaces.ChainWatcher = (*Watcher)(nil)

func NewWatcher(endpoint, apiKey string, pollInterval time.Duration, emitter interfaces.EventEmitter, log zerolog.Logger) *Watcher {
	return &Watcher{
		endpoint:     endpoint,
		apiKey:       apiKey,
		pollInterval: pollInterval,
		emitter:      emitter,
		log:          log,
		addresses:    make(map[common.Address]struct{}),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (w *Watcher) ChainName() models.Currency {
	return models.Ether
}

// Watch registers an address for monitoring. Idempotent.
func (w *Watcher) Watch(address string, since time.Time) error {
	if err := validation.ValidateEthereumAddress(address); err != nil {
		return err
	}

	addr := common.HexToAddress(address)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.addresses[addr]; ok {
		return nil
	}
	w.addresses[addr] = struct{}{}

	w.log.Info().
		Str("address", addr.Hex()).
		Time("since", since).
		Msg("Watching ethereum address")
	return nil
}

func (w *Watcher) Start(ctx context.Context) error {
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &monitors.CustomTransport{
			Base:   http.DefaultTransport,
			ApiKey: w.apiKey,
		},
	}

	rpcClient, err := rpc.DialHTTPWithClient(w.endpoint, httpClient)
	if err != nil {
		return fmt.Errorf("failed to create RPC client: %v", err)
	}
	w.client = ethclient.NewClient(rpcClient)

	latestBlock, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get latest ethereum block: %v", err)
	}

	w.mu.Lock()
	w.latestBlock = latestBlock
	w.mu.Unlock()

	w.log.Info().
		Uint64("blockNumber", latestBlock).
		Msg("Connected to ethereum node")

	go w.monitorLoop(ctx)
	return nil
}

func (w *Watcher) Stop(ctx context.Context) error {
	close(w.quit)
	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if w.client != nil {
		w.client.Close()
	}
	return nil
}

// BlockHead returns the latest block processed by the watcher.
func (w *Watcher) BlockHead() (uint64, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.latestBlock == 0 {
		return 0, fmt.Errorf("ethereum watcher not started")
	}
	return w.latestBlock, nil
}

func (w *Watcher) monitorLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutting down ethereum watcher")
			return
		case <-w.quit:
			w.log.Info().Msg("Shutting down ethereum watcher")
			return

		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	currentBlock, err := w.client.BlockNumber(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("Failed to get current ethereum block")
		return
	}

	w.mu.RLock()
	from := w.latestBlock + 1
	w.mu.RUnlock()

	for blockNum := from; blockNum <= currentBlock; blockNum++ {
		if err := w.processBlock(ctx, blockNum); err != nil {
			w.log.Error().
				Err(err).
				Uint64("blockNumber", blockNum).
				Msg("Error processing ethereum block")
			return
		}
		w.mu.Lock()
		w.latestBlock = blockNum
		w.mu.Unlock()
	}
}

func (w *Watcher) processBlock(ctx context.Context, blockNum uint64) error {
	block, err := w.client.BlockByNumber(ctx, new(big.Int).SetUint64(blockNum))
	if err != nil {
		return fmt.Errorf("failed to get block %d: %v", blockNum, err)
	}

	for _, tx := range block.Transactions() {
		to := tx.To()
		if to == nil {
			continue
		}
		w.mu.RLock()
		_, watched := w.addresses[*to]
		w.mu.RUnlock()
		if !watched {
			continue
		}
		w.emitTransfer(tx, *to, block)
	}
	return nil
}

func (w *Watcher) emitTransfer(tx *types.Transaction, to common.Address, block *types.Block) {
	event := models.PaymentEvent{
		Chain:     models.Ether,
		TxHash:    tx.Hash().Hex(),
		Address:   to.Hex(),
		Amount:    tx.Value().String(),
		Height:    block.NumberU64(),
		Timestamp: time.Unix(int64(block.Time()), 0),
	}

	if err := w.emitter.EmitEvent(event); err != nil {
		w.log.Error().
			Err(err).
			Str("txHash", event.TxHash).
			Msg("Failed to emit event for transfer")
	}
}
