// Package bitcoin watches the bitcoin chain for payments to registered
// addresses by polling a node over JSON-RPC. It reports unconfirmed outputs
// as pending, confirmed outputs as building with the inclusion height, and
// followed transactions that vanish without confirming as dead.
package bitcoin

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/rs/zerolog"

	"payin-monitor/internal/interfaces"
	"payin-monitor/internal/models"
	"payin-monitor/internal/monitors"
	"payin-monitor/internal/validation"
)

// deadAfterMisses is how many consecutive polls a followed transaction may be
// absent from both the mempool and new blocks before it is reported dead.
const deadAfterMisses = 3

type Watcher struct {
	client       *monitors.Client
	params       *chaincfg.Params
	pollInterval time.Duration
	log          zerolog.Logger
	handler      interfaces.PaymentHandler

	mu        sync.RWMutex
	addresses map[string]time.Time
	seen      map[models.OutPoint]struct{}
	followed  map[models.OutPoint]int
	mempool   map[string]struct{}
	bestHash  string
	height    uint64

	quit chan struct{}
	done chan struct{}
}

var (
	_ interfaces.ChainWatcher    = (*Watcher)(nil)
	_ interfaces.BlockchainWatch = (*Watcher)(nil)
)

func NewWatcher(client *monitors.Client, params *chaincfg.Params, pollInterval time.Duration, log zerolog.Logger) *Watcher {
	return &Watcher{
		client:       client,
		params:       params,
		pollInterval: pollInterval,
		log:          log,
		addresses:    make(map[string]time.Time),
		seen:         make(map[models.OutPoint]struct{}),
		followed:     make(map[models.OutPoint]int),
		mempool:      make(map[string]struct{}),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// SetHandler binds the event consumer. Must be called before Start.
func (w *Watcher) SetHandler(h interfaces.PaymentHandler) {
	w.handler = h
}

func (w *Watcher) ChainName() models.Currency {
	return models.Bitcoin
}

// Watch registers an address for monitoring. Idempotent: duplicate
// registrations, including unrelated addresses re-announced by the trigger,
// are no-ops.
func (w *Watcher) Watch(address string, since time.Time) error {
	if err := validation.ValidateBitcoinAddress(address, w.params); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.addresses[address]; ok {
		return nil
	}
	w.addresses[address] = since

	w.log.Info().
		Str("address", address).
		Time("since", since).
		Msg("Watching bitcoin address")
	return nil
}

// Follow subscribes an output for confidence-changed delivery.
func (w *Watcher) Follow(op models.OutPoint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.followed[op]; !ok {
		w.followed[op] = 0
	}
}

// Unfollow detaches a confidence subscription. Unknown outpoints are ignored.
func (w *Watcher) Unfollow(op models.OutPoint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.followed, op)
}

func (w *Watcher) Start(ctx context.Context) error {
	if w.handler == nil {
		return fmt.Errorf("bitcoin watcher started without a payment handler")
	}

	bestHash, err := w.getBestBlockHash(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to bitcoin node: %v", err)
	}
	height, err := w.BlockHead()
	if err != nil {
		return fmt.Errorf("failed to get latest block height: %v", err)
	}

	w.mu.Lock()
	w.bestHash = bestHash
	w.height = height
	w.mu.Unlock()

	w.log.Info().
		Uint64("blockNumber", height).
		Msg("Connected to bitcoin node")

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
	w.client.Close()
	return nil
}

// BlockHead returns the node's current chain height.
func (w *Watcher) BlockHead() (uint64, error) {
	resp, err := w.client.Call(context.Background(), "getblockcount", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get current block number: %v", err)
	}

	var height uint64
	if err := json.Unmarshal(resp.Result, &height); err != nil {
		return 0, err
	}
	return height, nil
}

func (w *Watcher) monitorLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutting down bitcoin watcher")
			return
		case <-w.quit:
			w.log.Info().Msg("Shutting down bitcoin watcher")
			return

		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll runs one scan cycle: new blocks, then new mempool transactions, then
// the liveness of followed transactions.
func (w *Watcher) poll(ctx context.Context) {
	mined := w.checkBestBlock(ctx)
	inMempool := w.scanMempool(ctx)
	w.checkFollowed(ctx, mined, inMempool)
}

// scanMempool delivers pending outputs for transactions newly seen in the
// mempool and returns the current mempool transaction set.
func (w *Watcher) scanMempool(ctx context.Context) map[string]struct{} {
	resp, err := w.client.Call(ctx, "getrawmempool", nil)
	if err != nil {
		w.log.Error().Err(err).Msg("Failed to fetch mempool")
		w.mu.RLock()
		defer w.mu.RUnlock()
		return w.mempool
	}

	var txids []string
	if err := json.Unmarshal(resp.Result, &txids); err != nil {
		w.log.Error().Err(err).Msg("Failed to parse mempool")
		w.mu.RLock()
		defer w.mu.RUnlock()
		return w.mempool
	}

	current := make(map[string]struct{}, len(txids))
	var fresh []string
	w.mu.Lock()
	for _, txid := range txids {
		current[txid] = struct{}{}
		if _, ok := w.mempool[txid]; !ok {
			fresh = append(fresh, txid)
		}
	}
	w.mempool = current
	w.mu.Unlock()

	for _, txid := range fresh {
		tx, err := w.getTransaction(ctx, txid)
		if err != nil {
			w.log.Debug().Err(err).Str("txid", txid).Msg("Skipping mempool transaction")
			continue
		}
		w.deliverOutputs(tx, models.ConfidencePending, 0)
	}

	return current
}

// checkBestBlock processes every block appended since the last poll and
// returns the transactions they confirmed, keyed to their inclusion height.
func (w *Watcher) checkBestBlock(ctx context.Context) map[string]uint64 {
	currentHash, err := w.getBestBlockHash(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("Failed to get current bitcoin block hash")
		return nil
	}

	w.mu.RLock()
	lastHash := w.bestHash
	lastHeight := w.height
	w.mu.RUnlock()
	if currentHash == lastHash {
		return nil
	}

	tip, err := w.getBlock(ctx, currentHash)
	if err != nil {
		w.log.Error().
			Err(err).
			Str("blockHash", currentHash).
			Msg("Error processing block")
		return nil
	}

	// Walk every height the tip advanced past, so payments confirmed in
	// intermediate blocks are delivered too.
	from := lastHeight + 1
	if lastHeight == 0 || tip.Height < from {
		// No known height yet, or a reorg to a lower tip; scan the tip only.
		from = tip.Height
	}

	mined := make(map[string]uint64, len(tip.Tx))
	for height := from; height <= tip.Height; height++ {
		block := tip
		if height != tip.Height {
			hash, err := w.getBlockHash(ctx, height)
			if err != nil {
				w.log.Error().
					Err(err).
					Uint64("blockHeight", height).
					Msg("Failed to resolve block hash")
				return mined
			}
			block, err = w.getBlock(ctx, hash)
			if err != nil {
				w.log.Error().
					Err(err).
					Str("blockHash", hash).
					Msg("Error processing block")
				return mined
			}
		}
		w.scanBlock(ctx, block, mined)
	}

	w.mu.Lock()
	w.bestHash = currentHash
	w.height = tip.Height
	w.mu.Unlock()

	// Followed transactions included in these blocks just reached building.
	var updates []models.ConfidenceUpdate
	w.mu.RLock()
	for op := range w.followed {
		if height, ok := mined[op.TxID]; ok {
			updates = append(updates, models.ConfidenceUpdate{
				OutPoint:   op,
				Confidence: models.ConfidenceBuilding,
				Height:     height,
			})
		}
	}
	w.mu.RUnlock()
	for _, cu := range updates {
		w.handler.ConfidenceChanged(cu)
	}

	return mined
}

// scanBlock delivers the block's payments to watched addresses and records
// its transactions in mined.
func (w *Watcher) scanBlock(ctx context.Context, block *BlockDetails, mined map[string]uint64) {
	w.log.Info().
		Str("blockHash", block.Hash).
		Uint64("blockHeight", block.Height).
		Int("txCount", len(block.Tx)).
		Msg("Processing bitcoin block")

	for _, txid := range block.Tx {
		mined[txid] = block.Height

		tx, err := w.getTransaction(ctx, txid)
		if err != nil {
			w.log.Debug().Err(err).Str("txid", txid).Msg("Skipping block transaction")
			continue
		}
		w.deliverOutputs(tx, models.ConfidenceBuilding, block.Height)
	}
}

// checkFollowed reports followed transactions as dead once the node itself no
// longer knows them for several polls in a row. A transaction absent from the
// mempool and from new blocks is looked up directly first: a confirmed one is
// re-reported as building (it may still be followed because the consumer is
// retrying), and one the node still holds unconfirmed is left alone.
func (w *Watcher) checkFollowed(ctx context.Context, mined map[string]uint64, inMempool map[string]struct{}) {
	var candidates []models.OutPoint
	w.mu.Lock()
	tipHeight := w.height
	for op := range w.followed {
		if _, ok := mined[op.TxID]; ok {
			w.followed[op] = 0
			continue
		}
		if _, ok := inMempool[op.TxID]; ok {
			w.followed[op] = 0
			continue
		}
		candidates = append(candidates, op)
	}
	w.mu.Unlock()

	var confirmed []models.ConfidenceUpdate
	var lost []models.OutPoint
	for _, op := range candidates {
		tx, err := w.getTransaction(ctx, op.TxID)
		if err == nil {
			w.mu.Lock()
			if _, ok := w.followed[op]; ok {
				w.followed[op] = 0
			}
			w.mu.Unlock()

			if tx.Confirmations > 0 {
				confirmed = append(confirmed, models.ConfidenceUpdate{
					OutPoint:   op,
					Confidence: models.ConfidenceBuilding,
					Height:     tipHeight - tx.Confirmations + 1,
				})
			}
			continue
		}

		w.mu.Lock()
		misses, ok := w.followed[op]
		if !ok {
			w.mu.Unlock()
			continue
		}
		misses++
		w.followed[op] = misses
		w.mu.Unlock()
		if misses >= deadAfterMisses {
			lost = append(lost, op)
		}
	}

	for _, cu := range confirmed {
		w.handler.ConfidenceChanged(cu)
	}
	for _, op := range lost {
		w.log.Warn().
			Str("txid", op.TxID).
			Msg("Followed transaction disappeared without confirming")
		w.handler.ConfidenceChanged(models.ConfidenceUpdate{
			OutPoint:   op,
			Confidence: models.ConfidenceDead,
		})
	}
}

// deliverOutputs hands every not-yet-seen output paying a watched address to
// the handler.
func (w *Watcher) deliverOutputs(tx *TransactionDetails, confidence models.Confidence, height uint64) {
	var deliveries []models.UTXO

	w.mu.Lock()
	for _, vout := range tx.Vout {
		for _, addr := range vout.ScriptPubKey.addressList() {
			if _, watched := w.addresses[addr]; !watched {
				continue
			}
			op := models.OutPoint{TxID: tx.Txid, Index: vout.N}
			if _, ok := w.seen[op]; ok {
				break
			}
			w.seen[op] = struct{}{}
			deliveries = append(deliveries, models.UTXO{
				OutPoint:   op,
				Address:    addr,
				Amount:     btcToSatoshi(vout.Value),
				Confidence: confidence,
				Height:     height,
			})
			break
		}
	}
	w.mu.Unlock()

	for _, u := range deliveries {
		w.handler.UTXOReceived(u)
	}
}

func (w *Watcher) getBestBlockHash(ctx context.Context) (string, error) {
	resp, err := w.client.Call(ctx, "getbestblockhash", nil)
	if err != nil {
		return "", err
	}

	var blockHash string
	if err := json.Unmarshal(resp.Result, &blockHash); err != nil {
		return "", err
	}
	return blockHash, nil
}

func (w *Watcher) getBlockHash(ctx context.Context, height uint64) (string, error) {
	resp, err := w.client.Call(ctx, "getblockhash", []interface{}{height})
	if err != nil {
		return "", err
	}

	var blockHash string
	if err := json.Unmarshal(resp.Result, &blockHash); err != nil {
		return "", err
	}
	return blockHash, nil
}

func (w *Watcher) getBlock(ctx context.Context, blockHash string) (*BlockDetails, error) {
	resp, err := w.client.Call(ctx, "getblock", []interface{}{blockHash})
	if err != nil {
		return nil, err
	}

	var block BlockDetails
	if err := json.Unmarshal(resp.Result, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

func (w *Watcher) getTransaction(ctx context.Context, txid string) (*TransactionDetails, error) {
	resp, err := w.client.Call(ctx, "getrawtransaction", []interface{}{txid, true})
	if err != nil {
		return nil, fmt.Errorf("RPC call failed: %v", err)
	}

	var tx TransactionDetails
	if err := json.Unmarshal(resp.Result, &tx); err != nil {
		return nil, fmt.Errorf("failed to parse transaction details: %v", err)
	}
	if tx.Txid == "" {
		return nil, fmt.Errorf("parsed transaction is invalid (empty txid)")
	}
	return &tx, nil
}

// btcToSatoshi converts a BTC amount reported by the node to satoshi.
func btcToSatoshi(btc float64) int64 {
	return int64(math.Round(btc * 1e8))
}
