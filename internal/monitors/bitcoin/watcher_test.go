package bitcoin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/rs/zerolog"

	"payin-monitor/internal/models"
	"payin-monitor/internal/monitors"
)

const (
	watchedAddr = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
	otherAddr   = "bc1qxy2kgdygjrsqtzq2n0yrf2493p83kkfjhx0wlh"
)

// fakeHandler records delivered watcher events.
type fakeHandler struct {
	mu      sync.Mutex
	utxos   []models.UTXO
	updates []models.ConfidenceUpdate
}

func (h *fakeHandler) UTXOReceived(u models.UTXO) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.utxos = append(h.utxos, u)
}

func (h *fakeHandler) ConfidenceChanged(cu models.ConfidenceUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, cu)
}

func (h *fakeHandler) receivedUTXOs() []models.UTXO {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.UTXO, len(h.utxos))
	copy(out, h.utxos)
	return out
}

func (h *fakeHandler) confidenceUpdates() []models.ConfidenceUpdate {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.ConfidenceUpdate, len(h.updates))
	copy(out, h.updates)
	return out
}

// nodeState drives the fake bitcoin node. blockTxs describes the tip block;
// blocks and hashAt serve older blocks by hash and height.
type nodeState struct {
	mu       sync.Mutex
	bestHash string
	height   uint64
	mempool  []string
	blockTxs []string
	blocks   map[string]BlockDetails
	hashAt   map[uint64]string
	txs      map[string]TransactionDetails
}

func (n *nodeState) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.RPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", 400)
			return
		}

		n.mu.Lock()
		defer n.mu.Unlock()

		var response models.RPCResponse
		response.Jsonrpc = "2.0"
		response.ID = req.ID

		switch req.Method {
		case "getbestblockhash":
			result, _ := json.Marshal(n.bestHash)
			response.Result = result
		case "getblockcount":
			result, _ := json.Marshal(n.height)
			response.Result = result
		case "getrawmempool":
			result, _ := json.Marshal(n.mempool)
			response.Result = result
		case "getblock":
			hash, _ := req.Params[0].(string)
			block, ok := n.blocks[hash]
			if !ok {
				block = BlockDetails{
					Hash:   n.bestHash,
					Tx:     n.blockTxs,
					Height: n.height,
				}
			}
			result, _ := json.Marshal(block)
			response.Result = result
		case "getblockhash":
			height, _ := req.Params[0].(float64)
			hash, ok := n.hashAt[uint64(height)]
			if !ok {
				response.Error = &models.RPCError{Code: -8, Message: "Block height out of range"}
				break
			}
			result, _ := json.Marshal(hash)
			response.Result = result
		case "getrawtransaction":
			txid, _ := req.Params[0].(string)
			tx, ok := n.txs[txid]
			if !ok {
				response.Error = &models.RPCError{Code: -5, Message: "No such transaction"}
				break
			}
			result, _ := json.Marshal(tx)
			response.Result = result
		default:
			response.Error = &models.RPCError{Code: -32601, Message: "Method not found"}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

func paymentTx(txid, addr string, btc float64) TransactionDetails {
	return TransactionDetails{
		Txid: txid,
		Time: time.Now().Unix(),
		Vout: []Vout{
			{
				Value:        btc,
				N:            0,
				ScriptPubKey: ScriptPubKey{Address: addr},
			},
		},
	}
}

func setupTestWatcher(t *testing.T, node *nodeState) (*Watcher, *fakeHandler, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(node.handler())
	t.Cleanup(server.Close)

	logger := zerolog.New(nil)
	client := monitors.NewClient(server.URL, "", 100, 1, time.Millisecond, 5*time.Second, logger)
	watcher := NewWatcher(client, &chaincfg.MainNetParams, time.Hour, logger)

	handler := &fakeHandler{}
	watcher.SetHandler(handler)

	if err := watcher.Watch(watchedAddr, time.Unix(1500000000, 0)); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	return watcher, handler, server
}

func TestWatcher_WatchValidatesAddress(t *testing.T) {
	watcher, _, _ := setupTestWatcher(t, &nodeState{})

	if err := watcher.Watch("not-an-address", time.Now()); err == nil {
		t.Error("Expected error for malformed address")
	}
	if err := watcher.Watch(otherAddr, time.Now()); err != nil {
		t.Errorf("Watch() bech32 error = %v", err)
	}
}

func TestWatcher_WatchIdempotent(t *testing.T) {
	watcher, _, _ := setupTestWatcher(t, &nodeState{})

	if err := watcher.Watch(watchedAddr, time.Now()); err != nil {
		t.Fatalf("Watch() duplicate error = %v", err)
	}

	watcher.mu.RLock()
	count := len(watcher.addresses)
	watcher.mu.RUnlock()
	if count != 1 {
		t.Errorf("Expected 1 watched address, got %d", count)
	}
}

func TestWatcher_MempoolDeliversPending(t *testing.T) {
	node := &nodeState{
		bestHash: "hash0",
		height:   850000,
		mempool:  []string{"tx1"},
		txs: map[string]TransactionDetails{
			"tx1": paymentTx("tx1", watchedAddr, 0.5),
		},
	}
	watcher, handler, _ := setupTestWatcher(t, node)
	watcher.bestHash = "hash0"

	watcher.poll(context.Background())

	utxos := handler.receivedUTXOs()
	if len(utxos) != 1 {
		t.Fatalf("Expected 1 UTXO event, got %d", len(utxos))
	}
	u := utxos[0]
	if u.Confidence != models.ConfidencePending {
		t.Errorf("Confidence = %v, want pending", u.Confidence)
	}
	if u.Amount != 50_000_000 {
		t.Errorf("Amount = %d, want 50000000", u.Amount)
	}
	if u.OutPoint.TxID != "tx1" || u.OutPoint.Index != 0 {
		t.Errorf("OutPoint = %v, want tx1:0", u.OutPoint)
	}

	// A second poll with an unchanged mempool delivers nothing new.
	watcher.poll(context.Background())
	if got := len(handler.receivedUTXOs()); got != 1 {
		t.Errorf("Expected no duplicate delivery, got %d events", got)
	}
}

func TestWatcher_BlockDeliversBuilding(t *testing.T) {
	node := &nodeState{
		bestHash: "hash1",
		height:   850001,
		blockTxs: []string{"tx2"},
		txs: map[string]TransactionDetails{
			"tx2": paymentTx("tx2", watchedAddr, 1.0),
		},
	}
	watcher, handler, _ := setupTestWatcher(t, node)

	watcher.poll(context.Background())

	utxos := handler.receivedUTXOs()
	if len(utxos) != 1 {
		t.Fatalf("Expected 1 UTXO event, got %d", len(utxos))
	}
	u := utxos[0]
	if u.Confidence != models.ConfidenceBuilding {
		t.Errorf("Confidence = %v, want building", u.Confidence)
	}
	if u.Height != 850001 {
		t.Errorf("Height = %d, want 850001", u.Height)
	}
	if u.Amount != 100_000_000 {
		t.Errorf("Amount = %d, want 100000000", u.Amount)
	}
}

func TestWatcher_OutputsToUnwatchedAddressesIgnored(t *testing.T) {
	node := &nodeState{
		bestHash: "hash1",
		height:   850001,
		blockTxs: []string{"tx3"},
		txs: map[string]TransactionDetails{
			"tx3": paymentTx("tx3", "1BitcoinEaterAddressDontSendf59kuE", 2.0),
		},
	}
	watcher, handler, _ := setupTestWatcher(t, node)

	watcher.poll(context.Background())

	if got := len(handler.receivedUTXOs()); got != 0 {
		t.Errorf("Expected no events for unwatched address, got %d", got)
	}
}

func TestWatcher_FollowedTransactionConfirms(t *testing.T) {
	op := models.OutPoint{TxID: "tx4", Index: 0}
	node := &nodeState{
		bestHash: "hash2",
		height:   850002,
		blockTxs: []string{"tx4"},
		txs: map[string]TransactionDetails{
			"tx4": paymentTx("tx4", watchedAddr, 0.25),
		},
	}
	watcher, handler, _ := setupTestWatcher(t, node)

	// The output was seen pending earlier and is being followed.
	watcher.seen[op] = struct{}{}
	watcher.Follow(op)

	watcher.poll(context.Background())

	updates := handler.confidenceUpdates()
	if len(updates) != 1 {
		t.Fatalf("Expected 1 confidence update, got %d", len(updates))
	}
	cu := updates[0]
	if cu.Confidence != models.ConfidenceBuilding {
		t.Errorf("Confidence = %v, want building", cu.Confidence)
	}
	if cu.Height != 850002 {
		t.Errorf("Height = %d, want 850002", cu.Height)
	}

	// The pending sighting must not be re-delivered as a new UTXO.
	for _, u := range handler.receivedUTXOs() {
		if u.OutPoint == op {
			t.Error("Followed output re-delivered as a new UTXO")
		}
	}
}

func TestWatcher_TipAdvanceDeliversIntermediateBlocks(t *testing.T) {
	node := &nodeState{
		bestHash: "hash2",
		height:   850002,
		blockTxs: []string{"tx8"},
		blocks: map[string]BlockDetails{
			"hash1": {Hash: "hash1", Height: 850001, Tx: []string{"tx7"}},
		},
		hashAt: map[uint64]string{850001: "hash1"},
		txs: map[string]TransactionDetails{
			"tx7": paymentTx("tx7", watchedAddr, 0.3),
			"tx8": paymentTx("tx8", watchedAddr, 0.7),
		},
	}
	watcher, handler, _ := setupTestWatcher(t, node)

	// The tip moved two blocks since the last poll.
	watcher.bestHash = "hash0"
	watcher.height = 850000

	watcher.poll(context.Background())

	utxos := handler.receivedUTXOs()
	if len(utxos) != 2 {
		t.Fatalf("Expected 2 UTXO events, got %d", len(utxos))
	}
	byTx := make(map[string]models.UTXO, len(utxos))
	for _, u := range utxos {
		if u.Confidence != models.ConfidenceBuilding {
			t.Errorf("Confidence for %s = %v, want building", u.OutPoint.TxID, u.Confidence)
		}
		byTx[u.OutPoint.TxID] = u
	}
	if u, ok := byTx["tx7"]; !ok || u.Height != 850001 {
		t.Errorf("tx7 delivery = %+v, want height 850001", u)
	}
	if u, ok := byTx["tx8"]; !ok || u.Height != 850002 {
		t.Errorf("tx8 delivery = %+v, want height 850002", u)
	}
}

func TestWatcher_FollowedMinedTransactionNotReportedDead(t *testing.T) {
	op := models.OutPoint{TxID: "tx9", Index: 0}
	tx := paymentTx("tx9", watchedAddr, 0.25)
	tx.BlockHash = "hash2"
	tx.Confirmations = 2

	node := &nodeState{
		bestHash: "hash3",
		height:   850003,
		txs:      map[string]TransactionDetails{"tx9": tx},
	}
	watcher, handler, _ := setupTestWatcher(t, node)

	// The transaction confirmed earlier but the output is still followed,
	// for example while its credit is being retried. The unchanging tip and
	// empty mempool must not make it look dead.
	watcher.bestHash = "hash3"
	watcher.height = 850003
	watcher.seen[op] = struct{}{}
	watcher.Follow(op)

	for i := 0; i <= deadAfterMisses; i++ {
		watcher.poll(context.Background())
	}

	updates := handler.confidenceUpdates()
	if len(updates) == 0 {
		t.Fatal("Expected building updates for the mined transaction")
	}
	for _, cu := range updates {
		if cu.Confidence == models.ConfidenceDead {
			t.Fatal("Mined transaction reported dead")
		}
		if cu.Confidence != models.ConfidenceBuilding {
			t.Errorf("Confidence = %v, want building", cu.Confidence)
		}
		if cu.Height != 850002 {
			t.Errorf("Height = %d, want 850002", cu.Height)
		}
	}
}

func TestWatcher_FollowedTransactionVanishesReportsDead(t *testing.T) {
	op := models.OutPoint{TxID: "tx5", Index: 0}
	node := &nodeState{
		bestHash: "hash0",
		height:   850000,
	}
	watcher, handler, _ := setupTestWatcher(t, node)
	watcher.bestHash = "hash0"
	watcher.seen[op] = struct{}{}
	watcher.Follow(op)

	for i := 0; i < deadAfterMisses; i++ {
		if got := len(handler.confidenceUpdates()); got != 0 {
			t.Fatalf("Dead reported after only %d polls", i)
		}
		watcher.poll(context.Background())
	}

	updates := handler.confidenceUpdates()
	if len(updates) != 1 {
		t.Fatalf("Expected 1 confidence update, got %d", len(updates))
	}
	if updates[0].Confidence != models.ConfidenceDead {
		t.Errorf("Confidence = %v, want dead", updates[0].Confidence)
	}
}

func TestWatcher_UnfollowStopsDelivery(t *testing.T) {
	op := models.OutPoint{TxID: "tx6", Index: 0}
	node := &nodeState{
		bestHash: "hash0",
		height:   850000,
	}
	watcher, handler, _ := setupTestWatcher(t, node)
	watcher.bestHash = "hash0"
	watcher.Follow(op)
	watcher.Unfollow(op)

	for i := 0; i <= deadAfterMisses; i++ {
		watcher.poll(context.Background())
	}

	if got := len(handler.confidenceUpdates()); got != 0 {
		t.Errorf("Expected no updates after unfollow, got %d", got)
	}
}

func TestWatcher_BlockHead(t *testing.T) {
	node := &nodeState{bestHash: "hash0", height: 850123}
	watcher, _, _ := setupTestWatcher(t, node)

	head, err := watcher.BlockHead()
	if err != nil {
		t.Fatalf("BlockHead() error = %v", err)
	}
	if head != 850123 {
		t.Errorf("BlockHead() = %d, want 850123", head)
	}
}

func TestWatcher_BlockHeadError(t *testing.T) {
	watcher, _, _ := setupTestWatcher(t, &nodeState{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal server error", 500)
	}))
	defer server.Close()
	watcher.client.Endpoint = server.URL

	if _, err := watcher.BlockHead(); err == nil {
		t.Error("Expected error from BlockHead")
	}
}

func TestBtcToSatoshi(t *testing.T) {
	tests := []struct {
		btc  float64
		want int64
	}{
		{0.5, 50_000_000},
		{1.0, 100_000_000},
		{0.00000001, 1},
		{20.12345678, 2_012_345_678},
	}

	for _, tt := range tests {
		if got := btcToSatoshi(tt.btc); got != tt.want {
			t.Errorf("btcToSatoshi(%v) = %d, want %d", tt.btc, got, tt.want)
		}
	}
}
