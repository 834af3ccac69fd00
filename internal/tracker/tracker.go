// Package tracker credits confirmed bitcoin payments to a running USD total.
//
// Every output paying a watched address moves through a small state machine:
// observed, then either credited once its transaction is building on the best
// chain, or discarded when the transaction dies or conflicts. An output is
// credited at most once regardless of how events interleave.
package tracker

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"payin-monitor/internal/interfaces"
	"payin-monitor/internal/models"
	"payin-monitor/internal/validation"
)

// satoshiPerBTC is the 8-decimal fixed-point unit of the amounts delivered by
// the chain watcher.
const satoshiPerBTC = 100_000_000

type pendingUTXO struct {
	address string
	amount  int64
}

// Tracker consumes chain-watcher events and accumulates the USD value of
// sufficiently confirmed outputs. It implements interfaces.PaymentHandler.
type Tracker struct {
	watch   interfaces.BlockchainWatch
	rates   interfaces.RateSource
	emitter interfaces.EventEmitter
	log     zerolog.Logger

	// mu guards processed, pending and totalCents. The check-credit-update
	// sequence on processed must stay atomic; the rate lookup itself runs
	// outside the lock and the commit re-checks membership.
	mu         sync.Mutex
	processed  map[models.OutPoint]struct{}
	pending    map[models.OutPoint]pendingUTXO
	totalCents int64
}

var _ interfaces.PaymentHandler = (*Tracker)(nil)

func New(watch interfaces.BlockchainWatch, rates interfaces.RateSource, emitter interfaces.EventEmitter, log zerolog.Logger) *Tracker {
	return &Tracker{
		watch:     watch,
		rates:     rates,
		emitter:   emitter,
		log:       log,
		processed: make(map[models.OutPoint]struct{}),
		pending:   make(map[models.OutPoint]pendingUTXO),
	}
}

// AddMonitoredAddress registers a pay-in address with the chain watcher.
// Safe to call concurrently with event dispatch.
func (t *Tracker) AddMonitoredAddress(address string, timestamp int64) error {
	if err := validation.ValidateAddress(address, models.Bitcoin); err != nil {
		return err
	}
	t.log.Info().
		Str("address", address).
		Int64("timestamp", timestamp).
		Msg("Add monitored bitcoin address")
	return t.watch.Watch(address, time.Unix(timestamp, 0))
}

// TotalRaisedUSD returns the accumulated total rounded up to whole dollars.
// Individual credits round down to the cent; the asymmetry is intentional.
func (t *Tracker) TotalRaisedUSD() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return (t.totalCents + 99) / 100
}

// UTXOReceived handles the first sighting of an output paying a watched
// address. Called live or while catching up after a restart.
func (t *Tracker) UTXOReceived(u models.UTXO) {
	switch u.Confidence {
	case models.ConfidenceBuilding:
		t.credit(u.OutPoint, u.Address, u.Amount, u.Height)

	case models.ConfidencePending, models.ConfidenceUnknown:
		t.mu.Lock()
		if _, done := t.processed[u.OutPoint]; done {
			t.mu.Unlock()
			return
		}
		t.pending[u.OutPoint] = pendingUTXO{address: u.Address, amount: u.Amount}
		t.mu.Unlock()

		t.log.Info().
			Int64("satoshi", u.Amount).
			Str("txid", u.OutPoint.TxID).
			Msg("Pending payment observed, waiting for block inclusion")
		t.watch.Follow(u.OutPoint)

	case models.ConfidenceDead, models.ConfidenceInConflict:
		// Never eligible.
	}
}

// ConfidenceChanged handles confidence updates for followed outputs.
// Redundant callbacks after crediting are tolerated.
func (t *Tracker) ConfidenceChanged(cu models.ConfidenceUpdate) {
	t.mu.Lock()
	if _, done := t.processed[cu.OutPoint]; done {
		t.mu.Unlock()
		t.watch.Unfollow(cu.OutPoint)
		return
	}
	p, ok := t.pending[cu.OutPoint]
	t.mu.Unlock()

	switch cu.Confidence {
	case models.ConfidenceBuilding:
		if !ok {
			return
		}
		t.credit(cu.OutPoint, p.address, p.amount, cu.Height)

	case models.ConfidenceDead, models.ConfidenceInConflict:
		t.mu.Lock()
		delete(t.pending, cu.OutPoint)
		t.mu.Unlock()
		t.watch.Unfollow(cu.OutPoint)
		t.log.Info().
			Str("txid", cu.OutPoint.TxID).
			Str("confidence", cu.Confidence.String()).
			Msg("Discarding output, transaction will not confirm")
	}
}

// credit converts the output to USD and commits it to the total. The rate
// lookup is the only slow external call on this path and runs outside the
// mutex; the commit re-checks the processed set so the output is credited at
// most once.
func (t *Tracker) credit(op models.OutPoint, address string, satoshi int64, height uint64) {
	rate, err := t.rates.RateAt(context.Background(), height)
	if err != nil {
		// Leave uncredited; a later confidence callback retries the
		// conversion, so keep the output pending and followed.
		t.mu.Lock()
		if _, done := t.processed[op]; !done {
			t.pending[op] = pendingUTXO{address: address, amount: satoshi}
		}
		t.mu.Unlock()
		t.watch.Follow(op)

		t.log.Error().
			Err(err).
			Str("txid", op.TxID).
			Int64("satoshi", satoshi).
			Uint64("height", height).
			Msg("Could not fetch exchange rate for utxo")
		return
	}

	cents := usdCents(satoshi, rate)
	if cents < 0 {
		t.log.Panic().
			Str("txid", op.TxID).
			Int64("satoshi", satoshi).
			Int64("cents", cents).
			Msg("Credit would decrease the running total, invariant breach")
	}

	t.mu.Lock()
	if _, done := t.processed[op]; done {
		t.mu.Unlock()
		return
	}
	t.processed[op] = struct{}{}
	delete(t.pending, op)
	t.totalCents += cents
	t.mu.Unlock()

	t.watch.Unfollow(op)

	t.log.Info().
		Int64("usdCents", cents).
		Int64("satoshi", satoshi).
		Uint64("height", height).
		Str("rate", rate.FloatString(2)).
		Str("txid", op.TxID).
		Msg("Received payment credited")

	if t.emitter != nil {
		err := t.emitter.EmitEvent(models.PaymentEvent{
			Chain:     models.Bitcoin,
			TxHash:    op.TxID,
			Address:   address,
			Amount:    new(big.Rat).SetFrac64(satoshi, satoshiPerBTC).FloatString(8),
			USDCents:  cents,
			Height:    height,
			Timestamp: time.Now(),
		})
		if err != nil {
			t.log.Error().
				Err(err).
				Str("txid", op.TxID).
				Msg("Failed to emit credit event")
		}
	}
}

// usdCents computes floor(satoshi * rate / 1e8) in cents using exact
// big-integer arithmetic.
func usdCents(satoshi int64, rate *big.Rat) int64 {
	num := new(big.Int).Mul(big.NewInt(satoshi), rate.Num())
	num.Mul(num, big.NewInt(100))
	den := new(big.Int).Mul(rate.Denom(), big.NewInt(satoshiPerBTC))
	return num.Quo(num, den).Int64()
}
