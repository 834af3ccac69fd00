package models

import (
	"fmt"
	"time"
)

// OutPoint identifies a transaction output.
type OutPoint struct {
	TxID  string
	Index uint32
}

func (o OutPoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID, o.Index)
}

// UTXO is an output paying one of our watched addresses, as delivered by a
// chain watcher. Height is the chain height at which the owning transaction
// was included and is only meaningful once Confidence is Building.
type UTXO struct {
	OutPoint   OutPoint
	Address    string
	Amount     int64 // satoshi
	Confidence Confidence
	Height     uint64
}

// ConfidenceUpdate reports a confidence change for a followed output.
type ConfidenceUpdate struct {
	OutPoint   OutPoint
	Confidence Confidence
	Height     uint64
}

// PaymentEvent is the record emitted downstream when a payment is observed
// or credited.
type PaymentEvent struct {
	Chain     Currency  `json:"chain"`
	TxHash    string    `json:"tx_hash"`
	Address   string    `json:"address"`
	Amount    string    `json:"amount"`
	USDCents  int64     `json:"usd_cents,omitempty"`
	Height    uint64    `json:"height,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
