package interfaces

import (
	"context"
	"math/big"
	"time"

	"payin-monitor/internal/models"
)

// EventEmitter defines the interface for emitting payment events downstream.
type EventEmitter interface {
	EmitEvent(event models.PaymentEvent) error
}

// RateSource resolves the USD exchange rate that applied at a block height.
// Missing data is an explicit error, never a zero rate.
type RateSource interface {
	RateAt(ctx context.Context, height uint64) (*big.Rat, error)
}

// TriggerAction is a named action bound to one notification channel. It is
// invoked with the notification payload and the dispatch time.
type TriggerAction func(payload string, at time.Time) error
