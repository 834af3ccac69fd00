package interfaces

import (
	"context"
	"time"

	"payin-monitor/internal/models"
)

// ChainWatcher is the lifecycle surface shared by all chain watchers.
type ChainWatcher interface {
	// Start begins watching; returns after the watcher is connected and its
	// polling loop is running.
	Start(ctx context.Context) error

	// Watch registers an address for monitoring. Idempotent: watching an
	// already-watched address is a no-op.
	Watch(address string, since time.Time) error

	// ChainName returns the currency this watcher covers.
	ChainName() models.Currency

	// BlockHead returns the latest chain height seen by the watcher.
	BlockHead() (uint64, error)

	Stop(ctx context.Context) error
}

// BlockchainWatch is the narrow surface the payment tracker needs from the
// bitcoin watcher: address registration plus per-output confidence follows.
type BlockchainWatch interface {
	Watch(address string, since time.Time) error

	// Follow subscribes the tracker to confidence changes for an output.
	Follow(op models.OutPoint)

	// Unfollow detaches a confidence subscription once the output reached a
	// terminal state or was credited.
	Unfollow(op models.OutPoint)
}

// PaymentHandler receives watcher events. Implementations must tolerate
// concurrent and redundant delivery.
type PaymentHandler interface {
	UTXOReceived(u models.UTXO)
	ConfidenceChanged(cu models.ConfidenceUpdate)
}
