package main

import (
	"payin-monitor/internal/database"
	"payin-monitor/internal/logger"
	"payin-monitor/internal/monitors/ethereum"
	"payin-monitor/internal/tracker"
)

// registerExistingAddresses watches the pay-in addresses already provisioned
// before this process started. Live notifications only cover addresses
// assigned from now on; everything older is re-registered here so the chain
// watchers can catch up on payments received in the meantime.
func registerExistingAddresses(payTracker *tracker.Tracker, ethWatcher *ethereum.Watcher) error {
	investors, err := database.GetInvestors()
	if err != nil {
		return err
	}

	for _, inv := range investors {
		if inv.PayInBitcoinAddress.Valid && inv.PayInBitcoinAddress.String != "" {
			if err := payTracker.AddMonitoredAddress(inv.PayInBitcoinAddress.String, inv.CreatedAt.Unix()); err != nil {
				logger.GetLogger().Error().
					Err(err).
					Int64("investor", inv.ID).
					Str("address", inv.PayInBitcoinAddress.String).
					Msg("Error registering bitcoin pay-in address")
			}
		}
		if inv.PayInEtherAddress.Valid && inv.PayInEtherAddress.String != "" {
			if err := ethWatcher.Watch(inv.PayInEtherAddress.String, inv.CreatedAt); err != nil {
				logger.GetLogger().Error().
					Err(err).
					Int64("investor", inv.ID).
					Str("address", inv.PayInEtherAddress.String).
					Msg("Error registering ether pay-in address")
			}
		}
	}

	logger.GetLogger().Info().
		Int("investors", len(investors)).
		Msg("Registered existing pay-in addresses")
	return nil
}
