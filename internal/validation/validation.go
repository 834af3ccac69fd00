package validation

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"

	"payin-monitor/internal/models"
)

// ValidateAddress validates a pay-in address for the given currency.
func ValidateAddress(address string, currency models.Currency) error {
	if address == "" {
		return errors.New("address cannot be empty")
	}

	switch currency {
	case models.Bitcoin:
		return ValidateBitcoinAddress(address, &chaincfg.MainNetParams)
	case models.Ether:
		return ValidateEthereumAddress(address)
	default:
		return fmt.Errorf("unsupported currency %q", currency)
	}
}

// ValidateBitcoinAddress decodes the address against the given network
// parameters.
func ValidateBitcoinAddress(address string, params *chaincfg.Params) error {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return fmt.Errorf("invalid bitcoin address %q: %v", address, err)
	}
	if !addr.IsForNet(params) {
		return fmt.Errorf("bitcoin address %q is for a different network", address)
	}
	return nil
}

// ValidateEthereumAddress checks for a well-formed hex address.
func ValidateEthereumAddress(address string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid ethereum address %q", address)
	}
	return nil
}
