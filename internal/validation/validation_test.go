package validation

import (
	"testing"

	"payin-monitor/internal/models"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name     string
		address  string
		currency models.Currency
		wantErr  bool
	}{
		{"p2pkh", "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", models.Bitcoin, false},
		{"p2sh", "3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy", models.Bitcoin, false},
		{"bech32", "bc1qxy2kgdygjrsqtzq2n0yrf2493p83kkfjhx0wlh", models.Bitcoin, false},
		{"truncated base58", "1ABC...", models.Bitcoin, true},
		{"empty bitcoin", "", models.Bitcoin, true},
		{"eth address for bitcoin", "0x95222290DD7278Aa3Ddd389Cc1E1d165CC4BAfe5", models.Bitcoin, true},
		{"checksummed ether", "0x95222290DD7278Aa3Ddd389Cc1E1d165CC4BAfe5", models.Ether, false},
		{"lowercase ether", "0x95222290dd7278aa3ddd389cc1e1d165cc4bafe5", models.Ether, false},
		{"non-hex characters", "0xZZ222290DD7278Aa3Ddd389Cc1E1d165CC4BAfe5", models.Ether, true},
		{"short hex", "0x9522", models.Ether, true},
		{"empty ether", "", models.Ether, true},
		{"unsupported currency", "whatever", models.Currency("dogecoin"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.address, tt.currency)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAddress(%q, %s) error = %v, wantErr %v", tt.address, tt.currency, err, tt.wantErr)
			}
		})
	}
}
