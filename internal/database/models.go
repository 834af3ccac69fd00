package database

import (
	"database/sql"
	"time"
)

// Investor represents an investor record with its provisioned pay-in addresses.
type Investor struct {
	ID                  int64          `json:"id"`
	Email               string         `json:"email"`
	PayInBitcoinAddress sql.NullString `json:"pay_in_bitcoin_address"`
	PayInEtherAddress   sql.NullString `json:"pay_in_ether_address"`
	CreatedAt           time.Time      `json:"created_at"`
}

// GetInvestors returns all investor records. Used at startup to register the
// already-provisioned pay-in addresses before live notifications take over.
func GetInvestors() ([]Investor, error) {
	rows, err := DB.Query(`
		SELECT id, email, pay_in_bitcoin_address, pay_in_ether_address, created_at
		FROM investor
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var investors []Investor
	for rows.Next() {
		var inv Investor
		if err := rows.Scan(&inv.ID, &inv.Email, &inv.PayInBitcoinAddress, &inv.PayInEtherAddress, &inv.CreatedAt); err != nil {
			return nil, err
		}
		investors = append(investors, inv)
	}
	return investors, rows.Err()
}
