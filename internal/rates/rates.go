// Package rates resolves historical USD exchange rates from the relational
// store. Rates are keyed by the block height at which a payment confirmed.
package rates

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/rs/zerolog"
)

// ErrNoRate is returned when no usable rate is stored for a block height.
// Callers must treat it as a transient failure and retry later; a missing
// rate is never reported as zero.
var ErrNoRate = errors.New("no exchange rate for block height")

type Service struct {
	db  *sql.DB
	log zerolog.Logger
}

func New(db *sql.DB, log zerolog.Logger) *Service {
	return &Service{db: db, log: log}
}

// RateAt returns the USD-per-BTC rate stored for the given block height.
func (s *Service) RateAt(ctx context.Context, height uint64) (*big.Rat, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT rate_usd FROM exchange_rate WHERE block_height = $1
	`, height).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("height %d: %w", height, ErrNoRate)
	}
	if err != nil {
		return nil, fmt.Errorf("query exchange rate at height %d: %w", height, err)
	}

	rate, err := ParseRate(raw)
	if err != nil {
		s.log.Error().
			Uint64("height", height).
			Str("rate", raw).
			Err(err).
			Msg("Stored exchange rate is unusable")
		return nil, fmt.Errorf("height %d: %w", height, ErrNoRate)
	}
	return rate, nil
}

// ParseRate parses a decimal rate string into an exact rational. Zero,
// negative, and malformed values are rejected.
func ParseRate(raw string) (*big.Rat, error) {
	rate, ok := new(big.Rat).SetString(raw)
	if !ok {
		return nil, fmt.Errorf("malformed rate %q", raw)
	}
	if rate.Sign() <= 0 {
		return nil, fmt.Errorf("non-positive rate %q", raw)
	}
	return rate, nil
}
