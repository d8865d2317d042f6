package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SlotDuration is the length of one Agile tariff slot.
const SlotDuration = 30 * time.Minute

// UpsertEnergyPrices inserts tariff slots, deduplicating on
// (region, valid_from). Rows must describe exact 30-minute slots.
func (s *Store) UpsertEnergyPrices(ctx context.Context, prices []EnergyPrice) error {
	for i := range prices {
		if prices[i].ValidTo.Sub(prices[i].ValidFrom) != SlotDuration {
			return fmt.Errorf("energy price slot %s is not 30 minutes (%s to %s)",
				prices[i].Region, prices[i].ValidFrom, prices[i].ValidTo)
		}
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for i := range prices {
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO energy_prices (region, valid_from, valid_to, price_pence)
				VALUES (:region, :valid_from, :valid_to, :price_pence)
				ON CONFLICT (region, valid_from) DO UPDATE SET
					valid_to = excluded.valid_to,
					price_pence = excluded.price_pence`, &prices[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// CurrentPrice returns the slot covering now: valid_from <= now < valid_to.
func (s *Store) CurrentPrice(ctx context.Context, region string, now time.Time) (*EnergyPrice, error) {
	var p EnergyPrice
	err := s.db.GetContext(ctx, &p, `
		SELECT * FROM energy_prices
		WHERE region = ? AND valid_from <= ? AND valid_to > ?
		ORDER BY valid_from DESC LIMIT 1`, region, now, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// NextPrice returns the earliest slot starting after now.
func (s *Store) NextPrice(ctx context.Context, region string, now time.Time) (*EnergyPrice, error) {
	var p EnergyPrice
	err := s.db.GetContext(ctx, &p, `
		SELECT * FROM energy_prices
		WHERE region = ? AND valid_from > ?
		ORDER BY valid_from LIMIT 1`, region, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// PriceAt returns the slot covering an arbitrary timestamp. Used by the
// cost-attribution aggregation job.
func (s *Store) PriceAt(ctx context.Context, region string, ts time.Time) (*EnergyPrice, error) {
	return s.CurrentPrice(ctx, region, ts)
}

// PurgeEnergyPrices deletes slots that ended before the given time.
func (s *Store) PurgeEnergyPrices(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.withRetry(func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM energy_prices WHERE valid_to < ?`, before)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
