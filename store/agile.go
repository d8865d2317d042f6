package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// GetAgileStrategy returns the singleton strategy row, creating a disabled
// one on first use.
func (s *Store) GetAgileStrategy(ctx context.Context) (*AgileStrategy, error) {
	var st AgileStrategy
	err := s.db.GetContext(ctx, &st, `SELECT * FROM agile_strategy WHERE id = 1`)
	if err == nil {
		return &st, nil
	}
	err = s.withRetry(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agile_strategy (id, enabled, hysteresis_counter, state_data)
			VALUES (1, 0, 0, '{}')
			ON CONFLICT (id) DO NOTHING`)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := s.db.GetContext(ctx, &st, `SELECT * FROM agile_strategy WHERE id = 1`); err != nil {
		return nil, err
	}
	return &st, nil
}

// UpdateAgileStrategy persists the state machine fields written each tick.
func (s *Store) UpdateAgileStrategy(ctx context.Context, st *AgileStrategy) error {
	st.ID = 1
	return s.withRetry(func() error {
		_, err := s.db.NamedExecContext(ctx, `
			UPDATE agile_strategy SET enabled = :enabled,
				current_price_band = :current_price_band,
				hysteresis_counter = :hysteresis_counter,
				last_action_time = :last_action_time,
				last_price_checked = :last_price_checked,
				state_data = :state_data
			WHERE id = 1`, st)
		return err
	})
}

// SetAgileEnabled flips the strategy on or off. The strategy itself calls
// this with false when a validation gate fails.
func (s *Store) SetAgileEnabled(ctx context.Context, enabled bool) error {
	return s.withRetry(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE agile_strategy SET enabled = ? WHERE id = 1`, enabled)
		return err
	})
}

// ListBands returns the strategy's bands ordered by sort_order ascending,
// worst (OFF) first.
func (s *Store) ListBands(ctx context.Context, strategyID int64) ([]AgileStrategyBand, error) {
	var bands []AgileStrategyBand
	err := s.db.SelectContext(ctx, &bands, `
		SELECT * FROM agile_strategy_bands WHERE strategy_id = ?
		ORDER BY sort_order`, strategyID)
	return bands, err
}

// GetBand returns one band by id.
func (s *Store) GetBand(ctx context.Context, id int64) (*AgileStrategyBand, error) {
	var b AgileStrategyBand
	if err := s.db.GetContext(ctx, &b,
		`SELECT * FROM agile_strategy_bands WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &b, nil
}

// validateBands enforces the band set contract: contiguous sort_order
// starting at 0, min < max wherever both are set.
func validateBands(bands []AgileStrategyBand) error {
	for i := range bands {
		b := &bands[i]
		if b.SortOrder != i {
			return fmt.Errorf("band sort_order values must form a contiguous 0..N-1 sequence, got %d at position %d", b.SortOrder, i)
		}
		if b.MinPrice != nil && b.MaxPrice != nil && *b.MinPrice >= *b.MaxPrice {
			return fmt.Errorf("band %d: min_price %.2f must be below max_price %.2f", i, *b.MinPrice, *b.MaxPrice)
		}
		if b.TargetCoin == "" {
			return fmt.Errorf("band %d: target_coin cannot be empty", i)
		}
	}
	return nil
}

// ReplaceBands atomically rewrites the strategy's band set. Bands must be
// passed ordered by sort_order.
func (s *Store) ReplaceBands(ctx context.Context, strategyID int64, bands []AgileStrategyBand) error {
	if err := validateBands(bands); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM agile_strategy_bands WHERE strategy_id = ?`, strategyID); err != nil {
			return err
		}
		for i := range bands {
			bands[i].StrategyID = strategyID
			res, err := tx.NamedExecContext(ctx, `
				INSERT INTO agile_strategy_bands (strategy_id, sort_order, min_price,
					max_price, target_coin, mode_avalon, mode_bitaxe, mode_nerdqaxe)
				VALUES (:strategy_id, :sort_order, :min_price,
					:max_price, :target_coin, :mode_avalon, :mode_bitaxe, :mode_nerdqaxe)`, &bands[i])
			if err != nil {
				return err
			}
			if bands[i].ID, err = res.LastInsertId(); err != nil {
				return err
			}
		}
		return nil
	})
}
