package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ActiveStrategy is the persisted mirror of a running strategy. The full rule
// set travels as an opaque JSON blob in Config; the indexed columns exist for
// the status surface and recovery queries.
type ActiveStrategy struct {
	ID        string
	Name      string
	Symbol    string
	Timeframe string
	Status    string
	Attached  bool
	Config    string
	UpdatedAt time.Time
}

// SaveActiveStrategy upserts the persistent mirror of a strategy.
func (d *Database) SaveActiveStrategy(ctx context.Context, s ActiveStrategy) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO active_strategies (id, name, symbol, timeframe, status, attached, config, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			symbol = excluded.symbol,
			timeframe = excluded.timeframe,
			status = excluded.status,
			attached = excluded.attached,
			config = excluded.config,
			updated_at = CURRENT_TIMESTAMP
	`, s.ID, s.Name, s.Symbol, s.Timeframe, s.Status, boolToInt(s.Attached), s.Config)
	if err != nil {
		return fmt.Errorf("save active strategy %s: %w", s.ID, err)
	}
	return nil
}

// RemoveActiveStrategy deletes the persistent mirror; removing an unknown id
// is not an error.
func (d *Database) RemoveActiveStrategy(ctx context.Context, id string) error {
	if _, err := d.DB.ExecContext(ctx, `DELETE FROM active_strategies WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove active strategy %s: %w", id, err)
	}
	return nil
}

// ActiveStrategies returns all persisted strategies.
func (d *Database) ActiveStrategies(ctx context.Context) ([]ActiveStrategy, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, name, symbol, timeframe, status, attached, config, updated_at
		FROM active_strategies`)
	if err != nil {
		return nil, fmt.Errorf("list active strategies: %w", err)
	}
	defer rows.Close()

	var out []ActiveStrategy
	for rows.Next() {
		var s ActiveStrategy
		var attached int
		if err := rows.Scan(&s.ID, &s.Name, &s.Symbol, &s.Timeframe, &s.Status, &attached, &s.Config, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.Attached = attached == 1
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetStrategyAttached records the terminal-attachment flag. The flag is
// informational only; the terminal side cannot be forced programmatically.
func (d *Database) SetStrategyAttached(ctx context.Context, id string, attached bool) error {
	_, err := d.DB.ExecContext(ctx,
		`UPDATE active_strategies SET attached = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		boolToInt(attached), id)
	return err
}

// SaveSnapshot stores an opaque state blob under key.
func (d *Database) SaveSnapshot(ctx context.Context, key, data string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO snapshots (key, data, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP
	`, key, data)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", key, err)
	}
	return nil
}

// LoadSnapshot returns the blob stored under key, or "" when absent.
func (d *Database) LoadSnapshot(ctx context.Context, key string) (string, error) {
	var data string
	err := d.DB.QueryRowContext(ctx, `SELECT data FROM snapshots WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load snapshot %s: %w", key, err)
	}
	return data, nil
}

// SignalRecord is the audit row for an emitted signal.
type SignalRecord struct {
	ID         string
	StrategyID string
	Symbol     string
	Direction  string
	Volume     float64
	StopLoss   float64
	TakeProfit float64
	Confidence float64
	Reasons    string
	CreatedAt  time.Time
}

// RecordSignal appends an emitted signal for the status surface.
func (d *Database) RecordSignal(ctx context.Context, s SignalRecord) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO signals (id, strategy_id, symbol, direction, volume, stop_loss, take_profit, confidence, reasons)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.StrategyID, s.Symbol, s.Direction, s.Volume, s.StopLoss, s.TakeProfit, s.Confidence, s.Reasons)
	return err
}

// RecentSignals returns the newest signals first.
func (d *Database) RecentSignals(ctx context.Context, limit int) ([]SignalRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, strategy_id, symbol, direction, volume, stop_loss, take_profit, confidence, reasons, created_at
		FROM signals ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SignalRecord
	for rows.Next() {
		var s SignalRecord
		if err := rows.Scan(&s.ID, &s.StrategyID, &s.Symbol, &s.Direction, &s.Volume, &s.StopLoss, &s.TakeProfit, &s.Confidence, &s.Reasons, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LogCommand upserts the terminal status of a pipeline command.
func (d *Database) LogCommand(ctx context.Context, id, kind, status, detail string, retries int) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO command_log (id, kind, status, detail, retries, finished_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			detail = excluded.detail,
			retries = excluded.retries,
			finished_at = CURRENT_TIMESTAMP
	`, id, kind, status, detail, retries)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
