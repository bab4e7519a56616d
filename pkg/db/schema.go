package db

import "fmt"

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS active_strategies (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		symbol TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		attached INTEGER NOT NULL DEFAULT 0,
		config TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		key TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS signals (
		id TEXT PRIMARY KEY,
		strategy_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		volume REAL NOT NULL,
		stop_loss REAL,
		take_profit REAL,
		confidence REAL,
		reasons TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS command_log (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		detail TEXT,
		retries INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		finished_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signals_strategy ON signals(strategy_id, created_at)`,
}

// ApplyMigrations creates or upgrades the schema. Statements are idempotent
// so repeated startup runs are safe.
func ApplyMigrations(d *Database) error {
	for i, stmt := range migrations {
		if _, err := d.DB.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
