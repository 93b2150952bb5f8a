package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Table names used across packages.
const (
	TableLocationNode = "location_node"
	TableLocationKey  = "location_key"
	TableHarvestJob   = "harvest_job"
	TableUnitLog      = "harvest_unit_log"
	TableHarvestLock  = "harvest_lock"
)

// schemaStatements is written in the subset of SQL shared by SQLite and MySQL.
// Timestamps are unix seconds.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS location_node (
		level INT NOT NULL,
		parent_code VARCHAR(64) NOT NULL,
		code VARCHAR(64) NOT NULL,
		name VARCHAR(255) NOT NULL,
		position INT NOT NULL,
		refreshed_at BIGINT NOT NULL,
		PRIMARY KEY (level, parent_code, code)
	)`,
	`CREATE TABLE IF NOT EXISTS location_key (
		level INT NOT NULL,
		parent_code VARCHAR(64) NOT NULL,
		status VARCHAR(16) NOT NULL,
		refreshed_at BIGINT NOT NULL,
		PRIMARY KEY (level, parent_code)
	)`,
	`CREATE TABLE IF NOT EXISTS harvest_job (
		job_name VARCHAR(191) NOT NULL PRIMARY KEY,
		run_id VARCHAR(64) NOT NULL,
		status VARCHAR(16) NOT NULL,
		units_total INT NOT NULL DEFAULT 0,
		started_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS harvest_unit_log (
		job_name VARCHAR(191) NOT NULL,
		unit_key VARCHAR(512) NOT NULL,
		status VARCHAR(16) NOT NULL,
		rows_json LONGTEXT,
		columns_json TEXT,
		error_message TEXT,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (job_name, unit_key)
	)`,
	`CREATE TABLE IF NOT EXISTS harvest_lock (
		job_name VARCHAR(191) NOT NULL PRIMARY KEY,
		holder VARCHAR(64) NOT NULL,
		acquired_at BIGINT NOT NULL
	)`,
}

// EnsureSchema creates the state tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create state schema: %w", err)
		}
	}
	return nil
}
