package database

import (
	"context"
	"database/sql"
)

// Schema statements are idempotent so bootstrap can run on every
// deployment.  The pixels table is both the grid and the reservation
// ledger: a row with owner_id NULL and reserved_until in the future is
// an active reservation; a row with owner_id set is an owned cell.
// The UNIQUE key on (x, y) is the arbiter between racing claims.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS pixels (
		id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
		x INT NOT NULL,
		y INT NOT NULL,
		color CHAR(7) NOT NULL,
		url VARCHAR(512) NULL,
		message VARCHAR(512) NULL,
		owner_id VARCHAR(64) NULL,
		invoice_id VARCHAR(64) NULL,
		reserved_until DATETIME NULL,
		purchase_date DATETIME NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE KEY uniq_coord (x, y),
		KEY idx_invoice (invoice_id),
		KEY idx_reserved_until (reserved_until)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS transactions (
		id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
		invoice_id VARCHAR(64) NOT NULL,
		amount BIGINT NOT NULL,
		status ENUM('pending','completed','expired','failed') NOT NULL DEFAULT 'pending',
		pixel_count INT NOT NULL,
		pixels_json MEDIUMTEXT NOT NULL,
		url VARCHAR(512) NULL,
		message VARCHAR(512) NULL,
		expires_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		completed_at DATETIME NULL,
		UNIQUE KEY uniq_invoice (invoice_id),
		KEY idx_status (status)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// CreateTables creates the pixels and transactions tables when they do
// not already exist.
func CreateTables(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ResetTables drops and recreates all tables.  Destructive; only
// reachable through the admin-gated reset endpoint.
func ResetTables(ctx context.Context, db *sql.DB) error {
	for _, stmt := range []string{
		`DROP TABLE IF EXISTS pixels`,
		`DROP TABLE IF EXISTS transactions`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return CreateTables(ctx, db)
}
