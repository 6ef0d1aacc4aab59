package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// NewMySQL opens a MySQL store and runs migrations. The DSN is normalised so DATETIME
// columns scan into time.Time in UTC.
func NewMySQL(dsn string) (*SQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	cfg.Params["time_zone"] = "'+00:00'"

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db := sql.OpenDB(connector)

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := migrate(db, mysqlMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLStore{db: db, dialect: dialectMySQL}, nil
}

// MySQL cannot index TEXT without a prefix length and has no CREATE INDEX IF NOT EXISTS,
// so keys are VARCHAR and indexes are declared inline.
var mysqlMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(191) PRIMARY KEY,
		external_id VARCHAR(191) NOT NULL DEFAULT '',
		username VARCHAR(191) NOT NULL UNIQUE,
		password_hash VARCHAR(255) NOT NULL DEFAULT '',
		role VARCHAR(32) NOT NULL DEFAULT 'user',
		created_at DATETIME(6) NOT NULL,
		INDEX idx_users_external_id (external_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id VARCHAR(191) PRIMARY KEY,
		user_id VARCHAR(191) NOT NULL DEFAULT '',
		customer_id VARCHAR(191) NOT NULL DEFAULT '',
		product_id VARCHAR(191) NOT NULL DEFAULT '',
		status VARCHAR(32) NOT NULL,
		amount BIGINT NOT NULL DEFAULT 0,
		currency VARCHAR(16) NOT NULL DEFAULT '',
		recurring_interval VARCHAR(16) NOT NULL DEFAULT '',
		current_period_start DATETIME(6) NOT NULL,
		current_period_end DATETIME(6) NOT NULL,
		cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
		canceled_at DATETIME(6) NULL,
		metadata TEXT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		modified_at DATETIME(6) NOT NULL,
		INDEX idx_subscriptions_user_id (user_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS orders (
		id VARCHAR(191) PRIMARY KEY,
		user_id VARCHAR(191) NOT NULL DEFAULT '',
		customer_id VARCHAR(191) NOT NULL DEFAULT '',
		product_id VARCHAR(191) NOT NULL DEFAULT '',
		product_name VARCHAR(255) NOT NULL DEFAULT '',
		subscription_id VARCHAR(191) NOT NULL DEFAULT '',
		status VARCHAR(32) NOT NULL,
		paid BOOLEAN NOT NULL DEFAULT FALSE,
		total_amount BIGINT NOT NULL DEFAULT 0,
		currency VARCHAR(16) NOT NULL DEFAULT '',
		billing_reason VARCHAR(64) NOT NULL DEFAULT '',
		invoice_number VARCHAR(191) NOT NULL DEFAULT '',
		metadata TEXT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		modified_at DATETIME(6) NOT NULL,
		INDEX idx_orders_user_id (user_id, created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS products (
		id VARCHAR(191) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		description TEXT NOT NULL,
		is_recurring BOOLEAN NOT NULL DEFAULT FALSE,
		is_archived BOOLEAN NOT NULL DEFAULT FALSE,
		recurring_interval VARCHAR(16) NOT NULL DEFAULT '',
		organization_id VARCHAR(191) NOT NULL DEFAULT '',
		prices TEXT NOT NULL,
		benefits TEXT NOT NULL,
		metadata TEXT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		modified_at DATETIME(6) NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS credit_packages (
		id VARCHAR(191) PRIMARY KEY,
		user_id VARCHAR(191) NOT NULL,
		source_type VARCHAR(32) NOT NULL,
		source_id VARCHAR(191) NOT NULL,
		credits BIGINT NOT NULL,
		remaining_credits BIGINT NOT NULL,
		validity_days INT NULL,
		period_start DATETIME(6) NULL,
		expires_at DATETIME(6) NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'active',
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		UNIQUE KEY uq_credit_packages_source (source_type, source_id),
		INDEX idx_credit_packages_user (user_id, status, expires_at),
		CONSTRAINT fk_credit_packages_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
		CONSTRAINT chk_credit_packages_remaining CHECK (remaining_credits >= 0 AND credits >= 0)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS credit_transactions (
		id VARCHAR(191) PRIMARY KEY,
		user_id VARCHAR(191) NOT NULL,
		package_id VARCHAR(191) NOT NULL,
		amount BIGINT NOT NULL,
		type VARCHAR(16) NOT NULL,
		description TEXT NOT NULL,
		metadata TEXT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		INDEX idx_credit_transactions_user (user_id, created_at),
		CONSTRAINT fk_credit_transactions_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
		CONSTRAINT fk_credit_transactions_package FOREIGN KEY (package_id) REFERENCES credit_packages(id) ON DELETE CASCADE,
		CONSTRAINT chk_credit_transactions_amount CHECK (amount > 0)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		id VARCHAR(191) PRIMARY KEY,
		action VARCHAR(64) NOT NULL,
		user_id VARCHAR(191) NOT NULL DEFAULT '',
		detail TEXT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		INDEX idx_audit_events_created_at (created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}
