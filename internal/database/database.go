package database

import (
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/viper"
)

func Connect() (*sqlx.DB, error) {
	dsn := viper.GetString("DB_DSN")
	return sqlx.Connect("pgx", dsn)
}

// Migrate creates the tables the service owns. Anything beyond this bootstrap
// (indexes tuning, retention, device CRUD schema) is managed externally.
func Migrate(db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id   TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS daily_energy (
			id                BIGSERIAL PRIMARY KEY,
			date              TEXT NOT NULL,
			device_id         TEXT NOT NULL,
			low_tariff_kwh    DOUBLE PRECISION NOT NULL DEFAULT 0,
			high_tariff_kwh   DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_processed_ts BIGINT NOT NULL DEFAULT 0,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (date, device_id)
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
