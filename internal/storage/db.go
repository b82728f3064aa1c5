// Package storage is the repository layer (C1): typed CRUD and batch
// operations over the relational schema, including the SELECT ... FOR
// UPDATE SKIP LOCKED queries the outbox drain and lifecycle jobs depend on.
package storage

import (
	"fmt"
	"time"

	"github.com/broadcasthub/platform/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Config configures the Postgres connection, mirroring the pool-tuning knobs
// the teacher's sql adapters expose.
type Config struct {
	Host            string        `env:"DB_HOST" env-default:"localhost"`
	Port            string        `env:"DB_PORT" env-default:"5432"`
	User            string        `env:"DB_USER" env-default:"broadcasthub"`
	Password        string        `env:"DB_PASSWORD"`
	Name            string        `env:"DB_NAME" env-default:"broadcasthub"`
	SSLMode         string        `env:"DB_SSLMODE" env-default:"disable"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" env-default:"100"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"1h"`
}

// Open connects to Postgres through GORM and tunes the underlying pool.
func Open(cfg Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		cfg.Host, cfg.User, cfg.Password, cfg.Name, cfg.Port, cfg.SSLMode)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: newGormLogger(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to postgres")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get sql.DB")
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}
