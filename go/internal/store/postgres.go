package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/publicgoods/go/internal/dbconfig"
)

// NewPostgres connects with lib/pq and applies the schema.
func NewPostgres(ctx context.Context, cfg dbconfig.Config) (*SQLStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s, err := newSQLStore(pingCtx, db, DialectPostgres)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info().Str("database", cfg.String()).Msg("connected to postgres")
	return s, nil
}
