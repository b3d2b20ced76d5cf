package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"

	migration "github.com/goliatone/go-migration"
	"github.com/goliatone/go-migration/config"
	"github.com/goliatone/go-migration/store"
)

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemoryStore(), noop, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, migration.NewError(migration.ErrStoreUnavailable, "redis ping failed", err, map[string]any{
				"addr": cfg.RedisAddr,
			})
		}
		s := store.NewRedisStore(client)
		if cfg.KeyPrefix != "" {
			s = s.WithKeyPrefix(cfg.KeyPrefix)
		}
		return s, func(context.Context) error { return client.Close() }, nil
	case "postgres", "sqlite":
		driver := cfg.Driver
		if driver == "sqlite" {
			driver = "sqlite3"
		}
		dialect, err := store.DialectFor(driver)
		if err != nil {
			return nil, nil, err
		}
		db, err := sql.Open(driver, cfg.DSN)
		if err != nil {
			return nil, nil, migration.NewError(migration.ErrStoreUnavailable, "open database", err, nil)
		}
		s := store.NewSQLStore(db, dialect, cfg.Table)
		if err := s.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, func(context.Context) error { return db.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
}
