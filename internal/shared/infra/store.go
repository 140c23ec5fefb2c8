// Package infra 持久化存储初始化
package infra

import (
	"fmt"
	"log"

	"bench-runner/internal/shared/storage/dbutil"
	"bench-runner/internal/shared/storage/driver/postgres"
	"bench-runner/internal/shared/storage/driver/sqlite"
	"bench-runner/internal/shared/storage/repository"
)

// NewPostgresStore 创建 PostgreSQL 存储并执行建表
func NewPostgresStore(databaseURL string) (*repository.Store, error) {
	db, err := postgres.Open(databaseURL)
	if err != nil {
		return nil, err
	}
	dialect := postgres.NewDialect()
	if err := dialect.AutoMigrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate postgres schema: %w", err)
	}
	log.Printf("[Storage] Connected to PostgreSQL")
	return repository.NewStore(db, dialect), nil
}

// NewSQLiteStore 创建 SQLite 存储并执行建表
func NewSQLiteStore(dsn string) (*repository.Store, error) {
	db, err := sqlite.Open(dsn)
	if err != nil {
		return nil, err
	}
	dialect := sqlite.NewDialect()
	if err := dialect.AutoMigrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	log.Printf("[Storage] Opened SQLite database")
	return repository.NewStore(db, dialect), nil
}

// NewPersistentStore 按驱动类型创建存储
func NewPersistentStore(driver, dsn string) (*repository.Store, error) {
	switch dbutil.DriverType(driver) {
	case dbutil.DriverPostgres:
		return NewPostgresStore(dsn)
	case dbutil.DriverSQLite:
		return NewSQLiteStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}
