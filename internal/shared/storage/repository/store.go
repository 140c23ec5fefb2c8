// Package repository 数据库无关的存储实现
//
// 通过 dbutil.Dialect 接口屏蔽不同数据库的 SQL 差异，
// 所有 SQL 以 PostgreSQL 风格编写，运行时由 Dialect.Rebind() 转换。
//
// 状态守卫全部落在条件 UPDATE 的 WHERE 子句上，依赖数据库的行级原子性，
// 不使用任何进程内锁。
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"bench-runner/internal/shared/model"
	"bench-runner/internal/shared/storage"
	"bench-runner/internal/shared/storage/dbutil"
)

// Store 通用存储实现
// 实现了 storage.PersistentStore 接口
type Store struct {
	db      *sql.DB
	dialect dbutil.Dialect
}

var _ storage.PersistentStore = (*Store)(nil)

// NewStore 创建通用存储
func NewStore(db *sql.DB, dialect dbutil.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}

// DB 返回底层数据库连接（仅用于测试）
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect 返回当前方言
func (s *Store) Dialect() dbutil.Dialect {
	return s.dialect
}

// Ping 检查数据库连接（健康检查使用）
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind 快捷方法：将 PG 风格 SQL 转换为当前方言
func (s *Store) rebind(query string) string {
	return s.dialect.Rebind(query)
}

// translate 将驱动错误转换为领域错误
func (s *Store) translate(err error) error {
	if err != nil && s.dialect.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", storage.ErrDuplicate, err)
	}
	return err
}

// marshalEpisodes 空列表存为 NULL
func marshalEpisodes(episodes []model.Episode) (interface{}, error) {
	if len(episodes) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(episodes)
	if err != nil {
		return nil, fmt.Errorf("marshal episodes: %w", err)
	}
	return string(data), nil
}
