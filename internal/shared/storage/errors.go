// Package storage 定义存储层领域错误
//
// 这些错误用于隔离业务层与底层存储引擎的错误类型，
// repository 负责将 sql.ErrNoRows、零行更新等底层结果转换为这些领域错误。
package storage

import (
	"errors"

	"bench-runner/internal/shared/apperr"
)

var (
	// ErrNotFound 实体不存在
	ErrNotFound = errors.New("entity not found")

	// ErrConflict 并发冲突（条件更新时状态已被其他写者改变）
	ErrConflict = errors.New("conflict: concurrent modification detected")

	// ErrDuplicate 唯一键冲突（INSERT 重复 ID 或重复 run_number）
	ErrDuplicate = errors.New("duplicate: entity already exists")

	// ErrInvalidTransition 更新会让实体离开终止状态或跳过中间状态
	ErrInvalidTransition = apperr.ErrInvalidTransition

	// ErrInvalidResult 结果字段违反不变量（如 tests_passed > tests_total）
	ErrInvalidResult = errors.New("invalid run result")
)
