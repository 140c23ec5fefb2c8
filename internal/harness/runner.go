package harness

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"

	"bench-runner/internal/shared/apperr"
)

// Invocation 一次 harness 进程调用
type Invocation struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string // 追加到当前进程环境之后
}

// Process 已结束进程的观测结果
type Process struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner 执行 harness 进程
//
// 进程以非零状态退出不是错误；只有无法启动或等待失败时返回 error，
// 且 error 已按 apperr.Kind 分类。
type Runner interface {
	Run(ctx context.Context, inv Invocation) (*Process, error)
}

// CLIRunner 以本地子进程运行 harness
type CLIRunner struct{}

// NewCLIRunner 创建 CLIRunner
func NewCLIRunner() *CLIRunner {
	return &CLIRunner{}
}

func (r *CLIRunner) Run(ctx context.Context, inv Invocation) (*Process, error) {
	cmd := exec.CommandContext(ctx, inv.Binary, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = append(os.Environ(), inv.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return nil, apperr.New(apperr.KindConfiguration, "harness.start", err)
		}
		return nil, apperr.New(apperr.KindTransient, "harness.start", err)
	}

	err := cmd.Wait()
	proc := &Process{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, apperr.New(apperr.KindTransient, "harness.wait", err)
		}
		proc.ExitCode = exitErr.ExitCode()
	}
	return proc, nil
}
