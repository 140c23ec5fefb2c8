package harness

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bench-runner/internal/shared/apperr"
	"bench-runner/internal/shared/model"
	"bench-runner/pkg/logging"
)

// fakeRunner 模拟 harness：按需在 job 目录中写入 trial 产物
type fakeRunner struct {
	proc      *Process
	err       error
	artifacts map[string]string // 相对 trial 目录的路径 → 内容
	calls     []Invocation
	config    *Config
}

func (f *fakeRunner) Run(_ context.Context, inv Invocation) (*Process, error) {
	f.calls = append(f.calls, inv)

	cfgPath := inv.Args[len(inv.Args)-1]
	if data, err := os.ReadFile(cfgPath); err == nil {
		var cfg Config
		if json.Unmarshal(data, &cfg) == nil {
			f.config = &cfg
		}
	}
	if f.err != nil {
		return nil, f.err
	}

	if len(f.artifacts) > 0 && f.config != nil {
		trialDir := filepath.Join(f.config.JobsDir, f.config.JobName, "task__abc123")
		for rel, content := range f.artifacts {
			p := filepath.Join(trialDir, rel)
			if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(p, []byte(content), 0644); err != nil {
				return nil, err
			}
		}
	}
	return f.proc, nil
}

type fakePreflight struct{ err error }

func (p fakePreflight) Check(context.Context) error { return p.err }

const ctrfPassing = `{"results":{"summary":{"tests":4,"passed":3,"failed":1},"tests":[{"name":"a","status":"passed"}]}}`

func newRequest(t *testing.T) Request {
	t.Helper()
	return Request{
		RunID:      "run-1",
		JobID:      "job-1",
		RunNumber:  1,
		Attempt:    1,
		TaskPath:   "/tasks/hello",
		OutputDir:  filepath.Join(t.TempDir(), "run_1"),
		Harness:    "harbor",
		Model:      "openai/gpt-4o",
		Credential: "sk-test",
	}
}

func newTestExecutor(r Runner, p Preflight, opts Options) *Executor {
	return NewExecutor(r, p, opts, logging.Discard("harness"))
}

// ============================================================================
// 结果判定策略
// ============================================================================

func TestExecuteCompletedWithResults(t *testing.T) {
	runner := &fakeRunner{
		proc: &Process{Stdout: "harness output"},
		artifacts: map[string]string{
			"verifier/ctrf.json": ctrfPassing,
			"trial.log":          "trial log\n",
		},
	}
	req := newRequest(t)
	out := newTestExecutor(runner, nil, Options{}).Execute(context.Background(), req)

	assert.Equal(t, model.RunStatusCompleted, out.Status)
	assert.Equal(t, 3, out.Passed)
	assert.Equal(t, 4, out.Total)
	assert.Equal(t, model.FormatStructured, out.Format)
	assert.Empty(t, out.Error)
	assert.Contains(t, out.Logs, "harness output")
	assert.Contains(t, out.Logs, agentLogsHeader)
	assert.Contains(t, out.Logs, "trial log")
	assert.True(t, strings.HasSuffix(out.ResultPath, "task__abc123"))

	require.Len(t, runner.calls, 1)
	inv := runner.calls[0]
	assert.Equal(t, "harbor", inv.Binary)
	assert.Equal(t, "run", inv.Args[0])
	assert.Equal(t, "--config", inv.Args[1])
	assert.Contains(t, inv.Env, credentialEnv+"=sk-test")

	// 配置文件含凭据，执行后删除
	_, err := os.Stat(inv.Args[2])
	assert.True(t, os.IsNotExist(err))
}

func TestExecuteNonZeroExitWithResultsIsCompleted(t *testing.T) {
	runner := &fakeRunner{
		proc: &Process{ExitCode: 1, Stderr: "Traceback: KeyError: 'n_input_tokens'"},
		artifacts: map[string]string{
			"verifier/reward.txt": "1.0",
		},
	}
	opts := Options{NonFatalPatterns: []string{"n_input_tokens"}}
	out := newTestExecutor(runner, nil, opts).Execute(context.Background(), newRequest(t))

	assert.Equal(t, model.RunStatusCompleted, out.Status)
	assert.Equal(t, 1, out.Passed)
	assert.Equal(t, 1, out.Total)
	assert.Equal(t, model.FormatReward, out.Format)
	assert.Empty(t, out.Error)
	assert.Contains(t, out.Logs, "exited with status 1")
	assert.Contains(t, out.Logs, `"n_input_tokens"`)
}

func TestExecuteNonZeroExitWithoutResultsIsFailed(t *testing.T) {
	runner := &fakeRunner{proc: &Process{ExitCode: 2, Stdout: "partial", Stderr: "boom: docker build failed"}}
	out := newTestExecutor(runner, nil, Options{}).Execute(context.Background(), newRequest(t))

	assert.Equal(t, model.RunStatusFailed, out.Status)
	assert.Equal(t, apperr.KindExecution, out.ErrorKind)
	assert.Equal(t, "boom: docker build failed", out.Error)
	assert.Equal(t, 0, out.Total)
	assert.Equal(t, model.FormatNone, out.Format)
}

func TestExecuteErrorFallsBackToStdoutAndKeepsTail(t *testing.T) {
	long := strings.Repeat("x", 50) + "TAIL"
	runner := &fakeRunner{proc: &Process{ExitCode: 1, Stdout: long}}
	out := newTestExecutor(runner, nil, Options{MaxErrorChars: 10}).Execute(context.Background(), newRequest(t))

	assert.Equal(t, model.RunStatusFailed, out.Status)
	assert.Len(t, out.Error, 10)
	assert.True(t, strings.HasSuffix(out.Error, "TAIL"))
}

func TestExecuteZeroExitWithoutResultsIsFailed(t *testing.T) {
	runner := &fakeRunner{proc: &Process{}}
	out := newTestExecutor(runner, nil, Options{}).Execute(context.Background(), newRequest(t))

	assert.Equal(t, model.RunStatusFailed, out.Status)
	assert.Equal(t, apperr.KindExecution, out.ErrorKind)
	assert.Equal(t, noResultsMessage, out.Error)
}

func TestExecuteRewardZeroIsCompleted(t *testing.T) {
	runner := &fakeRunner{
		proc:      &Process{},
		artifacts: map[string]string{"verifier/reward.txt": "0"},
	}
	out := newTestExecutor(runner, nil, Options{}).Execute(context.Background(), newRequest(t))

	assert.Equal(t, model.RunStatusCompleted, out.Status)
	assert.Equal(t, 0, out.Passed)
	assert.Equal(t, 1, out.Total)
	assert.Equal(t, 1, out.Failed)
}

// ============================================================================
// 启动失败与预检
// ============================================================================

func TestExecuteStartFailureKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperr.Kind
	}{
		{"missing binary", apperr.New(apperr.KindConfiguration, "harness.start", os.ErrNotExist), apperr.KindConfiguration},
		{"io failure", apperr.New(apperr.KindTransient, "harness.start", errors.New("too many open files")), apperr.KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := newTestExecutor(&fakeRunner{err: tt.err}, nil, Options{}).Execute(context.Background(), newRequest(t))
			assert.Equal(t, model.RunStatusFailed, out.Status)
			assert.Equal(t, tt.want, out.ErrorKind)
			assert.NotEmpty(t, out.Error)
		})
	}
}

func TestCLIRunnerMissingBinary(t *testing.T) {
	_, err := NewCLIRunner().Run(context.Background(), Invocation{Binary: filepath.Join(t.TempDir(), "no-such-harness")})
	require.Error(t, err)
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
}

func TestExecutePreflightFailure(t *testing.T) {
	runner := &fakeRunner{proc: &Process{}}
	pre := fakePreflight{err: apperr.New(apperr.KindTransient, "docker.ping", errors.New("connection refused"))}
	out := newTestExecutor(runner, pre, Options{}).Execute(context.Background(), newRequest(t))

	assert.Equal(t, model.RunStatusFailed, out.Status)
	assert.Equal(t, apperr.KindTransient, out.ErrorKind)
	assert.Empty(t, runner.calls)
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestDockerPreflightClassification(t *testing.T) {
	assert.NoError(t, NewDockerPreflight(fakePinger{}).Check(context.Background()))

	err := NewDockerPreflight(fakePinger{err: errors.New("dial unix /var/run/docker.sock: connect: connection refused")}).Check(context.Background())
	assert.Equal(t, apperr.KindTransient, apperr.KindOf(err))

	err = NewDockerPreflight(fakePinger{err: &os.PathError{Op: "dial", Path: "/var/run/docker.sock", Err: os.ErrPermission}}).Check(context.Background())
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
}

// ============================================================================
// 输出目录与日志
// ============================================================================

func TestExecuteRemovesStaleJobDirs(t *testing.T) {
	req := newRequest(t)
	stale := filepath.Join(req.OutputDir, "job_run_1", "old_trial")
	require.NoError(t, os.MkdirAll(filepath.Join(stale, "verifier"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "verifier", "reward.txt"), []byte("1"), 0644))
	other := filepath.Join(req.OutputDir, "job_run_10")
	require.NoError(t, os.MkdirAll(other, 0755))

	out := newTestExecutor(&fakeRunner{proc: &Process{}}, nil, Options{}).Execute(context.Background(), req)

	assert.Equal(t, model.RunStatusFailed, out.Status, "stale results from a previous attempt must not count")
	assert.NoDirExists(t, stale)
	assert.DirExists(t, other)
}

func TestExecuteOverflowLog(t *testing.T) {
	big := strings.Repeat("a", 200)
	runner := &fakeRunner{
		proc:      &Process{Stdout: big},
		artifacts: map[string]string{"verifier/reward.txt": "1"},
	}
	req := newRequest(t)
	out := newTestExecutor(runner, nil, Options{MaxLogChars: 100}).Execute(context.Background(), req)

	path := OverflowLogPath(req.OutputDir, req.RunNumber)
	full, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, big, string(full))
	assert.True(t, strings.HasPrefix(out.Logs, strings.Repeat("a", 100)))
	assert.Contains(t, out.Logs, path)
	assert.Less(t, len(out.Logs), len(big)+len(path)+64)
}

func TestTailAndTruncateKeepRuneBoundaries(t *testing.T) {
	s := "ab中文"
	assert.Equal(t, "文", tail(s, 4))
	assert.Equal(t, "ab", truncateUTF8(s, 4))
	assert.Equal(t, s, tail(s, 100))
}

// ============================================================================
// 配置生成
// ============================================================================

func TestBuildConfig(t *testing.T) {
	req := newRequest(t)
	req.RunNumber = 3
	req.Harness = "terminus"

	cfg := BuildConfig(req, 2.0, nil)
	assert.Equal(t, "job_run_3", cfg.JobName)
	assert.Equal(t, req.OutputDir, cfg.JobsDir)
	assert.Equal(t, 1, cfg.NAttempts)
	assert.Equal(t, 2.0, cfg.TimeoutMultiplier)
	assert.Equal(t, "local", cfg.Orchestrator.Type)
	assert.Equal(t, 1, cfg.Orchestrator.NConcurrentTrials)
	assert.Equal(t, 0, cfg.Orchestrator.Retry.MaxRetries)
	assert.ElementsMatch(t, []string{"VerifierTimeoutError", "AgentTimeoutError"}, cfg.Orchestrator.Retry.ExcludeExceptions)
	assert.Equal(t, "docker", cfg.Environment.Type)
	assert.True(t, cfg.Environment.Delete)

	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, "terminus", cfg.Agents[0].Name)
	assert.Equal(t, req.Model, cfg.Agents[0].ModelName)
	assert.Equal(t, "sk-test", cfg.Agents[0].Kwargs["api_key"])

	require.Len(t, cfg.Tasks, 1)
	assert.Equal(t, req.TaskPath, cfg.Tasks[0].Path)
	assert.Equal(t, "uploaded", cfg.Tasks[0].Source)

	override := BuildConfig(req, 1.0, map[string]string{"terminus": "terminus-2"})
	assert.Equal(t, "terminus-2", override.Agents[0].Name)
}

func TestWriteConfigIsPrivate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, WriteConfig(path, BuildConfig(newRequest(t), 1.0, nil)))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
