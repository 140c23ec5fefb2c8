package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bench-runner/internal/config"
	"bench-runner/internal/result"
	"bench-runner/internal/shared/apperr"
	"bench-runner/internal/shared/model"
	"bench-runner/pkg/logging"
)

const (
	// credentialEnv harness 读取凭据的环境变量
	credentialEnv = "OPENROUTER_API_KEY"
	// agentLogsHeader harness 输出与 trial 日志之间的分隔行
	agentLogsHeader = "--- Agent Execution Logs ---"
	// noResultsMessage 进程成功退出但没有任何结果
	noResultsMessage = "no results found after harness execution"
)

// Request 一次执行的输入
type Request struct {
	RunID      string
	JobID      string
	RunNumber  int
	Attempt    int
	TaskPath   string
	OutputDir  string
	Harness    string
	Model      string
	Credential string
}

// Options 执行器参数
type Options struct {
	Binary            string
	TimeoutMultiplier float64
	Agents            map[string]string
	NonFatalPatterns  []string
	MaxLogChars       int
	MaxErrorChars     int
}

// OptionsFromConfig 从应用配置构建执行器参数
func OptionsFromConfig(h config.HarnessConfig, s config.StorageConfig) Options {
	return Options{
		Binary:            h.Binary,
		TimeoutMultiplier: h.TimeoutMultiplier,
		Agents:            h.Agents,
		NonFatalPatterns:  h.NonFatalPatterns,
		MaxLogChars:       s.MaxLogChars,
		MaxErrorChars:     s.MaxErrorChars,
	}
}

// Executor 执行一次 harness 调用并归一化结果
type Executor struct {
	runner    Runner
	preflight Preflight
	opts      Options
	log       *logging.Logger
}

// NewExecutor 创建执行器，preflight 可为 nil
func NewExecutor(runner Runner, preflight Preflight, opts Options, log *logging.Logger) *Executor {
	if opts.Binary == "" {
		opts.Binary = "harbor"
	}
	if opts.TimeoutMultiplier <= 0 {
		opts.TimeoutMultiplier = 1.0
	}
	if opts.MaxLogChars <= 0 {
		opts.MaxLogChars = 50000
	}
	if opts.MaxErrorChars <= 0 {
		opts.MaxErrorChars = 10000
	}
	return &Executor{runner: runner, preflight: preflight, opts: opts, log: log}
}

// Execute 执行一次 harness 调用
//
// 从不返回错误：所有失败都体现为 Failed 状态的 Outcome，ErrorKind 供重试策略使用。
// 是否成功只看是否解析到 total > 0 的结果，与进程退出码无关。
func (e *Executor) Execute(ctx context.Context, req Request) *model.Outcome {
	start := time.Now()
	log := e.log.WithJobID(req.JobID).WithRunID(req.RunID)

	if e.preflight != nil {
		if err := e.preflight.Check(ctx); err != nil {
			log.WithError(err).Warn("[harness.preflight.failed]")
			return e.failure(err)
		}
	}

	jobName := JobName(req.RunNumber)
	if err := e.prepareOutputDir(req.OutputDir, jobName); err != nil {
		return e.failure(apperr.New(apperr.KindTransient, "harness.prepare", err))
	}

	cfgPath := filepath.Join(req.OutputDir, fmt.Sprintf("harness_config_%d.json", req.RunNumber))
	if err := WriteConfig(cfgPath, BuildConfig(req, e.opts.TimeoutMultiplier, e.opts.Agents)); err != nil {
		return e.failure(apperr.New(apperr.KindTransient, "harness.config", err))
	}
	defer os.Remove(cfgPath)

	log.Info("[harness.run.start]", "run_number", req.RunNumber, "attempt", req.Attempt, "model", req.Model)
	proc, err := e.runner.Run(ctx, Invocation{
		Binary: e.opts.Binary,
		Args:   []string{"run", "--config", cfgPath},
		Dir:    req.OutputDir,
		Env:    []string{credentialEnv + "=" + req.Credential},
	})
	if err != nil {
		log.WithError(err).Warn("[harness.run.error]")
		return e.failure(err)
	}

	trialDir, found := result.FindTrialDir(req.OutputDir, jobName)
	var score result.Score
	var trialLogs string
	var episodes []model.Episode
	if found {
		score = result.Decode(trialDir)
		trialLogs = result.ReadLogs(trialDir)
		episodes = result.ReadEpisodes(trialDir)
	} else {
		score = result.Decode("")
	}

	outcome := &model.Outcome{
		Passed:   score.Passed,
		Total:    score.Total,
		Failed:   score.Failed,
		Details:  score.Details,
		Format:   score.Format,
		Episodes: episodes,
	}
	if found {
		outcome.ResultPath = trialDir
	}

	logs := combineLogs(proc.Stdout, trialLogs)
	switch {
	case score.HasResults():
		outcome.Status = model.RunStatusCompleted
		if proc.ExitCode != 0 {
			logs += e.exitNote(proc)
		}
	case proc.ExitCode != 0:
		outcome.Status = model.RunStatusFailed
		outcome.ErrorKind = apperr.KindExecution
		diag := proc.Stderr
		if strings.TrimSpace(diag) == "" {
			diag = proc.Stdout
		}
		if strings.TrimSpace(diag) == "" {
			diag = fmt.Sprintf("harness exited with status %d", proc.ExitCode)
		}
		outcome.Error = tail(diag, e.opts.MaxErrorChars)
	default:
		outcome.Status = model.RunStatusFailed
		outcome.ErrorKind = apperr.KindExecution
		outcome.Error = noResultsMessage
	}

	outcome.Logs = e.boundLogs(log, req, logs)

	log.WithDuration(time.Since(start)).Info("[harness.run.done]",
		"status", outcome.Status, "exit_code", proc.ExitCode,
		"passed", outcome.Passed, "total", outcome.Total, "format", outcome.Format)
	return outcome
}

// prepareOutputDir 创建输出目录并清理上一次尝试遗留的 job 目录
func (e *Executor) prepareOutputDir(outputDir, jobName string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() && result.MatchesJobName(entry.Name(), jobName) {
			if err := os.RemoveAll(filepath.Join(outputDir, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// failure 构造执行前或启动阶段失败的 Outcome
func (e *Executor) failure(err error) *model.Outcome {
	return &model.Outcome{
		Status:    model.RunStatusFailed,
		Format:    model.FormatNone,
		Error:     tail(err.Error(), e.opts.MaxErrorChars),
		ErrorKind: apperr.KindOf(err),
	}
}

// exitNote 结果可用但进程非零退出时附加到日志的说明
func (e *Executor) exitNote(proc *Process) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n\n--- Note: harness exited with status %d after producing results ---\n", proc.ExitCode)
	if p := e.matchNonFatal(proc.Stderr); p != "" {
		fmt.Fprintf(&b, "Known non-fatal post-processing issue: %q\n", p)
	}
	if s := strings.TrimSpace(proc.Stderr); s != "" {
		b.WriteString(tail(s, e.opts.MaxErrorChars))
		b.WriteString("\n")
	}
	return b.String()
}

func (e *Executor) matchNonFatal(stderr string) string {
	for _, p := range e.opts.NonFatalPatterns {
		if p != "" && strings.Contains(stderr, p) {
			return p
		}
	}
	return ""
}

// boundLogs 超长日志完整写入 <outputDir>/run_<n>_full.log，Outcome 只保留前缀与指针
func (e *Executor) boundLogs(log *logging.Logger, req Request, logs string) string {
	if len(logs) <= e.opts.MaxLogChars {
		return logs
	}
	path := OverflowLogPath(req.OutputDir, req.RunNumber)
	prefix := truncateUTF8(logs, e.opts.MaxLogChars)
	if err := os.WriteFile(path, []byte(logs), 0644); err != nil {
		log.WithError(err).Warn("[harness.logs.overflow_failed]")
		return prefix + fmt.Sprintf("\n\n... [truncated %d characters]\n", len(logs)-len(prefix))
	}
	return prefix + fmt.Sprintf("\n\n... [truncated, full log: %s]\n", path)
}

// OverflowLogPath 超长日志辅助文件路径
func OverflowLogPath(outputDir string, runNumber int) string {
	return filepath.Join(outputDir, fmt.Sprintf("run_%d_full.log", runNumber))
}

func combineLogs(stdout, trialLogs string) string {
	switch {
	case trialLogs == "":
		return stdout
	case stdout == "":
		return trialLogs
	default:
		return stdout + "\n\n" + agentLogsHeader + "\n" + trialLogs
	}
}

// tail 保留最后 n 个字节（按 UTF-8 边界对齐）
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}

// truncateUTF8 保留前 n 个字节（按 UTF-8 边界对齐）
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
