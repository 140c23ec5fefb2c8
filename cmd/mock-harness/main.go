// Package main Mock Harness - 模拟评测工具 CLI
//
// 接受与真实 harness 相同的 `run --config <file>` 调用，按配置中的
// jobs_dir/job_name 写出 trial 目录（trial.log、agent/episode-N、verifier/），
// 用于本地联调 worker 而无需 Docker 和模型凭据。
//
// 环境变量：
//   - MOCK_MODE：structured（默认）| reward | empty | crash
//   - MOCK_PASSED / MOCK_TOTAL：structured 模式下的测试计数
//   - MOCK_REWARD：reward 模式下写入的奖励值
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"bench-runner/internal/harness"
)

type Event struct {
	Type      string                 `json:"type"`
	Timestamp string                 `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

func emit(eventType string, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Data:      data,
	}
	b, _ := json.Marshal(event)
	fmt.Println(string(b))
}

func main() {
	root := &cobra.Command{
		Use:          "mock-harness",
		Short:        "Stand-in for the benchmark harness CLI",
		SilenceUsage: true,
	}

	var configPath string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the job described by a harness config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	runCmd.Flags().StringVar(&configPath, "config", "", "harness 配置文件路径")
	_ = runCmd.MarkFlagRequired("config")
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}
	var cfg harness.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if len(cfg.Tasks) == 0 || len(cfg.Agents) == 0 {
		return fmt.Errorf("config has no task or agent")
	}

	task := cfg.Tasks[0]
	agent := cfg.Agents[0]
	mode := getEnv("MOCK_MODE", "structured")

	emit("run_started", map[string]interface{}{
		"job_name": cfg.JobName,
		"task":     task.Path,
		"agent":    agent.Name,
		"model":    agent.ModelName,
	})

	if mode == "crash" {
		fmt.Fprintln(os.Stderr, "Traceback (most recent call last):\nRuntimeError: mock harness crashed")
		os.Exit(2)
	}

	trialDir := filepath.Join(cfg.JobsDir, cfg.JobName,
		filepath.Base(task.Path)+"__"+strings.ReplaceAll(uuid.NewString(), "-", "")[:7])
	if err := os.MkdirAll(filepath.Join(trialDir, "agent", "episode-0"), 0o755); err != nil {
		return err
	}

	emit("message", map[string]interface{}{
		"role":    "assistant",
		"content": "I'll analyze the task and start working on it...",
	})

	response := map[string]interface{}{
		"analysis": "The task directory contains a failing test.",
		"plan":     "Inspect the sources and patch the bug.",
		"commands": []map[string]string{{"keystrokes": "ls -la\n"}},
	}
	resp, _ := json.Marshal(response)
	files := map[string]string{
		"trial.log":                   fmt.Sprintf("trial %s started\nagent=%s model=%s\n", cfg.JobName, agent.Name, agent.ModelName),
		"agent/episode-0/prompt.txt":   "Solve the task in /app.",
		"agent/episode-0/response.txt": string(resp),
	}

	switch mode {
	case "structured":
		passed := getEnvInt("MOCK_PASSED", 1)
		total := getEnvInt("MOCK_TOTAL", 1)
		ctrf := map[string]interface{}{
			"results": map[string]interface{}{
				"summary": map[string]int{"tests": total, "passed": passed, "failed": total - passed},
			},
		}
		b, _ := json.Marshal(ctrf)
		files["verifier/ctrf.json"] = string(b)
	case "reward":
		files["verifier/reward.txt"] = getEnv("MOCK_REWARD", "1.0")
	}

	for rel, content := range files {
		path := filepath.Join(trialDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}

	emit("run_completed", map[string]interface{}{
		"trial_dir": trialDir,
		"mode":      mode,
	})
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}
