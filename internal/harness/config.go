// Package harness 调用外部评测工具执行一次 Run
//
// 每次执行生成一份 harness 配置文件，以子进程方式运行 `harbor run --config <file>`，
// 之后通过 result 包解析产出目录。执行失败不返回错误，而是归类到 Outcome 中。
package harness

import (
	"encoding/json"
	"fmt"
	"os"
)

// 不交给 harness 自身重试的异常类型，重试由 worker 的策略负责
var excludedExceptions = []string{"VerifierTimeoutError", "AgentTimeoutError"}

// defaultAgents harness 选择到 agent 名称的默认映射
var defaultAgents = map[string]string{
	"harbor":   "openrouter",
	"terminus": "terminus",
}

// JobName harness 为第 n 个 Run 创建的 job 目录名
func JobName(runNumber int) string {
	return fmt.Sprintf("job_run_%d", runNumber)
}

// Config harness 配置文件
type Config struct {
	JobName           string              `json:"job_name"`
	JobsDir           string              `json:"jobs_dir"`
	NAttempts         int                 `json:"n_attempts"`
	TimeoutMultiplier float64             `json:"timeout_multiplier"`
	Debug             bool                `json:"debug"`
	Orchestrator      OrchestratorConfig  `json:"orchestrator"`
	Environment       EnvironmentConfig   `json:"environment"`
	Verifier          VerifierConfig      `json:"verifier"`
	Metrics           []map[string]string `json:"metrics"`
	Agents            []AgentConfig       `json:"agents"`
	Tasks             []TaskConfig        `json:"tasks"`
}

type OrchestratorConfig struct {
	Type              string      `json:"type"`
	NConcurrentTrials int         `json:"n_concurrent_trials"`
	Quiet             bool        `json:"quiet"`
	Retry             RetryConfig `json:"retry"`
}

// RetryConfig harness 内部重试，固定关闭
type RetryConfig struct {
	MaxRetries        int      `json:"max_retries"`
	IncludeExceptions []string `json:"include_exceptions"`
	ExcludeExceptions []string `json:"exclude_exceptions"`
	WaitMultiplier    float64  `json:"wait_multiplier"`
	MinWaitSec        float64  `json:"min_wait_sec"`
	MaxWaitSec        float64  `json:"max_wait_sec"`
}

type EnvironmentConfig struct {
	Type       string `json:"type"`
	ForceBuild bool   `json:"force_build"`
	Delete     bool   `json:"delete"`
}

type VerifierConfig struct {
	Disable bool `json:"disable"`
}

type AgentConfig struct {
	Name      string            `json:"name"`
	ModelName string            `json:"model_name"`
	Kwargs    map[string]string `json:"kwargs"`
}

type TaskConfig struct {
	Path      string `json:"path"`
	Source    string `json:"source"`
	Overwrite bool   `json:"overwrite"`
}

// BuildConfig 为一次执行生成 harness 配置
func BuildConfig(req Request, timeoutMultiplier float64, agents map[string]string) *Config {
	agentName := agents[req.Harness]
	if agentName == "" {
		agentName = defaultAgents[req.Harness]
	}
	if agentName == "" {
		agentName = defaultAgents["harbor"]
	}

	return &Config{
		JobName:           JobName(req.RunNumber),
		JobsDir:           req.OutputDir,
		NAttempts:         1,
		TimeoutMultiplier: timeoutMultiplier,
		Orchestrator: OrchestratorConfig{
			Type:              "local",
			NConcurrentTrials: 1,
			Retry: RetryConfig{
				MaxRetries:        0,
				ExcludeExceptions: excludedExceptions,
				WaitMultiplier:    1.0,
				MinWaitSec:        1.0,
				MaxWaitSec:        60.0,
			},
		},
		Environment: EnvironmentConfig{Type: "docker", Delete: true},
		Metrics:     []map[string]string{},
		Agents: []AgentConfig{{
			Name:      agentName,
			ModelName: req.Model,
			Kwargs:    map[string]string{"api_key": req.Credential},
		}},
		Tasks: []TaskConfig{{
			Path:   req.TaskPath,
			Source: "uploaded",
		}},
	}
}

// WriteConfig 写入配置文件（包含凭据，仅属主可读）
func WriteConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
