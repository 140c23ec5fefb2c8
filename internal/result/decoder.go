// Package result 解析 harness 产出的 trial 目录
//
// 结果文件有两种已知编码：verifier/ctrf.json（结构化测试报告）和
// verifier/reward.txt（单值奖励）。缺失或损坏的产物只会降级为零结果，不返回错误。
package result

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"bench-runner/internal/shared/model"
)

const (
	ctrfFile   = "verifier/ctrf.json"
	rewardFile = "verifier/reward.txt"
)

// Score trial 的测试计数
type Score struct {
	Passed  int
	Total   int
	Failed  int
	Details []model.TestDetail
	Format  model.ResultFormat
}

// HasResults 是否包含可用结果（total > 0）
func (s Score) HasResults() bool {
	return s.Total > 0
}

// decodeStep 一种结果编码的解析器，ok=false 表示不存在或无法解析
type decodeStep func(trialDir string) (Score, bool)

// decodeSteps 按优先级排列，取第一个成功的结果
var decodeSteps = []decodeStep{
	decodeStructured,
	decodeReward,
}

// Decode 解析 trial 目录的测试结果
func Decode(trialDir string) Score {
	if trialDir != "" {
		for _, step := range decodeSteps {
			if s, ok := step(trialDir); ok {
				return s
			}
		}
	}
	return Score{Format: model.FormatNone}
}

// ctrfReport verifier/ctrf.json 中用到的字段
type ctrfReport struct {
	Results *struct {
		Summary *struct {
			Tests  int `json:"tests"`
			Passed int `json:"passed"`
			Failed int `json:"failed"`
		} `json:"summary"`
		Tests []struct {
			Name     string  `json:"name"`
			Status   string  `json:"status"`
			Duration float64 `json:"duration"`
			Message  string  `json:"message"`
		} `json:"tests"`
	} `json:"results"`
}

func decodeStructured(trialDir string) (Score, bool) {
	data, err := os.ReadFile(filepath.Join(trialDir, filepath.FromSlash(ctrfFile)))
	if err != nil {
		return Score{}, false
	}
	var report ctrfReport
	if err := json.Unmarshal(data, &report); err != nil {
		return Score{}, false
	}
	if report.Results == nil || report.Results.Summary == nil {
		return Score{}, false
	}
	sum := report.Results.Summary
	if sum.Tests < 0 || sum.Passed < 0 || sum.Failed < 0 {
		return Score{}, false
	}

	s := Score{
		Passed: sum.Passed,
		Total:  sum.Tests,
		Failed: sum.Failed,
		Format: model.FormatStructured,
	}
	for _, t := range report.Results.Tests {
		s.Details = append(s.Details, model.TestDetail{
			Name:     t.Name,
			Status:   t.Status,
			Duration: t.Duration,
			Message:  t.Message,
		})
	}
	return s, true
}

func decodeReward(trialDir string) (Score, bool) {
	data, err := os.ReadFile(filepath.Join(trialDir, filepath.FromSlash(rewardFile)))
	if err != nil {
		return Score{}, false
	}
	reward, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil || math.IsNaN(reward) || reward < 0 || reward > 1 {
		return Score{}, false
	}
	passed := int(math.Round(reward))
	return Score{
		Passed: passed,
		Total:  1,
		Failed: 1 - passed,
		Format: model.FormatReward,
	}, true
}
