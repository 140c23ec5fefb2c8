package result

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"bench-runner/internal/shared/model"
)

const episodePrefix = "episode-"

// ReadEpisodes 读取 agent/episode-N 目录，按 N 升序返回
//
// prompt.txt 原样作为 transcript；response.txt 按 JSON 解析（容忍 ```json 代码块包裹），
// 解析失败时整段原文作为 analysis。
func ReadEpisodes(trialDir string) []model.Episode {
	if trialDir == "" {
		return nil
	}
	agentDir := filepath.Join(trialDir, "agent")
	entries, err := os.ReadDir(agentDir)
	if err != nil {
		return nil
	}

	type indexed struct {
		n    int
		name string
	}
	var dirs []indexed
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), episodePrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), episodePrefix))
		if err != nil {
			continue
		}
		dirs = append(dirs, indexed{n, e.Name()})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].n < dirs[j].n })

	episodes := make([]model.Episode, 0, len(dirs))
	for _, d := range dirs {
		dir := filepath.Join(agentDir, d.name)
		ep := model.Episode{Index: d.n}
		if data, err := os.ReadFile(filepath.Join(dir, "prompt.txt")); err == nil {
			ep.Transcript = string(data)
		}
		if data, err := os.ReadFile(filepath.Join(dir, "response.txt")); err == nil {
			ep.Analysis, ep.Commands = parseResponse(string(data))
		}
		episodes = append(episodes, ep)
	}
	return episodes
}

// episodeResponse response.txt 中用到的字段
type episodeResponse struct {
	Analysis string          `json:"analysis"`
	Plan     string          `json:"plan"`
	Commands json.RawMessage `json:"commands"`
}

// parseResponse 解析 agent 响应，返回 analysis（含 plan）与命令列表
func parseResponse(raw string) (string, []string) {
	var resp episodeResponse
	if err := json.Unmarshal([]byte(unfence(raw)), &resp); err != nil {
		return raw, nil
	}

	analysis := resp.Analysis
	if plan := strings.TrimSpace(resp.Plan); plan != "" {
		if analysis != "" {
			analysis += "\n\n"
		}
		analysis += "Plan: " + plan
	}
	return analysis, parseCommands(resp.Commands)
}

// parseCommands commands 可以是 [{keystrokes}] 列表、字符串列表或单个字符串
func parseCommands(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil
		}
		return []string{single}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	var commands []string
	for _, item := range items {
		var obj struct {
			Keystrokes string `json:"keystrokes"`
		}
		if err := json.Unmarshal(item, &obj); err == nil && obj.Keystrokes != "" {
			commands = append(commands, obj.Keystrokes)
			continue
		}
		var s string
		if err := json.Unmarshal(item, &s); err == nil && s != "" {
			commands = append(commands, s)
		}
	}
	return commands
}

// unfence 去掉 markdown 代码块包裹，没有代码块时原样返回
func unfence(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return strings.TrimSpace(s)
	}
	body := s[start+3:]
	// 跳过语言标记（如 json）
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}
