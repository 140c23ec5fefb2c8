package result

import (
	"os"
	"path/filepath"
	"strings"
)

// FindTrialDir 在 outputDir 中定位 harness 为 jobName 产出的 trial 目录
//
// 查找顺序：
//  1. job 目录（名称为 jobName，或以 jobName 加非数字分隔符开头）中，含 trial.log 或 verifier/ 的子目录
//  2. job 目录本身
//  3. outputDir 下任一含 trial.log 的子目录
func FindTrialDir(outputDir, jobName string) (string, bool) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return "", false
	}

	for _, e := range entries {
		if !e.IsDir() || !MatchesJobName(e.Name(), jobName) {
			continue
		}
		jobDir := filepath.Join(outputDir, e.Name())
		if children, err := os.ReadDir(jobDir); err == nil {
			for _, c := range children {
				if !c.IsDir() {
					continue
				}
				dir := filepath.Join(jobDir, c.Name())
				if isRegular(filepath.Join(dir, "trial.log")) || isDir(filepath.Join(dir, "verifier")) {
					return dir, true
				}
			}
		}
		return jobDir, true
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(outputDir, e.Name())
		if isRegular(filepath.Join(dir, "trial.log")) {
			return dir, true
		}
	}
	return "", false
}

// MatchesJobName 判断目录名是否属于 jobName（job_run_1 不匹配 job_run_10）
func MatchesJobName(name, jobName string) bool {
	if !strings.HasPrefix(name, jobName) {
		return false
	}
	rest := name[len(jobName):]
	return rest == "" || rest[0] < '0' || rest[0] > '9'
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
