package dispatcher

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// taskManifest 任务包 task.toml 中用到的字段
type taskManifest struct {
	Name string `toml:"name"`
	Task struct {
		Name string `toml:"name"`
	} `toml:"task"`
}

// TaskName 返回任务名称
//
// 依次取 task.toml 顶层 name、[task].name，都没有时使用目录名。
func TaskName(taskPath string) string {
	if data, err := os.ReadFile(filepath.Join(taskPath, "task.toml")); err == nil {
		var m taskManifest
		if toml.Unmarshal(data, &m) == nil {
			if name := strings.TrimSpace(m.Name); name != "" {
				return name
			}
			if name := strings.TrimSpace(m.Task.Name); name != "" {
				return name
			}
		}
	}
	return filepath.Base(filepath.Clean(taskPath))
}
