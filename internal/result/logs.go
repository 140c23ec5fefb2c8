package result

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// sniffLen 判断文本文件时检查的前缀长度
const sniffLen = 8 << 10

// ReadLogs 读取 trial 目录中的日志文本
//
// 按优先级查找 trial.log、agent/ 下最大的文本文件、exception.txt，
// 找到多个时按该顺序拼接，每段前加 "===== <name> =====" 分隔行。
func ReadLogs(trialDir string) string {
	if trialDir == "" {
		return ""
	}

	var sources []string
	if isRegular(filepath.Join(trialDir, "trial.log")) {
		sources = append(sources, "trial.log")
	}
	if name := largestTextFile(filepath.Join(trialDir, "agent")); name != "" {
		sources = append(sources, "agent/"+name)
	}
	if isRegular(filepath.Join(trialDir, "exception.txt")) {
		sources = append(sources, "exception.txt")
	}

	type section struct{ name, content string }
	var sections []section
	for _, rel := range sources {
		data, err := os.ReadFile(filepath.Join(trialDir, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		sections = append(sections, section{rel, string(data)})
	}

	switch len(sections) {
	case 0:
		return ""
	case 1:
		return sections[0].content
	}

	var b strings.Builder
	for i, sec := range sections {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "===== %s =====\n", sec.name)
		b.WriteString(sec.content)
		if !strings.HasSuffix(sec.content, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func isRegular(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// largestTextFile 返回 dir 下（不递归）最大的文本文件名
func largestTextFile(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestSize int64 = -1
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Size() <= bestSize {
			continue
		}
		if !isText(filepath.Join(dir, e.Name())) {
			continue
		}
		best, bestSize = e.Name(), info.Size()
	}
	return best
}

// isText 前缀是合法 UTF-8 且不含 NUL
func isText(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	buf := make([]byte, sniffLen)
	n, _ := io.ReadFull(f, buf)
	buf = buf[:n]
	if bytes.IndexByte(buf, 0) >= 0 {
		return false
	}
	if utf8.Valid(buf) {
		return true
	}
	// 截断处可能切开一个多字节字符
	if n == sniffLen {
		for i := 1; i < utf8.UTFMax && i < len(buf); i++ {
			if utf8.Valid(buf[:len(buf)-i]) {
				return true
			}
		}
	}
	return false
}
