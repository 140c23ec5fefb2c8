package objstore

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
)

// ArtifactUploader 归档所需的最小上传能力
type ArtifactUploader interface {
	UploadFile(ctx context.Context, key, path, contentType string) error
}

// RunArtifacts 一次 Run 需要归档的本地文件
type RunArtifacts struct {
	JobID     string
	RunNumber int
	TrialDir  string // harness 产出的 trial 目录，可为空
	FullLog   string // 超长日志辅助文件，可为空
}

// archivedFiles trial 目录内归档的相对路径
var archivedFiles = []struct {
	rel         string
	contentType string
}{
	{"verifier/ctrf.json", "application/json"},
	{"verifier/reward.txt", "text/plain"},
	{"trial.log", "text/plain"},
	{"exception.txt", "text/plain"},
}

// RunPrefix 返回 Run 在 bucket 中的 key 前缀
func RunPrefix(jobID string, runNumber int) string {
	return path.Join("jobs", jobID, fmt.Sprintf("run_%d", runNumber))
}

// ArchiveRun 上传 Run 的结果产物，返回已上传的 key
//
// 缺失的文件跳过；单个文件上传失败只记录日志，继续上传其余文件，
// 最后返回第一个错误。
func ArchiveRun(ctx context.Context, up ArtifactUploader, a RunArtifacts) ([]string, error) {
	prefix := RunPrefix(a.JobID, a.RunNumber)

	type item struct {
		local, key, contentType string
	}
	var items []item
	if a.TrialDir != "" {
		for _, f := range archivedFiles {
			items = append(items, item{
				local:       filepath.Join(a.TrialDir, filepath.FromSlash(f.rel)),
				key:         path.Join(prefix, f.rel),
				contentType: f.contentType,
			})
		}
	}
	if a.FullLog != "" {
		items = append(items, item{
			local:       a.FullLog,
			key:         path.Join(prefix, filepath.Base(a.FullLog)),
			contentType: "text/plain",
		})
	}

	var uploaded []string
	var firstErr error
	for _, it := range items {
		info, err := os.Stat(it.local)
		if err != nil || info.IsDir() {
			continue
		}
		if err := up.UploadFile(ctx, it.key, it.local, it.contentType); err != nil {
			log.Printf("[minio] Archive failed: key=%s err=%v", it.key, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		uploaded = append(uploaded, it.key)
	}
	return uploaded, firstErr
}
