package objstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	keys   []string
	failOn string
}

func (f *fakeUploader) UploadFile(ctx context.Context, key, path, contentType string) error {
	if key == f.failOn {
		return errors.New("boom")
	}
	f.keys = append(f.keys, key)
	return nil
}

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func TestArchiveRunUploadsPresentFiles(t *testing.T) {
	trial := t.TempDir()
	writeFile(t, filepath.Join(trial, "verifier", "ctrf.json"), "{}")
	writeFile(t, filepath.Join(trial, "trial.log"), "log")
	full := filepath.Join(t.TempDir(), "run_2_full.log")
	writeFile(t, full, "lots")

	up := &fakeUploader{}
	keys, err := ArchiveRun(context.Background(), up, RunArtifacts{JobID: "job-1", RunNumber: 2, TrialDir: trial, FullLog: full})
	require.NoError(t, err)

	sort.Strings(keys)
	assert.Equal(t, []string{
		"jobs/job-1/run_2/run_2_full.log",
		"jobs/job-1/run_2/trial.log",
		"jobs/job-1/run_2/verifier/ctrf.json",
	}, keys)
}

func TestArchiveRunContinuesAfterFailure(t *testing.T) {
	trial := t.TempDir()
	writeFile(t, filepath.Join(trial, "verifier", "reward.txt"), "1")
	writeFile(t, filepath.Join(trial, "trial.log"), "log")

	up := &fakeUploader{failOn: "jobs/j/run_1/verifier/reward.txt"}
	keys, err := ArchiveRun(context.Background(), up, RunArtifacts{JobID: "j", RunNumber: 1, TrialDir: trial})
	assert.Error(t, err)
	assert.Equal(t, []string{"jobs/j/run_1/trial.log"}, keys)
}

func TestArchiveRunNothingToUpload(t *testing.T) {
	keys, err := ArchiveRun(context.Background(), &fakeUploader{}, RunArtifacts{JobID: "j", RunNumber: 1})
	assert.NoError(t, err)
	assert.Empty(t, keys)
}
