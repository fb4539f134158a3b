package worker

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"compute-queue/internal/config"
	"compute-queue/internal/models"
	"compute-queue/internal/store"
)

// writeScript installs a shell program used in place of the compute command.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	p := filepath.Join(t.TempDir(), "compute.sh")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return p
}

func testConfig(t *testing.T, command string) config.Config {
	t.Helper()
	cfg := config.Load()
	cfg.Command = command
	cfg.JobsDirectory = t.TempDir()
	cfg.ArchiveDir = ""
	cfg.ArtifactS3Bucket = ""
	return cfg
}

func runningJob(cfg config.Config, id string) *models.Job {
	job := models.NewJob(id, filepath.Join(cfg.JobsDirectory, id), models.Submission{
		OwnerID: "10.0.0.1",
		Label:   "demo",
		Inputs:  models.Inputs{Primary: "ATOM 1", Secondary: ">seq\nMKV", AuxiliarySpec: "A B"},
	})
	job.MarkQueued()
	job.Admit(time.Now(), 1)
	job.Start(time.Now())
	return job
}

func TestRunnerCompletesJob(t *testing.T) {
	// Arguments arrive as primary, auxiliary spec, secondary.
	script := writeScript(t, `cat "$1" > scored.pdb
cat "$2" "$3" > result.csv
`)
	cfg := testConfig(t, script)
	snaps := store.NewFileSnapshots(cfg.JobsDirectory, cfg.SnapshotFilename)
	r := NewRunner(cfg, snaps, nil)

	job := runningJob(cfg, "j1")
	r.Execute(context.Background(), job)

	if job.State() != models.StateCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.State(), job.Status())
	}
	res, ok := job.Result()
	if !ok {
		t.Fatalf("result should be available")
	}
	if res.Primary != "ATOM 1" || res.Secondary != "A B>seq\nMKV" {
		t.Fatalf("unexpected result %+v", res)
	}

	loaded, err := snaps.Load(context.Background())
	if err != nil {
		t.Fatalf("load snapshots: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Job.JobID != "j1" || loaded[0].Artifacts.PrimaryOutput != cfg.OutputPrimaryFilename {
		t.Fatalf("unexpected snapshots %+v", loaded)
	}
}

func TestRunnerFailsOnNonZeroExit(t *testing.T) {
	script := writeScript(t, "echo broken >&2\nexit 3\n")
	cfg := testConfig(t, script)
	r := NewRunner(cfg, nil, nil)

	job := runningJob(cfg, "j1")
	r.Execute(context.Background(), job)

	if job.State() != models.StateFailed {
		t.Fatalf("expected failed, got %s", job.State())
	}
	if res, _ := job.Result(); res.Primary != "" || res.Secondary != "" {
		t.Fatalf("failed job should have empty result, got %+v", res)
	}
	logged, err := os.ReadFile(filepath.Join(job.Dir, invocationLogFilename))
	if err != nil || string(logged) != "broken\n" {
		t.Fatalf("invocation output should be kept, got %q err=%v", logged, err)
	}
}

func TestRunnerFailsOnMissingOutput(t *testing.T) {
	script := writeScript(t, "echo only > scored.pdb\n")
	cfg := testConfig(t, script)
	r := NewRunner(cfg, nil, nil)

	job := runningJob(cfg, "j1")
	r.Execute(context.Background(), job)

	if job.State() != models.StateFailed {
		t.Fatalf("missing output must fail the job, got %s", job.State())
	}
}

func TestRunnerWithoutCommand(t *testing.T) {
	cfg := testConfig(t, "")
	r := NewRunner(cfg, nil, nil)

	job := runningJob(cfg, "j1")
	r.Execute(context.Background(), job)
	if job.State() != models.StateFailed || job.ExecutionSeconds() != 0 {
		t.Fatalf("expected immediate failure, got %s after %ds", job.State(), job.ExecutionSeconds())
	}
}

func TestRunnerArchivesLocally(t *testing.T) {
	script := writeScript(t, "echo p > scored.pdb\necho s > result.csv\n")
	cfg := testConfig(t, script)
	cfg.ArchiveDir = t.TempDir()
	archiver, err := NewArchiver(context.Background(), cfg)
	if err != nil || archiver == nil {
		t.Fatalf("expected local archiver, got %v err=%v", archiver, err)
	}
	r := NewRunner(cfg, nil, archiver)

	job := runningJob(cfg, "j1")
	r.Execute(context.Background(), job)
	r.Wait()

	for name, want := range map[string]string{cfg.OutputPrimaryFilename: "p\n", cfg.OutputSecondaryFilename: "s\n"} {
		got, err := os.ReadFile(filepath.Join(cfg.ArchiveDir, "j1", name))
		if err != nil {
			t.Fatalf("archived %s missing: %v", name, err)
		}
		if string(got) != want {
			t.Fatalf("archived %s = %q, want %q", name, got, want)
		}
	}
}

// stalledUploader blocks until release is closed.
type stalledUploader struct {
	release chan struct{}
	keys    chan string
}

func (u *stalledUploader) Upload(ctx context.Context, key string, _ []byte, _ string) (string, error) {
	select {
	case <-u.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	u.keys <- key
	return key, nil
}

func TestRunnerArchivesAfterReturning(t *testing.T) {
	script := writeScript(t, "echo p > scored.pdb\necho s > result.csv\n")
	cfg := testConfig(t, script)
	up := &stalledUploader{release: make(chan struct{}), keys: make(chan string, 2)}
	r := NewRunner(cfg, nil, &Archiver{up: up})

	job := runningJob(cfg, "j1")
	done := make(chan struct{})
	go func() {
		r.Execute(context.Background(), job)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("execute waited for the archive upload")
	}
	if job.State() != models.StateCompleted {
		t.Fatalf("expected completed job, got %s", job.State())
	}

	close(up.release)
	r.Wait()
	if len(up.keys) != 2 {
		t.Fatalf("expected both outputs uploaded, got %d", len(up.keys))
	}
}

func TestNewArchiverDisabled(t *testing.T) {
	cfg := testConfig(t, "")
	archiver, err := NewArchiver(context.Background(), cfg)
	if err != nil || archiver != nil {
		t.Fatalf("no archive target should yield nil archiver, got %v err=%v", archiver, err)
	}
}
