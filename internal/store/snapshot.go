package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"compute-queue/internal/models"
)

// SnapshotVersion is written into every snapshot. Readers accept any version
// from 1 upward and ignore fields they do not know.
const SnapshotVersion = 1

// Artifacts locates the staged files of a job on disk.
type Artifacts struct {
	Dir             string `json:"dir"`
	PrimaryInput    string `json:"primaryInput"`
	SecondaryInput  string `json:"secondaryInput"`
	PrimaryOutput   string `json:"primaryOutput"`
	SecondaryOutput string `json:"secondaryOutput"`
}

// Path resolves an artifact name against the staging directory.
func (a Artifacts) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(a.Dir, name)
}

// Snapshot is the persisted form of a finished job.
type Snapshot struct {
	Version   int           `json:"version"`
	Job       models.Record `json:"job"`
	Artifacts Artifacts     `json:"artifacts"`
}

// NewSnapshot captures the persisted fields of job.
func NewSnapshot(job *models.Job, artifacts Artifacts) Snapshot {
	return Snapshot{
		Version:   SnapshotVersion,
		Job:       job.Record(),
		Artifacts: artifacts,
	}
}

// Check rejects snapshots that cannot be restored.
func (s Snapshot) Check() error {
	if s.Version < 1 {
		return fmt.Errorf("unsupported snapshot version %d", s.Version)
	}
	if s.Job.JobID == "" {
		return errors.New("snapshot has no job id")
	}
	if !s.Job.State.Terminal() {
		return fmt.Errorf("snapshot job %s is not finished (state %s)", s.Job.JobID, s.Job.State)
	}
	return nil
}

// SnapshotStore persists finished jobs across restarts.
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	// Load returns every readable snapshot. Unreadable entries are logged and skipped.
	Load(ctx context.Context) ([]Snapshot, error)
}

// FileSnapshots keeps one JSON file inside each job's staging directory.
type FileSnapshots struct {
	root     string
	filename string
}

func NewFileSnapshots(root, filename string) *FileSnapshots {
	return &FileSnapshots{root: root, filename: filename}
}

// Save writes the snapshot atomically next to the job artifacts.
func (f *FileSnapshots) Save(_ context.Context, snap Snapshot) error {
	dir := snap.Artifacts.Dir
	if dir == "" {
		dir = filepath.Join(f.root, snap.Job.JobID)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	tmp := filepath.Join(dir, f.filename+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, f.filename)); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Load walks the jobs directory for snapshot files.
func (f *FileSnapshots) Load(ctx context.Context) ([]Snapshot, error) {
	var out []Snapshot
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == f.root {
				return fs.SkipAll
			}
			log.Printf("snapshot walk: skip %s: %v", path, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || d.Name() != f.filename {
			return nil
		}
		snap, err := readSnapshot(path)
		if err != nil {
			log.Printf("snapshot %s skipped: %v", path, err)
			return nil
		}
		// The directory may have moved since the snapshot was written.
		snap.Artifacts.Dir = filepath.Dir(path)
		out = append(out, snap)
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("walk %s: %w", f.root, err)
	}
	return out, nil
}

// MultiSnapshots writes to every store and reads from the first one.
type MultiSnapshots []SnapshotStore

func (m MultiSnapshots) Save(ctx context.Context, snap Snapshot) error {
	var firstErr error
	for _, s := range m {
		if err := s.Save(ctx, snap); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m MultiSnapshots) Load(ctx context.Context) ([]Snapshot, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return m[0].Load(ctx)
}

func readSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, fmt.Errorf("read: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("decode: %w", err)
	}
	if err := snap.Check(); err != nil {
		return snap, err
	}
	return snap, nil
}
