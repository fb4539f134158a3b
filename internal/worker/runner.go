package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"compute-queue/internal/config"
	"compute-queue/internal/models"
	"compute-queue/internal/store"
	"compute-queue/internal/telemetry"
)

const invocationLogFilename = "compute.log"

// Runner executes one job against the external compute program: it stages
// the inputs, invokes the command in the job directory and collects outputs.
type Runner struct {
	cfg       config.Config
	snapshots store.SnapshotStore
	archiver  *Archiver
	archives  sync.WaitGroup
	now       func() time.Time
}

// NewRunner builds a runner. snapshots and archiver may be nil.
func NewRunner(cfg config.Config, snapshots store.SnapshotStore, archiver *Archiver) *Runner {
	return &Runner{
		cfg:       cfg,
		snapshots: snapshots,
		archiver:  archiver,
		now:       time.Now,
	}
}

// Artifacts names the staged files of job.
func (r *Runner) Artifacts(job *models.Job) store.Artifacts {
	return store.Artifacts{
		Dir:             job.Dir,
		PrimaryInput:    r.cfg.InputPrimaryFilename,
		SecondaryInput:  r.cfg.InputSecondaryFilename,
		PrimaryOutput:   r.cfg.OutputPrimaryFilename,
		SecondaryOutput: r.cfg.OutputSecondaryFilename,
	}
}

// Execute runs the job to a terminal state. Every error ends as Failed.
func (r *Runner) Execute(ctx context.Context, job *models.Job) {
	log.Printf("starting job %s label=%q owner=%s", job.ID, job.Label, job.OwnerID)

	result, elapsed, err := r.run(ctx, job)
	if err != nil {
		log.Printf("job %s failed after %s: %v", job.ID, elapsed.Round(time.Millisecond), err)
		job.Fail(r.now(), elapsed)
		telemetry.JobsFailed.Inc()
	} else {
		job.Complete(r.now(), elapsed, result)
		telemetry.JobsCompleted.Inc()
		telemetry.ExecutionSeconds.Observe(elapsed.Seconds())
		log.Printf("finished job %s label=%q owner=%s in %s", job.ID, job.Label, job.OwnerID, elapsed.Round(time.Millisecond))
	}

	// Persistence outlives a shutdown in progress.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	r.persist(persistCtx, job)
	if r.archiver != nil && job.State() == models.StateCompleted {
		r.archives.Add(1)
		go r.archive(context.WithoutCancel(ctx), job, result)
	}
}

// Wait blocks until archive uploads started by Execute are done.
func (r *Runner) Wait() {
	r.archives.Wait()
}

// run returns the wall-clock time of the invocation step only.
func (r *Runner) run(ctx context.Context, job *models.Job) (models.Result, time.Duration, error) {
	if r.cfg.Command == "" {
		return models.Result{}, 0, errors.New("no compute command configured")
	}
	if job.Dir == "" {
		return models.Result{}, 0, errors.New("job has no staging directory")
	}
	if err := os.MkdirAll(job.Dir, 0o755); err != nil {
		return models.Result{}, 0, fmt.Errorf("create job dir: %w", err)
	}

	art := r.Artifacts(job)
	inputs := []struct {
		name    string
		content string
	}{
		{art.PrimaryInput, job.Inputs.Primary},
		{art.SecondaryInput, job.Inputs.Secondary},
		{r.cfg.AuxiliarySpecFilename, job.Inputs.AuxiliarySpec},
	}
	for _, in := range inputs {
		if err := os.WriteFile(art.Path(in.name), []byte(in.content), 0o644); err != nil {
			return models.Result{}, 0, fmt.Errorf("write input %s: %w", in.name, err)
		}
	}

	cmd := exec.CommandContext(ctx, r.cfg.Command, art.PrimaryInput, r.cfg.AuxiliarySpecFilename, art.SecondaryInput)
	cmd.Dir = job.Dir
	start := r.now()
	output, runErr := cmd.CombinedOutput()
	elapsed := r.now().Sub(start)

	if err := os.WriteFile(filepath.Join(job.Dir, invocationLogFilename), output, 0o644); err != nil {
		log.Printf("job %s: write invocation log: %v", job.ID, err)
	}
	if runErr != nil {
		return models.Result{}, elapsed, fmt.Errorf("invoke %s: %w", r.cfg.Command, runErr)
	}

	primary, err := os.ReadFile(art.Path(art.PrimaryOutput))
	if err != nil {
		return models.Result{}, elapsed, fmt.Errorf("read output %s: %w", art.PrimaryOutput, err)
	}
	secondary, err := os.ReadFile(art.Path(art.SecondaryOutput))
	if err != nil {
		return models.Result{}, elapsed, fmt.Errorf("read output %s: %w", art.SecondaryOutput, err)
	}
	return models.Result{Primary: string(primary), Secondary: string(secondary)}, elapsed, nil
}

// persist snapshots every finished job.
func (r *Runner) persist(ctx context.Context, job *models.Job) {
	if r.snapshots == nil {
		return
	}
	if err := r.snapshots.Save(ctx, store.NewSnapshot(job, r.Artifacts(job))); err != nil {
		log.Printf("job %s: save snapshot: %v", job.ID, err)
	}
}

// archive copies successful outputs off the pool slot.
func (r *Runner) archive(ctx context.Context, job *models.Job, result models.Result) {
	defer r.archives.Done()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := r.archiver.Archive(ctx, job.ID, r.Artifacts(job), result); err != nil {
		log.Printf("job %s: archive artifacts: %v", job.ID, err)
	}
}
