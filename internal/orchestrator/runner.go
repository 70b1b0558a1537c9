package orchestrator

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/baanu007/aws-serverless-etl/pkg/errors"
	"github.com/baanu007/aws-serverless-etl/pkg/models"
)

// JobSpec names a stage and the input batches it should run against.
type JobSpec struct {
	Stage  string
	Inputs []*models.Batch
}

// JobState is the coarse lifecycle of a submitted job.
type JobState string

const (
	JobRunning JobState = "running"
	JobDone    JobState = "done"
)

// JobStatus is the poll result for a submitted job. Run is populated once
// the job is done; Err carries the terminal failure, if any.
type JobStatus struct {
	State JobState
	Run   models.StageRun
	Err   string
}

// JobRunner executes stage runs. The orchestrator drives every stage
// through this contract so an external runner (a container job queue, a
// serverless function) can be substituted for the in-process one.
type JobRunner interface {
	Submit(ctx context.Context, spec JobSpec) (string, error)
	Poll(ctx context.Context, handle string) (JobStatus, error)
}

// executeFunc runs a stage to completion and returns its audit run.
type executeFunc func(ctx context.Context, spec JobSpec) (models.StageRun, error)

// LocalRunner executes jobs in-process, one goroutine per submission.
type LocalRunner struct {
	execute executeFunc

	mu   sync.Mutex
	jobs map[string]*localJob
}

type localJob struct {
	done chan struct{}
	run  models.StageRun
	err  error
}

func NewLocalRunner(execute executeFunc) *LocalRunner {
	return &LocalRunner{execute: execute, jobs: make(map[string]*localJob)}
}

func (r *LocalRunner) Submit(ctx context.Context, spec JobSpec) (string, error) {
	handle := uuid.NewString()
	job := &localJob{done: make(chan struct{})}
	r.mu.Lock()
	r.jobs[handle] = job
	r.mu.Unlock()

	go func() {
		job.run, job.err = r.execute(ctx, spec)
		close(job.done)
	}()
	return handle, nil
}

func (r *LocalRunner) Poll(_ context.Context, handle string) (JobStatus, error) {
	r.mu.Lock()
	job, ok := r.jobs[handle]
	r.mu.Unlock()
	if !ok {
		return JobStatus{}, errors.Newf(errors.ErrorTypeNotFound, "unknown job handle %q", handle)
	}
	select {
	case <-job.done:
		status := JobStatus{State: JobDone, Run: job.run}
		if job.err != nil {
			status.Err = job.err.Error()
		}
		return status, nil
	default:
		return JobStatus{State: JobRunning}, nil
	}
}

// Wait blocks until the job finishes or the context is cancelled, then
// returns its run and terminal error.
func (r *LocalRunner) Wait(ctx context.Context, handle string) (models.StageRun, error) {
	r.mu.Lock()
	job, ok := r.jobs[handle]
	r.mu.Unlock()
	if !ok {
		return models.StageRun{}, errors.Newf(errors.ErrorTypeNotFound, "unknown job handle %q", handle)
	}
	select {
	case <-ctx.Done():
		return models.StageRun{}, errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "wait for job")
	case <-job.done:
		return job.run, job.err
	}
}
