package job

import (
	"context"

	"github.com/gravitational/trace"
)

// Job is a function executed on a process.
type Job func(ctx context.Context)

// ServiceJob is a long-running job with a readiness flag and a result.
type ServiceJob interface {
	DoJob(ctx context.Context)
	IsReady() bool
	SetReady(ready bool)
	WaitReady(ctx context.Context) (bool, error)
	Done() <-chan struct{}
	Err() error
}

type serviceJob struct {
	do      func(ctx context.Context) error
	readyCh chan struct{}
	ready   bool
	doneCh  chan struct{}
	err     error
}

// NewServiceJob wraps a function into a ServiceJob.
func NewServiceJob(fn func(ctx context.Context) error) ServiceJob {
	return &serviceJob{
		do:      fn,
		readyCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (j *serviceJob) DoJob(ctx context.Context) {
	defer close(j.doneCh)
	j.err = j.do(ctx)
	j.SetReady(false)
}

func (j *serviceJob) IsReady() bool {
	select {
	case <-j.readyCh:
		return j.ready
	default:
		return false
	}
}

// SetReady marks the job ready (or failed to become ready). Only the first
// call has an effect.
func (j *serviceJob) SetReady(ready bool) {
	select {
	case <-j.readyCh:
	default:
		j.ready = ready
		close(j.readyCh)
	}
}

// WaitReady blocks until the job signals readiness, finishes, or the context
// is done.
func (j *serviceJob) WaitReady(ctx context.Context) (bool, error) {
	select {
	case <-j.readyCh:
		return j.ready, nil
	case <-j.doneCh:
		return false, trace.Wrap(j.err)
	case <-ctx.Done():
		return false, trace.Wrap(ctx.Err())
	}
}

func (j *serviceJob) Done() <-chan struct{} {
	return j.doneCh
}

func (j *serviceJob) Err() error {
	return j.err
}

// IsCanceled returns true if the error is a context cancellation in disguise.
func IsCanceled(err error) bool {
	return trace.Unwrap(err) == context.Canceled
}
