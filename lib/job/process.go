package job

import (
	"context"
	"sync"
)

// Process runs jobs as goroutines bound to a common context and waits for
// all of them on shutdown.
type Process struct {
	// doneCh is closed when all the jobs are completed.
	doneCh chan struct{}
	// spawn runs a goroutine in the process context as a job with waiting
	// for its completion on shutdown.
	spawn func(Job)
	// terminate signals the process to terminate gracefully.
	terminate func()
	// cancel signals the process to terminate immediately.
	cancel context.CancelFunc

	mu     sync.Mutex
	onTerm []func(ctx context.Context) error
}

// NewProcess spawns a process bound to the given context.
func NewProcess(ctx context.Context) *Process {
	ctx, cancel := context.WithCancel(ctx)
	doneCh := make(chan struct{})
	var jobs sync.WaitGroup
	var once sync.Once

	process := &Process{
		doneCh: doneCh,
		cancel: cancel,
	}

	jobs.Add(1) // Start the main "job" so Wait() does not return beforehand.
	go func() {
		jobs.Wait()
		close(doneCh)
	}()

	process.terminate = func() {
		once.Do(func() {
			process.mu.Lock()
			callbacks := process.onTerm
			process.mu.Unlock()
			for _, fn := range callbacks {
				fn(ctx) //nolint:errcheck // termination callbacks are best-effort
			}
			jobs.Done() // Stop the main "job".
		})
	}
	process.spawn = func(j Job) {
		jobs.Add(1)
		go func() {
			j(ctx)
			jobs.Done()
		}()
	}

	return process
}

// Spawn runs a function as a job on the process.
func (p *Process) Spawn(f Job) {
	if p == nil {
		panic("spawning a job on a nil process")
	}
	select {
	case <-p.doneCh:
		panic("spawning a job on a finished process")
	default:
		p.spawn(f)
	}
}

// SpawnCriticalJob runs a service job whose completion terminates the whole
// process.
func (p *Process) SpawnCriticalJob(job ServiceJob) {
	p.Spawn(func(ctx context.Context) {
		job.DoJob(ctx)
		p.Terminate()
	})
}

// OnTerminate registers a callback invoked on graceful termination before
// the process stops waiting for its jobs.
func (p *Process) OnTerminate(fn func(ctx context.Context) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTerm = append(p.onTerm, fn)
}

// Done returns a channel closed once all jobs are completed.
func (p *Process) Done() <-chan struct{} {
	if p == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return p.doneCh
}

// Terminate signals the process to terminate gracefully.
func (p *Process) Terminate() {
	if p == nil {
		return
	}
	p.terminate()
}

// Shutdown terminates gracefully and waits for the jobs to complete or the
// context to expire.
func (p *Process) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.terminate()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.doneCh:
		return nil
	}
}

// Close terminates the process immediately.
func (p *Process) Close() {
	if p == nil {
		return
	}
	p.terminate()
	p.cancel()
	<-p.doneCh
}
