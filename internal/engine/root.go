// Package engine implements the hierarchical supervisor/worker tree: one
// root supervisor owning one job worker per configured repository, each
// owning one branch worker per observed branch, each owning live build
// workers for in-progress builds.
package engine

import (
	"strings"

	"github.com/buildkite/thingy/internal/config"
	"github.com/buildkite/thingy/logger"
)

// Root owns the Workspace and mediates every mutation of its job set.
type Root struct {
	ws      *config.Workspace
	git     GitAdapter
	logger  logger.Logger
	metrics *Metrics
	box     *mailbox

	jobs map[string]*jobWorker
}

// New constructs a Root for ws and spawns a job worker for every job
// already in the workspace.
func New(ws *config.Workspace, git GitAdapter, log logger.Logger, metrics *Metrics) *Root {
	r := &Root{
		ws:      ws,
		git:     git,
		logger:  log,
		metrics: metrics,
		box:     newMailbox(),
		jobs:    make(map[string]*jobWorker),
	}
	go r.box.run()

	r.box.send(func() {
		for _, job := range ws.Jobs {
			r.jobs[job.Name] = newJobWorker(job, ws.Dir, git, r.logger, r.metrics)
		}
	})

	return r
}

// Shutdown stops every job worker (and transitively every branch worker).
// In-flight builds are not force-killed; they run to completion, but their
// terminal status is lost because their parent branch worker is gone by
// the time they try to report it.
func (r *Root) Shutdown() {
	r.box.send(func() {
		for _, jw := range r.jobs {
			jw.stop()
		}
	})
	r.box.close()
}

// ListJobs returns the workspace's current job descriptors.
func (r *Root) ListJobs() []config.Job {
	var jobs []config.Job
	r.box.send(func() {
		jobs = append([]config.Job(nil), r.ws.Jobs...)
	})
	return jobs
}

// GetJobWorker returns the handle of the job worker with the given name.
func (r *Root) GetJobWorker(name string) (*jobWorker, error) {
	var jw *jobWorker
	r.box.send(func() { jw = r.jobs[name] })
	if jw == nil {
		return nil, &ErrNotFound{Kind: "job", Name: name}
	}
	return jw, nil
}

// AddJob validates job, fails with config.ErrAlreadyExists if a job by that
// name is already registered, otherwise persists the workspace and spawns a
// job worker for it.
func (r *Root) AddJob(job config.Job) error {
	job.Name = strings.TrimSpace(job.Name)
	var err error
	r.box.send(func() {
		if addErr := r.ws.AddJob(job); addErr != nil {
			err = addErr
			return
		}
		r.jobs[job.Name] = newJobWorker(job, r.ws.Dir, r.git, r.logger, r.metrics)
	})
	return err
}

// RemoveJob drops the job worker handle (terminating it and its branch
// workers) and persists the workspace. In-flight builds are not killed;
// they run to completion and their terminal status is lost. It reports
// whether a job by that name existed.
func (r *Root) RemoveJob(name string) (bool, error) {
	var existed bool
	var err error
	r.box.send(func() {
		jw, ok := r.jobs[name]
		if !ok {
			return
		}
		existed = true
		jw.stop()
		delete(r.jobs, name)
		_, err = r.ws.RemoveJob(name)
	})
	return existed, err
}

// JobDetails returns the named job's current branch set.
func (r *Root) JobDetails(name string) (JobDetails, error) {
	jw, err := r.GetJobWorker(name)
	if err != nil {
		return JobDetails{}, err
	}
	return jw.getDetails(), nil
}

// PollJob triggers an immediate poll of the named job, as if its periodic
// timer had fired.
func (r *Root) PollJob(name string) error {
	jw, err := r.GetJobWorker(name)
	if err != nil {
		return err
	}
	jw.pollNow()
	return nil
}

// BranchDetails returns the named branch's persisted build history.
func (r *Root) BranchDetails(job, branch string) (BranchState, error) {
	jw, err := r.GetJobWorker(job)
	if err != nil {
		return BranchState{}, err
	}
	bw, err := jw.getBranchWorker(branch)
	if err != nil {
		return BranchState{}, err
	}
	return bw.getDetails(), nil
}

// StartBuild forces a build of the named branch with no commit pin.
func (r *Root) StartBuild(job, branch string) error {
	jw, err := r.GetJobWorker(job)
	if err != nil {
		return err
	}
	bw, err := jw.getBranchWorker(branch)
	if err != nil {
		return err
	}
	bw.buildNow()
	return nil
}

// GetLog returns a window of the given build's captured output.
func (r *Root) GetLog(job, branch string, buildNum int64, start, numLines int) (LogPage, error) {
	jw, err := r.GetJobWorker(job)
	if err != nil {
		return LogPage{}, err
	}
	bw, err := jw.getBranchWorker(branch)
	if err != nil {
		return LogPage{}, err
	}
	return bw.getLog(buildNum, start, numLines)
}

// AbortBuild terminates the given build if it is still running.
func (r *Root) AbortBuild(job, branch string, buildNum int64) error {
	jw, err := r.GetJobWorker(job)
	if err != nil {
		return err
	}
	bw, err := jw.getBranchWorker(branch)
	if err != nil {
		return err
	}
	worker, err := bw.getBuildWorker(buildNum)
	if err != nil {
		return err
	}
	return worker.abort()
}
