package engine

import (
	"context"
	"path/filepath"
	"time"

	"github.com/buildkite/thingy/internal/config"
	"github.com/buildkite/thingy/logger"
)

// JobDetails is the externally visible summary of a job worker's current
// state.
type JobDetails struct {
	Name     string   `json:"name"`
	Branches []string `json:"branches"`
}

// jobWorker keeps the set of branch workers for one repository in sync
// with the branches actually present on the remote.
type jobWorker struct {
	job    config.Job
	dir    string
	git    GitAdapter
	logger logger.Logger
	box    *mailbox

	branches map[string]*branchWorker
	metrics  *Metrics

	tickerDone chan struct{}
}

func newJobWorker(job config.Job, workspaceDir string, git GitAdapter, log logger.Logger, metrics *Metrics) *jobWorker {
	jw := &jobWorker{
		job:      job,
		dir:      job.Dir(workspaceDir),
		git:      git,
		logger:   log.WithFields(logger.StringField("job", job.Name)),
		box:      newMailbox(),
		branches: make(map[string]*branchWorker),
		metrics:  metrics,
	}
	go jw.box.run()
	jw.box.send(func() { jw.poll() })

	if job.PollIntervalSeconds != nil {
		jw.tickerDone = make(chan struct{})
		go jw.tick(time.Duration(*job.PollIntervalSeconds) * time.Second)
	}

	return jw
}

func (jw *jobWorker) tick(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			jw.box.send(func() { jw.poll() })
		case <-jw.tickerDone:
			return
		}
	}
}

func (jw *jobWorker) stop() {
	if jw.tickerDone != nil {
		close(jw.tickerDone)
	}
	jw.box.send(func() {
		for _, b := range jw.branches {
			b.stop()
		}
	})
	jw.box.close()
}

// poll implements §4.2's Poll algorithm. Must be called from within the
// mailbox.
func (jw *jobWorker) poll() {
	heads, err := jw.git.ListRemoteHeads(context.Background(), jw.job.RepoURL, jw.job.Auth)
	if err != nil {
		jw.logger.Warn("listing remote heads for %s: %v", jw.job.RepoURL, err)
		return
	}

	seen := make(map[string]bool, len(heads))
	for branch, commit := range heads {
		if !jw.job.Allowed(branch) {
			continue
		}
		seen[branch] = true

		worker, ok := jw.branches[branch]
		if !ok {
			dir := filepath.Join(jw.dir, branch)
			worker, err = newBranchWorker(jw.job, branch, dir, jw.git, jw.logger, jw.metrics)
			if err != nil {
				jw.logger.Error("creating branch worker for %s: %v", branch, err)
				continue
			}
			jw.branches[branch] = worker
		}
		worker.newCommit(commit)
	}

	for name, worker := range jw.branches {
		if !seen[name] {
			worker.stop()
			delete(jw.branches, name)
		}
	}

	if jw.metrics != nil {
		jw.metrics.setBranchesTracked(jw.job.Name, len(jw.branches))
	}
}

// pollNow triggers an immediate poll, as if the periodic timer had fired.
func (jw *jobWorker) pollNow() {
	jw.box.send(func() { jw.poll() })
}

func (jw *jobWorker) getDetails() JobDetails {
	var details JobDetails
	jw.box.send(func() {
		details = JobDetails{Name: jw.job.Name, Branches: make([]string, 0, len(jw.branches))}
		for name := range jw.branches {
			details.Branches = append(details.Branches, name)
		}
	})
	return details
}

func (jw *jobWorker) getBranchWorker(name string) (*branchWorker, error) {
	var w *branchWorker
	jw.box.send(func() { w = jw.branches[name] })
	if w == nil {
		return nil, &ErrNotFound{Kind: "branch", Name: name}
	}
	return w, nil
}
