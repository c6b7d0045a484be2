package engine

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/buildkite/thingy/internal/config"
	"github.com/buildkite/thingy/internal/osutil"
	"github.com/buildkite/thingy/logger"
)

// ErrNotFound is returned when a lookup by name/number fails at any level
// of the engine.
type ErrNotFound struct {
	Kind string
	Name string
}

func (e *ErrNotFound) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.Name) }

// LogPage is the result of GetLog: a window of lines plus whether more
// remain and the matching build's status, if known.
type LogPage struct {
	Lines   []string     `json:"lines"`
	HasMore bool         `json:"has_more"`
	Status  *BuildStatus `json:"status,omitempty"`
}

// branchWorker owns the persisted build history for one branch, serializing
// all mutations through its mailbox, and spawns build workers.
type branchWorker struct {
	job    config.Job
	name   string
	dir    string
	git    GitAdapter
	logger logger.Logger
	box    *mailbox

	state      BranchState
	liveBuilds map[int64]*buildWorker

	metrics *Metrics
}

func newBranchWorker(job config.Job, name, dir string, git GitAdapter, log logger.Logger, metrics *Metrics) (*branchWorker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating branch directory %s: %w", dir, err)
	}

	state, err := loadBranchState(dir)
	if err != nil {
		return nil, err
	}
	if recoverBuildingRecords(&state) {
		if err := saveBranchState(dir, state); err != nil {
			return nil, fmt.Errorf("persisting recovered branch state: %w", err)
		}
	}

	bw := &branchWorker{
		job:        job,
		name:       name,
		dir:        dir,
		git:        git,
		logger:     log.WithFields(logger.StringField("branch", name)),
		box:        newMailbox(),
		state:      state,
		liveBuilds: make(map[int64]*buildWorker),
		metrics:    metrics,
	}
	go bw.box.run()
	return bw, nil
}

func (bw *branchWorker) stop() { bw.box.close() }

// newCommit is a no-op if hash equals the last seen commit; otherwise it
// starts a build pinned to hash.
func (bw *branchWorker) newCommit(hash string) {
	bw.box.send(func() {
		if bw.state.LastSeenCommit != nil && *bw.state.LastSeenCommit == hash {
			return
		}
		bw.startBuild(&hash)
	})
}

// buildNow always starts a build with no commit pin.
func (bw *branchWorker) buildNow() {
	bw.box.send(func() { bw.startBuild(nil) })
}

// buildStopped removes buildNum from the live-build map, updates its
// record's status, and persists. It is posted (not sent) because it is
// called from the build worker's own goroutine and must not block forever
// if this branch worker has already been torn down.
func (bw *branchWorker) buildStopped(buildNum int64, status BuildStatus) {
	bw.box.post(func() {
		delete(bw.liveBuilds, buildNum)
		for i := range bw.state.Builds {
			if bw.state.Builds[i].BuildNum == buildNum {
				bw.state.Builds[i].Status = status
				break
			}
		}
		if err := saveBranchState(bw.dir, bw.state); err != nil {
			bw.logger.Error("persisting branch state after build %d stopped: %v", buildNum, err)
		}
		if bw.metrics != nil {
			bw.metrics.buildFinished(status)
		}
	})
}

// getDetails returns a copy of the full BranchState.
func (bw *branchWorker) getDetails() BranchState {
	var out BranchState
	bw.box.send(func() {
		out = bw.state
		out.Builds = append([]BuildRecord(nil), bw.state.Builds...)
	})
	return out
}

// getLog reads up to numLines lines from the given build's log file,
// starting after skipping `start` lines, peeking one extra line to
// determine HasMore.
func (bw *branchWorker) getLog(buildNum int64, start, numLines int) (LogPage, error) {
	var page LogPage
	var notFound bool
	bw.box.send(func() {
		path := logFilePath(bw.dir, buildNum)
		if !osutil.FileExists(path) {
			return
		}

		var status *BuildStatus
		for i := range bw.state.Builds {
			if bw.state.Builds[i].BuildNum == buildNum {
				s := bw.state.Builds[i].Status
				status = &s
				break
			}
		}
		if status == nil {
			notFound = true
			return
		}

		lines, hasMore, err := readLogWindow(path, start, numLines)
		if err != nil {
			bw.logger.Warn("reading log for build %d: %v", buildNum, err)
			return
		}
		page = LogPage{Lines: lines, HasMore: hasMore, Status: status}
	})
	if notFound {
		return LogPage{}, &ErrNotFound{Kind: "build", Name: fmt.Sprint(buildNum)}
	}
	return page, nil
}

func readLogWindow(path string, start, numLines int) ([]string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for i := 0; i < start && scanner.Scan(); i++ {
	}

	var lines []string
	for len(lines) < numLines && scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	hasMore := scanner.Scan()
	return lines, hasMore, nil
}

// getBuildWorker returns the live build worker with the given number, or
// ErrNotFound if no build with that number is currently running.
func (bw *branchWorker) getBuildWorker(buildNum int64) (*buildWorker, error) {
	var w *buildWorker
	bw.box.send(func() { w = bw.liveBuilds[buildNum] })
	if w == nil {
		return nil, &ErrNotFound{Kind: "build", Name: fmt.Sprint(buildNum)}
	}
	return w, nil
}

// startBuild implements §4.3's StartBuild(hash?) algorithm. Must be called
// from within the mailbox.
func (bw *branchWorker) startBuild(hash *string) {
	buildNum, err := nextBuildNum(bw.dir)
	if err != nil {
		bw.logger.Error("allocating build number: %v", err)
		return
	}

	buildDir := buildDirPath(bw.dir, buildNum)
	if osutil.FileExists(buildDir) {
		if err := os.RemoveAll(buildDir); err != nil {
			bw.logger.Error("removing stale build directory %s: %v", buildDir, err)
			return
		}
	}
	checkoutDir := repoDirPath(bw.dir, buildNum)
	if err := os.MkdirAll(checkoutDir, 0o755); err != nil {
		bw.logger.Error("creating checkout directory %s: %v", checkoutDir, err)
		return
	}

	commitHash := ""
	if hash != nil {
		commitHash = *hash
	}

	cloneErr := bw.git.CloneCommit(context.Background(), bw.job.RepoURL, bw.name, commitHash, checkoutDir, bw.job.Auth)
	if cloneErr != nil {
		bw.logger.Error("cloning %s (branch %s): %v", bw.job.RepoURL, bw.name, cloneErr)
	}
	if hash != nil {
		h := *hash
		bw.state.LastSeenCommit = &h
	}

	if cloneErr == nil {
		logPath := logFilePath(bw.dir, buildNum)
		worker := startBuildWorker(bw, buildNum, bw.job.BuildScript, checkoutDir, logPath, bw.logger)
		bw.liveBuilds[buildNum] = worker
		if bw.metrics != nil {
			bw.metrics.buildStarted()
		}
	}

	bw.state.Builds = append(bw.state.Builds, BuildRecord{BuildNum: buildNum, CommitHash: hash, Status: StatusBuilding})
	if err := saveBranchState(bw.dir, bw.state); err != nil {
		bw.logger.Error("persisting branch state after starting build %d: %v", buildNum, err)
	}
}
