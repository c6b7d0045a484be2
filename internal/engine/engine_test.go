package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildkite/thingy/internal/config"
	"github.com/buildkite/thingy/internal/osutil"
	"github.com/buildkite/thingy/logger"
)

// fakeGit is an in-memory GitAdapter: ListRemoteHeads returns whatever the
// test has configured, and CloneCommit writes a trivial build script into
// destDir instead of actually cloning anything.
type fakeGit struct {
	mu      sync.Mutex
	heads   map[string]string
	cloneErrOn map[string]bool
	script  string // shell script body; defaults to "exit 0" if empty
}

func (g *fakeGit) setHeads(heads map[string]string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.heads = heads
}

func (g *fakeGit) ListRemoteHeads(ctx context.Context, repoURL string, auth *config.GitAuth) (map[string]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]string, len(g.heads))
	for k, v := range g.heads {
		out[k] = v
	}
	return out, nil
}

func (g *fakeGit) CloneCommit(ctx context.Context, repoURL, branch, commitHash, destDir string, auth *config.GitAuth) error {
	g.mu.Lock()
	shouldErr := g.cloneErrOn[branch]
	body := g.script
	g.mu.Unlock()

	if shouldErr {
		return fmt.Errorf("simulated clone failure for %s", branch)
	}
	if body == "" {
		body = "#!/bin/sh\nexit 0\n"
	}
	path := filepath.Join(destDir, "build.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		return err
	}
	return osutil.ChmodExecutable(path)
}

func testLogger() logger.Logger {
	return logger.NewConsoleLogger(logger.NewTextPrinter(os.Stderr), func(int) {})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestBranchWorkerFreshStartBuildsAndFinishes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script build target")
	}
	dir := t.TempDir()
	git := &fakeGit{}

	job := config.Job{Name: "widgets", RepoURL: "git://example/widgets", BuildScript: "build.sh"}
	bw, err := newBranchWorker(job, "main", filepath.Join(dir, "main"), git, testLogger(), nil)
	require.NoError(t, err)
	defer bw.stop()

	bw.newCommit("abc")

	waitFor(t, 2*time.Second, func() bool {
		state := bw.getDetails()
		return len(state.Builds) == 1 && state.Builds[0].Status == StatusFinished
	})

	state := bw.getDetails()
	require.Len(t, state.Builds, 1)
	require.Equal(t, int64(1), state.Builds[0].BuildNum)
	require.Equal(t, "abc", *state.LastSeenCommit)

	// re-polling with the same commit is a no-op
	bw.newCommit("abc")
	time.Sleep(50 * time.Millisecond)
	state = bw.getDetails()
	require.Len(t, state.Builds, 1)
}

func TestBranchWorkerNewCommitStartsSecondBuild(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script build target")
	}
	dir := t.TempDir()
	git := &fakeGit{}
	job := config.Job{Name: "widgets", RepoURL: "git://example/widgets", BuildScript: "build.sh"}
	bw, err := newBranchWorker(job, "main", filepath.Join(dir, "main"), git, testLogger(), nil)
	require.NoError(t, err)
	defer bw.stop()

	bw.newCommit("abc")
	waitFor(t, 2*time.Second, func() bool { return len(bw.getDetails().Builds) == 1 })

	bw.newCommit("def")
	waitFor(t, 2*time.Second, func() bool { return len(bw.getDetails().Builds) == 2 })

	state := bw.getDetails()
	require.Equal(t, int64(2), state.Builds[1].BuildNum)
	require.Equal(t, "def", *state.LastSeenCommit)

	raw, err := os.ReadFile(filepath.Join(dir, "main", "build_num.txt"))
	require.NoError(t, err)
	require.Equal(t, "2", string(raw))
}

func TestBranchWorkerForceBuildLeavesLastSeenCommit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script build target")
	}
	dir := t.TempDir()
	git := &fakeGit{}
	job := config.Job{Name: "widgets", RepoURL: "git://example/widgets", BuildScript: "build.sh"}
	bw, err := newBranchWorker(job, "main", filepath.Join(dir, "main"), git, testLogger(), nil)
	require.NoError(t, err)
	defer bw.stop()

	bw.buildNow()
	waitFor(t, 2*time.Second, func() bool { return len(bw.getDetails().Builds) == 1 })

	state := bw.getDetails()
	require.Nil(t, state.LastSeenCommit)
	require.Nil(t, state.Builds[0].CommitHash)
}

func TestBranchWorkerCloneFailureLeavesPermanentBuildingRecordUntilRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "main")
	git := &fakeGit{cloneErrOn: map[string]bool{"main": true}}
	job := config.Job{Name: "widgets", RepoURL: "git://example/widgets", BuildScript: "build.sh"}

	bw, err := newBranchWorker(job, "main", dir, git, testLogger(), nil)
	require.NoError(t, err)
	bw.newCommit("abc")
	time.Sleep(50 * time.Millisecond)
	state := bw.getDetails()
	require.Len(t, state.Builds, 1)
	require.Equal(t, StatusBuilding, state.Builds[0].Status)
	require.Equal(t, "abc", *state.LastSeenCommit)
	bw.stop()

	// Restarting the branch worker against the same directory runs the
	// recovery sweep, which resolves the stuck "building" record.
	bw2, err := newBranchWorker(job, "main", dir, git, testLogger(), nil)
	require.NoError(t, err)
	defer bw2.stop()
	state = bw2.getDetails()
	require.Len(t, state.Builds, 1)
	require.Equal(t, StatusError, state.Builds[0].Status)
}

func TestGetLogPagination(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script build target")
	}
	dir := t.TempDir()
	git := &fakeGit{script: "#!/bin/sh\ni=0\nwhile [ $i -lt 50 ]; do echo \"line $i\"; i=$((i+1)); done\nexit 0\n"}
	job := config.Job{Name: "widgets", RepoURL: "git://example/widgets", BuildScript: "build.sh"}
	bw, err := newBranchWorker(job, "main", filepath.Join(dir, "main"), git, testLogger(), nil)
	require.NoError(t, err)
	defer bw.stop()

	bw.newCommit("abc")
	waitFor(t, 2*time.Second, func() bool {
		state := bw.getDetails()
		return len(state.Builds) == 1 && state.Builds[0].Status == StatusFinished
	})

	page, err := bw.getLog(1, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Lines, 10)
	require.True(t, page.HasMore)

	page2, err := bw.getLog(1, 0, 10)
	require.NoError(t, err)
	require.Equal(t, page.Lines, page2.Lines)
}

func TestJobWorkerPollTracksAndDropsBranches(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script build target")
	}
	dir := t.TempDir()
	git := &fakeGit{}
	git.setHeads(map[string]string{"main": "abc", "feature": "def"})

	job := config.Job{Name: "widgets", RepoURL: "git://example/widgets", BuildScript: "build.sh", Branches: []string{"main"}}
	jw := newJobWorker(job, dir, git, testLogger(), nil)
	defer jw.stop()

	waitFor(t, 2*time.Second, func() bool {
		return len(jw.getDetails().Branches) == 1
	})
	details := jw.getDetails()
	require.Equal(t, []string{"main"}, details.Branches)

	_, err := jw.getBranchWorker("feature")
	require.Error(t, err)
}

func TestRootAddAndRemoveJob(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.ConfigFileName), []byte("jobs: []\n"), 0o644))

	ws, err := config.Load(dir)
	require.NoError(t, err)

	git := &fakeGit{}
	root := New(ws, git, testLogger(), nil)
	defer root.Shutdown()

	job := config.Job{Name: "widgets", RepoURL: "git://example/widgets", BuildScript: "build.sh"}
	require.NoError(t, root.AddJob(job))
	require.Len(t, root.ListJobs(), 1)

	_, err = root.GetJobWorker("widgets")
	require.NoError(t, err)

	err = root.AddJob(job)
	require.ErrorIs(t, err, config.ErrAlreadyExists)

	existed, err := root.RemoveJob("widgets")
	require.NoError(t, err)
	require.True(t, existed)
	require.Empty(t, root.ListJobs())

	_, err = root.GetJobWorker("widgets")
	require.Error(t, err)
}
