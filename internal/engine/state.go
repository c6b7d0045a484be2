package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/buildkite/thingy/internal/osutil"
)

// BuildStatus is the lifecycle status of one BuildRecord.
type BuildStatus string

const (
	StatusBuilding BuildStatus = "building"
	StatusFinished BuildStatus = "finished"
	StatusError    BuildStatus = "error"
)

// BuildRecord is one entry in a branch's build history.
type BuildRecord struct {
	BuildNum   int64       `json:"build_num"`
	CommitHash *string     `json:"commit_hash"`
	Status     BuildStatus `json:"status"`
}

// BranchState is the persisted history for one branch, stored as
// <branch_dir>/data.json.
type BranchState struct {
	LastSeenCommit *string       `json:"last_seen_commit"`
	Builds         []BuildRecord `json:"builds"`
}

const (
	dataFileName     = "data.json"
	buildNumFileName = "build_num.txt"
	logFileName      = "log.txt"
	repoDirName      = "repo"
)

func dataFilePath(branchDir string) string { return filepath.Join(branchDir, dataFileName) }
func buildNumFilePath(branchDir string) string { return filepath.Join(branchDir, buildNumFileName) }
func buildDirPath(branchDir string, buildNum int64) string {
	return filepath.Join(branchDir, strconv.FormatInt(buildNum, 10))
}
func logFilePath(branchDir string, buildNum int64) string {
	return filepath.Join(buildDirPath(branchDir, buildNum), logFileName)
}
func repoDirPath(branchDir string, buildNum int64) string {
	return filepath.Join(buildDirPath(branchDir, buildNum), repoDirName)
}

// loadBranchState reads data.json from branchDir, returning an empty
// BranchState if the file does not exist.
func loadBranchState(branchDir string) (BranchState, error) {
	path := dataFilePath(branchDir)
	if !osutil.FileExists(path) {
		return BranchState{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return BranchState{}, fmt.Errorf("reading %s: %w", path, err)
	}
	var state BranchState
	if err := json.Unmarshal(data, &state); err != nil {
		return BranchState{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return state, nil
}

// saveBranchState writes state to <branchDir>/data.json using a
// write-then-rename so a reader of data.json (such as loadBranchState on a
// later start) never observes a half-written file.
func saveBranchState(branchDir string, state BranchState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling branch state: %w", err)
	}
	path := dataFilePath(branchDir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

// nextBuildNum reads build_num.txt (defaulting to 0 if absent), writes back
// stored+1, and returns the new value. The file write happens before any
// build directory is created, so the counter only ever increases.
func nextBuildNum(branchDir string) (int64, error) {
	path := buildNumFilePath(branchDir)
	stored := int64(0)
	if osutil.FileExists(path) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("reading %s: %w", path, err)
		}
		stored, err = strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	next := stored + 1
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(next, 10)), 0o644); err != nil {
		return 0, fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("renaming %s to %s: %w", tmp, path, err)
	}
	return next, nil
}

// recoverBuildingRecords transitions any record still "building" (because
// the process restarted mid-build, or because a clone failure never spawned
// a compensating build worker) to "error". It reports whether it changed
// anything, so the caller only needs to persist when it did.
func recoverBuildingRecords(state *BranchState) bool {
	changed := false
	for i := range state.Builds {
		if state.Builds[i].Status == StatusBuilding {
			state.Builds[i].Status = StatusError
			changed = true
		}
	}
	return changed
}
