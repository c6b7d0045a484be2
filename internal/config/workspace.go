// Package config loads and persists the workspace configuration file
// (thingy.yaml) that describes the jobs a workspace polls and builds.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/buildkite/thingy/internal/osutil"
)

// ErrAlreadyExists is returned by AddJob when a job with the same name is
// already registered in the workspace.
var ErrAlreadyExists = errors.New("job already exists")

// GitAuth is a tagged union of the authentication methods a job may use to
// talk to its remote. The zero value means anonymous access.
type GitAuth struct {
	PrivateKey *PrivateKeyAuth `yaml:"PrivateKey,omitempty" json:"private_key,omitempty"`
	UserPass   *UserPassAuth   `yaml:"UserPass,omitempty" json:"user_pass,omitempty"`
}

// PrivateKeyAuth authenticates over SSH with a private key file.
type PrivateKeyAuth struct {
	Path       string `yaml:"path" json:"path"`
	Passphrase string `yaml:"passphrase,omitempty" json:"passphrase,omitempty"`
}

// UserPassAuth authenticates over HTTP(S) with a username and password.
type UserPassAuth struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Job is an immutable (for the lifetime of its job worker) description of
// one repository to poll and build.
type Job struct {
	Name                string   `yaml:"name" json:"name"`
	RepoURL             string   `yaml:"repo_url" json:"repo_url"`
	Branch              string   `yaml:"branch,omitempty" json:"branch,omitempty"` // deprecated, equivalent to Branches: [Branch]
	Branches            []string `yaml:"branches,omitempty" json:"branches,omitempty"`
	IgnoreBranches      []string `yaml:"ignore_branches,omitempty" json:"ignore_branches,omitempty"`
	BuildScript         string   `yaml:"build_script" json:"build_script"`
	PollIntervalSeconds *int     `yaml:"poll_interval_seconds,omitempty" json:"poll_interval_seconds,omitempty"`
	Auth                *GitAuth `yaml:"auth,omitempty" json:"auth,omitempty"`
}

// Validate checks the invariants described in the configuration schema:
// name/repo_url/build_script non-empty after trimming, poll interval
// positive if set, and branch/branches not both set.
func (j Job) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return errors.New("job name must not be empty")
	}
	if strings.TrimSpace(j.RepoURL) == "" {
		return fmt.Errorf("job %q: repo_url must not be empty", j.Name)
	}
	if strings.TrimSpace(j.BuildScript) == "" {
		return fmt.Errorf("job %q: build_script must not be empty", j.Name)
	}
	if j.PollIntervalSeconds != nil && *j.PollIntervalSeconds <= 0 {
		return fmt.Errorf("job %q: poll_interval_seconds must be > 0 if set", j.Name)
	}
	if j.Branch != "" && len(j.Branches) > 0 {
		return fmt.Errorf("job %q: specify either branch or branches, not both", j.Name)
	}
	return nil
}

// BranchFilter returns the allow-list and deny-list this job applies when
// deciding which polled branches to track. The deprecated singular `branch`
// field is folded into the allow-list.
func (j Job) BranchFilter() (allow, deny map[string]bool) {
	names := j.Branches
	if j.Branch != "" {
		names = append(names, j.Branch)
	}
	if len(names) > 0 {
		allow = make(map[string]bool, len(names))
		for _, n := range names {
			allow[n] = true
		}
	}
	if len(j.IgnoreBranches) > 0 {
		deny = make(map[string]bool, len(j.IgnoreBranches))
		for _, n := range j.IgnoreBranches {
			deny[n] = true
		}
	}
	return allow, deny
}

// Allowed reports whether branch passes this job's allow/ignore filters.
func (j Job) Allowed(branch string) bool {
	allow, deny := j.BranchFilter()
	if allow != nil && !allow[branch] {
		return false
	}
	if deny != nil && deny[branch] {
		return false
	}
	return true
}

// Dir returns the job's directory relative to the workspace root.
func (j Job) Dir(workspaceDir string) string {
	return filepath.Join(workspaceDir, strings.TrimSpace(j.Name))
}

// Workspace is the root directory plus the ordered set of jobs loaded from
// (or to be persisted to) thingy.yaml.
type Workspace struct {
	Dir  string `yaml:"-"`
	Jobs []Job  `yaml:"jobs"`
}

type workspaceFile struct {
	Jobs []Job `yaml:"jobs"`
}

// ConfigFileName is the name of the workspace configuration file.
const ConfigFileName = "thingy.yaml"

// Load reads and validates <dir>/thingy.yaml.
func Load(dir string) (*Workspace, error) {
	path := filepath.Join(dir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var wf workspaceFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	ws := &Workspace{Dir: dir, Jobs: wf.Jobs}
	if err := ws.validate(); err != nil {
		return nil, err
	}

	for _, job := range ws.Jobs {
		if err := os.MkdirAll(job.Dir(dir), 0o755); err != nil {
			return nil, fmt.Errorf("creating job directory for %q: %w", job.Name, err)
		}
	}

	return ws, nil
}

func (w *Workspace) validate() error {
	seen := make(map[string]bool, len(w.Jobs))
	for i := range w.Jobs {
		name := strings.TrimSpace(w.Jobs[i].Name)
		w.Jobs[i].Name = name
		if err := w.Jobs[i].Validate(); err != nil {
			return err
		}
		if seen[name] {
			return fmt.Errorf("duplicate job name %q", name)
		}
		seen[name] = true
	}
	return nil
}

// Save rewrites thingy.yaml in full, using a write-then-rename so readers
// never observe a half-written file.
func (w *Workspace) Save() error {
	data, err := yaml.Marshal(workspaceFile{Jobs: w.Jobs})
	if err != nil {
		return fmt.Errorf("marshaling workspace: %w", err)
	}

	path := filepath.Join(w.Dir, ConfigFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}

// AddJob validates and appends job to the workspace, creates its directory,
// and persists thingy.yaml. It does not spawn a worker; that is the
// engine root supervisor's responsibility.
func (w *Workspace) AddJob(job Job) error {
	job.Name = strings.TrimSpace(job.Name)
	if err := job.Validate(); err != nil {
		return err
	}
	for _, existing := range w.Jobs {
		if existing.Name == job.Name {
			return fmt.Errorf("%w: %q", ErrAlreadyExists, job.Name)
		}
	}

	if err := os.MkdirAll(job.Dir(w.Dir), 0o755); err != nil {
		return fmt.Errorf("creating job directory for %q: %w", job.Name, err)
	}

	w.Jobs = append(w.Jobs, job)
	return w.Save()
}

// RemoveJob removes the named job from the workspace and persists
// thingy.yaml. It returns false if no such job was found.
func (w *Workspace) RemoveJob(name string) (bool, error) {
	for i, job := range w.Jobs {
		if job.Name == name {
			w.Jobs = append(w.Jobs[:i], w.Jobs[i+1:]...)
			return true, w.Save()
		}
	}
	return false, nil
}

// Exists reports whether path names a file that already exists, using the
// existing FileExists helper rather than a second os.Stat call at callers.
func Exists(path string) bool {
	return osutil.FileExists(path)
}
