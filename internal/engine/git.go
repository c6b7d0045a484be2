package engine

import (
	"context"

	"github.com/buildkite/thingy/internal/config"
	"github.com/buildkite/thingy/internal/gitutil"
)

// GitAdapter is the collaborator the engine polls and clones through. It is
// an interface so tests can substitute a fake instead of talking to a real
// remote.
type GitAdapter interface {
	ListRemoteHeads(ctx context.Context, repoURL string, auth *config.GitAuth) (map[string]string, error)
	CloneCommit(ctx context.Context, repoURL, branch, commitHash, destDir string, auth *config.GitAuth) error
}

// realGitAdapter is the production GitAdapter, backed by go-git via the
// gitutil package.
type realGitAdapter struct{}

// NewGitAdapter returns the production GitAdapter.
func NewGitAdapter() GitAdapter {
	return realGitAdapter{}
}

func (realGitAdapter) ListRemoteHeads(ctx context.Context, repoURL string, auth *config.GitAuth) (map[string]string, error) {
	a, err := gitutil.ResolveAuth(auth)
	if err != nil {
		return nil, err
	}
	return gitutil.ListRemoteHeads(ctx, repoURL, a)
}

func (realGitAdapter) CloneCommit(ctx context.Context, repoURL, branch, commitHash, destDir string, auth *config.GitAuth) error {
	a, err := gitutil.ResolveAuth(auth)
	if err != nil {
		return err
	}
	return gitutil.CloneCommit(ctx, repoURL, branch, commitHash, destDir, a)
}
