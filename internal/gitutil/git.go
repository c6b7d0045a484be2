// Package gitutil wraps the two git operations the engine needs: listing
// remote branch heads, and cloning a repository at a specific commit.
package gitutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/buildkite/roko"
)

// ListRemoteHeads returns a mapping from branch name to commit hash for
// every branch ref on the remote. Transient network errors are retried;
// authentication and not-found errors are not.
func ListRemoteHeads(ctx context.Context, repoURL string, auth transport.AuthMethod) (map[string]string, error) {
	remote := git.NewRemote(nil, &config.RemoteConfig{
		Name: "origin",
		URLs: []string{repoURL},
	})

	var refs []*plumbing.Reference
	err := roko.NewRetrier(
		roko.WithMaxAttempts(3),
		roko.WithStrategy(roko.Exponential(2*time.Second, 0)),
	).DoWithContext(ctx, func(r *roko.Retrier) error {
		var err error
		refs, err = remote.List(&git.ListOptions{Auth: auth})
		if err != nil && !isTransient(err) {
			r.Break()
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing remote heads for %s: %w", repoURL, err)
	}

	heads := make(map[string]string)
	for _, ref := range refs {
		if ref.Name().IsBranch() {
			heads[ref.Name().Short()] = ref.Hash().String()
		}
	}
	return heads, nil
}

// CloneCommit clones repoURL into destDir, checks out branch, and if
// commitHash is non-empty, additionally points HEAD at that commit.
func CloneCommit(ctx context.Context, repoURL, branch, commitHash, destDir string, auth transport.AuthMethod) error {
	var repo *git.Repository
	err := roko.NewRetrier(
		roko.WithMaxAttempts(3),
		roko.WithStrategy(roko.Exponential(2*time.Second, 0)),
	).DoWithContext(ctx, func(r *roko.Retrier) error {
		var err error
		repo, err = git.PlainCloneContext(ctx, destDir, false, &git.CloneOptions{
			URL:           repoURL,
			Auth:          auth,
			ReferenceName: plumbing.NewBranchReferenceName(branch),
			SingleBranch:  true,
		})
		if err != nil && !isTransient(err) {
			r.Break()
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("cloning %s (branch %s) into %s: %w", repoURL, branch, destDir, err)
	}

	if commitHash == "" {
		return nil
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}

	hash := plumbing.NewHash(commitHash)
	localBranch := plumbing.NewBranchReferenceName(branch)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(localBranch, hash)); err != nil {
		return fmt.Errorf("pointing %s at %s: %w", branch, commitHash, err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: localBranch}); err != nil {
		return fmt.Errorf("checking out %s at %s: %w", branch, commitHash, err)
	}

	return nil
}

// isTransient reports whether err looks like a transient network failure
// worth retrying, as opposed to an authentication or not-found error.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, transport.ErrAuthenticationRequired) ||
		errors.Is(err, transport.ErrAuthorizationFailed) ||
		errors.Is(err, transport.ErrRepositoryNotFound) ||
		errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "temporary failure")
}
