package gitops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"appforge/internal/overlay"
	"appforge/pkg/domain"
)

// DefaultBranch is the branch all platform commits land on.
const DefaultBranch = "main"

const commitAuthorName = "AppForge"

// Service is the repository capability the pipeline consumes: create a repo,
// clone one, commit a file set.
type Service interface {
	// EnsureRepository creates a repository, disambiguating the name when it
	// is already taken. Returns the final name and clone URL.
	EnsureRepository(ctx context.Context, user domain.UserIdentity, name string) (string, string, error)
	// Clone checks the repository out into a new temporary directory owned by
	// the caller.
	Clone(ctx context.Context, user domain.UserIdentity, repoName string) (string, error)
	// Commit pushes the complete file set as one commit on branch, replacing
	// the previous tree. Returns the commit sha.
	Commit(ctx context.Context, user domain.UserIdentity, repoName string, files []overlay.File, message, branch string) (string, error)
}

// GitService implements Service against GitHub over HTTPS.
type GitService struct {
	repos *GitHubClient
}

// NewGitService constructs the go-git backed service.
func NewGitService(repos *GitHubClient) *GitService {
	return &GitService{repos: repos}
}

func (g *GitService) EnsureRepository(ctx context.Context, user domain.UserIdentity, name string) (string, string, error) {
	return g.repos.CreateRepository(ctx, user, name)
}

func (g *GitService) Clone(ctx context.Context, user domain.UserIdentity, repoName string) (string, error) {
	dir, err := os.MkdirTemp("", "appforge-clone-")
	if err != nil {
		return "", fmt.Errorf("create clone dir: %w", err)
	}
	_, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           g.repos.CloneURL(user.GithubUsername, repoName),
		Auth:          g.auth(user),
		ReferenceName: plumbing.NewBranchReferenceName(DefaultBranch),
		SingleBranch:  true,
		Depth:         1,
	})
	if err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("clone %s: %w", repoName, err)
	}
	return dir, nil
}

func (g *GitService) Commit(ctx context.Context, user domain.UserIdentity, repoName string, files []overlay.File, message, branch string) (string, error) {
	if branch == "" {
		branch = DefaultBranch
	}
	dir, err := os.MkdirTemp("", "appforge-commit-")
	if err != nil {
		return "", fmt.Errorf("create commit dir: %w", err)
	}
	defer os.RemoveAll(dir)

	repo, err := g.cloneOrInit(ctx, user, repoName, dir, branch)
	if err != nil {
		return "", err
	}

	if err := replaceTree(dir, files); err != nil {
		return "", err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("stage files: %w", err)
	}
	sha, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  commitAuthorName,
			Email: "bot@" + strings.ToLower(commitAuthorName) + ".dev",
			When:  time.Now().UTC(),
		},
		AllowEmptyCommits: false,
	})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	refSpec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	if err := repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{refSpec},
		Auth:       g.auth(user),
	}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", fmt.Errorf("push %s: %w", branch, err)
	}
	return sha.String(), nil
}

// cloneOrInit clones the repository, falling back to a fresh init when the
// remote exists but has no commits yet (a just-created repo).
func (g *GitService) cloneOrInit(ctx context.Context, user domain.UserIdentity, repoName, dir, branch string) (*git.Repository, error) {
	url := g.repos.CloneURL(user.GithubUsername, repoName)
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           url,
		Auth:          g.auth(user),
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
	})
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return nil, fmt.Errorf("clone %s: %w", repoName, err)
	}

	repo, err = git.PlainInit(dir, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch))
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, fmt.Errorf("set head: %w", err)
	}
	if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{url}}); err != nil {
		return nil, fmt.Errorf("add remote: %w", err)
	}
	return repo, nil
}

func (g *GitService) auth(user domain.UserIdentity) *githttp.BasicAuth {
	return &githttp.BasicAuth{Username: user.GithubUsername, Password: user.GithubAccessToken}
}

// replaceTree clears everything but .git and writes the new file set, so file
// deletions in the overlay become deletions in the commit.
func replaceTree(dir string, files []overlay.File) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read worktree: %w", err)
	}
	for _, entry := range entries {
		if entry.Name() == ".git" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("clear worktree: %w", err)
		}
	}
	for _, f := range files {
		dst := filepath.Join(dir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("mkdir for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(dst, f.Contents, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.Path, err)
		}
	}
	return nil
}
