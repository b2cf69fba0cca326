package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/austindbirch/hookloop/internal/tenant"
)

// Checkout describes the working copy a handler needs
type Checkout struct {
	// Key names the directory under the tenant's workspace
	Key string
	// Reuse is a path from a previous attempt; it is used when it still opens
	Reuse string
	// Ref is fetched from origin into Branch when set (e.g. refs/pull/42/head)
	Ref string
	// Branch is checked out; Create makes it from the default branch
	Branch string
	Create bool
}

type Workspace interface {
	Prepare(ctx context.Context, tc tenant.Context, co Checkout) (string, error)
}

// GitWorkspace keeps working copies under root/<tenant id>/<key>
type GitWorkspace struct {
	root      string
	cloneBase string
}

func NewGitWorkspace(root, cloneBase string) *GitWorkspace {
	if cloneBase != "" && !strings.HasSuffix(cloneBase, "/") {
		cloneBase += "/"
	}
	return &GitWorkspace{root: root, cloneBase: cloneBase}
}

func (w *GitWorkspace) auth(tc tenant.Context) transport.AuthMethod {
	if tc.GitHubToken == "" || !strings.HasPrefix(w.cloneBase, "http") {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: tc.GitHubToken}
}

// within reports whether path is inside the tenant's own workspace. Resume
// metadata is task data and must not point a task at another tenant's copy.
func (w *GitWorkspace) within(tc tenant.Context, path string) bool {
	base := filepath.Join(w.root, tc.ID) + string(filepath.Separator)
	return strings.HasPrefix(filepath.Clean(path)+string(filepath.Separator), base)
}

func (w *GitWorkspace) Prepare(ctx context.Context, tc tenant.Context, co Checkout) (string, error) {
	if co.Key == "" {
		return "", Permanent(errors.New("checkout key is required"))
	}

	if co.Reuse != "" && w.within(tc, co.Reuse) {
		if repo, err := git.PlainOpen(co.Reuse); err == nil {
			if err := w.sync(ctx, tc, repo, co); err != nil {
				return "", err
			}
			return co.Reuse, nil
		}
	}

	path := filepath.Join(w.root, tc.ID, co.Key)
	if err := os.RemoveAll(path); err != nil {
		return "", fmt.Errorf("clear working copy: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create working copy dir: %w", err)
	}

	repo, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
		URL:  w.cloneBase + tc.Repository + ".git",
		Auth: w.auth(tc),
	})
	if err != nil {
		return "", fmt.Errorf("clone %s: %w", tc.Repository, err)
	}
	if err := w.sync(ctx, tc, repo, co); err != nil {
		return "", err
	}
	return path, nil
}

// sync brings an opened repository to the requested branch
func (w *GitWorkspace) sync(ctx context.Context, tc tenant.Context, repo *git.Repository, co Checkout) error {
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	switch {
	case co.Ref != "":
		branch := co.Branch
		if branch == "" {
			branch = strings.ReplaceAll(strings.TrimPrefix(co.Ref, "refs/"), "/", "-")
		}
		spec := gitconfig.RefSpec(fmt.Sprintf("+%s:refs/heads/%s", co.Ref, branch))
		err := repo.FetchContext(ctx, &git.FetchOptions{
			RemoteName: "origin",
			RefSpecs:   []gitconfig.RefSpec{spec},
			Auth:       w.auth(tc),
			Force:      true,
		})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return fmt.Errorf("fetch %s: %w", co.Ref, err)
		}
		if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branch), Force: true}); err != nil {
			return fmt.Errorf("checkout %s: %w", branch, err)
		}
	case co.Branch != "":
		ref := plumbing.NewBranchReferenceName(co.Branch)
		_, err := repo.Reference(ref, false)
		create := co.Create && errors.Is(err, plumbing.ErrReferenceNotFound)
		if err := wt.Checkout(&git.CheckoutOptions{Branch: ref, Create: create, Keep: !create}); err != nil {
			return fmt.Errorf("checkout %s: %w", co.Branch, err)
		}
	}
	return nil
}

// CurrentBranch returns the short name of HEAD
func CurrentBranch(path string) (string, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", err
	}
	return head.Name().Short(), nil
}
