// Package gitrepo commits the analysis artifact to the working repository
// and pushes it to the configured branch.
package gitrepo

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CommitMessage is the message of every artifact commit.
const CommitMessage = "Update sector_analysis.csv"

var (
	// ErrNoChanges means the artifact matches HEAD and nothing was committed.
	ErrNoChanges = eris.New("gitrepo: no changes to commit")
	// ErrConflict means the remote branch moved and the push was rejected.
	ErrConflict = eris.New("gitrepo: push rejected (non-fast-forward)")
	// ErrBranchMismatch means HEAD is detached or checked out on a branch
	// other than the one being pushed.
	ErrBranchMismatch = eris.New("gitrepo: HEAD is not on the push branch")
)

// Identity is a commit author/committer.
type Identity struct {
	Name  string
	Email string
}

// BotIdentity is the fixed automation identity used for artifact commits.
var BotIdentity = Identity{
	Name:  "github-actions[bot]",
	Email: "41898282+github-actions[bot]@users.noreply.github.com",
}

// Options configures a Committer.
type Options struct {
	RepoDir  string
	Artifact string // relative to RepoDir
	Remote   string
	Branch   string // empty uses the checked-out branch
	Author   Identity
	Username string
	Token    string
}

// Committer stages, commits and pushes exactly one artifact path.
type Committer struct {
	repo     *git.Repository
	root     string
	artifact string
	opts     Options
	now      func() time.Time
	log      *zap.Logger
}

// Open locates the repository containing opts.RepoDir.
func Open(opts Options) (*Committer, error) {
	if opts.Artifact == "" {
		return nil, eris.New("gitrepo: artifact path is required")
	}
	if opts.RepoDir == "" {
		opts.RepoDir = "."
	}
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	if opts.Author.Name == "" {
		opts.Author = BotIdentity
	}
	if opts.Username == "" {
		opts.Username = "x-access-token"
	}

	repo, err := git.PlainOpenWithOptions(opts.RepoDir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, eris.Wrapf(err, "gitrepo: open %s", opts.RepoDir)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, eris.Wrap(err, "gitrepo: worktree")
	}

	root := wt.Filesystem.Root()
	abs, err := filepath.Abs(filepath.Join(opts.RepoDir, opts.Artifact))
	if err != nil {
		return nil, eris.Wrap(err, "gitrepo: resolve artifact")
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, eris.Errorf("gitrepo: artifact %s is outside repository %s", abs, root)
	}

	return &Committer{
		repo:     repo,
		root:     root,
		artifact: filepath.ToSlash(rel),
		opts:     opts,
		now:      time.Now,
		log:      zap.L().With(zap.String("component", "gitrepo")),
	}, nil
}

// Root returns the worktree root directory.
func (c *Committer) Root() string { return c.root }

// Artifact returns the artifact path relative to the worktree root.
func (c *Committer) Artifact() string { return c.artifact }

// Commit stages the artifact and commits it with the bot identity. It
// returns ErrNoChanges when the artifact is identical to HEAD and refuses to
// run when any other path is already staged or HEAD is not on the push
// branch.
func (c *Committer) Commit(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", eris.Wrap(err, "gitrepo: commit")
	}
	if _, _, err := c.checkHead(); err != nil {
		return "", err
	}
	wt, err := c.repo.Worktree()
	if err != nil {
		return "", eris.Wrap(err, "gitrepo: worktree")
	}
	status, err := wt.Status()
	if err != nil {
		return "", eris.Wrap(err, "gitrepo: status")
	}

	var foreign []string
	for path, fs := range status {
		if path == c.artifact {
			continue
		}
		if fs.Staging != git.Unmodified && fs.Staging != git.Untracked {
			foreign = append(foreign, path)
		}
	}
	if len(foreign) > 0 {
		return "", eris.Errorf("gitrepo: refusing to commit, other paths are staged: %s", strings.Join(foreign, ", "))
	}

	fs, ok := status[c.artifact]
	if !ok || (fs.Staging == git.Unmodified && fs.Worktree == git.Unmodified) {
		return "", ErrNoChanges
	}

	if _, err := wt.Add(c.artifact); err != nil {
		return "", eris.Wrapf(err, "gitrepo: add %s", c.artifact)
	}

	sig := &object.Signature{Name: c.opts.Author.Name, Email: c.opts.Author.Email, When: c.now()}
	hash, err := wt.Commit(CommitMessage, &git.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		return "", eris.Wrap(err, "gitrepo: commit")
	}

	c.log.Info("committed artifact",
		zap.String("path", c.artifact),
		zap.String("sha", hash.String()),
	)
	return hash.String(), nil
}

// Push pushes HEAD to the branch on the remote. An up-to-date remote is
// success, but only once the remote branch is confirmed to point at HEAD.
func (c *Committer) Push(ctx context.Context) error {
	head, branch, err := c.checkHead()
	if err != nil {
		return err
	}

	ref := plumbing.NewBranchReferenceName(branch)
	opts := &git.PushOptions{
		RemoteName: c.opts.Remote,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(ref.String() + ":" + ref.String())},
		Auth:       c.auth(),
	}

	err = c.repo.PushContext(ctx, opts)
	switch {
	case err == nil:
		c.log.Info("pushed", zap.String("remote", c.opts.Remote), zap.String("branch", branch))
	case errors.Is(err, git.NoErrAlreadyUpToDate):
	case isNonFastForward(err):
		return eris.Wrapf(ErrConflict, "gitrepo: push %s to %s: %v", branch, c.opts.Remote, err)
	default:
		return eris.Wrapf(err, "gitrepo: push %s to %s", branch, c.opts.Remote)
	}
	return c.verifyRemote(ctx, ref, head)
}

// verifyRemote lists the remote refs and checks that name points at want.
func (c *Committer) verifyRemote(ctx context.Context, name plumbing.ReferenceName, want plumbing.Hash) error {
	remote, err := c.repo.Remote(c.opts.Remote)
	if err != nil {
		return eris.Wrapf(err, "gitrepo: remote %s", c.opts.Remote)
	}
	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: c.auth()})
	if err != nil {
		return eris.Wrapf(err, "gitrepo: list %s", c.opts.Remote)
	}
	for _, r := range refs {
		if r.Name() != name {
			continue
		}
		if r.Hash() != want {
			return eris.Wrapf(ErrConflict, "gitrepo: %s on %s is %s, HEAD is %s", name.Short(), c.opts.Remote, r.Hash(), want)
		}
		return nil
	}
	return eris.Errorf("gitrepo: %s not found on %s after push", name.Short(), c.opts.Remote)
}

func (c *Committer) auth() transport.AuthMethod {
	if c.opts.Token == "" {
		return nil
	}
	return &http.BasicAuth{Username: c.opts.Username, Password: c.opts.Token}
}

// Head returns the HEAD commit SHA and the branch that will be pushed.
func (c *Committer) Head() (string, string, error) {
	ref, err := c.repo.Head()
	if err != nil {
		return "", "", eris.Wrap(err, "gitrepo: resolve HEAD")
	}
	branch, err := c.branch()
	if err != nil {
		return "", "", err
	}
	return ref.Hash().String(), branch, nil
}

func (c *Committer) branch() (string, error) {
	if c.opts.Branch != "" {
		return c.opts.Branch, nil
	}
	ref, err := c.repo.Head()
	if err != nil {
		return "", eris.Wrap(err, "gitrepo: resolve HEAD")
	}
	if !ref.Name().IsBranch() {
		return "", eris.New("gitrepo: HEAD is detached and no branch is configured")
	}
	return ref.Name().Short(), nil
}

// checkHead resolves HEAD and the push branch and requires HEAD to be that
// branch's ref, so a commit always lands where Push will send it.
func (c *Committer) checkHead() (plumbing.Hash, string, error) {
	ref, err := c.repo.Head()
	if err != nil {
		return plumbing.ZeroHash, "", eris.Wrap(err, "gitrepo: resolve HEAD")
	}
	branch, err := c.branch()
	if err != nil {
		return plumbing.ZeroHash, "", err
	}
	if want := plumbing.NewBranchReferenceName(branch); ref.Name() != want {
		return plumbing.ZeroHash, "", eris.Wrapf(ErrBranchMismatch, "gitrepo: HEAD is %s, want %s", ref.Name(), want)
	}
	return ref.Hash(), branch, nil
}

func isNonFastForward(err error) bool {
	if errors.Is(err, git.ErrForceNeeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "non-fast-forward") || strings.Contains(msg, "fetch first")
}
