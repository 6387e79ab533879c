package gitrepo

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const artifact = "sector_analysis.csv"

// initRepo creates a repository with one commit containing the artifact and
// a README.
func initRepo(t *testing.T) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	writeFile(t, dir, artifact, "Sector,Ticker\nenergy,XOM\n")
	writeFile(t, dir, "README.md", "# sectors\n")

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(artifact)
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	sig := &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()}
	_, err = wt.Commit("initial", &git.CommitOptions{Author: sig})
	require.NoError(t, err)
	return dir, repo
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func headCommit(t *testing.T, repo *git.Repository) *object.Commit {
	t.Helper()
	ref, err := repo.Head()
	require.NoError(t, err)
	c, err := repo.CommitObject(ref.Hash())
	require.NoError(t, err)
	return c
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available for local push transport")
	}
}

func TestOpen_DetectsParentRepository(t *testing.T) {
	dir, _ := initRepo(t)
	sub := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	c, err := Open(Options{RepoDir: sub, Artifact: "../" + artifact})
	require.NoError(t, err)
	assert.Equal(t, artifact, c.Artifact())
	assert.Equal(t, dir, c.Root())
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(Options{RepoDir: t.TempDir()})
	assert.Error(t, err, "artifact required")

	_, err = Open(Options{RepoDir: t.TempDir(), Artifact: artifact})
	assert.Error(t, err, "not a repository")

	dir, _ := initRepo(t)
	_, err = Open(Options{RepoDir: dir, Artifact: "../outside.csv"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside repository")
}

func TestCommit_ChangedArtifact(t *testing.T) {
	dir, repo := initRepo(t)
	before := headCommit(t, repo)

	c, err := Open(Options{RepoDir: dir, Artifact: artifact})
	require.NoError(t, err)

	writeFile(t, dir, artifact, "Sector,Ticker\nenergy,CVX\n")
	writeFile(t, dir, "scratch.txt", "untracked noise")

	sha, err := c.Commit(context.Background())
	require.NoError(t, err)
	assert.Len(t, sha, 40)

	after := headCommit(t, repo)
	assert.Equal(t, sha, after.Hash.String())
	assert.Equal(t, CommitMessage, after.Message)
	assert.Equal(t, BotIdentity.Name, after.Author.Name)
	assert.Equal(t, BotIdentity.Email, after.Author.Email)
	assert.Equal(t, BotIdentity.Name, after.Committer.Name)
	require.Equal(t, 1, after.NumParents())
	assert.Equal(t, before.Hash, after.ParentHashes[0])

	stats, err := after.Stats()
	require.NoError(t, err)
	require.Len(t, stats, 1, "commit touches only the artifact")
	assert.Equal(t, artifact, stats[0].Name)
}

func TestCommit_NewArtifact(t *testing.T) {
	dir := t.TempDir()
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	writeFile(t, dir, artifact, "Sector,Ticker\n")

	c, err := Open(Options{RepoDir: dir, Artifact: artifact})
	require.NoError(t, err)
	sha, err := c.Commit(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, sha)
}

func TestCommit_NoChanges(t *testing.T) {
	dir, repo := initRepo(t)
	before := headCommit(t, repo)

	c, err := Open(Options{RepoDir: dir, Artifact: artifact})
	require.NoError(t, err)

	_, err = c.Commit(context.Background())
	assert.ErrorIs(t, err, ErrNoChanges)
	assert.Equal(t, before.Hash, headCommit(t, repo).Hash)

	// Rewriting identical bytes is still no change.
	writeFile(t, dir, artifact, "Sector,Ticker\nenergy,XOM\n")
	_, err = c.Commit(context.Background())
	assert.ErrorIs(t, err, ErrNoChanges)
}

func TestCommit_RefusesForeignStagedPaths(t *testing.T) {
	dir, repo := initRepo(t)
	writeFile(t, dir, "README.md", "# changed\n")
	writeFile(t, dir, artifact, "Sector,Ticker\nenergy,CVX\n")
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)

	c, err := Open(Options{RepoDir: dir, Artifact: artifact})
	require.NoError(t, err)
	_, err = c.Commit(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "README.md")
}

func TestCommit_UnstagedForeignChangesAreLeftAlone(t *testing.T) {
	dir, repo := initRepo(t)
	writeFile(t, dir, "README.md", "# edited but not staged\n")
	writeFile(t, dir, artifact, "Sector,Ticker\nenergy,CVX\n")

	c, err := Open(Options{RepoDir: dir, Artifact: artifact})
	require.NoError(t, err)
	_, err = c.Commit(context.Background())
	require.NoError(t, err)

	stats, err := headCommit(t, repo).Stats()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, artifact, stats[0].Name)
}

func TestCommit_CancelledContext(t *testing.T) {
	dir, _ := initRepo(t)
	c, err := Open(Options{RepoDir: dir, Artifact: artifact})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Commit(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHead(t *testing.T) {
	dir, repo := initRepo(t)
	c, err := Open(Options{RepoDir: dir, Artifact: artifact})
	require.NoError(t, err)

	sha, branch, err := c.Head()
	require.NoError(t, err)
	assert.Equal(t, headCommit(t, repo).Hash.String(), sha)
	assert.Equal(t, "master", branch)

	c2, err := Open(Options{RepoDir: dir, Artifact: artifact, Branch: "release/v1"})
	require.NoError(t, err)
	_, branch, err = c2.Head()
	require.NoError(t, err)
	assert.Equal(t, "release/v1", branch)
}

// addBareRemote creates a bare repository, registers it as origin and
// pushes the current branch to it.
func addBareRemote(t *testing.T, repo *git.Repository) string {
	t.Helper()
	bare := t.TempDir()
	_, err := git.PlainInit(bare, true)
	require.NoError(t, err)
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{bare}})
	require.NoError(t, err)
	require.NoError(t, repo.Push(&git.PushOptions{RemoteName: "origin"}))
	return bare
}

func TestPush(t *testing.T) {
	requireGit(t)
	dir, repo := initRepo(t)
	bare := addBareRemote(t, repo)

	c, err := Open(Options{RepoDir: dir, Artifact: artifact})
	require.NoError(t, err)

	// Nothing new: already up to date is success.
	require.NoError(t, c.Push(context.Background()))

	writeFile(t, dir, artifact, "Sector,Ticker\nenergy,CVX\n")
	sha, err := c.Commit(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Push(context.Background()))

	remote, err := git.PlainOpen(bare)
	require.NoError(t, err)
	ref, err := remote.Reference("refs/heads/master", true)
	require.NoError(t, err)
	assert.Equal(t, sha, ref.Hash().String())
}

func TestPush_NonFastForwardIsConflict(t *testing.T) {
	requireGit(t)
	dir, repo := initRepo(t)
	bare := addBareRemote(t, repo)

	// A second clone advances the remote branch.
	other := t.TempDir()
	otherRepo, err := git.PlainClone(other, false, &git.CloneOptions{URL: bare})
	require.NoError(t, err)
	writeFile(t, other, "README.md", "# moved on\n")
	wt, err := otherRepo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("remote change", &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	require.NoError(t, otherRepo.Push(&git.PushOptions{}))

	c, err := Open(Options{RepoDir: dir, Artifact: artifact})
	require.NoError(t, err)
	writeFile(t, dir, artifact, "Sector,Ticker\nenergy,CVX\n")
	_, err = c.Commit(context.Background())
	require.NoError(t, err)

	err = c.Push(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestPush_UnknownRemote(t *testing.T) {
	dir, _ := initRepo(t)
	c, err := Open(Options{RepoDir: dir, Artifact: artifact, Remote: "upstream"})
	require.NoError(t, err)

	err = c.Push(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConflict)
}

func TestCommit_DetachedHeadOnConfiguredBranch(t *testing.T) {
	requireGit(t)
	dir, repo := initRepo(t)
	bare := addBareRemote(t, repo)
	before := headCommit(t, repo).Hash

	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.Checkout(&git.CheckoutOptions{Hash: before}))

	c, err := Open(Options{RepoDir: dir, Artifact: artifact, Branch: "master"})
	require.NoError(t, err)
	writeFile(t, dir, artifact, "Sector,Ticker\nenergy,CVX\n")

	_, err = c.Commit(context.Background())
	assert.ErrorIs(t, err, ErrBranchMismatch)
	assert.Equal(t, before, headCommit(t, repo).Hash, "nothing committed")

	err = c.Push(context.Background())
	assert.ErrorIs(t, err, ErrBranchMismatch)

	remote, err := git.PlainOpen(bare)
	require.NoError(t, err)
	ref, err := remote.Reference("refs/heads/master", true)
	require.NoError(t, err)
	assert.Equal(t, before, ref.Hash())
}

func TestCommit_OtherBranchCheckedOut(t *testing.T) {
	dir, repo := initRepo(t)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.Checkout(&git.CheckoutOptions{Branch: "refs/heads/scratch", Create: true}))

	c, err := Open(Options{RepoDir: dir, Artifact: artifact, Branch: "master"})
	require.NoError(t, err)
	writeFile(t, dir, artifact, "Sector,Ticker\nenergy,CVX\n")

	_, err = c.Commit(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBranchMismatch)
	assert.Contains(t, err.Error(), "refs/heads/scratch")
}

func TestCommit_DetachedHeadWithoutBranch(t *testing.T) {
	dir, repo := initRepo(t)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.Checkout(&git.CheckoutOptions{Hash: headCommit(t, repo).Hash}))

	c, err := Open(Options{RepoDir: dir, Artifact: artifact})
	require.NoError(t, err)
	writeFile(t, dir, artifact, "Sector,Ticker\nenergy,CVX\n")

	_, err = c.Commit(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "detached")
}

func TestPush_UpToDateConfirmsRemote(t *testing.T) {
	requireGit(t)
	dir, repo := initRepo(t)
	addBareRemote(t, repo)

	c, err := Open(Options{RepoDir: dir, Artifact: artifact})
	require.NoError(t, err)

	// Unchanged artifact, but the push still runs and the remote matches HEAD.
	_, err = c.Commit(context.Background())
	require.ErrorIs(t, err, ErrNoChanges)
	require.NoError(t, c.Push(context.Background()))
}
