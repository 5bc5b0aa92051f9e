package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Git keeps one repository per blob name. Each version label is a file in
// the worktree and every change is a commit, so the repository log is the
// audit trail of the file entry.
type Git struct {
	baseDir string
	author  string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewGit(baseDir string) *Git {
	return &Git{
		baseDir: baseDir,
		author:  "doclib",
		locks:   make(map[string]*sync.Mutex),
	}
}

func (g *Git) Put(_ context.Context, name, version string, r io.Reader, _ int64) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := validLabel(version); err != nil {
		return err
	}
	lock := g.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	repo, err := g.openOrInit(name)
	if err != nil {
		return err
	}
	if err := writeFile(filepath.Join(g.repoPath(name), version), r); err != nil {
		return err
	}
	return g.commitPaths(repo, fmt.Sprintf("Put %s", version), version)
}

func (g *Git) Get(_ context.Context, name, version string) (io.ReadCloser, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if err := validLabel(version); err != nil {
		return nil, err
	}
	lock := g.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.Open(filepath.Join(g.repoPath(name), version))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return file, nil
}

func (g *Git) Has(_ context.Context, name, version string) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}
	if err := validLabel(version); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(g.repoPath(name), version))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob: %w", err)
	}
	return true, nil
}

func (g *Git) Copy(_ context.Context, name, fromVersion, toVersion string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := validLabel(fromVersion); err != nil {
		return err
	}
	if err := validLabel(toVersion); err != nil {
		return err
	}
	lock := g.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	repo, err := g.open(name)
	if err != nil {
		return err
	}
	src, err := os.Open(filepath.Join(g.repoPath(name), fromVersion))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("open blob: %w", err)
	}
	defer src.Close()

	if err := writeFile(filepath.Join(g.repoPath(name), toVersion), src); err != nil {
		return err
	}
	return g.commitPaths(repo, fmt.Sprintf("Copy %s to %s", fromVersion, toVersion), toVersion)
}

func (g *Git) Move(_ context.Context, name, fromVersion, toVersion string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := validLabel(fromVersion); err != nil {
		return err
	}
	if err := validLabel(toVersion); err != nil {
		return err
	}
	lock := g.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	repo, err := g.open(name)
	if err != nil {
		return err
	}
	root := g.repoPath(name)
	if _, err := os.Stat(filepath.Join(root, fromVersion)); errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err := os.Rename(filepath.Join(root, fromVersion), filepath.Join(root, toVersion)); err != nil {
		return fmt.Errorf("rename blob: %w", err)
	}
	return g.commitPaths(repo, fmt.Sprintf("Move %s to %s", fromVersion, toVersion), fromVersion, toVersion)
}

func (g *Git) Delete(_ context.Context, name, version string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := validLabel(version); err != nil {
		return err
	}
	lock := g.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	repo, err := g.open(name)
	if err != nil {
		return err
	}
	path := filepath.Join(g.repoPath(name), version)
	if err := os.Remove(path); errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("remove blob: %w", err)
	}
	return g.commitPaths(repo, fmt.Sprintf("Delete %s", version), version)
}

func (g *Git) DeleteAll(_ context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	lock := g.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(g.repoPath(name)); err != nil {
		return fmt.Errorf("remove blob repo: %w", err)
	}
	return nil
}

func (g *Git) History(_ context.Context, name string, limit int) ([]Revision, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	lock := g.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	repo, err := g.open(name)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	revisions := make([]Revision, 0)
	for limit <= 0 || len(revisions) < limit {
		commitObj, err := iter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate log: %w", err)
		}
		revisions = append(revisions, Revision{
			Hash:      commitObj.Hash.String()[:7],
			Message:   commitObj.Message,
			Author:    commitObj.Author.Name,
			CreatedAt: commitObj.Author.When,
		})
	}
	return revisions, nil
}

func (g *Git) repoPath(name string) string {
	return filepath.Join(g.baseDir, filepath.FromSlash(name))
}

func (g *Git) nameLock(name string) *sync.Mutex {
	g.lockMu.Lock()
	defer g.lockMu.Unlock()
	lock, ok := g.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		g.locks[name] = lock
	}
	return lock
}

func (g *Git) open(name string) (*git.Repository, error) {
	repo, err := git.PlainOpen(g.repoPath(name))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (g *Git) openOrInit(name string) (*git.Repository, error) {
	repo, err := g.open(name)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	path := g.repoPath(name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

// commitPaths stages paths (additions and removals) and commits them.
func (g *Git) commitPaths(repo *git.Repository, message string, paths ...string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	for _, path := range paths {
		if _, err := worktree.Add(path); err != nil {
			if _, rmErr := worktree.Remove(path); rmErr != nil {
				return fmt.Errorf("git add %s: %w", path, err)
			}
		}
	}
	_, err = worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  g.author,
			Email: g.author + "@local.doclib.dev",
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit %q: %w", message, err)
	}
	return nil
}

func writeFile(path string, r io.Reader) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create blob: %w", err)
	}
	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("write blob: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename blob: %w", err)
	}
	return nil
}
