package convey

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/convey-ci/convey/pkg/convey/progress"
	"github.com/convey-ci/convey/pkg/convey/scm"
)

// GitError represents an error that occurred during a Git operation.
type GitError struct {
	Op  string
	Err error
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git operation %s failed: %v", e.Op, e.Err)
}

func (e *GitError) Unwrap() error { return e.Err }

// Project is a working copy of a repository at a specific commit. It is only
// valid inside the body passed to WithProject.
type Project struct {
	Dir  string
	Repo scm.RepoRef
	Sha  string
}

// AccessOptions configure how a working copy is obtained.
type AccessOptions struct {
	Credentials scm.Credentials
	Repo        scm.RepoRef
	Sha         string

	// ReadOnly accessors may share the working copy with other read-only
	// accessors. A writer excludes everybody else.
	ReadOnly bool

	// Log receives a line per git operation. Defaults to progress.Discard.
	Log progress.Log
}

// ProjectAccessor acquires a working copy, invokes the body and guarantees
// release afterwards regardless of the body's outcome.
type ProjectAccessor interface {
	WithProject(ctx context.Context, opts AccessOptions, body func(p *Project) error) error
}

// ProjectAccess clones repositories into a base directory with per-repository
// read/write locking. The zero value is not usable; use NewProjectAccess.
type ProjectAccess struct {
	baseDir string
	runner  Runner

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewProjectAccess produces a ProjectAccess cloning below baseDir.
func NewProjectAccess(baseDir string, runner Runner) *ProjectAccess {
	return &ProjectAccess{
		baseDir: baseDir,
		runner:  runner,
		locks:   make(map[string]*sync.RWMutex),
	}
}

func (a *ProjectAccess) repoLock(ref scm.RepoRef) *sync.RWMutex {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := ref.Provider + "/" + ref.Slug()
	l, ok := a.locks[key]
	if !ok {
		l = &sync.RWMutex{}
		a.locks[key] = l
	}
	return l
}

// WithProject implements ProjectAccessor. The working copy is checked out at
// opts.Sha and removed once the body returns.
func (a *ProjectAccess) WithProject(ctx context.Context, opts AccessOptions, body func(p *Project) error) (err error) {
	plog := opts.Log
	if plog == nil {
		plog = progress.Discard
	}

	l := a.repoLock(opts.Repo)
	if opts.ReadOnly {
		l.RLock()
		defer l.RUnlock()
	} else {
		l.Lock()
		defer l.Unlock()
	}

	dir, err := os.MkdirTemp(a.baseDir, fmt.Sprintf("%s-%s-*", filesystemSafeName(opts.Repo.Slug()), shortSha(opts.Sha)))
	if err != nil {
		return xerrors.Errorf("cannot create working copy directory: %w", err)
	}
	defer func() {
		if rerr := os.RemoveAll(dir); rerr != nil {
			log.WithError(rerr).WithField("dir", dir).Warn("cannot remove working copy")
		}
	}()

	if opts.Repo.CloneURL == "" {
		return xerrors.Errorf("repository %s has no clone URL", opts.Repo.Slug())
	}
	cloneURL := authenticatedCloneURL(opts.Repo.CloneURL, opts.Credentials)

	if res := a.runner.Run(ctx, CommandSpec{Name: "git", Args: []string{"clone", cloneURL, "."}, Dir: dir}, plog); !res.OK() {
		return &GitError{Op: "clone", Err: fmt.Errorf("%s", res.Message)}
	}
	if opts.Sha != "" {
		if res := a.runner.Run(ctx, CommandSpec{Name: "git", Args: []string{"checkout", opts.Sha}, Dir: dir}, plog); !res.OK() {
			return &GitError{Op: "checkout " + opts.Sha, Err: fmt.Errorf("%s", res.Message)}
		}
	}

	return body(&Project{Dir: dir, Repo: opts.Repo, Sha: opts.Sha})
}

// filesystemSafeName returns a string that is safe to use in a Unix
// filesystem as directory or filename.
func filesystemSafeName(name string) string {
	name = strings.Replace(name, "/", "-", -1)
	name = strings.Replace(name, ":", "--", -1)
	return strings.TrimLeft(name, "-")
}

func shortSha(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
