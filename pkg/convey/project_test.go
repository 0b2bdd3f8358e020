package convey

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/convey-ci/convey/pkg/convey/progress"
	"github.com/convey-ci/convey/pkg/convey/scm"
)

// cloneRunner fakes git by materializing a working copy instead of cloning.
type cloneRunner struct {
	mu       sync.Mutex
	failOp   string
	commands []CommandSpec
}

func (r *cloneRunner) Run(ctx context.Context, spec CommandSpec, plog progress.Log) CommandResult {
	r.mu.Lock()
	r.commands = append(r.commands, spec)
	r.mu.Unlock()

	if len(spec.Args) > 0 && spec.Args[0] == r.failOp {
		return CommandResult{ExitCode: 128, Message: "fatal: " + r.failOp + " failed"}
	}
	if len(spec.Args) > 0 && spec.Args[0] == "clone" {
		if err := os.WriteFile(spec.Dir+"/README.md", []byte("# cloned"), 0644); err != nil {
			return CommandResult{ExitCode: 1, Message: err.Error()}
		}
	}
	return CommandResult{ExitCode: 0}
}

func testRepo() scm.RepoRef {
	return scm.RepoRef{
		Owner:         "acme",
		Name:          "widgets",
		Provider:      "github",
		DefaultBranch: "main",
		CloneURL:      "https://github.com/acme/widgets.git",
	}
}

func TestWithProjectCleansUp(t *testing.T) {
	t.Parallel()

	access := NewProjectAccess(t.TempDir(), &cloneRunner{})

	var workingCopy string
	err := access.WithProject(context.Background(), AccessOptions{Repo: testRepo(), Sha: "abc123"}, func(p *Project) error {
		workingCopy = p.Dir
		_, err := os.Stat(p.Dir + "/README.md")
		return err
	})
	require.NoError(t, err)

	_, err = os.Stat(workingCopy)
	require.True(t, os.IsNotExist(err), "the working copy must be removed after release")
}

func TestWithProjectCleansUpOnBodyError(t *testing.T) {
	t.Parallel()

	access := NewProjectAccess(t.TempDir(), &cloneRunner{})

	var workingCopy string
	bodyErr := errors.New("body failed")
	err := access.WithProject(context.Background(), AccessOptions{Repo: testRepo(), Sha: "abc123"}, func(p *Project) error {
		workingCopy = p.Dir
		return bodyErr
	})
	require.ErrorIs(t, err, bodyErr)

	_, err = os.Stat(workingCopy)
	require.True(t, os.IsNotExist(err), "release is guaranteed regardless of the body's outcome")
}

func TestWithProjectCloneFailure(t *testing.T) {
	t.Parallel()

	access := NewProjectAccess(t.TempDir(), &cloneRunner{failOp: "clone"})

	err := access.WithProject(context.Background(), AccessOptions{Repo: testRepo(), Sha: "abc123"}, func(p *Project) error {
		t.Fatal("body must not run when the clone fails")
		return nil
	})

	var gitErr *GitError
	require.ErrorAs(t, err, &gitErr)
	require.Equal(t, "clone", gitErr.Op)
}

func TestWithProjectChecksOutSha(t *testing.T) {
	t.Parallel()

	runner := &cloneRunner{}
	access := NewProjectAccess(t.TempDir(), runner)

	err := access.WithProject(context.Background(), AccessOptions{Repo: testRepo(), Sha: "abc123"}, func(p *Project) error {
		return nil
	})
	require.NoError(t, err)

	require.Len(t, runner.commands, 2)
	require.Equal(t, []string{"checkout", "abc123"}, runner.commands[1].Args)
}

func TestWithProjectWriterExcludesWriter(t *testing.T) {
	t.Parallel()

	access := NewProjectAccess(t.TempDir(), &cloneRunner{})
	opts := AccessOptions{Repo: testRepo(), Sha: "abc123"}

	var (
		mu     sync.Mutex
		active int
		peak   int
	)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			err := access.WithProject(context.Background(), opts, func(p *Project) error {
				mu.Lock()
				active++
				if active > peak {
					peak = active
				}
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, peak, "write accessors of the same repository must not overlap")
}

func TestWithProjectReadersShare(t *testing.T) {
	t.Parallel()

	access := NewProjectAccess(t.TempDir(), &cloneRunner{})
	opts := AccessOptions{Repo: testRepo(), Sha: "abc123", ReadOnly: true}

	release := make(chan struct{})
	both := make(chan struct{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	active := 0
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_ = access.WithProject(context.Background(), opts, func(p *Project) error {
				mu.Lock()
				active++
				if active == 2 {
					close(both)
				}
				mu.Unlock()
				<-release
				return nil
			})
		}()
	}

	select {
	case <-both:
		// two read-only accessors hold the working copy concurrently
	case <-time.After(2 * time.Second):
		t.Error("read-only accessors did not run concurrently")
	}
	close(release)
	wg.Wait()
}
