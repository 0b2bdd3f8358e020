package convey

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/convey-ci/convey/pkg/convey/progress"
	"github.com/convey-ci/convey/pkg/convey/scm"
)

// GitTagClient implements scm.TagClient by shelling out to git. CreateTag
// clones the repository and creates the annotated tag in a working copy that
// is retained between the two calls; CreateTagReference pushes the tag's
// reference to the origin and releases the working copy.
type GitTagClient struct {
	baseDir string
	runner  Runner

	mu      sync.Mutex
	pending map[string]string
}

var _ scm.TagClient = (*GitTagClient)(nil)

// NewGitTagClient produces a client cloning below baseDir.
func NewGitTagClient(baseDir string, runner Runner) *GitTagClient {
	return &GitTagClient{
		baseDir: baseDir,
		runner:  runner,
		pending: make(map[string]string),
	}
}

// CreateTag implements scm.TagClient.
func (c *GitTagClient) CreateTag(ctx context.Context, creds scm.Credentials, ref scm.RepoRef, tag scm.Tag) error {
	if ref.CloneURL == "" {
		return xerrors.Errorf("repository %s has no clone URL", ref.Slug())
	}

	dir, err := os.MkdirTemp(c.baseDir, fmt.Sprintf("%s-tag-*", filesystemSafeName(ref.Slug())))
	if err != nil {
		return xerrors.Errorf("cannot create working copy directory: %w", err)
	}

	cloneURL := authenticatedCloneURL(ref.CloneURL, creds)
	if res := c.runner.Run(ctx, CommandSpec{Name: "git", Args: []string{"clone", cloneURL, "."}, Dir: dir}, progress.Discard); !res.OK() {
		c.release(dir)
		return &GitError{Op: "clone", Err: fmt.Errorf("%s", res.Message)}
	}

	message := tag.Message
	if message == "" {
		message = tag.Name
	}
	spec := CommandSpec{
		Name: "git",
		Args: []string{"tag", "-a", tag.Name, tag.Sha, "-m", message},
		Dir:  dir,
		Env:  tagEnv(tag),
	}
	if res := c.runner.Run(ctx, spec, progress.Discard); !res.OK() {
		c.release(dir)
		return &GitError{Op: "tag " + tag.Name, Err: fmt.Errorf("%s", res.Message)}
	}

	c.mu.Lock()
	c.pending[tag.Name] = dir
	c.mu.Unlock()
	return nil
}

// CreateTagReference implements scm.TagClient. It publishes a tag previously
// created through CreateTag on this client.
func (c *GitTagClient) CreateTagReference(ctx context.Context, creds scm.Credentials, ref scm.RepoRef, tag scm.Tag) error {
	c.mu.Lock()
	dir, ok := c.pending[tag.Name]
	delete(c.pending, tag.Name)
	c.mu.Unlock()
	if !ok {
		return xerrors.Errorf("tag %s was not created by this client", tag.Name)
	}
	defer c.release(dir)

	spec := CommandSpec{Name: "git", Args: []string{"push", "origin", "refs/tags/" + tag.Name}, Dir: dir}
	if res := c.runner.Run(ctx, spec, progress.Discard); !res.OK() {
		return &GitError{Op: "push refs/tags/" + tag.Name, Err: fmt.Errorf("%s", res.Message)}
	}
	return nil
}

func (c *GitTagClient) release(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		log.WithError(err).WithField("dir", dir).Warn("cannot remove working copy")
	}
}

// tagEnv carries the tagger identity and timestamp into the git subprocess.
func tagEnv(tag scm.Tag) []string {
	var env []string
	if tag.Tagger.Name != "" {
		env = append(env, "GIT_COMMITTER_NAME="+tag.Tagger.Name)
	}
	if tag.Tagger.Email != "" {
		env = append(env, "GIT_COMMITTER_EMAIL="+tag.Tagger.Email)
	}
	if !tag.Time.IsZero() {
		env = append(env, "GIT_COMMITTER_DATE="+tag.Time.Format(time.RFC3339))
	}
	return env
}

// authenticatedCloneURL splices the access token into an https clone URL.
func authenticatedCloneURL(cloneURL string, creds scm.Credentials) string {
	if creds.Token == "" || !strings.HasPrefix(cloneURL, "https://") {
		return cloneURL
	}
	return "https://" + creds.Token + "@" + strings.TrimPrefix(cloneURL, "https://")
}
