package convey

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/convey-ci/convey/pkg/convey/progress"
)

// CommandBackend is a Backend that builds by running an ordered list of
// external commands in a fresh working copy. It is the generic build-tool
// backend; build-tool specific backends only differ in their command list
// and failure diagnosis.
type CommandBackend struct {
	Access ProjectAccessor
	Runner Runner

	// Commands run strictly in order in the working copy root; the first
	// non-zero exit fails the run.
	Commands []CommandSpec

	// ArtifactGlob locates the deployable artifact relative to the working
	// copy after a successful run. Empty means the build produces none.
	ArtifactGlob string

	// BuildURL is the public URL under which this build can be watched.
	BuildURL string

	// FailurePatterns map substrings of build output to diagnoses.
	FailurePatterns map[string]string
}

// StartBuild implements Backend. The build runs asynchronously; its outcome
// is reported on the returned RunningBuild.
func (b *CommandBackend) StartBuild(ctx context.Context, inv *GoalInvocation, plog progress.Log) (*RunningBuild, error) {
	if len(b.Commands) == 0 {
		return nil, fmt.Errorf("backend has no build commands configured")
	}

	rb := NewRunningBuild(inv.Repo, inv.Goal.Team, b.BuildURL)
	go func() {
		err := b.Access.WithProject(ctx, AccessOptions{
			Credentials: inv.Credentials,
			Repo:        inv.Repo,
			Sha:         inv.Sha,
			Log:         plog,
		}, func(prj *Project) error {
			specs := make([]CommandSpec, len(b.Commands))
			for i, c := range b.Commands {
				c.Dir = prj.Dir
				specs[i] = c
			}
			if res := RunSequence(ctx, b.Runner, plog, specs...); !res.OK() {
				rb.FailRun(res.Message)
				return nil
			}

			if b.ArtifactGlob != "" {
				rb.ArtifactPath = b.locateArtifact(prj)
			}
			rb.Succeed()
			return nil
		})
		if err != nil {
			rb.Break(err)
		}
	}()
	return rb, nil
}

// locateArtifact resolves the artifact glob in the working copy. The working
// copy is removed when the access scope closes, so the artifact is moved
// aside first.
func (b *CommandBackend) locateArtifact(prj *Project) string {
	matches, err := filepath.Glob(filepath.Join(prj.Dir, b.ArtifactGlob))
	if err != nil || len(matches) == 0 {
		log.WithField("glob", b.ArtifactGlob).Debug("no deployment artifact matched")
		return ""
	}

	src := matches[0]
	dst := filepath.Join(os.TempDir(), fmt.Sprintf("%s-%s-%s", filesystemSafeName(prj.Repo.Slug()), shortSha(prj.Sha), filepath.Base(src)))
	if err := os.Rename(src, dst); err != nil {
		log.WithError(err).WithField("artifact", src).Warn("cannot preserve deployment artifact")
		return ""
	}
	return dst
}

// DiagnoseFailure implements Backend by matching configured patterns against
// the captured build output.
func (b *CommandBackend) DiagnoseFailure(outputLines []string) string {
	for _, line := range outputLines {
		for pattern, diagnosis := range b.FailurePatterns {
			if strings.Contains(line, pattern) {
				return diagnosis
			}
		}
	}
	return ""
}
