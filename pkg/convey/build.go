package convey

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/convey-ci/convey/pkg/convey/identity"
	"github.com/convey-ci/convey/pkg/convey/progress"
	"github.com/convey-ci/convey/pkg/convey/scm"
)

// BuildPhase is the lifecycle phase of one build.
type BuildPhase string

const (
	PhaseNotStarted BuildPhase = "not-started"
	PhaseStarted    BuildPhase = "started"
	PhasePassed     BuildPhase = "passed"
	PhaseFailed     BuildPhase = "failed"
)

// buildOutcome is the backend's eventual verdict. AppError carries an
// application-level failure message of a build that ran to completion;
// Err means the wait itself broke.
type buildOutcome struct {
	AppError string
	Err      error
}

// RunningBuild is a build a backend has started. The orchestrator observes
// the build but does not own the backend process.
type RunningBuild struct {
	Repo scm.RepoRef
	Team string

	// ArtifactPath points to the deployable artifact the build produced, or
	// is empty if there is none.
	ArtifactPath string

	// URL is the public URL under which the build's progress can be watched.
	URL string

	res chan buildOutcome
}

// NewRunningBuild produces a RunningBuild whose outcome is reported via
// Succeed or Fail exactly once.
func NewRunningBuild(repo scm.RepoRef, team, url string) *RunningBuild {
	return &RunningBuild{
		Repo: repo,
		Team: team,
		URL:  url,
		res:  make(chan buildOutcome, 1),
	}
}

// Succeed marks the build as finished without an application error.
func (rb *RunningBuild) Succeed() {
	rb.res <- buildOutcome{}
}

// FailRun marks the build as finished with an application error, i.e. the
// build ran but its work failed.
func (rb *RunningBuild) FailRun(message string) {
	rb.res <- buildOutcome{AppError: message}
}

// Break marks the wait for the build's result as broken.
func (rb *RunningBuild) Break(err error) {
	rb.res <- buildOutcome{Err: err}
}

// wait blocks until the backend reports the build's outcome.
func (rb *RunningBuild) wait(ctx context.Context) buildOutcome {
	select {
	case out := <-rb.res:
		return out
	case <-ctx.Done():
		return buildOutcome{Err: ctx.Err()}
	}
}

// Backend actually performs a build. Implementations launch the build
// process and report its eventual result on the returned RunningBuild.
type Backend interface {
	// StartBuild launches the build. An error here is a start failure and
	// terminal for the invocation.
	StartBuild(ctx context.Context, inv *GoalInvocation, plog progress.Log) (*RunningBuild, error)

	// DiagnoseFailure inspects the build output of a failed run and returns
	// a human-readable diagnosis, or an empty string if it has none.
	DiagnoseFailure(outputLines []string) string
}

// Builder drives a build through its lifecycle: allocate a build number, ask
// the backend to start, report every transition, and on success tag the
// commit and link the produced artifact.
type Builder struct {
	// Status, Tags, Artifacts and Webhook are optional collaborators: a nil
	// collaborator skips its concern instead of failing the build.
	Status    scm.StatusClient
	Tags      scm.TagClient
	Artifacts scm.ArtifactStore
	Webhook   scm.WebhookClient
	Allocator *identity.Allocator
	State     *StateStore
	Tagger    scm.Identity

	now func() time.Time
}

// InitiateBuild executes one build invocation end to end and returns its
// uniform result. The terminal result always reflects the build outcome,
// never the outcome of status notifications.
func (b *Builder) InitiateBuild(ctx context.Context, inv *GoalInvocation, backend Backend) ExecuteGoalResult {
	buildNumber, err := b.Allocator.Allocate(ctx, inv.Repo)
	if err != nil {
		b.updateStatus(ctx, inv, "", scm.StateFailed, "")
		return Failure(1, "cannot allocate build number for %s: %v", inv.Repo.Slug(), err)
	}
	if err := b.recordBuildNumber(inv, buildNumber); err != nil {
		log.WithError(err).WithField("repo", inv.Repo.Slug()).Warn("cannot record build number in build state")
	}

	// capture build output so the backend can diagnose a failed run
	capture := &progress.CapturingLog{}
	plog := progress.NewMultiplexLog(inv.Log, capture)

	b.transition(inv, PhaseNotStarted)

	rb, err := backend.StartBuild(ctx, inv, plog)
	if err != nil {
		b.transition(inv, PhaseFailed)
		b.updateStatus(ctx, inv, "", scm.StateFailed, buildNumber)
		_ = inv.Log.WriteLine(fmt.Sprintf("build %s could not start: %v", buildNumber, err))
		return Failure(1, "cannot start build of %s: %v", inv.Repo.Slug(), err)
	}

	b.transition(inv, PhaseStarted)
	b.updateStatus(ctx, inv, rb.URL, scm.StateStarted, buildNumber)

	out := rb.wait(ctx)
	switch {
	case out.Err != nil:
		b.transition(inv, PhaseFailed)
		b.updateStatus(ctx, inv, rb.URL, scm.StateFailed, buildNumber)
		_ = inv.Log.WriteLine(fmt.Sprintf("build %s broke: %v", buildNumber, out.Err))
		return Failure(1, "build of %s broke: %v", inv.Repo.Slug(), out.Err)

	case out.AppError != "":
		b.transition(inv, PhaseFailed)
		b.updateStatus(ctx, inv, rb.URL, scm.StateFailed, buildNumber)
		msg := out.AppError
		if diag := backend.DiagnoseFailure(capture.Lines()); diag != "" {
			msg = fmt.Sprintf("%s: %s", msg, diag)
		}
		_ = inv.Log.WriteLine(fmt.Sprintf("build %s failed: %s", buildNumber, msg))
		return Failure(1, "%s", msg)
	}

	b.transition(inv, PhasePassed)
	b.updateStatus(ctx, inv, rb.URL, scm.StatePassed, buildNumber)
	_ = inv.Log.WriteLine(fmt.Sprintf("build %s passed", buildNumber))

	// tag creation and artifact linking are secondary concerns: their errors
	// are logged but must not downgrade an already-successful build
	if err := b.tagBuild(ctx, inv, buildNumber); err != nil {
		log.WithError(err).WithField("repo", inv.Repo.Slug()).Warn("cannot tag successful build")
		_ = inv.Log.WriteLine(fmt.Sprintf("warning: cannot tag build: %v", err))
	}

	if rb.ArtifactPath == "" {
		log.WithField("repo", inv.Repo.Slug()).Warn("build produced no deployment artifact - skipping artifact link")
		_ = inv.Log.WriteLine("warning: no deployment artifact produced")
	} else if err := b.linkArtifact(ctx, inv, rb); err != nil {
		log.WithError(err).WithField("repo", inv.Repo.Slug()).Warn("cannot link build artifact")
		_ = inv.Log.WriteLine(fmt.Sprintf("warning: cannot link artifact: %v", err))
	}

	return Success(fmt.Sprintf("build %s of %s passed", buildNumber, inv.Repo.Slug()))
}

func (b *Builder) transition(inv *GoalInvocation, phase BuildPhase) {
	log.WithFields(log.Fields{
		"repo":  inv.Repo.Slug(),
		"sha":   shortSha(inv.Sha),
		"phase": phase,
	}).Debug("build phase transition")
}

// updateStatus reports one lifecycle transition. Status updates are best
// effort: an error is logged and never escalates into a build failure.
func (b *Builder) updateStatus(ctx context.Context, inv *GoalInvocation, url string, state scm.GoalState, buildNumber string) {
	if b.Status == nil {
		return
	}
	target := scm.StatusTarget{Ref: inv.Repo, URL: url, Team: inv.Goal.Team}
	if err := b.Status.UpdateStatus(ctx, target, state, inv.Branch, buildNumber); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"repo":  inv.Repo.Slug(),
			"state": state,
		}).Warn("cannot update build status")
	}
}

func (b *Builder) recordBuildNumber(inv *GoalInvocation, buildNumber string) error {
	state, err := b.State.Get(inv.Repo, inv.Sha)
	if err != nil && err != ErrNoBuildState {
		return err
	}
	state.BuildNumber = buildNumber
	return b.State.Put(inv.Repo, inv.Sha, state)
}

func (b *Builder) tagBuild(ctx context.Context, inv *GoalInvocation, buildNumber string) error {
	if b.Tags == nil {
		log.WithField("repo", inv.Repo.Slug()).Debug("no tag client configured - skipping tag creation")
		return nil
	}

	state, err := b.State.Get(inv.Repo, inv.Sha)
	if err != nil {
		return err
	}
	if state.Version == "" {
		return fmt.Errorf("no version persisted for %s@%s", inv.Repo.Slug(), shortSha(inv.Sha))
	}

	now := time.Now
	if b.now != nil {
		now = b.now
	}
	tag := buildTag(inv, state, b.Tagger, now())
	if err := b.Tags.CreateTag(ctx, inv.Credentials, inv.Repo, tag); err != nil {
		return err
	}
	return b.Tags.CreateTagReference(ctx, inv.Credentials, inv.Repo, tag)
}

func (b *Builder) linkArtifact(ctx context.Context, inv *GoalInvocation, rb *RunningBuild) error {
	if b.Artifacts == nil {
		log.WithField("repo", inv.Repo.Slug()).Debug("no artifact store configured - skipping artifact link")
		return nil
	}

	app := scm.AppInfo{Owner: inv.Repo.Owner, Name: inv.Repo.Name, Sha: inv.Sha, Team: rb.Team}
	url, err := b.Artifacts.StoreFile(ctx, app, rb.ArtifactPath, inv.Credentials)
	if err != nil {
		return err
	}

	if b.Webhook != nil {
		ok, err := b.Webhook.PostImageLink(ctx, app, url)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("artifact link for %s was not acknowledged", url)
		}
	}
	_ = inv.Log.WriteLine(fmt.Sprintf("artifact stored at %s", url))
	return nil
}
