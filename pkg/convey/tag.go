package convey

import (
	"context"
	"fmt"
	"time"

	"github.com/convey-ci/convey/pkg/convey/scm"
)

// buildTag constructs the tag for one successful build. The name is the
// persisted version, extended with a build-number suffix when one was
// allocated.
func buildTag(inv *GoalInvocation, state BuildState, tagger scm.Identity, now time.Time) scm.Tag {
	name := state.Version
	if state.BuildNumber != "" {
		name = fmt.Sprintf("%s+build.%s", state.Version, state.BuildNumber)
	}
	return scm.Tag{
		Name:    name,
		Sha:     inv.Sha,
		Message: inv.CommitMessage,
		Tagger:  tagger,
		Time:    now,
	}
}

// TagStep creates a source-control tag for the version persisted for the
// invocation's commit.
//
// The step is not idempotent: executing it twice for the same commit attempts
// to create the same tag twice and fails the second time. Callers invoke it
// at most once per successful build.
type TagStep struct {
	State  *StateStore
	Tags   scm.TagClient
	Tagger scm.Identity

	now func() time.Time
}

// Execute implements the goal-step contract.
func (s *TagStep) Execute(ctx context.Context, inv *GoalInvocation) ExecuteGoalResult {
	state, err := s.State.Get(inv.Repo, inv.Sha)
	if err != nil {
		return Failure(1, "cannot read build state for %s@%s: %v", inv.Repo.Slug(), shortSha(inv.Sha), err)
	}
	if state.Version == "" {
		return Failure(1, "no version persisted for %s@%s", inv.Repo.Slug(), shortSha(inv.Sha))
	}

	now := time.Now
	if s.now != nil {
		now = s.now
	}
	tag := buildTag(inv, state, s.Tagger, now())

	if err := s.Tags.CreateTag(ctx, inv.Credentials, inv.Repo, tag); err != nil {
		return Failure(1, "cannot create tag %s: %v", tag.Name, err)
	}
	if err := s.Tags.CreateTagReference(ctx, inv.Credentials, inv.Repo, tag); err != nil {
		return Failure(1, "cannot create tag reference %s: %v", tag.Name, err)
	}

	_ = inv.Log.WriteLine(fmt.Sprintf("created tag %s for %s", tag.Name, shortSha(inv.Sha)))
	return Success(fmt.Sprintf("tagged %s@%s as %s", inv.Repo.Slug(), shortSha(inv.Sha), tag.Name))
}
