package convey

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/convey-ci/convey/pkg/convey/identity"
	"github.com/convey-ci/convey/pkg/convey/progress"
	"github.com/convey-ci/convey/pkg/convey/scm"
)

type builderFixture struct {
	builder  *Builder
	status   *statusRecorder
	tags     *tagRecorder
	artifact *artifactRecorder
	webhook  *webhookRecorder
	state    *StateStore
}

func newBuilderFixture(t *testing.T) *builderFixture {
	t.Helper()

	alloc, err := identity.Open(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { alloc.Close() })

	state, err := NewStateStore(t.TempDir())
	require.NoError(t, err)

	f := &builderFixture{
		status:   &statusRecorder{},
		tags:     &tagRecorder{},
		artifact: &artifactRecorder{},
		webhook:  &webhookRecorder{ack: true},
		state:    state,
	}
	f.builder = &Builder{
		Status:    f.status,
		Tags:      f.tags,
		Artifacts: f.artifact,
		Webhook:   f.webhook,
		Allocator: alloc,
		State:     state,
		Tagger:    scm.Identity{Name: "convey", Email: "bot@convey.dev"},
	}
	return f
}

func (f *builderFixture) withVersion(t *testing.T, inv *GoalInvocation, version string) {
	t.Helper()
	require.NoError(t, f.state.Put(inv.Repo, inv.Sha, BuildState{Version: version}))
}

func TestInitiateBuildStartFailure(t *testing.T) {
	t.Parallel()

	f := newBuilderFixture(t)
	inv := testInvocation("main")
	backend := &fakeBackend{startErr: errors.New("no build agent available")}

	res := f.builder.InitiateBuild(context.Background(), inv, backend)
	require.False(t, res.OK())
	require.Contains(t, res.Message, "no build agent available")

	// exactly one status update, and it is "failed"
	if diff := cmp.Diff([]scm.GoalState{scm.StateFailed}, f.status.recorded()); diff != "" {
		t.Errorf("status updates mismatch (-want +got):\n%s", diff)
	}
}

func TestInitiateBuildRunFailure(t *testing.T) {
	t.Parallel()

	f := newBuilderFixture(t)
	inv := testInvocation("main")
	backend := &fakeBackend{
		outcome:   func(rb *RunningBuild) { rb.FailRun("compilation failed") },
		diagnosis: "missing dependency",
	}

	res := f.builder.InitiateBuild(context.Background(), inv, backend)
	require.False(t, res.OK())
	require.Contains(t, res.Message, "compilation failed")
	require.Contains(t, res.Message, "missing dependency")

	if diff := cmp.Diff([]scm.GoalState{scm.StateStarted, scm.StateFailed}, f.status.recorded()); diff != "" {
		t.Errorf("status updates mismatch (-want +got):\n%s", diff)
	}
	require.Empty(t, f.tags.tags, "a failed run must not be tagged")
	require.Empty(t, f.artifact.stored, "a failed run must not link artifacts")
}

func TestInitiateBuildBrokenWait(t *testing.T) {
	t.Parallel()

	f := newBuilderFixture(t)
	inv := testInvocation("main")
	backend := &fakeBackend{
		outcome: func(rb *RunningBuild) { rb.Break(errors.New("agent connection lost")) },
	}

	res := f.builder.InitiateBuild(context.Background(), inv, backend)
	require.False(t, res.OK())
	require.Contains(t, res.Message, "agent connection lost")

	if diff := cmp.Diff([]scm.GoalState{scm.StateStarted, scm.StateFailed}, f.status.recorded()); diff != "" {
		t.Errorf("status updates mismatch (-want +got):\n%s", diff)
	}
}

func TestInitiateBuildSuccessWithoutArtifact(t *testing.T) {
	t.Parallel()

	f := newBuilderFixture(t)
	inv := testInvocation("main")
	f.withVersion(t, inv, "1.2.0-20210601123045")
	backend := &fakeBackend{outcome: func(rb *RunningBuild) { rb.Succeed() }}

	res := f.builder.InitiateBuild(context.Background(), inv, backend)
	require.True(t, res.OK(), "unexpected failure: %s", res.Message)

	if diff := cmp.Diff([]scm.GoalState{scm.StateStarted, scm.StatePassed}, f.status.recorded()); diff != "" {
		t.Errorf("status updates mismatch (-want +got):\n%s", diff)
	}

	// a successful run without artifact still reaches tag creation
	require.Len(t, f.tags.tags, 1)
	require.Equal(t, "1.2.0-20210601123045+build.1", f.tags.tags[0].Name)
	require.Empty(t, f.artifact.stored, "no artifact must be linked")
}

func TestInitiateBuildSuccessWithArtifact(t *testing.T) {
	t.Parallel()

	f := newBuilderFixture(t)
	inv := testInvocation("main")
	f.withVersion(t, inv, "1.2.0-20210601123045")
	backend := &fakeBackend{
		artifact: "/tmp/artifact.tar.gz",
		outcome:  func(rb *RunningBuild) { rb.Succeed() },
	}

	res := f.builder.InitiateBuild(context.Background(), inv, backend)
	require.True(t, res.OK(), "unexpected failure: %s", res.Message)
	require.Equal(t, []string{"/tmp/artifact.tar.gz"}, f.artifact.stored)
	require.Len(t, f.webhook.links, 1)
}

func TestInitiateBuildTagErrorDoesNotFailBuild(t *testing.T) {
	t.Parallel()

	f := newBuilderFixture(t)
	f.tags.err = errors.New("provider unavailable")
	inv := testInvocation("main")
	f.withVersion(t, inv, "1.2.0-20210601123045")
	backend := &fakeBackend{outcome: func(rb *RunningBuild) { rb.Succeed() }}

	res := f.builder.InitiateBuild(context.Background(), inv, backend)
	require.True(t, res.OK(), "a tag problem is a secondary concern, not a build failure")
}

func TestInitiateBuildStatusErrorsDoNotEscalate(t *testing.T) {
	t.Parallel()

	f := newBuilderFixture(t)
	f.status.err = errors.New("status endpoint down")
	inv := testInvocation("main")
	f.withVersion(t, inv, "1.2.0-20210601123045")
	backend := &fakeBackend{outcome: func(rb *RunningBuild) { rb.Succeed() }}

	res := f.builder.InitiateBuild(context.Background(), inv, backend)
	require.True(t, res.OK(), "the terminal result reflects build outcome, not notification outcome")
}

func TestInitiateBuildWithoutOptionalCollaborators(t *testing.T) {
	t.Parallel()

	alloc, err := identity.Open(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { alloc.Close() })

	state, err := NewStateStore(t.TempDir())
	require.NoError(t, err)

	// status, tags, artifact store and webhook are all absent, as they are
	// when a build runs standalone from the command line
	builder := &Builder{Allocator: alloc, State: state}

	inv := testInvocation("main")
	require.NoError(t, state.Put(inv.Repo, inv.Sha, BuildState{Version: "1.2.0-20210601123045"}))
	backend := &fakeBackend{
		artifact: "/tmp/artifact.tar.gz",
		outcome:  func(rb *RunningBuild) { rb.Succeed() },
	}

	res := builder.InitiateBuild(context.Background(), inv, backend)
	require.True(t, res.OK(), "absent collaborators must be skipped, not failed: %s", res.Message)
}

func TestInitiateBuildAllocatesIncreasingNumbers(t *testing.T) {
	t.Parallel()

	f := newBuilderFixture(t)
	inv := testInvocation("main")
	f.withVersion(t, inv, "1.2.0-20210601123045")

	for i := 0; i < 2; i++ {
		f.tags = &tagRecorder{}
		f.builder.Tags = f.tags
		backend := &fakeBackend{outcome: func(rb *RunningBuild) { rb.Succeed() }}
		res := f.builder.InitiateBuild(context.Background(), inv, backend)
		require.True(t, res.OK())
	}

	require.Equal(t, []string{"1", "1", "2", "2"}, f.status.numbers)
}

func TestRunningBuildWaitHonorsContext(t *testing.T) {
	t.Parallel()

	rb := NewRunningBuild(scm.RepoRef{}, "", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := rb.wait(ctx)
	require.Error(t, out.Err)
}

func TestBuildOutputCaptureFeedsDiagnosis(t *testing.T) {
	t.Parallel()

	capture := &progress.CapturingLog{}
	mux := progress.NewMultiplexLog(progress.Discard, capture)
	_ = mux.WriteLine("error: missing semicolon")

	backend := &CommandBackend{FailurePatterns: map[string]string{"missing semicolon": "syntax error in source"}}
	require.Equal(t, "syntax error in source", backend.DiagnoseFailure(capture.Lines()))
}
