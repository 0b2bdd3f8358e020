package convey

import (
	"context"
	"fmt"
	"sync"

	"github.com/convey-ci/convey/pkg/convey/progress"
	"github.com/convey-ci/convey/pkg/convey/scm"
)

// fakeAccess hands out a fixed directory as working copy and counts
// acquisitions.
type fakeAccess struct {
	dir string

	mu       sync.Mutex
	acquired int
	readOnly int
}

func (a *fakeAccess) WithProject(ctx context.Context, opts AccessOptions, body func(p *Project) error) error {
	a.mu.Lock()
	a.acquired++
	if opts.ReadOnly {
		a.readOnly++
	}
	a.mu.Unlock()

	return body(&Project{Dir: a.dir, Repo: opts.Repo, Sha: opts.Sha})
}

func (a *fakeAccess) acquisitions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acquired
}

// statusRecorder records every status update it receives.
type statusRecorder struct {
	mu      sync.Mutex
	states  []scm.GoalState
	numbers []string
	err     error
}

func (r *statusRecorder) UpdateStatus(ctx context.Context, target scm.StatusTarget, state scm.GoalState, branch, buildNumber string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.states = append(r.states, state)
	r.numbers = append(r.numbers, buildNumber)
	return r.err
}

func (r *statusRecorder) recorded() []scm.GoalState {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make([]scm.GoalState, len(r.states))
	copy(res, r.states)
	return res
}

// tagRecorder records created tags and fails on duplicates, like the real
// provider does.
type tagRecorder struct {
	mu   sync.Mutex
	tags []scm.Tag
	refs []scm.Tag
	err  error
}

func (r *tagRecorder) CreateTag(ctx context.Context, creds scm.Credentials, ref scm.RepoRef, tag scm.Tag) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}
	for _, t := range r.tags {
		if t.Name == tag.Name {
			return fmt.Errorf("tag %s already exists", tag.Name)
		}
	}
	r.tags = append(r.tags, tag)
	return nil
}

func (r *tagRecorder) CreateTagReference(ctx context.Context, creds scm.Credentials, ref scm.RepoRef, tag scm.Tag) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}
	r.refs = append(r.refs, tag)
	return nil
}

// artifactRecorder pretends to store files.
type artifactRecorder struct {
	mu     sync.Mutex
	stored []string
	err    error
}

func (r *artifactRecorder) StoreFile(ctx context.Context, app scm.AppInfo, path string, creds scm.Credentials) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return "", r.err
	}
	r.stored = append(r.stored, path)
	return "https://artifacts.example.com/" + app.Sha, nil
}

// webhookRecorder records posted image links.
type webhookRecorder struct {
	mu    sync.Mutex
	links []string
	ack   bool
	err   error
}

func (r *webhookRecorder) PostImageLink(ctx context.Context, app scm.AppInfo, imageURL string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return false, r.err
	}
	r.links = append(r.links, imageURL)
	return r.ack, nil
}

// fakeBackend starts builds whose outcome the test scripts.
type fakeBackend struct {
	startErr  error
	outcome   func(rb *RunningBuild)
	artifact  string
	url       string
	diagnosis string
}

func (b *fakeBackend) StartBuild(ctx context.Context, inv *GoalInvocation, plog progress.Log) (*RunningBuild, error) {
	if b.startErr != nil {
		return nil, b.startErr
	}
	rb := NewRunningBuild(inv.Repo, inv.Goal.Team, b.url)
	rb.ArtifactPath = b.artifact
	go b.outcome(rb)
	return rb, nil
}

func (b *fakeBackend) DiagnoseFailure(outputLines []string) string {
	return b.diagnosis
}

// scriptedRunner returns pre-scripted results per command and records every
// spec it ran.
type scriptedRunner struct {
	mu    sync.Mutex
	specs []CommandSpec

	// results maps the command's first argument to an exit code. Commands
	// without an entry succeed.
	results map[string]int
}

func (r *scriptedRunner) Run(ctx context.Context, spec CommandSpec, plog progress.Log) CommandResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.specs = append(r.specs, spec)
	if code, ok := r.results[firstArg(spec)]; ok && code != 0 {
		return CommandResult{ExitCode: code, Message: fmt.Sprintf("%s exited with code %d", spec.Name, code)}
	}
	return CommandResult{ExitCode: 0}
}

func (r *scriptedRunner) ran() []CommandSpec {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make([]CommandSpec, len(r.specs))
	copy(res, r.specs)
	return res
}

func firstArg(spec CommandSpec) string {
	if len(spec.Args) == 0 {
		return spec.Name
	}
	return spec.Args[0]
}
