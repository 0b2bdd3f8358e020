package convey

import (
	"context"
	"fmt"
	"regexp"

	"github.com/google/go-containerregistry/pkg/name"
	log "github.com/sirupsen/logrus"

	"github.com/convey-ci/convey/pkg/convey/scm"
)

// CodeImageLinkFailed is returned when an image was published but the
// image-link announcement was not acknowledged. It is distinct from the
// subprocess exit codes so callers can tell the two failure modes apart.
const CodeImageLinkFailed = 10

// RegistryCredentials authenticate against an image registry.
type RegistryCredentials struct {
	Username string
	Password string
}

// ImageNameFunc derives the full image name for one build. The default
// derivation is {registry}/{project}:{version}.
type ImageNameFunc func(registry, project, version string) string

func defaultImageName(registry, project, version string) string {
	return fmt.Sprintf("%s/%s:%s", registry, project, version)
}

// bare registry hostnames need no explicit argument to the login command;
// anything with punctuation (ports, dots) must be passed explicitly
var alphanumericOnly = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// ImagePublish is the build-and-publish-an-image pipeline: prepare, resolve
// the image name from the persisted build version, authenticate, build, push
// and announce. Every step runs with the project root as working directory
// and the first non-zero exit aborts the remaining steps.
type ImagePublish struct {
	Registry   string
	Creds      RegistryCredentials
	Dockerfile string

	// Prep commands run before the image build. Their Dir is overridden with
	// the project root.
	Prep []CommandSpec

	// ImageName overrides the default image name derivation.
	ImageName ImageNameFunc

	Access  ProjectAccessor
	Runner  Runner
	State   *StateStore
	Webhook scm.WebhookClient
}

// Execute implements the goal-step contract.
func (p *ImagePublish) Execute(ctx context.Context, inv *GoalInvocation) ExecuteGoalResult {
	state, err := p.State.Get(inv.Repo, inv.Sha)
	if err != nil {
		return Failure(1, "cannot read build state for %s@%s: %v", inv.Repo.Slug(), shortSha(inv.Sha), err)
	}
	if state.Version == "" {
		return Failure(1, "no version persisted for %s@%s", inv.Repo.Slug(), shortSha(inv.Sha))
	}

	var res ExecuteGoalResult
	err = p.Access.WithProject(ctx, AccessOptions{
		Credentials: inv.Credentials,
		Repo:        inv.Repo,
		Sha:         inv.Sha,
		Log:         inv.Log,
	}, func(prj *Project) error {
		res = p.executeInProject(ctx, inv, prj, state.Version)
		return nil
	})
	if err != nil {
		return Failure(1, "cannot access project %s: %v", inv.Repo.Slug(), err)
	}
	return res
}

func (p *ImagePublish) executeInProject(ctx context.Context, inv *GoalInvocation, prj *Project, version string) ExecuteGoalResult {
	for _, prep := range p.Prep {
		prep.Dir = prj.Dir
		if res := p.Runner.Run(ctx, prep, inv.Log); !res.OK() {
			return Failure(res.ExitCode, "preparation step failed: %s", res.Message)
		}
	}

	image := p.imageName(version, prj)
	if _, err := name.NewTag(image); err != nil {
		return Failure(1, "invalid image name %q: %v", image, err)
	}

	login := CommandSpec{Name: "docker", Args: p.loginArgs(), Dir: prj.Dir}
	if res := p.Runner.Run(ctx, login, inv.Log); !res.OK() {
		return Failure(res.ExitCode, "registry login failed: %s", res.Message)
	}

	dockerfile := p.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	build := CommandSpec{Name: "docker", Args: []string{"build", "-f", dockerfile, "-t", image, "."}, Dir: prj.Dir}
	if res := p.Runner.Run(ctx, build, inv.Log); !res.OK() {
		return Failure(res.ExitCode, "image build failed: %s", res.Message)
	}

	push := CommandSpec{Name: "docker", Args: []string{"push", image}, Dir: prj.Dir}
	if res := p.Runner.Run(ctx, push, inv.Log); !res.OK() {
		return Failure(res.ExitCode, "image push failed: %s", res.Message)
	}

	// announce-or-fail: the image is out there, consumers must not be left
	// unaware of it
	app := scm.AppInfo{Owner: inv.Repo.Owner, Name: inv.Repo.Name, Sha: inv.Sha, Team: inv.Goal.Team}
	ok, err := p.Webhook.PostImageLink(ctx, app, image)
	if err != nil {
		return Failure(CodeImageLinkFailed, "Image link failed: %v", err)
	}
	if !ok {
		return Failure(CodeImageLinkFailed, "Image link failed")
	}

	log.WithFields(log.Fields{"repo": inv.Repo.Slug(), "image": image}).Debug("image published and linked")
	_ = inv.Log.WriteLine(fmt.Sprintf("published image %s", image))
	return Success(fmt.Sprintf("published %s", image))
}

func (p *ImagePublish) imageName(version string, prj *Project) string {
	derive := p.ImageName
	if derive == nil {
		derive = defaultImageName
	}

	project := prj.Repo.Name
	if meta, err := ReadProjectMetadata(prj); err == nil && meta.Name != "" {
		project = meta.Name
	}
	return derive(p.Registry, project, version)
}

// loginArgs builds the docker login invocation. The registry argument is
// passed explicitly only when the registry string contains a non-alphanumeric
// character; bare hostnames go through the daemon's default resolution. Note
// that hostnames like "docker.io" contain a dot and are therefore always
// passed explicitly.
func (p *ImagePublish) loginArgs() []string {
	args := []string{"login", "-u", p.Creds.Username, "-p", p.Creds.Password}
	if !alphanumericOnly.MatchString(p.Registry) {
		args = append(args, p.Registry)
	}
	return args
}
