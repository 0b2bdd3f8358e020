package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/convey-ci/convey/pkg/convey"
	"github.com/convey-ci/convey/pkg/convey/artifact"
	"github.com/convey-ci/convey/pkg/convey/identity"
	"github.com/convey-ci/convey/pkg/convey/progress"
	"github.com/convey-ci/convey/pkg/convey/scm"
)

var execOpts struct {
	owner         string
	repo          string
	provider      string
	cloneURL      string
	defaultBranch string
	sha           string
	branch        string
	token         string
}

// execCmd groups the goals that can run standalone from the command line.
// Tags are created through git and artifacts go to S3 when a bucket is
// configured; status reporting needs a provider client and is only wired by
// an embedding dispatcher.
var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Executes a delivery goal against a commit",
	Args:  cobra.NoArgs,
}

var execVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Computes and persists the build version for a commit",
	RunE: func(cmd *cobra.Command, args []string) error {
		inv, err := invocationFromFlags()
		if err != nil {
			return err
		}

		state, err := convey.NewStateStore(stateDir())
		if err != nil {
			return err
		}
		step := &convey.VersionStep{
			Access: convey.NewProjectAccess(buildDir(), convey.NewRunner()),
			State:  state,
		}

		res := step.Execute(cmd.Context(), inv)
		return reportResult(res)
	},
}

var execFingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Computes project fingerprints for a commit",
	RunE: func(cmd *cobra.Command, args []string) error {
		inv, err := invocationFromFlags()
		if err != nil {
			return err
		}

		step := &convey.FingerprintStep{
			Access:    convey.NewProjectAccess(buildDir(), convey.NewRunner()),
			Analyzers: []convey.Analyzer{convey.ContentHashAnalyzer{}, convey.GoModAnalyzer{}},
			Listeners: []convey.FingerprintListener{consoleListener{}},
		}

		res := step.Execute(cmd.Context(), inv)
		return reportResult(res)
	},
}

var execTagCmd = &cobra.Command{
	Use:   "tag",
	Short: "Creates the release tag for a commit's persisted version",
	RunE: func(cmd *cobra.Command, args []string) error {
		inv, err := invocationFromFlags()
		if err != nil {
			return err
		}

		state, err := convey.NewStateStore(stateDir())
		if err != nil {
			return err
		}
		step := &convey.TagStep{
			State:  state,
			Tags:   convey.NewGitTagClient(buildDir(), convey.NewRunner()),
			Tagger: taggerIdentity(),
		}

		res := step.Execute(cmd.Context(), inv)
		return reportResult(res)
	},
}

var execBuildOpts struct {
	run          []string
	artifactGlob string
	buildURL     string
}

var execBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Runs the build commands for a commit and reports the outcome",
	RunE: func(cmd *cobra.Command, args []string) error {
		inv, err := invocationFromFlags()
		if err != nil {
			return err
		}
		if len(execBuildOpts.run) == 0 {
			return fmt.Errorf("--run is required at least once")
		}

		state, err := convey.NewStateStore(stateDir())
		if err != nil {
			return err
		}

		dbPath := identityDBPath()
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return err
		}
		alloc, err := identity.Open(dbPath)
		if err != nil {
			return err
		}
		defer alloc.Close()

		runner := convey.NewRunner()
		builder := &convey.Builder{
			Tags:      convey.NewGitTagClient(buildDir(), runner),
			Artifacts: artifactStore(cmd.Context()),
			Allocator: alloc,
			State:     state,
			Tagger:    taggerIdentity(),
		}

		commands := make([]convey.CommandSpec, len(execBuildOpts.run))
		for i, r := range execBuildOpts.run {
			commands[i] = convey.CommandSpec{Name: "sh", Args: []string{"-c", r}}
		}
		backend := &convey.CommandBackend{
			Access:       convey.NewProjectAccess(buildDir(), runner),
			Runner:       runner,
			Commands:     commands,
			ArtifactGlob: execBuildOpts.artifactGlob,
			BuildURL:     execBuildOpts.buildURL,
		}

		res := builder.InitiateBuild(cmd.Context(), inv, backend)
		return reportResult(res)
	},
}

// taggerIdentity reads the identity build tags are created under.
func taggerIdentity() scm.Identity {
	return scm.Identity{
		Name:  os.Getenv(EnvvarTaggerName),
		Email: os.Getenv(EnvvarTaggerEmail),
	}
}

// artifactStore produces the S3 artifact store, or nil when no bucket is
// configured.
func artifactStore(ctx context.Context) scm.ArtifactStore {
	bucket := os.Getenv(EnvvarS3Bucket)
	if bucket == "" {
		return nil
	}
	store, err := artifact.NewS3Store(ctx, artifact.S3Config{BucketName: bucket})
	if err != nil {
		log.WithError(err).Fatal("cannot set up artifact store")
	}
	return store
}

// consoleListener prints every fingerprint to stdout.
type consoleListener struct{}

func (consoleListener) OnFingerprint(ctx context.Context, inv *convey.GoalInvocation, fp convey.Fingerprint) error {
	fmt.Printf("%s\t%s\n", fp.Name, fp.Value)
	return nil
}

func invocationFromFlags() (*convey.GoalInvocation, error) {
	if execOpts.owner == "" || execOpts.repo == "" || execOpts.sha == "" {
		return nil, fmt.Errorf("--owner, --repo and --sha are required")
	}

	cloneURL := execOpts.cloneURL
	if cloneURL == "" {
		cloneURL = fmt.Sprintf("https://github.com/%s/%s.git", execOpts.owner, execOpts.repo)
	}

	inv := convey.NewGoalInvocation(scm.RepoRef{
		Owner:         execOpts.owner,
		Name:          execOpts.repo,
		Provider:      execOpts.provider,
		DefaultBranch: execOpts.defaultBranch,
		CloneURL:      cloneURL,
	}, execOpts.sha, execOpts.branch)
	inv.Credentials = scm.Credentials{Token: execOpts.token}
	inv.Log = progress.NewConsoleLog(fmt.Sprintf("%s/%s", execOpts.owner, execOpts.repo))
	return inv, nil
}

func reportResult(res convey.ExecuteGoalResult) error {
	if res.OK() {
		log.WithField("message", res.Message).Info("goal succeeded")
		return nil
	}
	fmt.Fprintf(os.Stderr, "goal failed: %s\n", res.Message)
	os.Exit(res.Code)
	return nil
}

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.AddCommand(execVersionCmd)
	execCmd.AddCommand(execFingerprintCmd)
	execCmd.AddCommand(execTagCmd)
	execCmd.AddCommand(execBuildCmd)

	execBuildCmd.Flags().StringArrayVar(&execBuildOpts.run, "run", nil, "build command, run with sh -c in the working copy (repeatable)")
	execBuildCmd.Flags().StringVar(&execBuildOpts.artifactGlob, "artifact-glob", "", "glob locating the deployable artifact after a successful run")
	execBuildCmd.Flags().StringVar(&execBuildOpts.buildURL, "build-url", "", "public URL under which this build can be watched")

	execCmd.PersistentFlags().StringVar(&execOpts.owner, "owner", "", "repository owner")
	execCmd.PersistentFlags().StringVar(&execOpts.repo, "repo", "", "repository name")
	execCmd.PersistentFlags().StringVar(&execOpts.provider, "provider", "github", "source-control provider id")
	execCmd.PersistentFlags().StringVar(&execOpts.cloneURL, "clone-url", "", "repository clone URL (defaults to the GitHub URL)")
	execCmd.PersistentFlags().StringVar(&execOpts.defaultBranch, "default-branch", "main", "repository default branch")
	execCmd.PersistentFlags().StringVar(&execOpts.sha, "sha", "", "commit to execute the goal against")
	execCmd.PersistentFlags().StringVar(&execOpts.branch, "branch", "main", "branch the push landed on")
	execCmd.PersistentFlags().StringVar(&execOpts.token, "token", os.Getenv("CONVEY_TOKEN"), "provider access token")
}
