package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	// EnvvarStateDir names the environment variable configuring where build
	// state (computed versions, build numbers) is persisted.
	EnvvarStateDir = "CONVEY_STATE_DIR"

	// EnvvarBuildDir names the environment variable configuring where
	// working copies are checked out.
	EnvvarBuildDir = "CONVEY_BUILD_DIR"

	// EnvvarIdentityDB names the environment variable configuring the build
	// number database location.
	EnvvarIdentityDB = "CONVEY_IDENTITY_DB"

	// EnvvarTaggerName and EnvvarTaggerEmail configure the identity under
	// which build tags are created.
	EnvvarTaggerName  = "CONVEY_TAGGER_NAME"
	EnvvarTaggerEmail = "CONVEY_TAGGER_EMAIL"

	// EnvvarS3Bucket names the environment variable configuring the S3
	// bucket build artifacts are uploaded to. Unset disables artifact
	// upload.
	EnvvarS3Bucket = "CONVEY_S3_BUCKET"
)

var verbose bool

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "convey",
	Short: "The goal-execution core of a continuous-delivery orchestrator",
	Long: `Convey executes delivery goals against source-control pushes: it checks out
the project, runs the goal's work (fingerprinting, versioning, tagging,
building and publishing images) and reports state transitions.

Configuration
Convey is configured through flags and environment variables. The following
environment variables have an effect on convey:
      CONVEY_STATE_DIR  Where per-commit build state lives. Defaults to ~/.convey/state.
      CONVEY_BUILD_DIR  Where working copies are checked out. This location sees heavy I/O.
    CONVEY_IDENTITY_DB  Location of the build number database. Defaults to ~/.convey/identity.db.
    CONVEY_TAGGER_NAME  Name under which build tags are created.
   CONVEY_TAGGER_EMAIL  Email under which build tags are created.
      CONVEY_S3_BUCKET  S3 bucket build artifacts are uploaded to. Unset disables artifact upload.
`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "en/disable verbose logging")
}

func stateDir() string {
	if dir := os.Getenv(EnvvarStateDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		log.WithError(err).Fatal("cannot determine home directory")
	}
	return fmt.Sprintf("%s/.convey/state", home)
}

func buildDir() string {
	if dir := os.Getenv(EnvvarBuildDir); dir != "" {
		return dir
	}
	return os.TempDir()
}

func identityDBPath() string {
	if path := os.Getenv(EnvvarIdentityDB); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		log.WithError(err).Fatal("cannot determine home directory")
	}
	return fmt.Sprintf("%s/.convey/identity.db", home)
}
