package convey

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// ProjectMetadataFile is the project descriptor read from the working copy
// root. It declares the base version every build version derives from.
const ProjectMetadataFile = "convey.yaml"

// ProjectMetadata is the parsed project descriptor.
type ProjectMetadata struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// ReadProjectMetadata reads and parses the project descriptor from the given
// working copy.
func ReadProjectMetadata(p *Project) (ProjectMetadata, error) {
	fn := filepath.Join(p.Dir, ProjectMetadataFile)
	fc, err := os.ReadFile(fn)
	if err != nil {
		return ProjectMetadata{}, xerrors.Errorf("cannot read %s: %w", ProjectMetadataFile, err)
	}

	var meta ProjectMetadata
	if err := yaml.Unmarshal(fc, &meta); err != nil {
		return ProjectMetadata{}, xerrors.Errorf("cannot parse %s: %w", ProjectMetadataFile, err)
	}
	if meta.Name == "" {
		meta.Name = p.Repo.Name
	}
	return meta, nil
}

const versionTimestampLayout = "20060102150405"

// ComputeVersion derives the version string for one build: the declared base
// version, a branch suffix (empty on the default branch, otherwise the branch
// name with slashes replaced by dots) and a second-resolution UTC timestamp.
//
// Two builds of the same declared version on the same branch are told apart
// by the timestamp. Uniqueness is approximate, not guaranteed.
func ComputeVersion(meta ProjectMetadata, inv *GoalInvocation, now time.Time) (string, error) {
	declared := meta.Version
	if declared == "" {
		return "", xerrors.Errorf("project %s declares no version", meta.Name)
	}
	if _, err := semver.NewVersion(declared); err != nil {
		return "", xerrors.Errorf("declared version %q is not a valid semantic version: %w", declared, err)
	}

	branchSuffix := ""
	if !inv.OnDefaultBranch() {
		branchSuffix = strings.Replace(inv.Branch, "/", ".", -1) + "."
	}

	return declared + "-" + branchSuffix + now.UTC().Format(versionTimestampLayout), nil
}

// PersistVersion rewrites the working copy's project descriptor with the
// computed version. Later steps read the version back from persisted state
// rather than recomputing it, so compute and persist always travel together
// (composed by the caller, never hidden inside the computation).
func PersistVersion(p *Project, version string) error {
	fn := filepath.Join(p.Dir, ProjectMetadataFile)
	fc, err := os.ReadFile(fn)
	if err != nil {
		return xerrors.Errorf("cannot read %s: %w", ProjectMetadataFile, err)
	}

	// edit the version field only, keeping the rest of the document intact
	var doc yaml.Node
	if err := yaml.Unmarshal(fc, &doc); err != nil {
		return xerrors.Errorf("cannot parse %s: %w", ProjectMetadataFile, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return xerrors.Errorf("%s is not a YAML document", ProjectMetadataFile)
	}

	root := doc.Content[0]
	var set bool
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "version" {
			root.Content[i+1].Value = version
			root.Content[i+1].Tag = "!!str"
			set = true
			break
		}
	}
	if !set {
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: "version"},
			&yaml.Node{Kind: yaml.ScalarNode, Value: version, Tag: "!!str"},
		)
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return xerrors.Errorf("cannot marshal %s: %w", ProjectMetadataFile, err)
	}
	if err := os.WriteFile(fn, out, 0644); err != nil {
		return xerrors.Errorf("cannot write %s: %w", ProjectMetadataFile, err)
	}
	return nil
}

// VersionStep computes the build version for a push and persists it twice:
// into the working copy's project descriptor and into the build state, where
// image naming and tagging read it back. The version is computed once per
// build and immutable truth for every later step.
type VersionStep struct {
	Access ProjectAccessor
	State  *StateStore

	now func() time.Time
}

// Execute implements the goal-step contract.
func (s *VersionStep) Execute(ctx context.Context, inv *GoalInvocation) ExecuteGoalResult {
	now := time.Now
	if s.now != nil {
		now = s.now
	}

	var version string
	err := s.Access.WithProject(ctx, AccessOptions{
		Credentials: inv.Credentials,
		Repo:        inv.Repo,
		Sha:         inv.Sha,
		Log:         inv.Log,
	}, func(prj *Project) error {
		meta, err := ReadProjectMetadata(prj)
		if err != nil {
			return err
		}
		version, err = ComputeVersion(meta, inv, now())
		if err != nil {
			return err
		}
		return PersistVersion(prj, version)
	})
	if err != nil {
		return Failure(1, "cannot compute version for %s@%s: %v", inv.Repo.Slug(), shortSha(inv.Sha), err)
	}

	state, err := s.State.Get(inv.Repo, inv.Sha)
	if err != nil && err != ErrNoBuildState {
		return Failure(1, "cannot read build state: %v", err)
	}
	state.Version = version
	if err := s.State.Put(inv.Repo, inv.Sha, state); err != nil {
		return Failure(1, "cannot persist version: %v", err)
	}

	_ = inv.Log.WriteLine(fmt.Sprintf("version %s", version))
	return Success(version)
}
