package convey

import (
	"os"
	"path/filepath"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/convey-ci/convey/pkg/convey/scm"
)

// BuildState is what a build leaves behind for later steps of the same
// delivery: the computed version and the allocated build number. It is
// written once when the version is computed and treated as immutable truth by
// every subsequent step (image naming, tagging).
type BuildState struct {
	Version     string `yaml:"version"`
	BuildNumber string `yaml:"buildNumber,omitempty"`
}

// ErrNoBuildState is returned when no build state was persisted for a commit.
var ErrNoBuildState = xerrors.New("no build state for commit")

// StateStore persists per-commit build state as YAML files below a state
// directory.
type StateStore struct {
	dir string
}

// NewStateStore produces a store rooted at dir, creating it if necessary.
func NewStateStore(dir string) (*StateStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, xerrors.Errorf("cannot create state directory: %w", err)
	}
	return &StateStore{dir: dir}, nil
}

func (s *StateStore) path(ref scm.RepoRef, sha string) string {
	return filepath.Join(s.dir, filesystemSafeName(ref.Provider+"-"+ref.Slug()), sha+".yaml")
}

// Put persists the build state for the given commit.
func (s *StateStore) Put(ref scm.RepoRef, sha string, state BuildState) error {
	fn := s.path(ref, sha)
	if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
		return xerrors.Errorf("cannot create state directory: %w", err)
	}

	fc, err := yaml.Marshal(state)
	if err != nil {
		return xerrors.Errorf("cannot marshal build state: %w", err)
	}
	if err := os.WriteFile(fn, fc, 0644); err != nil {
		return xerrors.Errorf("cannot write build state: %w", err)
	}
	return nil
}

// Get reads the build state for the given commit. Returns ErrNoBuildState if
// none was persisted.
func (s *StateStore) Get(ref scm.RepoRef, sha string) (BuildState, error) {
	fc, err := os.ReadFile(s.path(ref, sha))
	if os.IsNotExist(err) {
		return BuildState{}, ErrNoBuildState
	}
	if err != nil {
		return BuildState{}, xerrors.Errorf("cannot read build state: %w", err)
	}

	var state BuildState
	if err := yaml.Unmarshal(fc, &state); err != nil {
		return BuildState{}, xerrors.Errorf("cannot unmarshal build state: %w", err)
	}
	return state, nil
}
