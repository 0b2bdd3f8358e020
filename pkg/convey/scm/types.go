// Package scm defines the collaborator surface towards the source-control
// provider and adjacent services. Implementations live outside this module;
// the goal-execution core only ever talks to these interfaces.
package scm

import "time"

// RepoRef identifies a repository at a source-control provider.
type RepoRef struct {
	Owner         string
	Name          string
	Provider      string
	DefaultBranch string
	CloneURL      string
}

// Slug returns the "owner/name" form of the repository reference.
func (r RepoRef) Slug() string {
	return r.Owner + "/" + r.Name
}

// Credentials carries the token used for provider API calls and clones.
type Credentials struct {
	Token string
}

// GoalState is the externally visible state of a goal or build.
type GoalState string

const (
	StateStarted  GoalState = "started"
	StateFailed   GoalState = "failed"
	StateError    GoalState = "error"
	StatePassed   GoalState = "passed"
	StateCanceled GoalState = "canceled"
)

// Identity names the author of system-created tags.
type Identity struct {
	Name  string
	Email string
}

// Tag describes an annotated source-control tag. Tags are created once per
// successful build and never mutated afterwards.
type Tag struct {
	Name    string
	Sha     string
	Message string
	Tagger  Identity
	Time    time.Time
}

// StatusTarget names where a status update is attached.
type StatusTarget struct {
	Ref  RepoRef
	URL  string
	Team string
}

// AppInfo identifies the application a stored artifact belongs to.
type AppInfo struct {
	Owner string
	Name  string
	Sha   string
	Team  string
}
