// Package convey implements the goal-execution core of a continuous-delivery
// orchestrator. Given a push and a dispatched goal it checks out the project,
// runs the goal's side-effecting work, reports state transitions to the
// source-control provider and returns a uniform result.
package convey

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/convey-ci/convey/pkg/convey/progress"
	"github.com/convey-ci/convey/pkg/convey/scm"
)

// GoalInvocation carries everything a goal execution needs. It is owned by
// the dispatcher, immutable for the duration of the invocation, and passed by
// reference to every step.
type GoalInvocation struct {
	// ID correlates everything this invocation logs and reports.
	ID uuid.UUID

	Repo          scm.RepoRef
	Sha           string
	Branch        string
	CommitMessage string

	Credentials scm.Credentials
	Log         progress.Log
	Goal        GoalMetadata
}

// GoalMetadata describes the dispatched goal itself.
type GoalMetadata struct {
	Name          string
	Team          string
	Configuration map[string]string
}

// NewGoalInvocation produces an invocation with a fresh correlation ID and a
// discarding progress log. Callers replace the log with their own sink.
func NewGoalInvocation(repo scm.RepoRef, sha, branch string) *GoalInvocation {
	return &GoalInvocation{
		ID:     uuid.New(),
		Repo:   repo,
		Sha:    sha,
		Branch: branch,
		Log:    progress.Discard,
	}
}

// OnDefaultBranch reports whether this invocation's push landed on the
// repository's default branch.
func (inv *GoalInvocation) OnDefaultBranch() bool {
	return inv.Branch == inv.Repo.DefaultBranch
}

// ExecuteGoalResult is the uniform outcome of every goal step. Code zero
// means success. Every step produces exactly one result, also on error
// paths: errors are mapped to a failing result, never left unhandled.
type ExecuteGoalResult struct {
	Code    int
	Message string
}

// OK reports whether the result is a success.
func (r ExecuteGoalResult) OK() bool {
	return r.Code == 0
}

// Success produces a successful result.
func Success(message string) ExecuteGoalResult {
	return ExecuteGoalResult{Code: 0, Message: message}
}

// Failure produces a failing result with the given code.
func Failure(code int, format string, args ...interface{}) ExecuteGoalResult {
	if code == 0 {
		code = 1
	}
	return ExecuteGoalResult{Code: code, Message: fmt.Sprintf(format, args...)}
}

// GoalExecutor is the entry point the dispatcher invokes once a goal has been
// scheduled. Scheduling policy is not this module's concern.
type GoalExecutor interface {
	Execute(ctx context.Context, inv *GoalInvocation) ExecuteGoalResult
}
