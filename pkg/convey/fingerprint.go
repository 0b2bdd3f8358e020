package convey

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Fingerprint is a named computed signature of project content. Fingerprints
// are ephemeral: this core hands them to listeners and persists nothing.
type Fingerprint struct {
	Name  string
	Value string
	Sha   string
}

// Analyzer computes fingerprints from a project snapshot. Analyzers may be
// push-type specific via Applicable.
type Analyzer interface {
	Name() string

	// Applicable reports whether this analyzer applies to the given push.
	Applicable(inv *GoalInvocation) bool

	// Analyze computes this analyzer's fingerprints for the working copy.
	Analyze(ctx context.Context, p *Project) ([]Fingerprint, error)
}

// FingerprintListener receives computed fingerprints. A listener failure is
// isolated: it never affects delivery to other listeners or fingerprints and
// never fails the goal.
type FingerprintListener interface {
	OnFingerprint(ctx context.Context, inv *GoalInvocation, fp Fingerprint) error
}

// FingerprintStep computes all applicable fingerprints for a push and fans
// them out to every listener.
type FingerprintStep struct {
	Access    ProjectAccessor
	Analyzers []Analyzer
	Listeners []FingerprintListener
}

// Execute implements the goal-step contract. With no registered analyzers
// the step succeeds immediately without touching the repository.
func (s *FingerprintStep) Execute(ctx context.Context, inv *GoalInvocation) ExecuteGoalResult {
	if len(s.Analyzers) == 0 {
		return Success("no fingerprint analyzers registered")
	}

	applicable := make([]Analyzer, 0, len(s.Analyzers))
	for _, a := range s.Analyzers {
		if a.Applicable(inv) {
			applicable = append(applicable, a)
		}
	}
	if len(applicable) == 0 {
		return Success("no fingerprint analyzers applicable to this push")
	}

	var fingerprints []Fingerprint
	err := s.Access.WithProject(ctx, AccessOptions{
		Credentials: inv.Credentials,
		Repo:        inv.Repo,
		Sha:         inv.Sha,
		ReadOnly:    true,
		Log:         inv.Log,
	}, func(prj *Project) error {
		var (
			mu sync.Mutex
			eg errgroup.Group
		)
		for _, a := range applicable {
			a := a
			eg.Go(func() error {
				fps, err := a.Analyze(ctx, prj)
				if err != nil {
					return fmt.Errorf("analyzer %s: %w", a.Name(), err)
				}
				mu.Lock()
				defer mu.Unlock()
				fingerprints = append(fingerprints, fps...)
				return nil
			})
		}
		return eg.Wait()
	})
	if err != nil {
		return Failure(1, "cannot fingerprint %s@%s: %v", inv.Repo.Slug(), shortSha(inv.Sha), err)
	}

	failures := s.notifyListeners(ctx, inv, fingerprints)
	for _, f := range failures {
		log.WithError(f).WithField("repo", inv.Repo.Slug()).Warn("fingerprint listener failed")
	}

	msg := fmt.Sprintf("computed %d fingerprints", len(fingerprints))
	if len(failures) > 0 {
		msg = fmt.Sprintf("%s (%d listener notifications failed)", msg, len(failures))
	}
	return Success(msg)
}

// notifyListeners delivers every fingerprint to every listener concurrently.
// Failures are gathered rather than propagated so that one failing listener
// call cannot suppress delivery of the remaining listener/fingerprint pairs.
func (s *FingerprintStep) notifyListeners(ctx context.Context, inv *GoalInvocation, fingerprints []Fingerprint) []error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []error
	)
	for _, l := range s.Listeners {
		for _, fp := range fingerprints {
			l, fp := l, fp
			wg.Add(1)
			go func() {
				defer wg.Done()

				if err := l.OnFingerprint(ctx, inv, fp); err != nil {
					mu.Lock()
					defer mu.Unlock()
					failures = append(failures, fmt.Errorf("fingerprint %s: %w", fp.Name, err))
				}
			}()
		}
	}
	wg.Wait()
	return failures
}
