package convey

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/convey-ci/convey/pkg/convey/progress"
)

// CommandSpec describes a single external command of a pipeline.
type CommandSpec struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

func (s CommandSpec) String() string {
	return strings.Join(append([]string{s.Name}, s.Args...), " ")
}

// CommandResult is the outcome of one command. ExitCode zero means success.
type CommandResult struct {
	ExitCode int
	Message  string
}

// OK reports whether the command succeeded.
func (r CommandResult) OK() bool {
	return r.ExitCode == 0
}

// Runner executes external commands, streaming their output into a progress
// log. It exists as an interface so pipelines can be tested without spawning
// processes.
type Runner interface {
	Run(ctx context.Context, spec CommandSpec, plog progress.Log) CommandResult
}

// NewRunner produces the Runner backed by os/exec.
func NewRunner() Runner {
	return execRunner{}
}

type execRunner struct{}

// Run executes the command with working directory spec.Dir, wiring stdout and
// stderr into the progress log line by line.
func (execRunner) Run(ctx context.Context, spec CommandSpec, plog progress.Log) CommandResult {
	log.WithField("command", spec.String()).WithField("dir", spec.Dir).Debug("running")
	_ = plog.WriteLine(fmt.Sprintf("> %s", spec.String()))

	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)

	stdout := &logStream{L: plog}
	stderr := &logStream{L: plog, IsErr: true}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()

	if err == nil {
		return CommandResult{ExitCode: 0}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return CommandResult{
			ExitCode: exitErr.ExitCode(),
			Message:  fmt.Sprintf("%s exited with code %d", spec.Name, exitErr.ExitCode()),
		}
	}
	return CommandResult{ExitCode: 1, Message: fmt.Sprintf("cannot run %s: %v", spec.Name, err)}
}

// RunSequence executes the commands strictly in order, stopping at the first
// non-zero exit. The returned result is that of the failing command, or a
// zero result if all commands succeeded.
func RunSequence(ctx context.Context, r Runner, plog progress.Log, specs ...CommandSpec) CommandResult {
	for _, spec := range specs {
		res := r.Run(ctx, spec, plog)
		if !res.OK() {
			_ = plog.WriteLine(fmt.Sprintf("step failed: %s (exit code %d)", spec.String(), res.ExitCode))
			return res
		}
	}
	return CommandResult{ExitCode: 0}
}

// logStream adapts a progress.Log to an io.Writer, splitting the subprocess
// output stream into lines.
type logStream struct {
	L     progress.Log
	IsErr bool

	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *logStream) Write(p []byte) (n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Write(p)
	for {
		line, err := s.buf.ReadString('\n')
		if err != nil {
			// incomplete line, keep it buffered for the next write
			s.buf.WriteString(line)
			break
		}
		s.emit(strings.TrimRight(line, "\n"))
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (s *logStream) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buf.Len() == 0 {
		return
	}
	s.emit(strings.TrimRight(s.buf.String(), "\n"))
	s.buf.Reset()
}

func (s *logStream) emit(line string) {
	if s.IsErr {
		line = "! " + line
	}
	_ = s.L.WriteLine(line)
}
