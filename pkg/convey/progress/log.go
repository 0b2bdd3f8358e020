// Package progress provides the append-only progress log sinks a goal
// invocation writes to while it runs.
//
// Implementers beware: Write is called in the hotpath of subprocess output
// streaming. Blocking in a sink blocks the goal.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gookit/color"
	"github.com/segmentio/textio"
	log "github.com/sirupsen/logrus"
)

// Log is an append-only sink for goal progress lines.
type Log interface {
	// WriteLine appends a single line to the log. The line must not contain
	// a trailing newline.
	WriteLine(line string) error

	// Close releases any resources held by the log.
	Close() error
}

// exclusiveWriter makes a writer an exclusive resource by protecting Write
// calls with a mutex.
type exclusiveWriter struct {
	O  io.Writer
	mu sync.Mutex
}

func (w *exclusiveWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.O.Write(p)
}

// WriterLog writes progress lines to an io.Writer, prefixing every line with
// the goal's name.
type WriterLog struct {
	out io.Writer
}

// NewWriterLog produces a log writing to out. Every line carries the given
// prefix, rendered the same way for multi-line writes.
func NewWriterLog(out io.Writer, prefix string) *WriterLog {
	if prefix != "" {
		out = textio.NewPrefixWriter(out, color.Gray.Render(fmt.Sprintf("[%s] ", prefix)))
	}
	return &WriterLog{out: &exclusiveWriter{O: out}}
}

// NewConsoleLog produces a log writing to stdout.
func NewConsoleLog(prefix string) *WriterLog {
	return NewWriterLog(os.Stdout, prefix)
}

// WriteLine implements Log.
func (l *WriterLog) WriteLine(line string) error {
	_, err := io.WriteString(l.out, line+"\n")
	return err
}

// Close implements Log.
func (l *WriterLog) Close() error {
	if c, ok := l.out.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// FileLog appends progress lines to a file on disk.
type FileLog struct {
	f  *os.File
	mu sync.Mutex
}

// NewFileLog opens (or creates) the file at path for appending.
func NewFileLog(path string) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("cannot open progress log %s: %w", path, err)
	}
	return &FileLog{f: f}, nil
}

// WriteLine implements Log.
func (l *FileLog) WriteLine(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.f.WriteString(line + "\n")
	return err
}

// Close implements Log.
func (l *FileLog) Close() error {
	return l.f.Close()
}

// Discard is a Log that drops everything written to it.
var Discard Log = discardLog{}

type discardLog struct{}

func (discardLog) WriteLine(string) error { return nil }
func (discardLog) Close() error           { return nil }

// MultiplexLog fans every line out to several backing sinks. A failing sink
// never fails the overall write and never stops delivery to its siblings.
// A sink that keeps failing is reported once and skipped from then on, so a
// dead external log service degrades the invocation to its remaining sinks
// instead of stalling it.
type MultiplexLog struct {
	mu    sync.Mutex
	sinks []*multiplexedSink
}

type multiplexedSink struct {
	log  Log
	dead bool
}

// NewMultiplexLog produces a multiplexing log over the given sinks.
func NewMultiplexLog(sinks ...Log) *MultiplexLog {
	res := &MultiplexLog{sinks: make([]*multiplexedSink, len(sinks))}
	for i, s := range sinks {
		res.sinks[i] = &multiplexedSink{log: s}
	}
	return res
}

// WriteLine implements Log. It always reports success; per-sink failures are
// logged and isolated.
func (m *MultiplexLog) WriteLine(line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sinks {
		if s.dead {
			continue
		}
		if err := s.log.WriteLine(line); err != nil {
			s.dead = true
			log.WithError(err).Warn("progress log sink failed - continuing without it")
		}
	}
	return nil
}

// Close closes all backing sinks, returning the first error encountered.
func (m *MultiplexLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ferr error
	for _, s := range m.sinks {
		if err := s.log.Close(); err != nil && ferr == nil {
			ferr = err
		}
	}
	return ferr
}
