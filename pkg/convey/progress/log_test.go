package progress

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMultiplexLogIsolatesFailingSink(t *testing.T) {
	t.Parallel()

	good := &CapturingLog{}
	bad := &CapturingLog{FailWith: errors.New("sink gone")}
	other := &CapturingLog{}
	mux := NewMultiplexLog(good, bad, other)

	for _, line := range []string{"one", "two", "three"} {
		if err := mux.WriteLine(line); err != nil {
			t.Fatalf("WriteLine(%q) returned %v, want nil", line, err)
		}
	}

	expected := []string{"one", "two", "three"}
	if diff := cmp.Diff(expected, good.Lines()); diff != "" {
		t.Errorf("first sink lines mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(expected, other.Lines()); diff != "" {
		t.Errorf("last sink lines mismatch (-want +got):\n%s", diff)
	}
	if len(bad.Lines()) != 0 {
		t.Errorf("failing sink recorded %d lines, want 0", len(bad.Lines()))
	}
}

func TestMultiplexLogSkipsDeadSink(t *testing.T) {
	t.Parallel()

	sink := &CapturingLog{FailWith: errors.New("unavailable")}
	mux := NewMultiplexLog(sink)

	_ = mux.WriteLine("first")
	sink.FailWith = nil
	_ = mux.WriteLine("second")

	// the sink failed once and must not be written to again
	if got := sink.Lines(); len(got) != 0 {
		t.Errorf("dead sink received lines %v, want none", got)
	}
}

func TestWriterLogPrefix(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := NewWriterLog(&buf, "")
	if err := l.WriteLine("hello"); err != nil {
		t.Fatal(err)
	}
	if got, want := buf.String(), "hello\n"; got != want {
		t.Errorf("unexpected output: got %q, want %q", got, want)
	}
}

func TestFileLogAppends(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "progress.log")
	l, err := NewFileLog(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.WriteLine("a"); err != nil {
		t.Fatal(err)
	}
	if err := l.WriteLine("b"); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(content), "a\nb\n"; got != want {
		t.Errorf("unexpected file content: got %q, want %q", got, want)
	}
}
