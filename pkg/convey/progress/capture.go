package progress

import "sync"

// CapturingLog records every line written to it. It is used by tests across
// this module and by log-interpreting build backends that need to inspect
// output after the fact.
type CapturingLog struct {
	mu    sync.Mutex
	lines []string

	// FailWith, when set, is returned by every subsequent WriteLine call.
	FailWith error
}

// WriteLine implements Log.
func (c *CapturingLog) WriteLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.FailWith != nil {
		return c.FailWith
	}
	c.lines = append(c.lines, line)
	return nil
}

// Close implements Log.
func (c *CapturingLog) Close() error { return nil }

// Lines returns a copy of everything written so far.
func (c *CapturingLog) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := make([]string, len(c.lines))
	copy(res, c.lines)
	return res
}
