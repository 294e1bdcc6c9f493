package analysis

import "bytes"

// IgnorePattern delimits a span of log lines that is excluded from
// extraction no matter how its lines score. Operators use these to
// suppress known-noisy, non-deterministic regions such as environment
// dumps, submodule checkouts, and dependency downloads.
type IgnorePattern struct {
	// Start is a plain phrase; a line containing it opens the span.
	Start string
	// End is the phrase whose first occurrence closes the span opened
	// by Start.
	End string
}

// IgnoreSet is a compiled, immutable set of ignore patterns. Build one
// once at startup and share it; the zero/nil set matches nothing.
type IgnoreSet struct {
	starts [][]byte
	ends   [][]byte
}

// NewIgnoreSet compiles the pattern table for matching.
func NewIgnoreSet(patterns []IgnorePattern) *IgnoreSet {
	set := &IgnoreSet{
		starts: make([][]byte, len(patterns)),
		ends:   make([][]byte, len(patterns)),
	}
	for i, p := range patterns {
		set.starts[i] = []byte(p.Start)
		set.ends[i] = []byte(p.End)
	}
	return set
}

// defaultIgnorePatterns is the built-in table. It is currently empty: all
// previously suppressed CI regions have been fixed upstream to produce
// deterministic output. The mechanism stays wired so entries can be added
// without touching the extractor.
var defaultIgnorePatterns = []IgnorePattern{}

// DefaultIgnoreSet returns the compiled built-in pattern table.
func DefaultIgnoreSet() *IgnoreSet {
	return NewIgnoreSet(defaultIgnorePatterns)
}

// matchStart returns the id of the first pattern whose start phrase
// occurs in the line, or -1.
func (s *IgnoreSet) matchStart(line []byte) int {
	if s == nil {
		return -1
	}
	for i, phrase := range s.starts {
		if bytes.Contains(line, phrase) {
			return i
		}
	}
	return -1
}

// endMatches reports whether the line closes the span opened by the
// pattern with the given id.
func (s *IgnoreSet) endMatches(pattern int, line []byte) bool {
	return bytes.Contains(line, s.ends[pattern])
}
