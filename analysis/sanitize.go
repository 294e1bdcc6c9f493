// Package analysis implements the log analysis core: sanitization of raw
// log bytes, the learned n-gram frequency index, per-line novelty scoring,
// and the streaming block extractor.
//
// Everything in this package is a pure function of its inputs except
// Index.Learn; nothing here performs I/O, and every entry point accepts
// arbitrary, possibly invalid byte content without panicking.
package analysis

import (
	"bytes"
	"unicode"
	"unicode/utf8"
)

const escape = 0x1b

// SplitLines splits raw log bytes on carriage-return/line-feed runs,
// discarding segments that are empty or consist entirely of whitespace.
// The returned slices alias data.
func SplitLines(data []byte) [][]byte {
	lines := bytes.FieldsFunc(data, func(r rune) bool {
		return r == '\r' || r == '\n'
	})

	out := lines[:0]
	for _, line := range lines {
		if !isAllWhitespace(line) {
			out = append(out, line)
		}
	}
	return out
}

func isAllWhitespace(line []byte) bool {
	for _, b := range line {
		switch b {
		case ' ', '\t', '\f':
		default:
			return false
		}
	}
	return true
}

// Clean normalizes one raw log line:
//
//   - removes ANSI escape sequences, matching an ESC byte through the
//     first following ASCII letter (a best-effort match that covers
//     everything CI providers emit in practice);
//   - replaces every Unicode whitespace code point with a single ASCII
//     space;
//   - deletes every Unicode control code point.
//
// The escape pass runs first: escape sequences may contain bytes that
// would otherwise be mangled by the whitespace and control passes. Bytes
// that are not valid UTF-8 are passed through untouched. Clean is
// idempotent and always returns a fresh buffer.
func Clean(data []byte) []byte {
	data = stripEscapes(data)

	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			// Opaque non-UTF-8 byte, keep as-is.
			out = append(out, data[i])
			i++
			continue
		}

		switch {
		case unicode.IsSpace(r):
			out = append(out, ' ')
		case unicode.IsControl(r):
		default:
			out = append(out, data[i:i+size]...)
		}
		i += size
	}
	return out
}

// stripEscapes drops ESC through the first subsequent ASCII letter. An ESC
// with no following letter is left in place for the control pass to
// remove.
func stripEscapes(data []byte) []byte {
	if bytes.IndexByte(data, escape) < 0 {
		return data
	}

	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] != escape {
			out = append(out, data[i])
			continue
		}

		end := -1
		for j := i + 1; j < len(data); j++ {
			if isASCIILetter(data[j]) {
				end = j
				break
			}
		}
		if end < 0 {
			out = append(out, data[i:]...)
			break
		}
		i = end
	}
	return out
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// SanitizeLines splits raw log bytes and cleans every surviving line,
// producing the Line values the index and the extractor consume.
func SanitizeLines(data []byte) []Line {
	raw := SplitLines(data)
	lines := make([]Line, 0, len(raw))
	for _, l := range raw {
		lines = append(lines, SanitizedLine(Clean(l)))
	}
	return lines
}
