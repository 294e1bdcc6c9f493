package analysis

import (
	"encoding/binary"
	"io"
	"math"
	"sort"

	"github.com/pkg/errors"
)

// Line is anything that can expose the sanitized bytes of one log line.
// Both owned buffers (learning) and zero-copy views into a downloaded log
// (serving) satisfy it.
type Line interface {
	Sanitized() []byte
}

// SanitizedLine wraps an already-sanitized byte buffer as a Line.
type SanitizedLine []byte

func (l SanitizedLine) Sanitized() []byte { return l }

// Index is the learned frequency model: a mapping from 5-gram id to the
// number of times it was observed in logs presumed successful. Counts only
// grow, saturating at the maximum, and are never removed except by
// rebuilding the index from scratch.
//
// Index is not safe for concurrent use; callers serialize access.
type Index struct {
	counts map[uint32]uint32
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{counts: map[uint32]uint32{}}
}

// Learn increments the count of every 5-gram in the line by multiplier,
// saturating at the counter maximum. A line with fewer than five encoded
// symbols is a no-op.
func (idx *Index) Learn(line Line, multiplier uint32) {
	for _, id := range ngramIDs(encode(line)) {
		current := idx.counts[id]
		if current > math.MaxUint32-multiplier {
			idx.counts[id] = math.MaxUint32
		} else {
			idx.counts[id] = current + multiplier
		}
	}
}

// Scores returns the learned count for every 5-gram of the line, in line
// order, with zero for ids never learned.
func (idx *Index) Scores(line Line) []uint32 {
	ids := ngramIDs(encode(line))
	scores := make([]uint32, len(ids))
	for i, id := range ids {
		scores[i] = idx.counts[id]
	}
	return scores
}

// Len returns the number of distinct 5-gram ids learned.
func (idx *Index) Len() int { return len(idx.counts) }

// Serialized index format: an eight-byte magic, a format version, the
// entry count, then (id, count) pairs sorted by id, all little-endian.
// The version check keeps an old binary from silently misreading a newer
// index.
var indexMagic = [8]byte{'r', 'l', 'a', 'i', 'n', 'd', 'e', 'x'}

const indexFormatVersion uint32 = 1

// ErrIndexVersion reports a well-formed index written by an incompatible
// format version.
var ErrIndexVersion = errors.New("incompatible index format version")

// WriteTo serializes the index. The output is deterministic for a given
// set of counts.
func (idx *Index) WriteTo(w io.Writer) (int64, error) {
	ids := make([]uint32, 0, len(idx.counts))
	for id := range idx.counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	buf := make([]byte, 0, len(indexMagic)+8+8*len(ids))
	buf = append(buf, indexMagic[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, indexFormatVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ids)))
	for _, id := range ids {
		buf = binary.LittleEndian.AppendUint32(buf, id)
		buf = binary.LittleEndian.AppendUint32(buf, idx.counts[id])
	}

	n, err := w.Write(buf)
	return int64(n), errors.Wrap(err, "writing index")
}

// ReadIndex deserializes an index written by WriteTo.
func ReadIndex(r io.Reader) (*Index, error) {
	var header [16]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, errors.Wrap(err, "reading index header")
	}
	if [8]byte(header[:8]) != indexMagic {
		return nil, errors.New("not an index file (bad magic)")
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != indexFormatVersion {
		return nil, errors.Wrapf(ErrIndexVersion, "found version %d, support version %d", version, indexFormatVersion)
	}

	// The entry count comes from the file, so it cannot be trusted for
	// allocation sizing: read in bounded chunks and let a short read
	// surface truncation instead of reserving gigabytes up front.
	const entryChunk = 1 << 16
	numEntries := int(binary.LittleEndian.Uint32(header[12:16]))
	idx := &Index{counts: make(map[uint32]uint32, min(numEntries, entryChunk))}
	buf := make([]byte, 8*min(numEntries, entryChunk))
	for remaining := numEntries; remaining > 0; {
		chunk := buf[:8*min(remaining, entryChunk)]
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, errors.Wrap(err, "reading index entries (truncated index?)")
		}
		for off := 0; off < len(chunk); off += 8 {
			id := binary.LittleEndian.Uint32(chunk[off : off+4])
			count := binary.LittleEndian.Uint32(chunk[off+4 : off+8])
			idx.counts[id] = count
		}
		remaining -= len(chunk) / 8
	}
	return idx, nil
}
