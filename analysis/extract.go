package analysis

import (
	"github.com/mongodb/grip"
	"github.com/pkg/errors"
)

// Default extraction thresholds.
const (
	DefaultUniqueFivegramMaxIndex = 10
	DefaultBlockMergeDistance     = 8
	DefaultBlockSeparatorMaxScore = 0
	DefaultUniqueLineMinScore     = 50
	DefaultBlockMaxLines          = 500
	DefaultContextLines           = 4
)

// Config carries the extraction thresholds and the compiled ignore-span
// table. It is read-only during extraction.
type Config struct {
	// UniqueFivegramMaxIndex is the learned count above which a 5-gram
	// is considered ordinary and contributes nothing to a line's score.
	UniqueFivegramMaxIndex uint32

	// BlockMergeDistance is the largest gap, in lines, between two
	// anomalous sections that still merges them into one block.
	BlockMergeDistance int

	// BlockSeparatorMaxScore is the score at or below which a line
	// counts as boilerplate separating blocks.
	BlockSeparatorMaxScore uint32

	// UniqueLineMinScore is the score at which a candidate section is
	// confirmed as genuinely anomalous.
	UniqueLineMinScore uint32

	// BlockMaxLines bounds the size of a reported block; overlong
	// blocks keep their leading lines.
	BlockMaxLines int

	// ContextLines is the number of boilerplate lines captured before
	// and after a block for readability. Must be smaller than
	// BlockMergeDistance.
	ContextLines int

	Ignore *IgnoreSet
}

// DefaultConfig returns the tuned default configuration.
func DefaultConfig() *Config {
	return &Config{
		UniqueFivegramMaxIndex: DefaultUniqueFivegramMaxIndex,
		BlockMergeDistance:     DefaultBlockMergeDistance,
		BlockSeparatorMaxScore: DefaultBlockSeparatorMaxScore,
		UniqueLineMinScore:     DefaultUniqueLineMinScore,
		BlockMaxLines:          DefaultBlockMaxLines,
		ContextLines:           DefaultContextLines,
		Ignore:                 DefaultIgnoreSet(),
	}
}

// Validate rejects configurations the extractor cannot run with. The
// context/merge-distance invariant is what guarantees a block's leading
// context can never reach back into the previous block: a section close
// enough for its context to overlap is close enough to merge instead.
func (c *Config) Validate() error {
	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(c.BlockMergeDistance < 0, "block merge distance cannot be negative")
	catcher.NewWhen(c.BlockMaxLines <= 0, "block max lines must be positive")
	catcher.NewWhen(c.ContextLines < 0, "context lines cannot be negative")
	catcher.ErrorfWhen(c.ContextLines >= c.BlockMergeDistance,
		"context lines (%d) must be smaller than block merge distance (%d)",
		c.ContextLines, c.BlockMergeDistance)
	return catcher.Resolve()
}

// Score sums, over every 5-gram window of the line, how far the window's
// learned count falls below the uniqueness threshold. Text never seen in
// successful logs accumulates a high score; boilerplate scores near zero.
func Score(config *Config, index *Index, line Line) uint32 {
	var total uint32
	for _, count := range index.Scores(line) {
		if count <= config.UniqueFivegramMaxIndex {
			total += config.UniqueFivegramMaxIndex - count
		}
	}
	return total
}

// Block is an ordered run of input lines judged collectively anomalous.
// It references the caller's lines; no content is copied.
type Block []Line

type extractState int

const (
	searchingSectionStart extractState = iota
	searchingOutlier
	printing
	ignoring
)

type scoredLine struct {
	line  Line
	score uint32
}

// Extract runs the block extractor over one log's ordered lines and
// returns the extracted blocks in input order. Blocks never overlap and
// never share a line. The only possible error is an invalid
// configuration, reported before any line is processed.
func Extract(config *Config, index *Index, lines []Line) ([]Block, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid extract configuration")
	}

	// Score every line up front so the state machine is a single pass
	// over plain integers.
	scored := make([]scoredLine, len(lines))
	for i, line := range lines {
		scored[i] = scoredLine{line: line, score: Score(config, index, line)}
	}

	var (
		state          = searchingSectionStart
		sectionStart   int
		prevSectionEnd int
		prevEndInBlock bool
		trailingBudget int
		ignoreEnd      int
		active         Block
		blocks         []Block
	)

	// appendTrailing hands a boilerplate line to the most recently
	// closed block while its trailing-context budget lasts.
	appendTrailing := func(i int) {
		if trailingBudget == 0 || len(blocks) == 0 {
			return
		}
		blocks[len(blocks)-1] = append(blocks[len(blocks)-1], scored[i].line)
		trailingBudget--
		prevSectionEnd = i
		prevEndInBlock = true
	}

	for i := 0; i < len(scored); i++ {
		if state != ignoring {
			if pattern := config.Ignore.matchStart(scored[i].line.Sanitized()); pattern >= 0 {
				if len(active) > 0 {
					blocks = append(blocks, active)
					active = nil
				}
				trailingBudget = 0
				ignoreEnd = pattern
				state = ignoring
				continue
			}
		}

		if state == ignoring {
			if config.Ignore.endMatches(ignoreEnd, scored[i].line.Sanitized()) {
				state = searchingSectionStart
			}
			continue
		}

		if state == searchingSectionStart {
			if scored[i].score > config.BlockSeparatorMaxScore {
				state = searchingOutlier
				sectionStart = i
			} else {
				appendTrailing(i)
				continue
			}
		}

		if state == searchingOutlier {
			if scored[i].score <= config.BlockSeparatorMaxScore {
				// The candidate section fizzled out before
				// reaching genuine novelty.
				state = searchingSectionStart
				appendTrailing(i)
				continue
			}

			if scored[i].score < config.UniqueLineMinScore {
				continue
			}

			// Confirmed. Either reopen the previous block, if the
			// gap is small enough to merge, or start fresh with
			// leading context.
			var start int
			if prevSectionEnd+config.BlockMergeDistance >= sectionStart {
				if len(blocks) > 0 {
					active = blocks[len(blocks)-1]
					blocks = blocks[:len(blocks)-1]
				}
				start = prevSectionEnd
				if prevEndInBlock {
					start = prevSectionEnd + 1
				}
			} else {
				start = sectionStart - config.ContextLines
				if start < 0 {
					start = 0
				}
			}

			for j := start; j < i; j++ {
				active = append(active, scored[j].line)
			}
			state = printing
		}

		if state == printing {
			if scored[i].score <= config.BlockSeparatorMaxScore {
				if len(active) > 0 {
					blocks = append(blocks, active)
					active = nil
				}
				prevSectionEnd = i
				prevEndInBlock = false
				trailingBudget = config.ContextLines
				state = searchingSectionStart
			} else {
				active = append(active, scored[i].line)
			}
		}
	}

	if len(active) > 0 {
		blocks = append(blocks, active)
	}

	out := blocks[:0]
	for _, block := range blocks {
		if len(block) == 0 {
			continue
		}
		if len(block) > config.BlockMaxLines {
			block = block[:config.BlockMaxLines]
		}
		out = append(out, block)
	}
	return out, nil
}
