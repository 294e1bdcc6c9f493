package analysis

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const boilerplate = "Compiling foo v0.1.0"

// testLine carries its input position so extracted blocks can be checked
// against line indexes. Using a pointer type also exercises the extractor
// over a Line implementation other than SanitizedLine.
type testLine struct {
	pos  int
	text string
}

func (l *testLine) Sanitized() []byte { return []byte(l.text) }

// makeLog builds a line slice where every entry equal to boilerplate is
// expected to score zero against an index trained by trainedIndex.
func makeLog(texts ...string) []Line {
	lines := make([]Line, len(texts))
	for i, text := range texts {
		lines[i] = &testLine{pos: i, text: text}
	}
	return lines
}

// repeat appends n copies of text.
func repeat(texts []string, text string, n int) []string {
	for i := 0; i < n; i++ {
		texts = append(texts, text)
	}
	return texts
}

// trainedIndex learns each line often enough that every one of its
// 5-grams exceeds the uniqueness threshold and contributes nothing.
func trainedIndex(lines ...string) *Index {
	idx := NewIndex()
	for _, line := range lines {
		idx.Learn(SanitizedLine(line), 2*DefaultUniqueFivegramMaxIndex)
	}
	return idx
}

func blockPositions(t *testing.T, block Block) []int {
	positions := make([]int, 0, len(block))
	for _, line := range block {
		tl, ok := line.(*testLine)
		require.True(t, ok, "extractor must return the caller's line values")
		positions = append(positions, tl.pos)
	}
	return positions
}

func TestScore(t *testing.T) {
	config := DefaultConfig()

	t.Run("ContributionDropsWithLearnedFrequency", func(t *testing.T) {
		line := SanitizedLine("error[E0382]: use of moved value")
		windows := len(NewIndex().Scores(line))
		require.NotZero(t, windows)

		for _, multiplier := range []uint32{0, 1, 5, 10, 11, 100} {
			idx := NewIndex()
			if multiplier > 0 {
				idx.Learn(line, multiplier)
			}

			perWindow := uint32(0)
			if multiplier <= config.UniqueFivegramMaxIndex {
				perWindow = config.UniqueFivegramMaxIndex - multiplier
			}
			assert.Equal(t, uint32(windows)*perWindow, Score(config, idx, line),
				"multiplier %d", multiplier)
		}
	})

	t.Run("FewerThanFiveEncodedSymbolsScoresZero", func(t *testing.T) {
		assert.Zero(t, Score(config, NewIndex(), SanitizedLine("ab")))
		assert.Zero(t, Score(config, NewIndex(), SanitizedLine("\x80\x81\x82\x83\x84\x85")))
		assert.Zero(t, Score(config, NewIndex(), SanitizedLine("")))
	})
}

func TestConfigValidate(t *testing.T) {
	t.Run("DefaultIsValid", func(t *testing.T) {
		assert.NoError(t, DefaultConfig().Validate())
	})

	t.Run("ContextMustBeSmallerThanMergeDistance", func(t *testing.T) {
		config := DefaultConfig()
		config.ContextLines = config.BlockMergeDistance
		assert.Error(t, config.Validate())
	})

	t.Run("ExtractSurfacesConfigErrorsBeforeProcessing", func(t *testing.T) {
		config := DefaultConfig()
		config.ContextLines = config.BlockMergeDistance + 1
		blocks, err := Extract(config, NewIndex(), makeLog("anything"))
		assert.Error(t, err)
		assert.Nil(t, blocks)
	})
}

func TestExtractSingleAnomalousLine(t *testing.T) {
	idx := trainedIndex(boilerplate)
	config := DefaultConfig()

	texts := repeat(nil, boilerplate, 20)
	texts = append(texts, "error[E0382]: use of moved value")
	lines := makeLog(texts...)

	blocks, err := Extract(config, idx, lines)
	require.NoError(t, err)
	require.Len(t, blocks, 1)

	positions := blockPositions(t, blocks[0])
	assert.Equal(t, []int{16, 17, 18, 19, 20}, positions,
		"the error line plus its leading context, not the 20 repeated lines")
}

func TestExtractEmptyAndQuietInputs(t *testing.T) {
	idx := trainedIndex(boilerplate)

	blocks, err := Extract(DefaultConfig(), idx, nil)
	require.NoError(t, err)
	assert.Empty(t, blocks)

	blocks, err = Extract(DefaultConfig(), idx, makeLog(repeat(nil, boilerplate, 40)...))
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestExtractTrailingContext(t *testing.T) {
	idx := trainedIndex(boilerplate)

	texts := repeat(nil, boilerplate, 9)
	texts = append(texts, "thread 'main' panicked at src/lib.rs:42")
	texts = repeat(texts, boilerplate, 10)

	blocks, err := Extract(DefaultConfig(), idx, makeLog(texts...))
	require.NoError(t, err)
	require.Len(t, blocks, 1)

	// Leading context 5..8, the anomaly at 9, then the trailing budget
	// consumes the lines after the separator that closed the block.
	assert.Equal(t, []int{5, 6, 7, 8, 9, 11, 12, 13, 14}, blockPositions(t, blocks[0]))
}

func TestExtractMergesNearbySections(t *testing.T) {
	idx := trainedIndex(boilerplate)

	texts := repeat(nil, boilerplate, 9)
	texts = append(texts, "error: linking with `cc` failed")   // 9
	texts = repeat(texts, boilerplate, 8)                      // 10..17
	texts = append(texts, "undefined reference to `foo_init`") // 18
	texts = repeat(texts, boilerplate, 2)

	blocks, err := Extract(DefaultConfig(), idx, makeLog(texts...))
	require.NoError(t, err)
	require.Len(t, blocks, 1, "sections within the merge distance join into one block")

	positions := blockPositions(t, blocks[0])
	assert.Contains(t, positions, 9)
	assert.Contains(t, positions, 18)
}

func TestExtractSeparatesDistantSections(t *testing.T) {
	idx := trainedIndex(boilerplate)

	texts := repeat(nil, boilerplate, 9)
	texts = append(texts, "error: linking with `cc` failed")   // 9
	texts = repeat(texts, boilerplate, 15)                     // 10..24
	texts = append(texts, "undefined reference to `foo_init`") // 25
	texts = repeat(texts, boilerplate, 2)

	blocks, err := Extract(DefaultConfig(), idx, makeLog(texts...))
	require.NoError(t, err)
	require.Len(t, blocks, 2, "sections past the merge distance stay separate")

	first := blockPositions(t, blocks[0])
	second := blockPositions(t, blocks[1])
	assert.Contains(t, first, 9)
	assert.Contains(t, second, 25)

	// Blocks come back in input order and never overlap.
	assert.Less(t, first[len(first)-1], second[0])
}

func TestExtractIgnoreSpans(t *testing.T) {
	idx := trainedIndex(boilerplate)

	config := DefaultConfig()
	config.Ignore = NewIgnoreSet([]IgnorePattern{
		{Start: "Fetching submodule", End: "submodules updated"},
	})

	t.Run("SpanContentIsExcludedRegardlessOfScore", func(t *testing.T) {
		texts := repeat(nil, boilerplate, 9)
		texts = append(texts, "Fetching submodule src/llvm-project")
		for i := 0; i < 50; i++ {
			texts = append(texts, fmt.Sprintf("wildly novel line %04d never learned", i))
		}
		texts = append(texts, "all submodules updated in 4.2s")
		texts = repeat(texts, boilerplate, 5)

		blocks, err := Extract(config, idx, makeLog(texts...))
		require.NoError(t, err)
		assert.Empty(t, blocks)
	})

	t.Run("IgnoreStartFlushesTheActiveBlock", func(t *testing.T) {
		texts := repeat(nil, boilerplate, 9)
		texts = append(texts, "error: build script failed to run") // 9
		texts = append(texts, "Fetching submodule src/doc/book")   // 10
		texts = append(texts, "some very novel noise inside the span")
		texts = append(texts, "all submodules updated in 1.0s")
		texts = repeat(texts, boilerplate, 3)

		blocks, err := Extract(config, idx, makeLog(texts...))
		require.NoError(t, err)
		require.Len(t, blocks, 1)
		assert.Equal(t, []int{5, 6, 7, 8, 9}, blockPositions(t, blocks[0]))
	})

	t.Run("ExtractionResumesAfterTheSpan", func(t *testing.T) {
		texts := repeat(nil, boilerplate, 9)
		texts = append(texts, "Fetching submodule src/llvm-project")   // 9
		texts = append(texts, "all submodules updated in 4.2s")        // 10
		texts = repeat(texts, boilerplate, 9)                          // 11..19
		texts = append(texts, "error: aborting due to previous error") // 20
		texts = repeat(texts, boilerplate, 2)

		blocks, err := Extract(config, idx, makeLog(texts...))
		require.NoError(t, err)
		require.Len(t, blocks, 1)
		assert.Contains(t, blockPositions(t, blocks[0]), 20)
	})
}

func TestExtractTruncatesOverlongBlocks(t *testing.T) {
	idx := trainedIndex(boilerplate)

	config := DefaultConfig()
	config.BlockMaxLines = 5

	texts := repeat(nil, boilerplate, 9)
	for i := 0; i < 30; i++ {
		texts = append(texts, fmt.Sprintf("completely novel failure output %04d", i))
	}
	lines := makeLog(texts...)

	blocks, err := Extract(config, idx, lines)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Len(t, blocks[0], config.BlockMaxLines)

	// Truncation keeps the leading lines.
	assert.Equal(t, []int{5, 6, 7, 8, 9}, blockPositions(t, blocks[0]))
}
