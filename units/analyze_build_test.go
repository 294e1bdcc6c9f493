package units

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-github/v52/github"
	"github.com/mongodb/amboy"
	"github.com/pkg/errors"
	rla "github.com/rust-lang/rust-log-analyzer"
	"github.com/rust-lang/rust-log-analyzer/analysis"
	"github.com/rust-lang/rust-log-analyzer/ci"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutcome struct {
	finished bool
	passed   bool
}

func (o fakeOutcome) IsFinished() bool { return o.finished }
func (o fakeOutcome) IsPassed() bool   { return o.finished && o.passed }
func (o fakeOutcome) IsFailed() bool   { return o.finished && !o.passed }

type fakeJob struct {
	id      int64
	name    string
	url     string
	outcome ci.Outcome
}

func (f fakeJob) ID() int64           { return f.id }
func (f fakeJob) Name() string        { return f.name }
func (f fakeJob) HTMLURL() string     { return f.url }
func (f fakeJob) LogFileName() string { return fmt.Sprintf("%d.txt", f.id) }
func (f fakeJob) Outcome() ci.Outcome { return f.outcome }

type fakeBuild struct {
	pr      int
	branch  string
	sha     string
	outcome ci.Outcome
	jobs    []ci.Job
}

func (b *fakeBuild) PRNumber() int      { return b.pr }
func (b *fakeBuild) BranchName() string { return b.branch }
func (b *fakeBuild) CommitSHA() string  { return b.sha }
func (b *fakeBuild) Outcome() ci.Outcome {
	return b.outcome
}
func (b *fakeBuild) Jobs() []ci.Job { return b.jobs }

// fakePlatform serves one canned build and its logs, recording which job
// logs were requested.
type fakePlatform struct {
	build   ci.Build
	logs    map[int64][]byte
	queried []int64
}

func (p *fakePlatform) Name() string { return "fake" }
func (p *fakePlatform) BuildIDFromCheckRun(*github.CheckRunEvent) (int64, bool) {
	return 0, false
}
func (p *fakePlatform) BuildIDFromStatus(*github.StatusEvent) (int64, bool) {
	return 0, false
}
func (p *fakePlatform) QueryBuild(context.Context, int64) (ci.Build, error) {
	return p.build, nil
}
func (p *fakePlatform) QueryBuilds(context.Context, int, int, func(ci.Build) bool) ([]ci.Build, error) {
	return nil, errors.New("not implemented")
}
func (p *fakePlatform) QueryLog(_ context.Context, job ci.Job) ([]byte, error) {
	p.queried = append(p.queried, job.ID())
	data, ok := p.logs[job.ID()]
	if !ok {
		return nil, errors.Errorf("no log for job %d", job.ID())
	}
	return data, nil
}

type fakeEnv struct {
	settings *rla.Settings
	platform *fakePlatform
	index    *analysis.Index
	saves    int
}

func newFakeEnv(platform *fakePlatform) *fakeEnv {
	return &fakeEnv{
		settings: &rla.Settings{Repo: "rust-lang/rust", MergedBranch: "auto"},
		platform: platform,
		index:    analysis.NewIndex(),
	}
}

func (e *fakeEnv) Settings() *rla.Settings         { return e.settings }
func (e *fakeEnv) Queue() amboy.Queue              { return nil }
func (e *fakeEnv) Platform() ci.Platform           { return e.platform }
func (e *fakeEnv) ExtractConfig() *analysis.Config { return analysis.DefaultConfig() }

func (e *fakeEnv) WithIndex(fn func(*analysis.Index) error) error { return fn(e.index) }
func (e *fakeEnv) Close(context.Context) error                    { return nil }

func (e *fakeEnv) SaveIndex(context.Context, bool) error {
	e.saves++
	return nil
}

func makeBlock(lines ...string) analysis.Block {
	block := make(analysis.Block, 0, len(lines))
	for _, l := range lines {
		block = append(block, analysis.SanitizedLine(l))
	}
	return block
}

func TestNewAnalyzeBuildJob(t *testing.T) {
	j := NewAnalyzeBuildJob(nil, 8462113, "d1b2c3")
	assert.Equal(t, "analyze-build.8462113.d1b2c3", j.ID())

	impl, ok := j.(*analyzeBuildJob)
	require.True(t, ok)
	assert.EqualValues(t, 8462113, impl.BuildID)
	assert.Equal(t, "d1b2c3", impl.DeliveryID)
	assert.Equal(t, analyzeBuildJobName, impl.Type().Name)
}

func TestResolvePRNumber(t *testing.T) {
	pr, fromBuild := resolvePRNumber(&fakeBuild{pr: 55}, analysis.LogVariables{PRNumber: "123"})
	assert.Equal(t, 55, pr)
	assert.True(t, fromBuild)

	// Numbers recovered from the log belong to merge builds; they must
	// not be treated as a platform association, or the head freshness
	// check would compare the PR head against a merge commit.
	pr, fromBuild = resolvePRNumber(&fakeBuild{}, analysis.LogVariables{PRNumber: "123"})
	assert.Equal(t, 123, pr)
	assert.False(t, fromBuild)

	pr, fromBuild = resolvePRNumber(&fakeBuild{}, analysis.LogVariables{PRNumber: "soon"})
	assert.Zero(t, pr)
	assert.False(t, fromBuild)

	pr, fromBuild = resolvePRNumber(&fakeBuild{}, analysis.LogVariables{})
	assert.Zero(t, pr)
	assert.False(t, fromBuild)
}

func TestRunLearnsFromFailedMergedBranchBuild(t *testing.T) {
	passed := fakeJob{id: 1, name: "dist-x86_64-linux", outcome: fakeOutcome{finished: true, passed: true}}
	platform := &fakePlatform{
		build: &fakeBuild{
			branch:  "auto",
			sha:     "0a1b2c",
			outcome: fakeOutcome{finished: true},
			jobs:    []ci.Job{passed},
		},
		logs: map[int64][]byte{1: []byte("Compiling foo v0.1.0\nDownloading crates ...\n")},
	}
	env := newFakeEnv(platform)

	j := NewAnalyzeBuildJob(env, 77, "delivery-1")
	j.Run(context.Background())

	require.NoError(t, j.Error())
	assert.Positive(t, env.index.Len())
	assert.Equal(t, 1, env.saves)
}

func TestLearnFromBuildOnlyReadsPassedJobs(t *testing.T) {
	passed := fakeJob{id: 1, name: "ok", outcome: fakeOutcome{finished: true, passed: true}}
	failed := fakeJob{id: 2, name: "bad", outcome: fakeOutcome{finished: true}}
	build := &fakeBuild{
		branch:  "auto",
		outcome: fakeOutcome{finished: true},
		jobs:    []ci.Job{passed, failed},
	}
	platform := &fakePlatform{build: build, logs: map[int64][]byte{1: []byte("Compiling foo v0.1.0\n")}}
	env := newFakeEnv(platform)

	j := NewAnalyzeBuildJob(env, 78, "delivery-2").(*analyzeBuildJob)
	require.NoError(t, j.learnFromBuild(context.Background(), build))

	assert.Equal(t, []int64{1}, platform.queried)
	assert.Positive(t, env.index.Len())
}

func TestLearnFromBuildSkipsOtherBranches(t *testing.T) {
	build := &fakeBuild{
		branch:  "try",
		outcome: fakeOutcome{finished: true, passed: true},
		jobs:    []ci.Job{fakeJob{id: 1, outcome: fakeOutcome{finished: true, passed: true}}},
	}
	platform := &fakePlatform{build: build, logs: map[int64][]byte{1: []byte("log\n")}}
	env := newFakeEnv(platform)

	j := NewAnalyzeBuildJob(env, 79, "delivery-3").(*analyzeBuildJob)
	require.NoError(t, j.learnFromBuild(context.Background(), build))

	assert.Empty(t, platform.queried)
	assert.Zero(t, env.index.Len())
	assert.Zero(t, env.saves)
}

func TestBorsPRNumber(t *testing.T) {
	assert.Equal(t, 12345, borsPRNumber("Auto merge of #12345 - user:branch, r=reviewer"))
	assert.Equal(t, 7, borsPRNumber("Auto merge of #7"))
	assert.Zero(t, borsPRNumber("Rollup merge of #12345 - user:branch"))
	assert.Zero(t, borsPRNumber("fix the thing mentioned in #12345"))
	assert.Zero(t, borsPRNumber(""))
}

func TestParseDebugPost(t *testing.T) {
	repo, issue, err := parseDebugPost("rust-lang/rust#99999")
	require.NoError(t, err)
	assert.Equal(t, "rust-lang/rust", repo)
	assert.Equal(t, 99999, issue)

	for _, value := range []string{"", "rust-lang/rust", "rust-lang/rust#", "rust-lang/rust#zero", "rust-lang/rust#-1"} {
		_, _, err = parseDebugPost(value)
		assert.Error(t, err, value)
	}
}

func TestRenderComment(t *testing.T) {
	cij := fakeJob{name: "x86_64-gnu-llvm", url: "https://github.com/rust-lang/rust/actions/runs/1/job/2"}
	blocks := []analysis.Block{
		makeBlock("error[E0308]: mismatched types", " --> src/lib.rs:4:5"),
		makeBlock("error: aborting due to previous error"),
	}

	t.Run("UsesLogJobName", func(t *testing.T) {
		vars := analysis.LogVariables{JobName: "dist-aarch64-linux"}
		body := renderComment(cij, vars, blocks)
		assert.Contains(t, body, "**`dist-aarch64-linux`**")
		assert.NotContains(t, body, "x86_64-gnu-llvm")
	})

	t.Run("FallsBackToCIJobName", func(t *testing.T) {
		body := renderComment(cij, analysis.LogVariables{}, blocks)
		assert.Contains(t, body, "**`x86_64-gnu-llvm`**")
		assert.Contains(t, body, cij.url)
	})

	t.Run("IncludesBlockLines", func(t *testing.T) {
		body := renderComment(cij, analysis.LogVariables{}, blocks)
		assert.Contains(t, body, "error[E0308]: mismatched types")
		assert.Contains(t, body, "aborting due to previous error")
		assert.Contains(t, body, "<details>")
		assert.Contains(t, body, "</details>")
		assert.NotContains(t, body, truncationNotice)
	})

	t.Run("DocURL", func(t *testing.T) {
		vars := analysis.LogVariables{DocURL: "https://example.com/docs"}
		body := renderComment(cij, vars, blocks)
		assert.Contains(t, body, "(https://example.com/docs)")

		body = renderComment(cij, analysis.LogVariables{}, blocks)
		assert.NotContains(t, body, "documentation")
	})
}

func TestRenderCommentTruncates(t *testing.T) {
	cij := fakeJob{name: "huge"}

	long := strings.Repeat("x", 200)
	var lines []string
	for i := 0; i < 1000; i++ {
		lines = append(lines, long)
	}
	body := renderComment(cij, analysis.LogVariables{}, []analysis.Block{makeBlock(lines...)})

	assert.LessOrEqual(t, len(body), maxCommentLength)
	assert.Contains(t, body, truncationNotice)
	assert.Contains(t, body, "</details>")
}
