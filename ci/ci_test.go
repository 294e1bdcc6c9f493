package ci

import (
	"testing"

	"github.com/google/go-github/v52/github"
	"github.com/stretchr/testify/assert"
)

const testActionsAppID int64 = 15368

func checkRunEvent(appID int64, detailsURL, externalID string) *github.CheckRunEvent {
	return &github.CheckRunEvent{
		CheckRun: &github.CheckRun{
			DetailsURL: github.String(detailsURL),
			ExternalID: github.String(externalID),
			App:        &github.App{ID: github.Int64(appID)},
		},
	}
}

func TestActionsBuildIDFromCheckRun(t *testing.T) {
	p := NewActionsPlatform("token", "rust-lang/rust", testActionsAppID)

	t.Run("MatchingApp", func(t *testing.T) {
		event := checkRunEvent(testActionsAppID,
			"https://github.com/rust-lang/rust/actions/runs/8462113/job/23178", "")
		id, ok := p.BuildIDFromCheckRun(event)
		assert.True(t, ok)
		assert.EqualValues(t, 8462113, id)
	})

	t.Run("NonActionsDetailsURL", func(t *testing.T) {
		event := checkRunEvent(testActionsAppID,
			"https://github.com/rust-lang/rust/pull/1234", "")
		_, ok := p.BuildIDFromCheckRun(event)
		assert.False(t, ok)
	})

	t.Run("OtherAppIgnored", func(t *testing.T) {
		event := checkRunEvent(99,
			"https://github.com/rust-lang/rust/actions/runs/8462113", "")
		_, ok := p.BuildIDFromCheckRun(event)
		assert.False(t, ok)
	})

	t.Run("StatusEventsNeverMatch", func(t *testing.T) {
		_, ok := p.BuildIDFromStatus(&github.StatusEvent{
			Context:   github.String("continuous-integration"),
			TargetURL: github.String("https://example.com"),
		})
		assert.False(t, ok)
	})
}

func TestAzureBuildIDExtraction(t *testing.T) {
	p := NewAzurePipelines("rust-lang", "rust")

	t.Run("CheckRunExternalID", func(t *testing.T) {
		id, ok := p.BuildIDFromCheckRun(checkRunEvent(491, "", "0aa4e077|123456|deadbeef"))
		assert.True(t, ok)
		assert.EqualValues(t, 123456, id)

		_, ok = p.BuildIDFromCheckRun(checkRunEvent(491, "", "no-separator"))
		assert.False(t, ok)
	})

	t.Run("StatusTargetURL", func(t *testing.T) {
		id, ok := p.BuildIDFromStatus(&github.StatusEvent{
			Context:   github.String("rust-lang.rust (azure pipelines)"),
			TargetURL: github.String("https://dev.azure.com/rust-lang/rust/_build/results?buildId=7781&view=results"),
		})
		assert.True(t, ok)
		assert.EqualValues(t, 7781, id)
	})

	t.Run("NonAzureContextIgnored", func(t *testing.T) {
		_, ok := p.BuildIDFromStatus(&github.StatusEvent{
			Context:   github.String("homu"),
			TargetURL: github.String("https://example.com?buildId=1"),
		})
		assert.False(t, ok)
	})
}

func TestGithubOutcome(t *testing.T) {
	assert.False(t, githubOutcome{status: "in_progress"}.IsFinished())
	assert.True(t, githubOutcome{status: "completed", conclusion: "success"}.IsPassed())
	assert.False(t, githubOutcome{status: "completed", conclusion: "success"}.IsFailed())
	assert.True(t, githubOutcome{status: "completed", conclusion: "failure"}.IsFailed())
	assert.False(t, githubOutcome{status: "completed", conclusion: "cancelled"}.IsFailed())
	assert.False(t, githubOutcome{status: "in_progress", conclusion: "success"}.IsPassed())
}

func TestSanitizeFileName(t *testing.T) {
	assert.Equal(t, "x86_64-gnu-llvm-17", sanitizeFileName("x86_64-gnu-llvm-17"))
	assert.Equal(t, "PR_mingw-check_1", sanitizeFileName("PR / mingw-check (1"))
}
