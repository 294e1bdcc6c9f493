// Package ci abstracts the CI providers the analyzer can watch. Each
// platform maps GitHub webhook events to build ids, resolves builds and
// their jobs, and downloads per-job logs; everything else in the system is
// provider-agnostic.
package ci

import (
	"context"

	"github.com/google/go-github/v52/github"
)

// userAgent identifies the analyzer to CI providers.
const userAgent = "rust-ops/rust-log-analyzer"

// Outcome describes where a build or job ended up.
type Outcome interface {
	IsFinished() bool
	IsPassed() bool
	IsFailed() bool
}

// Build is one CI build (a workflow run, a pipeline run) with its jobs.
type Build interface {
	// PRNumber returns the pull request that triggered the build, or
	// zero when the platform cannot tell (the log variables fallback
	// applies then).
	PRNumber() int
	BranchName() string
	CommitSHA() string
	Outcome() Outcome
	Jobs() []Job
}

// Job is a single unit of a build with its own log.
type Job interface {
	ID() int64
	Name() string
	HTMLURL() string
	LogFileName() string
	Outcome() Outcome
}

// Platform is a CI provider client.
type Platform interface {
	Name() string

	// BuildIDFromCheckRun extracts this platform's build id from a
	// check_run webhook event, reporting false for events belonging to
	// other apps.
	BuildIDFromCheckRun(event *github.CheckRunEvent) (int64, bool)

	// BuildIDFromStatus does the same for legacy commit status events.
	BuildIDFromStatus(event *github.StatusEvent) (int64, bool)

	QueryBuild(ctx context.Context, id int64) (Build, error)

	// QueryBuilds lists recent builds, newest first, keeping those the
	// filter accepts. Used by the offline bulk downloader.
	QueryBuilds(ctx context.Context, count, offset int, filter func(Build) bool) ([]Build, error)

	// QueryLog downloads the raw log bytes for one job.
	QueryLog(ctx context.Context, job Job) ([]byte, error)
}
