package units

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mongodb/amboy"
	"github.com/mongodb/amboy/job"
	"github.com/mongodb/amboy/registry"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	rla "github.com/rust-lang/rust-log-analyzer"
	"github.com/rust-lang/rust-log-analyzer/analysis"
	"github.com/rust-lang/rust-log-analyzer/ci"
	"github.com/rust-lang/rust-log-analyzer/thirdparty"
)

const analyzeBuildJobName = "analyze-build"

// bors merge commits are titled "Auto merge of #NNNNN - branch, r=reviewer".
var borsMergePattern = regexp.MustCompile(`^Auto merge of #(\d+)`)

func init() {
	registry.AddJobType(analyzeBuildJobName, func() amboy.Job {
		return makeAnalyzeBuildJob()
	})
}

type analyzeBuildJob struct {
	job.Base `bson:"job_base" json:"job_base" yaml:"job_base"`
	env      rla.Environment

	BuildID    int64  `bson:"build_id" json:"build_id" yaml:"build_id"`
	DeliveryID string `bson:"delivery_id" json:"delivery_id" yaml:"delivery_id"`
}

func makeAnalyzeBuildJob() *analyzeBuildJob {
	return &analyzeBuildJob{
		Base: job.Base{
			JobType: amboy.JobType{
				Name:    analyzeBuildJobName,
				Version: 0,
			},
		},
	}
}

// NewAnalyzeBuildJob creates a job to analyze a finished CI build: failed
// builds get their logs extracted and a comment posted, and merged-branch
// builds feed the index with their passed jobs. The delivery id keeps
// retried webhook deliveries from enqueueing duplicate work.
func NewAnalyzeBuildJob(env rla.Environment, buildID int64, deliveryID string) amboy.Job {
	j := makeAnalyzeBuildJob()
	j.env = env
	j.BuildID = buildID
	j.DeliveryID = deliveryID
	j.SetID(fmt.Sprintf("%s.%d.%s", analyzeBuildJobName, buildID, deliveryID))
	return j
}

func (j *analyzeBuildJob) Run(ctx context.Context) {
	defer j.MarkComplete()

	if j.env == nil {
		j.env = rla.GetEnvironment()
	}

	build, err := j.env.Platform().QueryBuild(ctx, j.BuildID)
	if err != nil {
		j.AddError(errors.Wrapf(err, "querying build %d", j.BuildID))
		return
	}

	outcome := build.Outcome()
	if !outcome.IsFinished() {
		grip.Info(message.Fields{
			"job":      analyzeBuildJobName,
			"build_id": j.BuildID,
			"message":  "build not finished yet, skipping",
		})
		return
	}

	if outcome.IsFailed() {
		j.AddError(j.reportFailure(ctx, build))
	}

	// Merged-branch builds feed the index whatever their overall outcome;
	// learnFromBuild only reads the jobs that passed.
	j.AddError(j.learnFromBuild(ctx, build))
}

// reportFailure extracts anomalies from the first failed job whose log
// yields any, resolves the pull request the build belongs to, and posts
// the rendered comment there.
func (j *analyzeBuildJob) reportFailure(ctx context.Context, build ci.Build) error {
	var failed []ci.Job
	for _, cij := range build.Jobs() {
		if cij.Outcome().IsFailed() {
			failed = append(failed, cij)
		}
	}
	if len(failed) == 0 {
		grip.Warning(message.Fields{
			"job":      analyzeBuildJobName,
			"build_id": j.BuildID,
			"message":  "build failed but no failed jobs found",
		})
		return nil
	}

	catcher := grip.NewBasicCatcher()
	for _, cij := range failed {
		data, err := j.env.Platform().QueryLog(ctx, cij)
		if err != nil {
			catcher.Wrapf(err, "downloading log for job '%s'", cij.Name())
			continue
		}

		lines := analysis.SanitizeLines(data)

		var blocks []analysis.Block
		err = j.env.WithIndex(func(idx *analysis.Index) error {
			var extractErr error
			blocks, extractErr = analysis.Extract(j.env.ExtractConfig(), idx, lines)
			return extractErr
		})
		if err != nil {
			catcher.Wrapf(err, "extracting anomalies from job '%s'", cij.Name())
			continue
		}
		if len(blocks) == 0 {
			grip.Info(message.Fields{
				"job":      analyzeBuildJobName,
				"build_id": j.BuildID,
				"ci_job":   cij.Name(),
				"message":  "no anomalous blocks found in failed job log",
			})
			continue
		}

		vars := analysis.ExtractLogVariables(lines)
		return j.postReport(ctx, build, cij, vars, blocks)
	}

	return catcher.Resolve()
}

func (j *analyzeBuildJob) postReport(ctx context.Context, build ci.Build, cij ci.Job, vars analysis.LogVariables, blocks []analysis.Block) error {
	settings := j.env.Settings()

	token, err := settings.GithubToken()
	if err != nil {
		return errors.Wrap(err, "getting github token")
	}

	prNum, fromBuild := resolvePRNumber(build, vars)
	if prNum == 0 {
		prNum, err = j.recoverBorsPR(ctx, token, settings.Repo, build.CommitSHA())
		if err != nil {
			return err
		}
	}
	if prNum == 0 {
		grip.Info(message.Fields{
			"job":      analyzeBuildJobName,
			"build_id": j.BuildID,
			"sha":      build.CommitSHA(),
			"message":  "could not associate build with a pull request",
		})
		return nil
	}

	// A recovered number means a merge build: its commit is the bors merge
	// commit, which never equals the PR head. The freshness check only
	// applies when the platform itself linked the build to the PR.
	if fromBuild {
		current, err := j.headIsCurrent(ctx, token, settings.Repo, prNum, build.CommitSHA())
		if err != nil {
			return err
		}
		if !current {
			grip.Info(message.Fields{
				"job":      analyzeBuildJobName,
				"build_id": j.BuildID,
				"pr":       prNum,
				"sha":      build.CommitSHA(),
				"message":  "pull request head moved since the build, not commenting",
			})
			return nil
		}
	}

	body := renderComment(cij, vars, blocks)

	repo := settings.Repo
	if settings.DebugPost != "" {
		debugRepo, debugIssue, err := parseDebugPost(settings.DebugPost)
		if err != nil {
			return err
		}
		grip.Info(message.Fields{
			"job":     analyzeBuildJobName,
			"pr":      prNum,
			"message": "debug_post is set, redirecting comment",
			"target":  settings.DebugPost,
		})
		repo, prNum = debugRepo, debugIssue
	}

	if err := thirdparty.PostComment(ctx, token, repo, prNum, body); err != nil {
		return err
	}

	grip.Info(message.Fields{
		"job":      analyzeBuildJobName,
		"build_id": j.BuildID,
		"ci_job":   cij.Name(),
		"repo":     repo,
		"pr":       prNum,
		"blocks":   len(blocks),
		"message":  "posted analysis comment",
	})
	return nil
}

// resolvePRNumber finds the pull request a build belongs to, preferring the
// platform's own association over a number declared in the log. The second
// return reports whether the number came from the platform.
func resolvePRNumber(build ci.Build, vars analysis.LogVariables) (int, bool) {
	if pr := build.PRNumber(); pr != 0 {
		return pr, true
	}
	if vars.PRNumber != "" {
		if pr, err := strconv.Atoi(vars.PRNumber); err == nil {
			return pr, false
		}
	}
	return 0, false
}

// recoverBorsPR maps a merge commit pushed by bors back to the pull
// request it was testing, via the commit title. Builds on the auto branch
// have no PR association of their own.
func (j *analyzeBuildJob) recoverBorsPR(ctx context.Context, token, repo, sha string) (int, error) {
	if sha == "" {
		return 0, nil
	}

	commit, err := thirdparty.GetCommit(ctx, token, repo, sha)
	if err != nil {
		return 0, errors.Wrapf(err, "looking up commit '%s'", sha)
	}

	return borsPRNumber(commit.GetCommit().GetMessage()), nil
}

func borsPRNumber(title string) int {
	m := borsMergePattern.FindStringSubmatch(title)
	if m == nil {
		return 0
	}
	num, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return num
}

// headIsCurrent reports whether the pull request still points at the
// commit the build ran against. Commenting about a stale commit would
// only confuse the author.
func (j *analyzeBuildJob) headIsCurrent(ctx context.Context, token, repo string, prNum int, sha string) (bool, error) {
	pr, err := thirdparty.GetPullRequest(ctx, token, repo, prNum)
	if err != nil {
		return false, errors.Wrapf(err, "getting pull request '%s#%d'", repo, prNum)
	}
	return pr.GetHead().GetSHA() == sha, nil
}

// learnFromBuild feeds every passed job's log into the index, then asks
// for a rate-limited save. Only non-PR builds of the merged branch count;
// logs from arbitrary branches would teach the index noise. Partially
// failed merged-branch builds still contribute their passed jobs.
func (j *analyzeBuildJob) learnFromBuild(ctx context.Context, build ci.Build) error {
	settings := j.env.Settings()

	if build.PRNumber() != 0 || build.BranchName() != settings.MergedBranch {
		grip.Debug(message.Fields{
			"job":      analyzeBuildJobName,
			"build_id": j.BuildID,
			"branch":   build.BranchName(),
			"message":  "build is not from the merged branch, not learning",
		})
		return nil
	}

	catcher := grip.NewBasicCatcher()
	learned := 0
	for _, cij := range build.Jobs() {
		if !cij.Outcome().IsPassed() {
			continue
		}

		data, err := j.env.Platform().QueryLog(ctx, cij)
		if err != nil {
			catcher.Wrapf(err, "downloading log for job '%s'", cij.Name())
			continue
		}

		lines := analysis.SanitizeLines(data)
		catcher.Add(j.env.WithIndex(func(idx *analysis.Index) error {
			for _, line := range lines {
				idx.Learn(line, 1)
			}
			return nil
		}))
		learned++
	}

	if learned > 0 {
		catcher.Wrap(j.env.SaveIndex(ctx, false), "saving index")
		grip.Info(message.Fields{
			"job":      analyzeBuildJobName,
			"build_id": j.BuildID,
			"jobs":     learned,
			"message":  "learned from merged-branch build",
		})
	}

	return catcher.Resolve()
}

func parseDebugPost(value string) (string, int, error) {
	repo, issue, found := strings.Cut(value, "#")
	if !found {
		return "", 0, errors.Errorf("invalid debug_post value '%s', expected 'owner/name#number'", value)
	}
	num, err := strconv.Atoi(issue)
	if err != nil || num <= 0 {
		return "", 0, errors.Errorf("invalid debug_post issue number in '%s'", value)
	}
	return repo, num, nil
}
