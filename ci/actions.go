package ci

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/evergreen-ci/utility"
	"github.com/google/go-github/v52/github"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

const (
	actionsRequestTimeout = 30 * time.Second
	actionsLogSizeLimit   = 256 << 20 // 256 MB
)

var actionsRunIDPattern = regexp.MustCompile(`/actions/runs/(\d+)`)

// actionsPlatform watches GitHub Actions workflow runs on one repository.
type actionsPlatform struct {
	token string
	owner string
	repo  string
	appID int64
}

// NewActionsPlatform returns a Platform for GitHub Actions on the given
// "owner/name" repository. appID is the GitHub App id whose check runs
// correspond to Actions (15368 for github.com); check runs from other
// apps are not ours.
func NewActionsPlatform(token, repo string, appID int64) Platform {
	owner, name, _ := strings.Cut(repo, "/")
	return &actionsPlatform{
		token: token,
		owner: owner,
		repo:  name,
		appID: appID,
	}
}

func (p *actionsPlatform) Name() string { return "actions" }

func (p *actionsPlatform) BuildIDFromCheckRun(event *github.CheckRunEvent) (int64, bool) {
	if event.GetCheckRun().GetApp().GetID() != p.appID {
		return 0, false
	}

	m := actionsRunIDPattern.FindStringSubmatch(event.GetCheckRun().GetDetailsURL())
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (p *actionsPlatform) BuildIDFromStatus(*github.StatusEvent) (int64, bool) {
	// Actions reports through the checks API, never commit statuses.
	return 0, false
}

func (p *actionsPlatform) QueryBuild(ctx context.Context, id int64) (Build, error) {
	client, httpClient := p.client()
	defer utility.PutHTTPClient(httpClient)

	ctx, cancel := context.WithTimeout(ctx, actionsRequestTimeout)
	defer cancel()

	run, _, err := client.Actions.GetWorkflowRunByID(ctx, p.owner, p.repo, id)
	if err != nil {
		return nil, errors.Wrapf(err, "getting workflow run %d", id)
	}

	jobs, err := p.listJobs(ctx, client, id)
	if err != nil {
		return nil, errors.Wrapf(err, "listing jobs of workflow run %d", id)
	}

	return &actionsBuild{run: run, jobs: jobs}, nil
}

func (p *actionsPlatform) QueryBuilds(ctx context.Context, count, offset int, filter func(Build) bool) ([]Build, error) {
	client, httpClient := p.client()
	defer utility.PutHTTPClient(httpClient)

	builds := []Build{}
	opts := &github.ListWorkflowRunsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	seen := 0
	for {
		runs, resp, err := client.Actions.ListRepositoryWorkflowRuns(ctx, p.owner, p.repo, opts)
		if err != nil {
			return nil, errors.Wrap(err, "listing workflow runs")
		}

		for _, run := range runs.WorkflowRuns {
			if seen < offset {
				seen++
				continue
			}
			if len(builds) >= count {
				return builds, nil
			}

			jobs, err := p.listJobs(ctx, client, run.GetID())
			if err != nil {
				return nil, errors.Wrapf(err, "listing jobs of workflow run %d", run.GetID())
			}

			build := &actionsBuild{run: run, jobs: jobs}
			if filter == nil || filter(build) {
				builds = append(builds, build)
			}
			seen++
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return builds, nil
}

func (p *actionsPlatform) QueryLog(ctx context.Context, job Job) ([]byte, error) {
	client, httpClient := p.client()
	defer utility.PutHTTPClient(httpClient)

	ctx, cancel := context.WithTimeout(ctx, actionsRequestTimeout)
	defer cancel()

	logURL, _, err := client.Actions.GetWorkflowJobLogs(ctx, p.owner, p.repo, job.ID(), true)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving log URL for job %d", job.ID())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logURL.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "building log download request")
	}
	req.Header.Set("User-Agent", userAgent)

	// The signed log URL is fetched without credentials; sending the
	// API token to the storage host would leak it.
	downloadClient := utility.GetHTTPClient()
	defer utility.PutHTTPClient(downloadClient)

	resp, err := downloadClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "downloading log for job %d", job.ID())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("downloading log for job %d: unexpected status %s", job.ID(), resp.Status)
	}

	log, err := io.ReadAll(io.LimitReader(resp.Body, actionsLogSizeLimit))
	if err != nil {
		return nil, errors.Wrapf(err, "reading log for job %d", job.ID())
	}

	grip.Debug(message.Fields{
		"message": "downloaded job log",
		"job":     job.ID(),
		"bytes":   len(log),
	})
	return log, nil
}

func (p *actionsPlatform) listJobs(ctx context.Context, client *github.Client, runID int64) ([]Job, error) {
	jobs := []Job{}
	opts := &github.ListWorkflowJobsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	for {
		page, resp, err := client.Actions.ListWorkflowJobs(ctx, p.owner, p.repo, runID, opts)
		if err != nil {
			return nil, err
		}
		for _, job := range page.Jobs {
			jobs = append(jobs, &actionsJob{job: job})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return jobs, nil
}

func (p *actionsPlatform) client() (*github.Client, *http.Client) {
	httpClient := utility.GetOAuth2HTTPClient(p.token)
	client := github.NewClient(httpClient)
	client.UserAgent = userAgent
	return client, httpClient
}

type actionsBuild struct {
	run  *github.WorkflowRun
	jobs []Job
}

func (b *actionsBuild) PRNumber() int {
	// The runs API only reports pull requests from the same repository;
	// fork PRs come back empty and are recovered from the log
	// variables instead.
	for _, pr := range b.run.PullRequests {
		if pr.GetNumber() != 0 {
			return pr.GetNumber()
		}
	}
	return 0
}

func (b *actionsBuild) BranchName() string { return b.run.GetHeadBranch() }
func (b *actionsBuild) CommitSHA() string  { return b.run.GetHeadSHA() }
func (b *actionsBuild) Jobs() []Job        { return b.jobs }

func (b *actionsBuild) Outcome() Outcome {
	return githubOutcome{status: b.run.GetStatus(), conclusion: b.run.GetConclusion()}
}

type actionsJob struct {
	job *github.WorkflowJob
}

func (j *actionsJob) ID() int64       { return j.job.GetID() }
func (j *actionsJob) Name() string    { return j.job.GetName() }
func (j *actionsJob) HTMLURL() string { return j.job.GetHTMLURL() }

func (j *actionsJob) LogFileName() string {
	return fmt.Sprintf("actions-%d-%s.log", j.job.GetID(), sanitizeFileName(j.job.GetName()))
}

func (j *actionsJob) Outcome() Outcome {
	return githubOutcome{status: j.job.GetStatus(), conclusion: j.job.GetConclusion()}
}

// githubOutcome interprets the status/conclusion pair shared by workflow
// runs, workflow jobs, and check runs.
type githubOutcome struct {
	status     string
	conclusion string
}

func (o githubOutcome) IsFinished() bool { return o.status == "completed" }
func (o githubOutcome) IsPassed() bool   { return o.IsFinished() && o.conclusion == "success" }
func (o githubOutcome) IsFailed() bool   { return o.IsFinished() && o.conclusion == "failure" }

var fileNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func sanitizeFileName(name string) string {
	return fileNameSanitizer.ReplaceAllString(name, "_")
}
