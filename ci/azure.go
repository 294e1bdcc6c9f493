package ci

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/evergreen-ci/utility"
	"github.com/google/go-github/v52/github"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
)

const (
	azureAPIVersion     = "6.0"
	azureRequestTimeout = 60 * time.Second
	azureMaxAttempts    = 4
)

var azureBuildIDPattern = regexp.MustCompile(`buildId=(\d+)`)

// azurePipelines watches Azure Pipelines builds in one organization and
// project. Only public, anonymously readable projects are supported.
type azurePipelines struct {
	org     string
	project string
}

// NewAzurePipelines returns a Platform for the given Azure DevOps
// organization and project.
func NewAzurePipelines(org, project string) Platform {
	return &azurePipelines{org: org, project: project}
}

func (p *azurePipelines) Name() string { return "azure" }

func (p *azurePipelines) BuildIDFromCheckRun(event *github.CheckRunEvent) (int64, bool) {
	// Azure creates one check run per pipeline job with the build id in
	// its external id, "<guid>|<build id>|...".
	parts := strings.Split(event.GetCheckRun().GetExternalID(), "|")
	if len(parts) < 2 {
		return 0, false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (p *azurePipelines) BuildIDFromStatus(event *github.StatusEvent) (int64, bool) {
	if !strings.Contains(event.GetContext(), "azure") {
		return 0, false
	}
	m := azureBuildIDPattern.FindStringSubmatch(event.GetTargetURL())
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

type azureBuildResponse struct {
	ID            int64  `json:"id"`
	SourceBranch  string `json:"sourceBranch"`
	SourceVersion string `json:"sourceVersion"`
	Status        string `json:"status"`
	Result        string `json:"result"`
	TriggerInfo   struct {
		PRNumber string `json:"pr.number"`
	} `json:"triggerInfo"`
}

type azureBuildListResponse struct {
	Value []azureBuildResponse `json:"value"`
}

type azureTimelineResponse struct {
	Records []azureTimelineRecord `json:"records"`
}

type azureTimelineRecord struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Result string `json:"result"`
	Log    struct {
		ID  int64  `json:"id"`
		URL string `json:"url"`
	} `json:"log"`
}

func (p *azurePipelines) QueryBuild(ctx context.Context, id int64) (Build, error) {
	var build azureBuildResponse
	url := fmt.Sprintf("%s/build/builds/%d?api-version=%s", p.apiBase(), id, azureAPIVersion)
	if err := p.getJSON(ctx, url, &build); err != nil {
		return nil, errors.Wrapf(err, "getting azure build %d", id)
	}

	jobs, err := p.queryJobs(ctx, &build)
	if err != nil {
		return nil, errors.Wrapf(err, "getting jobs of azure build %d", id)
	}

	return &azureBuild{build: build, jobs: jobs}, nil
}

func (p *azurePipelines) QueryBuilds(ctx context.Context, count, offset int, filter func(Build) bool) ([]Build, error) {
	var list azureBuildListResponse
	url := fmt.Sprintf("%s/build/builds?$top=%d&$skip=%d&queryOrder=finishTimeDescending&api-version=%s",
		p.apiBase(), count+offset, offset, azureAPIVersion)
	if err := p.getJSON(ctx, url, &list); err != nil {
		return nil, errors.Wrap(err, "listing azure builds")
	}

	builds := []Build{}
	for i := range list.Value {
		if len(builds) >= count {
			break
		}

		jobs, err := p.queryJobs(ctx, &list.Value[i])
		if err != nil {
			return nil, errors.Wrapf(err, "getting jobs of azure build %d", list.Value[i].ID)
		}

		build := &azureBuild{build: list.Value[i], jobs: jobs}
		if filter == nil || filter(build) {
			builds = append(builds, build)
		}
	}

	return builds, nil
}

func (p *azurePipelines) QueryLog(ctx context.Context, job Job) ([]byte, error) {
	azJob, ok := job.(*azureJob)
	if !ok {
		return nil, errors.Errorf("job %d does not belong to the azure platform", job.ID())
	}

	return p.getRaw(ctx, fmt.Sprintf("%s?api-version=%s", azJob.logURL, azureAPIVersion))
}

func (p *azurePipelines) queryJobs(ctx context.Context, build *azureBuildResponse) ([]Job, error) {
	var timeline azureTimelineResponse
	url := fmt.Sprintf("%s/build/builds/%d/timeline?api-version=%s", p.apiBase(), build.ID, azureAPIVersion)
	if err := p.getJSON(ctx, url, &timeline); err != nil {
		return nil, errors.Wrap(err, "getting build timeline")
	}

	jobs := []Job{}
	for _, record := range timeline.Records {
		if record.Type != "Job" || record.Log.URL == "" {
			continue
		}
		jobs = append(jobs, &azureJob{
			buildID: build.ID,
			record:  record,
			logURL:  record.Log.URL,
		})
	}
	return jobs, nil
}

func (p *azurePipelines) apiBase() string {
	return fmt.Sprintf("https://dev.azure.com/%s/%s/_apis", p.org, p.project)
}

func (p *azurePipelines) getJSON(ctx context.Context, url string, out interface{}) error {
	body, err := p.getRaw(ctx, url)
	if err != nil {
		return err
	}
	return errors.Wrapf(json.Unmarshal(body, out), "decoding response from '%s'", url)
}

func (p *azurePipelines) getRaw(ctx context.Context, url string) ([]byte, error) {
	client := utility.GetHTTPClient()
	defer utility.PutHTTPClient(client)

	retry := &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt < azureMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retry.Duration()):
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), "waiting to retry azure request")
			}
		}

		body, err := p.getOnce(ctx, client, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
	}

	return nil, errors.Wrapf(lastErr, "azure request failed after %d attempts", azureMaxAttempts)
}

func (p *azurePipelines) getOnce(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, azureRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "requesting '%s'", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("requesting '%s': unexpected status %s", url, resp.Status)
	}

	return io.ReadAll(resp.Body)
}

type azureBuild struct {
	build azureBuildResponse
	jobs  []Job
}

func (b *azureBuild) PRNumber() int {
	n, err := strconv.Atoi(b.build.TriggerInfo.PRNumber)
	if err != nil {
		return 0
	}
	return n
}

func (b *azureBuild) BranchName() string {
	return strings.TrimPrefix(b.build.SourceBranch, "refs/heads/")
}

func (b *azureBuild) CommitSHA() string { return b.build.SourceVersion }
func (b *azureBuild) Jobs() []Job       { return b.jobs }

func (b *azureBuild) Outcome() Outcome {
	return azureOutcome{status: b.build.Status, result: b.build.Result}
}

type azureJob struct {
	buildID int64
	record  azureTimelineRecord
	logURL  string
}

func (j *azureJob) ID() int64       { return j.record.Log.ID }
func (j *azureJob) Name() string    { return j.record.Name }
func (j *azureJob) HTMLURL() string { return "" }

func (j *azureJob) LogFileName() string {
	return fmt.Sprintf("azure-%d-%s.log", j.buildID, sanitizeFileName(j.record.Name))
}

func (j *azureJob) Outcome() Outcome {
	return azureOutcome{status: j.record.State, result: j.record.Result}
}

// azureOutcome interprets the state/result pair shared by builds and
// timeline records.
type azureOutcome struct {
	status string
	result string
}

func (o azureOutcome) IsFinished() bool { return o.status == "completed" }
func (o azureOutcome) IsPassed() bool   { return o.IsFinished() && o.result == "succeeded" }
func (o azureOutcome) IsFailed() bool   { return o.IsFinished() && o.result == "failed" }
