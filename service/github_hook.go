package service

import (
	"context"
	"io"
	"net/http"

	"github.com/evergreen-ci/gimlet"
	"github.com/google/go-github/v52/github"
	"github.com/mongodb/amboy"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	rla "github.com/rust-lang/rust-log-analyzer"
	"github.com/rust-lang/rust-log-analyzer/units"
)

// GitHub caps webhook payloads at 25 MB.
const maxPayloadSize = 25 << 20

type githubHookHandler struct {
	env              rla.Environment
	queue            amboy.Queue
	secret           []byte
	rejectUnverified bool

	eventType  string
	deliveryID string
	event      interface{}
}

func makeGithubHookRoute(env rla.Environment) gimlet.RouteHandler {
	settings := env.Settings()
	return &githubHookHandler{
		env:              env,
		queue:            env.Queue(),
		secret:           settings.WebhookSecret(),
		rejectUnverified: settings.Server.RejectUnverifiedWebhooks,
	}
}

func (gh *githubHookHandler) Factory() gimlet.RouteHandler {
	return &githubHookHandler{
		env:              gh.env,
		queue:            gh.queue,
		secret:           gh.secret,
		rejectUnverified: gh.rejectUnverified,
	}
}

func (gh *githubHookHandler) Parse(ctx context.Context, r *http.Request) error {
	gh.eventType = github.WebHookType(r)
	gh.deliveryID = github.DeliveryID(r)

	if gh.deliveryID == "" {
		return gimlet.ErrorResponse{
			StatusCode: http.StatusBadRequest,
			Message:    "missing delivery id",
		}
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
	if err != nil {
		return errors.Wrap(err, "reading webhook payload")
	}

	if err := gh.verifySignature(r, payload); err != nil {
		return err
	}

	gh.event, err = github.ParseWebHook(gh.eventType, payload)
	if err != nil {
		return gimlet.ErrorResponse{
			StatusCode: http.StatusBadRequest,
			Message:    errors.Wrap(err, "parsing webhook").Error(),
		}
	}

	return nil
}

// verifySignature checks the payload's HMAC against the configured
// secret. Deliveries that fail the check are either rejected outright or
// let through with a warning, depending on configuration; unverified mode
// exists for local testing against replayed payloads.
func (gh *githubHookHandler) verifySignature(r *http.Request, payload []byte) error {
	sig := r.Header.Get(github.SHA256SignatureHeader)
	if sig == "" {
		sig = r.Header.Get(github.SHA1SignatureHeader)
	}

	err := github.ValidateSignature(sig, payload, gh.secret)
	if err == nil {
		return nil
	}

	if gh.rejectUnverified {
		grip.Warning(message.WrapError(err, message.Fields{
			"source": "GitHub hook",
			"msg_id": gh.deliveryID,
			"event":  gh.eventType,
		}))
		return gimlet.ErrorResponse{
			StatusCode: http.StatusUnauthorized,
			Message:    "invalid webhook signature",
		}
	}

	grip.Warning(message.WrapError(err, message.Fields{
		"source":  "GitHub hook",
		"msg_id":  gh.deliveryID,
		"event":   gh.eventType,
		"message": "processing webhook with unverified signature",
	}))
	return nil
}

func (gh *githubHookHandler) Run(ctx context.Context) gimlet.Responder {
	switch event := gh.event.(type) {
	case *github.PingEvent:
		if event.HookID == nil {
			return gimlet.NewJSONErrorResponse(gimlet.ErrorResponse{
				StatusCode: http.StatusBadRequest,
				Message:    "malformed ping event",
			})
		}
		grip.Info(message.Fields{
			"source":  "GitHub hook",
			"msg_id":  gh.deliveryID,
			"event":   gh.eventType,
			"hook_id": event.HookID,
		})

	case *github.CheckRunEvent:
		if event.GetCheckRun().GetStatus() != "completed" {
			break
		}
		buildID, ok := gh.env.Platform().BuildIDFromCheckRun(event)
		if !ok {
			break
		}
		return gh.enqueueAnalysis(ctx, buildID)

	case *github.StatusEvent:
		if event.GetState() == "pending" {
			break
		}
		buildID, ok := gh.env.Platform().BuildIDFromStatus(event)
		if !ok {
			break
		}
		return gh.enqueueAnalysis(ctx, buildID)

	case *github.PullRequestEvent:
		grip.Debug(message.Fields{
			"source":    "GitHub hook",
			"msg_id":    gh.deliveryID,
			"event":     gh.eventType,
			"action":    event.GetAction(),
			"pr_number": event.GetNumber(),
		})

	default:
		grip.Debug(message.Fields{
			"source":  "GitHub hook",
			"msg_id":  gh.deliveryID,
			"event":   gh.eventType,
			"message": "unhandled event type",
		})
	}

	return gimlet.NewJSONResponse(struct {
		Status string `json:"status"`
	}{Status: "ok"})
}

func (gh *githubHookHandler) enqueueAnalysis(ctx context.Context, buildID int64) gimlet.Responder {
	j := units.NewAnalyzeBuildJob(gh.env, buildID, gh.deliveryID)
	if err := gh.queue.Put(ctx, j); err != nil && !amboy.IsDuplicateJobError(err) {
		grip.Error(message.WrapError(err, message.Fields{
			"source":   "GitHub hook",
			"msg_id":   gh.deliveryID,
			"event":    gh.eventType,
			"build_id": buildID,
		}))
		return gimlet.NewJSONInternalErrorResponse(errors.Wrap(err, "enqueueing analysis job"))
	}

	grip.Info(message.Fields{
		"source":   "GitHub hook",
		"msg_id":   gh.deliveryID,
		"event":    gh.eventType,
		"build_id": buildID,
		"message":  "queued build for analysis",
	})
	return gimlet.NewJSONResponse(struct {
		Status  string `json:"status"`
		BuildID int64  `json:"build_id"`
	}{Status: "queued", BuildID: buildID})
}
