package rla

import "fmt"

const (
	// ClientVersion is the release version of the analyzer. Bump on
	// behavior changes that affect posted comments or the index format.
	ClientVersion = "2.0.0"

	// DefaultConfigFileName is the settings file the CLI looks for when
	// no --conf flag is given.
	DefaultConfigFileName = "rla.yml"

	githubTokenEnvVar   = "GITHUB_TOKEN"
	webhookSecretEnvVar = "GITHUB_WEBHOOK_SECRET"
)

// UserAgent identifies the analyzer in outgoing API requests.
var UserAgent = fmt.Sprintf("rust-ops/rust-log-analyzer %s", ClientVersion)

// Names of the supported CI platforms, as accepted by the settings file.
const (
	CIPlatformActions = "actions"
	CIPlatformAzure   = "azure"
)

// DefaultGithubActionsAppID is the app id GitHub Actions uses for its
// check runs on github.com.
const DefaultGithubActionsAppID int64 = 15368
