package rla

import (
	"os"
	"time"

	"github.com/mongodb/grip"
	"github.com/pkg/errors"
	"github.com/rust-lang/rust-log-analyzer/analysis"
	"gopkg.in/yaml.v3"
)

// DefaultSaveMinInterval rate-limits index writes unless overridden in
// the settings file.
const DefaultSaveMinInterval = 10 * time.Minute

// Settings holds the process configuration, loaded from a YAML file once at
// startup. Secrets are intentionally not part of the file; they are read
// from the environment via GithubToken and WebhookSecret.
type Settings struct {
	LogLevel string `yaml:"log_level"`

	// Repo is the GitHub repository the analyzer watches and comments
	// on, in "owner/name" form.
	Repo string `yaml:"repo"`

	// MergedBranch is the branch whose successful builds are considered
	// representative and safe to learn from.
	MergedBranch string `yaml:"merged_branch"`

	// DebugPost redirects comments to "owner/name#number" instead of the
	// failing PR. Leave empty in production.
	DebugPost string `yaml:"debug_post"`

	Index   IndexSettings   `yaml:"index"`
	Extract ExtractSettings `yaml:"extract"`
	Server  ServerSettings  `yaml:"server"`
	CI      CISettings      `yaml:"ci"`
}

// IndexSettings configures where the learned index lives and how often it
// may be rewritten.
type IndexSettings struct {
	// Location is either a filesystem path or an "s3://bucket/key" URL.
	Location string `yaml:"location"`

	// SaveMinInterval rate-limits index writes triggered by learning;
	// saves requested more often than this are skipped.
	SaveMinInterval time.Duration `yaml:"save_min_interval"`
}

// ExtractSettings carries the scoring and segmentation thresholds consumed
// by the analysis package. Zero values are replaced by defaults in
// Validate, with the exception of BlockSeparatorMaxScore whose default is
// itself zero.
type ExtractSettings struct {
	UniqueFivegramMaxIndex uint32 `yaml:"unique_5gram_max_index"`
	BlockMergeDistance     int    `yaml:"block_merge_distance"`
	BlockSeparatorMaxScore uint32 `yaml:"block_separator_max_score"`
	UniqueLineMinScore     uint32 `yaml:"unique_line_min_score"`
	BlockMaxLines          int    `yaml:"block_max_lines"`
	ContextLines           int    `yaml:"context_lines"`
}

type ServerSettings struct {
	Addr string `yaml:"addr"`

	// RejectUnverifiedWebhooks makes a missing or invalid webhook
	// signature a hard failure rather than a logged warning.
	RejectUnverifiedWebhooks bool `yaml:"reject_unverified_webhooks"`
}

type CISettings struct {
	// Platform selects the CI backend: "actions" or "azure".
	Platform string `yaml:"platform"`

	// GithubAppID identifies the GitHub App whose check runs correspond
	// to the watched CI platform.
	GithubAppID int64 `yaml:"github_app_id"`

	AzureOrg     string `yaml:"azure_org"`
	AzureProject string `yaml:"azure_project"`
}

// LoadSettings reads and validates a settings file.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading settings file '%s'", path)
	}

	settings := &Settings{}
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, errors.Wrapf(err, "parsing settings file '%s'", path)
	}

	if err := settings.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid settings")
	}

	return settings, nil
}

// Validate fills in defaults and rejects configurations the extractor
// cannot run with. It must be called before the settings are used.
func (s *Settings) Validate() error {
	catcher := grip.NewBasicCatcher()

	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.MergedBranch == "" {
		s.MergedBranch = "auto"
	}
	if s.Server.Addr == "" {
		s.Server.Addr = ":8080"
	}
	if s.CI.Platform == "" {
		s.CI.Platform = CIPlatformActions
	}
	if s.CI.Platform == CIPlatformActions && s.CI.GithubAppID == 0 {
		s.CI.GithubAppID = DefaultGithubActionsAppID
	}
	if s.Index.SaveMinInterval == 0 {
		s.Index.SaveMinInterval = DefaultSaveMinInterval
	}

	if s.Extract.UniqueFivegramMaxIndex == 0 {
		s.Extract.UniqueFivegramMaxIndex = analysis.DefaultUniqueFivegramMaxIndex
	}
	if s.Extract.BlockMergeDistance == 0 {
		s.Extract.BlockMergeDistance = analysis.DefaultBlockMergeDistance
	}
	if s.Extract.UniqueLineMinScore == 0 {
		s.Extract.UniqueLineMinScore = analysis.DefaultUniqueLineMinScore
	}
	if s.Extract.BlockMaxLines == 0 {
		s.Extract.BlockMaxLines = analysis.DefaultBlockMaxLines
	}
	if s.Extract.ContextLines == 0 {
		s.Extract.ContextLines = analysis.DefaultContextLines
	}

	catcher.NewWhen(s.Repo == "", "repo must be set")
	catcher.NewWhen(s.Index.Location == "", "index location must be set")
	catcher.ErrorfWhen(s.CI.Platform != CIPlatformActions && s.CI.Platform != CIPlatformAzure,
		"unknown CI platform '%s'", s.CI.Platform)
	catcher.ErrorfWhen(s.Extract.ContextLines >= s.Extract.BlockMergeDistance,
		"context_lines (%d) must be smaller than block_merge_distance (%d)",
		s.Extract.ContextLines, s.Extract.BlockMergeDistance)

	if s.CI.Platform == CIPlatformAzure {
		catcher.NewWhen(s.CI.AzureOrg == "", "azure_org must be set for the azure platform")
		catcher.NewWhen(s.CI.AzureProject == "", "azure_project must be set for the azure platform")
	}

	return catcher.Resolve()
}

// GithubToken returns the GitHub API token from the environment.
func (s *Settings) GithubToken() (string, error) {
	token := os.Getenv(githubTokenEnvVar)
	if token == "" {
		return "", errors.Errorf("%s is not set", githubTokenEnvVar)
	}
	return token, nil
}

// WebhookSecret returns the webhook signing secret, or an empty string if
// none is configured. Callers decide whether an absent secret is fatal.
func (s *Settings) WebhookSecret() []byte {
	secret := os.Getenv(webhookSecretEnvVar)
	if secret == "" {
		return nil
	}
	return []byte(secret)
}
