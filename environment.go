package rla

import (
	"context"
	"sync"
	"time"

	"github.com/mongodb/amboy"
	"github.com/mongodb/amboy/queue"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"github.com/rust-lang/rust-log-analyzer/analysis"
	"github.com/rust-lang/rust-log-analyzer/ci"
	"github.com/rust-lang/rust-log-analyzer/storage"
)

var (
	globalEnv     Environment
	globalEnvLock sync.RWMutex
)

// GetEnvironment returns the global application environment. It must be
// populated with SetEnvironment before use; amboy jobs reach their
// dependencies through it since the job registry constructs jobs without
// arguments.
func GetEnvironment() Environment {
	globalEnvLock.RLock()
	defer globalEnvLock.RUnlock()

	return globalEnv
}

func SetEnvironment(env Environment) {
	globalEnvLock.Lock()
	defer globalEnvLock.Unlock()

	globalEnv = env
}

// Environment provides application-level services: settings, the work
// queue, the CI platform client, and exclusive access to the learned
// index.
//
// The index is the only shared mutable state in the process. All reads and
// writes go through WithIndex, which holds a lock for the duration of the
// callback; in the running service the single-worker queue means the lock
// is effectively uncontended.
type Environment interface {
	Settings() *Settings
	Queue() amboy.Queue
	Platform() ci.Platform

	// ExtractConfig returns the extraction configuration derived from
	// the settings. The returned value is shared and must not be
	// modified.
	ExtractConfig() *analysis.Config

	// WithIndex runs fn with exclusive access to the index.
	WithIndex(fn func(*analysis.Index) error) error

	// SaveIndex persists the index. Unforced saves are rate-limited by
	// the configured minimum interval and may be silently skipped.
	SaveIndex(ctx context.Context, force bool) error

	// Close stops the queue and releases resources.
	Close(ctx context.Context) error
}

type envState struct {
	settings      *Settings
	queue         amboy.Queue
	platform      ci.Platform
	store         *storage.Store
	extractConfig *analysis.Config

	mu       sync.Mutex
	index    *analysis.Index
	lastSave time.Time
}

// EnvironmentOptions controls environment construction.
type EnvironmentOptions struct {
	// RequireIndex makes a missing index an error instead of starting
	// from an empty one. The service sets this; offline training does
	// not.
	RequireIndex bool

	// QueueSize caps the number of pending jobs. Zero picks a default.
	QueueSize int

	// DisablePlatform skips CI client construction, for offline
	// subcommands that only touch local files.
	DisablePlatform bool
}

// NewEnvironment loads the index, starts the work queue, and constructs
// the CI platform client described by the settings.
func NewEnvironment(ctx context.Context, settings *Settings, opts EnvironmentOptions) (Environment, error) {
	if err := settings.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid settings")
	}

	store, err := storage.ParseLocation(settings.Index.Location)
	if err != nil {
		return nil, errors.Wrap(err, "resolving index location")
	}

	var index *analysis.Index
	if opts.RequireIndex {
		index, err = store.LoadIndex(ctx)
	} else {
		index, err = store.LoadOrCreateIndex(ctx)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading index from '%s'", store)
	}
	grip.Info(message.Fields{
		"message":  "index ready",
		"location": store.String(),
		"keys":     index.Len(),
	})

	env := &envState{
		settings:      settings,
		store:         store,
		index:         index,
		extractConfig: extractConfigFromSettings(settings),
	}

	if !opts.DisablePlatform {
		env.platform, err = makePlatform(settings)
		if err != nil {
			return nil, errors.Wrap(err, "constructing CI platform client")
		}
	}

	size := opts.QueueSize
	if size == 0 {
		size = 1024
	}
	// A single worker serializes every learn/extract/save on the index.
	q := queue.NewLocalLimitedSize(1, size)
	if err := q.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "starting work queue")
	}
	env.queue = q

	return env, nil
}

func makePlatform(settings *Settings) (ci.Platform, error) {
	switch settings.CI.Platform {
	case CIPlatformActions:
		token, err := settings.GithubToken()
		if err != nil {
			return nil, err
		}
		return ci.NewActionsPlatform(token, settings.Repo, settings.CI.GithubAppID), nil
	case CIPlatformAzure:
		return ci.NewAzurePipelines(settings.CI.AzureOrg, settings.CI.AzureProject), nil
	default:
		return nil, errors.Errorf("unknown CI platform '%s'", settings.CI.Platform)
	}
}

func extractConfigFromSettings(settings *Settings) *analysis.Config {
	cfg := analysis.DefaultConfig()
	cfg.UniqueFivegramMaxIndex = settings.Extract.UniqueFivegramMaxIndex
	cfg.BlockMergeDistance = settings.Extract.BlockMergeDistance
	cfg.BlockSeparatorMaxScore = settings.Extract.BlockSeparatorMaxScore
	cfg.UniqueLineMinScore = settings.Extract.UniqueLineMinScore
	cfg.BlockMaxLines = settings.Extract.BlockMaxLines
	cfg.ContextLines = settings.Extract.ContextLines
	return cfg
}

func (e *envState) Settings() *Settings             { return e.settings }
func (e *envState) Queue() amboy.Queue              { return e.queue }
func (e *envState) Platform() ci.Platform           { return e.platform }
func (e *envState) ExtractConfig() *analysis.Config { return e.extractConfig }

func (e *envState) WithIndex(fn func(*analysis.Index) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return fn(e.index)
}

func (e *envState) SaveIndex(ctx context.Context, force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !force && time.Since(e.lastSave) < e.settings.Index.SaveMinInterval {
		grip.Debug(message.Fields{
			"message":   "skipping rate-limited index save",
			"last_save": e.lastSave,
		})
		return nil
	}

	if err := e.store.SaveIndex(ctx, e.index); err != nil {
		return errors.Wrap(err, "saving index")
	}
	e.lastSave = time.Now()

	grip.Info(message.Fields{
		"message":  "index saved",
		"location": e.store.String(),
		"keys":     e.index.Len(),
	})
	return nil
}

func (e *envState) Close(ctx context.Context) error {
	if e.queue != nil {
		e.queue.Close(ctx)
	}
	return nil
}
