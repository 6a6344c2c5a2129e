package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/internal/logger"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/agent"
	"github.com/harun/switchboard/pkg/conversation"
	"github.com/harun/switchboard/pkg/llm"
	"github.com/harun/switchboard/pkg/llm/anthropic"
	"github.com/harun/switchboard/pkg/llm/openai"
	"github.com/harun/switchboard/pkg/runner"
	"github.com/harun/switchboard/pkg/tools/demo"
	"github.com/rs/zerolog"
)

// newClient builds the boundary client; tests replace it with a scripted one
var newClient = buildClient

// app bundles the runtime shared by the serve and chat commands
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	client  llm.Client
	store   *conversation.MemoryStore
	archive *conversation.SQLiteArchive
	auditor *observability.Auditor
	runner  *runner.Runner
}

// loadConfig reads the config file and applies flag overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// catalogOptions binds catalog files to the built-in tools and moderation
func catalogOptions(cfg *config.Config) agent.LoadOptions {
	return agent.LoadOptions{
		Tools:      demo.Tools(),
		Moderation: cfg.Moderation,
		Defaults:   modelDefaults(cfg.Boundary),
		Entry:      cfg.Agents.Entry,
	}
}

// loadCatalog reads the configured catalog file, or the built-in travel
// catalog when none is configured
func loadCatalog(cfg *config.Config) (*agent.Catalog, error) {
	opts := catalogOptions(cfg)
	if cfg.Agents.File == "" {
		return demo.Catalog(opts)
	}
	return agent.LoadCatalog(cfg.Agents.File, opts)
}

func modelDefaults(b config.BoundaryConfig) llm.Params {
	return llm.Params{
		Model:       b.Model,
		Temperature: b.Temperature,
		MaxTokens:   b.MaxTokens,
	}
}

// buildClient creates the provider client wrapped with rate limiting and retry
func buildClient(cfg *config.Config) (llm.Client, error) {
	b := cfg.Boundary
	switch {
	case b.BaseURL == "":
		if err := config.NewValidator().ValidateAPIKey(b.APIKey, b.Provider); err != nil {
			return nil, fmt.Errorf("boundary: %w", err)
		}
	case b.APIKey == "":
		return nil, fmt.Errorf("boundary: %s API key cannot be empty", b.Provider)
	}

	var client llm.Client
	switch b.Provider {
	case "openai":
		client = openai.New(openai.Config{APIKey: b.APIKey, BaseURL: b.BaseURL, Model: b.Model})
	case "anthropic":
		client = anthropic.New(anthropic.Config{
			APIKey:    b.APIKey,
			BaseURL:   b.BaseURL,
			Model:     b.Model,
			MaxTokens: b.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("unsupported boundary provider: %s", b.Provider)
	}

	if cfg.RateLimit.Enabled {
		client = llm.WithRateLimit(client, llm.NewTokenBucket(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst))
	}
	return llm.WithRetry(client, llm.PolicyFromConfig(cfg.Retry)), nil
}

// newApp wires logging, tracing, the boundary client, archive and runner.
// withArchive is false for throwaway terminal sessions.
func newApp(cfg *config.Config, withArchive bool) (*app, error) {
	log, err := logger.New(logger.FromConfig(cfg.Logging))
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	a := &app{cfg: cfg, log: log}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	catalog, err := loadCatalog(cfg)
	if err != nil {
		a.close()
		return nil, err
	}

	a.client, err = newClient(cfg)
	if err != nil {
		a.close()
		return nil, err
	}

	if withArchive {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		a.archive, err = conversation.OpenSQLiteArchive(cfg.Store.ArchivePath, log.Component("archive"))
		if err != nil {
			a.close()
			return nil, err
		}
		a.auditor, err = observability.OpenAuditor(filepath.Join(cfg.DataDir, "audit.log"))
		if err != nil {
			a.close()
			return nil, err
		}
	}

	a.store = conversation.NewMemoryStore()
	rcfg := runner.Config{
		Client:   a.client,
		Catalog:  catalog,
		Store:    a.store,
		Auditor:  a.auditor,
		Logger:   log.Zerolog(),
		Settings: cfg.Runner,
		Defaults: modelDefaults(cfg.Boundary),
		Pricing:  llm.Pricing(cfg.Boundary.Pricing),
	}
	if a.archive != nil {
		rcfg.Archive = a.archive
	}
	a.runner, err = runner.New(rcfg)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) logger(component string) zerolog.Logger {
	return a.log.Component(component)
}

// close releases everything newApp opened. The runner closes the client.
func (a *app) close() error {
	var errs []error
	if a.runner != nil {
		errs = append(errs, a.runner.Close())
	} else if a.client != nil {
		errs = append(errs, a.client.Close())
	}
	if a.archive != nil {
		errs = append(errs, a.archive.Close())
	}
	if a.auditor != nil {
		errs = append(errs, a.auditor.Close())
	}
	if a.cfg.Tracing.Enabled {
		errs = append(errs, tracing.ShutdownOpenTelemetry(context.Background()))
	}
	errs = append(errs, a.log.Close())
	return errors.Join(errs...)
}
