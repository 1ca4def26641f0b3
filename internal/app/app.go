package app

import (
	"context"
	"log/slog"

	"feedsync/internal/classify"
	"feedsync/internal/config"
	"feedsync/internal/domain"
	"feedsync/internal/fetch"
	"feedsync/internal/infrastructure/feed"
	"feedsync/internal/infrastructure/llm"
	"feedsync/internal/infrastructure/store"
	"feedsync/internal/infrastructure/telegram"
	"feedsync/internal/logging"
	"feedsync/internal/ports"
	"feedsync/internal/publish"
	"feedsync/internal/retention"
	"feedsync/internal/state"
	"feedsync/internal/usecase"
)

// ExitTimeout is the distinguished exit status for global-timeout
// cancellation, distinct from the generic failure code 1.
const ExitTimeout = 2

// Application wires configuration to components and lifecycle orchestration.
type Application struct {
	cfg      config.Config
	logger   *slog.Logger
	pipeline *usecase.Pipeline
	timeout  *deadline
}

// New builds a runnable application instance.
func New(cfg config.Config, baseLogger *slog.Logger) *Application {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}

	st := state.Load(cfg.State.Path, baseLogger.With("component", "state"))

	feedClient := feed.NewParser(nil, baseLogger.With("component", "feed"))
	scheduler := fetch.NewScheduler(feedClient, nil, fetch.Config{
		Concurrency: cfg.Sync.FetchConcurrency,
		MaxAgeDays:  cfg.Sync.MaxAgeDays,
		CheckLinks:  cfg.Sync.CheckLinks,
		LinkTimeout: cfg.Sync.LinkTimeout(),
	}, baseLogger.With("component", "fetch"))

	var classifier ports.Classifier
	if cfg.Triage.Enabled && cfg.Triage.APIKey != "" {
		classifier = llm.NewClient(llm.Config{
			Endpoint:     cfg.Triage.Endpoint,
			Model:        cfg.Triage.Model,
			APIKey:       cfg.Triage.APIKey,
			SystemPrompt: cfg.Triage.SystemPrompt,
		}, baseLogger.With("component", "llm"))
	}
	batcher := classify.NewBatcher(classifier, classify.Config{
		Enabled:     cfg.Triage.Enabled,
		BatchSize:   cfg.Sync.BatchSize,
		Concurrency: cfg.Sync.AIConcurrency,
	}, baseLogger.With("component", "classify"))

	storeClient := store.NewClient(store.Config{
		Endpoint:   cfg.Store.Endpoint,
		APIKey:     cfg.Store.APIKey,
		Collection: cfg.Store.Collection,
	}, baseLogger.With("component", "store"))

	publisher := publish.NewPublisher(storeClient, publish.Config{
		BatchSize:  cfg.Sync.BatchSize,
		Delay:      cfg.Sync.PublishDelay(),
		MaxRetries: cfg.Sync.MaxRetries,
		BaseDelay:  cfg.Sync.BaseDelay(),
	}, baseLogger.With("component", "publish"))

	enforcer := retention.NewEnforcer(storeClient, retention.Config{
		Days:     cfg.Retention.Days,
		HardCap:  cfg.Retention.HardCap,
		PageSize: cfg.Retention.PageSize,
	}, baseLogger.With("component", "retention"))

	var notifier ports.Notifier
	if tg := cfg.Notifications.Telegram; tg.BotToken != "" && tg.ChatID != "" {
		notifier = telegram.NewNotifier(tg.BotToken, tg.ChatID)
	}

	pipeline := usecase.NewPipeline(usecase.PipelineDeps{
		Sources:   sourcesFrom(cfg.Feeds),
		Scheduler: scheduler,
		Batcher:   batcher,
		Publisher: publisher,
		Enforcer:  enforcer,
		State:     st,
		Notifier:  notifier,
		Logger:    baseLogger.With("component", "pipeline"),
		Options: usecase.Options{
			StatePath:      cfg.State.Path,
			MaxItemsPerRun: cfg.Sync.MaxItemsPerRun,
			MinSample:      cfg.Quality.MinSample,
			Threshold:      cfg.Quality.Threshold,
		},
	})

	return &Application{cfg: cfg, logger: baseLogger, pipeline: pipeline}
}

// Run arms the process-wide deadline and executes a single synchronization
// run. The deadline is a hard cancellation: when it fires the process exits
// immediately with ExitTimeout, without giving in-flight work a chance to
// clean up.
func (a *Application) Run(ctx context.Context) error {
	if d := a.cfg.Sync.GlobalTimeout(); d > 0 {
		a.timeout = armDeadline(d, a.logger)
		defer a.timeout.disarm()
	}

	summary, err := a.pipeline.Run(ctx)
	if err != nil {
		return err
	}

	a.logger.Info("run complete",
		"sources", summary.SourcesTotal,
		"skipped", summary.SourcesSkipped,
		"fetched", summary.Fetched,
		"new", summary.New,
		"published", summary.Published,
		"failed", summary.Failed,
		"archived_by_age", summary.ArchivedByAge,
		"archived_by_cap", summary.ArchivedByCap)
	return nil
}

// sourcesFrom deduplicates configured feeds by URL; order is irrelevant.
func sourcesFrom(feeds []config.FeedConfig) []domain.Source {
	seen := map[string]bool{}
	sources := make([]domain.Source, 0, len(feeds))
	for _, f := range feeds {
		if f.URL == "" || seen[f.URL] {
			continue
		}
		seen[f.URL] = true
		name := f.Name
		if name == "" {
			name = f.URL
		}
		sources = append(sources, domain.Source{Identity: f.URL, DisplayName: name})
	}
	return sources
}
