package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"chain-insights/internal/chain"
	"chain-insights/internal/config"
	"chain-insights/internal/content"
	"chain-insights/internal/dedup"
	"chain-insights/internal/insight"
	"chain-insights/internal/logging"
	"chain-insights/internal/publish"
	"chain-insights/internal/scheduler"
	"chain-insights/internal/storage"
	"chain-insights/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// resources collects everything a command opened so it can be released in one place.
type resources struct {
	closers []func()
}

func (r *resources) add(fn func()) {
	r.closers = append(r.closers, fn)
}

func (r *resources) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (a *App) threshold() decimal.Decimal {
	return decimal.NewFromFloat(a.Config.Chain.LargeTxThresholdETH)
}

func (a *App) newCache(res *resources) (chain.Cache, error) {
	if !strings.EqualFold(a.Config.Cache.Backend, "redis") {
		return chain.NewMemoryCache(), nil
	}
	rc := a.Config.Cache.Redis
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	cache := chain.NewRedisCache(client, rc.Prefix)
	res.add(func() { _ = cache.Close() })
	a.Logger.Info().Str("addr", rc.Addr).Msg("using redis chain cache")
	return cache, nil
}

func (a *App) newChainClient(res *resources) (*chain.Client, error) {
	provider := chain.NewEthProvider(chain.EthProviderOptions{
		RPCURL:  a.Config.Chain.RPCURL,
		Timeout: a.Config.Chain.RequestTimeout,
	}, a.Logger)
	res.add(provider.Close)
	a.Logger.Debug().Str("rpc_url", logging.RedactURL(a.Config.Chain.RPCURL)).Msg("chain endpoint configured")

	cache, err := a.newCache(res)
	if err != nil {
		return nil, err
	}

	return chain.New(provider, chain.Options{
		BlockRange: a.Config.Chain.BlockRange,
		Retry: chain.RetryPolicy{
			MaxAttempts: a.Config.Chain.RetryAttempts,
			BaseDelay:   a.Config.Chain.RetryDelay,
		},
		CacheTTL:         a.Config.Chain.CacheTTL(),
		LargeTxThreshold: a.threshold(),
		Cache:            cache,
	}, a.Logger), nil
}

func (a *App) newWriter() *content.Writer {
	gen := content.NewGenerator(a.Config.Content.Limit, nil)
	if a.Config.LLM.APIKey == "" {
		a.Logger.Info().Msg("llm.api_key not configured; using template content only")
		return content.NewWriter(gen, nil, a.Logger)
	}
	llm := content.NewCompletionClient(content.CompletionOptions{
		BaseURL:   a.Config.LLM.BaseURL,
		APIKey:    a.Config.LLM.APIKey,
		Model:     a.Config.LLM.Model,
		Timeout:   a.Config.LLM.Timeout,
		UserAgent: version.UserAgent(),
	}, a.Logger)
	return content.NewWriter(gen, llm, a.Logger)
}

func (a *App) newPublisher() publish.Publisher {
	if strings.EqualFold(a.Config.Publish.Channel, "telegram") {
		cfg := a.Config.Publish.Telegram
		return publish.NewTelegramPublisher(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return publish.NewLogPublisher(a.Logger)
}

func (a *App) openLedger(res *resources) (dedup.Ledger, error) {
	cfg := a.Config.Dedup
	if cfg.Path == "" {
		return dedup.NewMemory(cfg.Capacity), nil
	}

	ledger, err := dedup.OpenLevelDB(cfg.Path, a.Logger)
	if err != nil {
		return nil, err
	}
	res.add(func() { _ = ledger.Close() })

	if cfg.Retention > 0 {
		removed, err := ledger.Prune(time.Now().Add(-cfg.Retention))
		if err != nil {
			a.Logger.Warn().Err(err).Msg("failed to prune dedup ledger")
		} else if removed > 0 {
			a.Logger.Info().Int("removed", removed).Msg("pruned dedup ledger")
		}
	}
	return ledger, nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := storage.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}

	if retention := a.Config.Database.Retention; retention > 0 {
		removed, err := store.DeleteInsightsBefore(ctx, time.Now().Add(-retention))
		if err != nil {
			a.Logger.Warn().Err(err).Msg("failed to apply insight retention")
		} else if removed > 0 {
			a.Logger.Info().Int64("removed", removed).Dur("retention", retention).Msg("pruned stored insights")
		}
	}
	return store, closer, nil
}

// newMonitor wires the chain client, analyzer, content and publishing into a
// monitor. The caller must Close res.
func (a *App) newMonitor(ctx context.Context, res *resources, autoPost bool) (*scheduler.Monitor, error) {
	client, err := a.newChainClient(res)
	if err != nil {
		return nil, err
	}

	ledger, err := a.openLedger(res)
	if err != nil {
		return nil, err
	}

	deps := scheduler.Deps{
		Source:    client,
		Analyzer:  insight.NewAnalyzer(insight.Options{MaxPerType: a.Config.Insights.MaxPerType}),
		Writer:    a.newWriter(),
		Publisher: a.newPublisher(),
		Ledger:    ledger,
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	} else {
		res.add(closeStore)
		deps.Insights = store
		deps.Posts = store
		deps.Locker = store
	}

	return scheduler.New(scheduler.Options{
		PollEnabled:      a.Config.Insights.Enabled,
		PollInterval:     a.Config.Insights.Interval,
		HealthInterval:   a.Config.Health.Interval,
		AutoPost:         autoPost,
		LargeTxThreshold: a.threshold(),
		Channel:          strings.ToLower(a.Config.Publish.Channel),
		AdvisoryLockKey:  a.Config.Insights.AdvisoryLockKey,
	}, deps, a.Logger), nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res := &resources{}
	defer res.Close()

	monitor, err := a.newMonitor(ctx, res, a.Config.Insights.AutoPost)
	if err != nil {
		return err
	}

	if addr := a.Config.Metrics.ListenAddr; addr != "" {
		srv := newStatusServer(addr, monitor, a.Logger)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error().Err(err).Msg("status server terminated")
			}
		}()
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			_ = srv.Shutdown(shutdownCtx)
		}()
		a.Logger.Info().Str("addr", addr).Msg("status server listening")
	}

	a.Logger.Info().Str("version", version.Version).Msg("starting chain insights monitor")
	err = monitor.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("monitor terminated with error")
		return err
	}

	a.Logger.Info().Msg("chain insights monitor stopped")
	return nil
}

// Check runs a single insight cycle and reports the summary.
func (a *App) Check(ctx context.Context, opts CheckOptions) (string, error) {
	res := &resources{}
	defer res.Close()

	monitor, err := a.newMonitor(ctx, res, opts.Post || a.Config.Insights.AutoPost)
	if err != nil {
		return "", err
	}

	if state := monitor.Initialize(ctx); !state.IsHealthy {
		a.Logger.Warn().Str("error", state.LastError).Msg("upstream unhealthy; running check anyway")
	}

	summary, ok := monitor.RunCheck(ctx)
	if !ok {
		return summary, fmt.Errorf("insight check did not succeed")
	}
	return summary, nil
}

// CheckOptions configure the check command.
type CheckOptions struct {
	Post bool
}

// ExportOptions hold parameters for exporting stored insights.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
	Types     []string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	Posts bool
}
