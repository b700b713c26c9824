package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"chain-insights/internal/chain"
	"chain-insights/internal/content"
	"chain-insights/internal/dedup"
	"chain-insights/internal/insight"
	"chain-insights/internal/metrics"
	"chain-insights/internal/publish"
	"chain-insights/internal/storage"
)

const (
	DefaultPollInterval   = 5 * time.Minute
	DefaultHealthInterval = time.Minute
)

// Source is the chain data the monitor polls. *chain.Client implements it.
type Source interface {
	Probe(ctx context.Context) (uint64, error)
	LargeTransactions(ctx context.Context, threshold decimal.Decimal) ([]chain.Transaction, error)
	NewContracts(ctx context.Context) ([]chain.ContractDeployment, error)
	TokenTransfers(ctx context.Context) ([]chain.TransferEvent, error)
}

// degradationReporter is implemented by sources that mask failed reads with
// defaults. *chain.Client implements it.
type degradationReporter interface {
	Stats() chain.Stats
}

// PostWriter renders an insight as post text. *content.Writer implements it.
type PostWriter interface {
	Write(ctx context.Context, in insight.Insight, automatic bool) string
}

// Options tune the monitor. Zero intervals take defaults.
type Options struct {
	PollEnabled      bool
	PollInterval     time.Duration
	HealthInterval   time.Duration
	AutoPost         bool
	LargeTxThreshold decimal.Decimal
	Channel          string
	AdvisoryLockKey  int64
	Clock            clockwork.Clock
}

// Deps are the monitor's collaborators. Insights, Posts and Locker may be nil.
type Deps struct {
	Source    Source
	Analyzer  *insight.Analyzer
	Writer    PostWriter
	Publisher publish.Publisher
	Ledger    dedup.Ledger

	Insights storage.InsightStore
	Posts    storage.PostStore
	Locker   storage.AdvisoryLocker
}

// Monitor runs the health loop and the insight poll loop.
type Monitor struct {
	opts   Options
	deps   Deps
	clock  clockwork.Clock
	logger zerolog.Logger

	busy atomic.Bool

	mu     sync.RWMutex
	phase  Phase
	health HealthState
	cancel context.CancelFunc
}

// New constructs a monitor. Missing analyzer, ledger, writer and publisher
// fall back to in-process defaults.
func New(opts Options, deps Deps, logger zerolog.Logger) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Channel == "" {
		opts.Channel = "log"
	}
	logger = logger.With().Str("component", "monitor").Logger()
	if deps.Analyzer == nil {
		deps.Analyzer = insight.NewAnalyzer(insight.Options{})
	}
	if deps.Ledger == nil {
		deps.Ledger = dedup.NewMemory(0)
	}
	if deps.Publisher == nil {
		deps.Publisher = publish.NewLogPublisher(logger)
	}
	if deps.Writer == nil {
		deps.Writer = content.NewWriter(content.NewGenerator(content.DefaultLimit, nil), nil, logger)
	}

	return &Monitor{
		opts:   opts,
		deps:   deps,
		clock:  opts.Clock,
		logger: logger,
		phase:  PhaseUninitialized,
		health: HealthState{Status: HealthUnknown},
	}
}

// Phase returns the current lifecycle state.
func (m *Monitor) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

func (m *Monitor) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

// Health returns a snapshot of the health state.
func (m *Monitor) Health() HealthState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health
}

// Initialize performs the first health probe. It always completes.
func (m *Monitor) Initialize(ctx context.Context) HealthState {
	state := m.CheckHealth(ctx)
	if state.IsHealthy {
		m.logger.Info().Uint64("block", state.BlockNumber).Msg("monitor initialized, upstream healthy")
	} else {
		m.logger.Warn().Str("error", state.LastError).Msg("monitor initialized, upstream unhealthy")
	}
	return state
}

// CheckHealth probes the upstream and updates the health state. A failed
// probe downgrades health; the next successful probe restores it.
func (m *Monitor) CheckHealth(ctx context.Context) HealthState {
	m.mu.Lock()
	if m.phase == PhaseUninitialized {
		m.phase = PhaseHealthChecking
	}
	m.mu.Unlock()

	block, err := m.probe(ctx)
	now := m.clock.Now()

	m.mu.Lock()
	prev := m.health
	next := HealthState{LastHealthCheck: now}
	if err != nil {
		next.Status = HealthUnhealthy
		next.LastError = err.Error()
	} else {
		next.Status = HealthHealthy
		next.IsHealthy = true
		next.BlockNumber = block
	}
	m.health = next
	switch m.phase {
	case PhaseHealthChecking, PhaseHealthy, PhaseUnhealthy:
		if next.IsHealthy {
			m.phase = PhaseHealthy
		} else {
			m.phase = PhaseUnhealthy
		}
	}
	m.mu.Unlock()

	if next.IsHealthy {
		metrics.UpstreamHealthy.Set(1)
	} else {
		metrics.UpstreamHealthy.Set(0)
	}

	switch {
	case prev.Status == HealthUnhealthy && next.IsHealthy:
		m.logger.Info().Uint64("block", block).Msg("upstream recovered")
	case prev.Status != HealthUnhealthy && !next.IsHealthy:
		m.logger.Error().Err(err).Msg("upstream health probe failed")
	default:
		m.logger.Debug().Str("status", string(next.Status)).Msg("health check complete")
	}
	return next
}

func (m *Monitor) probe(ctx context.Context) (block uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health probe panic: %v", r)
		}
	}()
	if m.deps.Source == nil {
		return 0, errors.New("no chain source configured")
	}
	return m.deps.Source.Probe(ctx)
}

// RunCheck runs one insight cycle and returns a human-readable summary and
// whether the cycle succeeded. It is the entry point for timers and commands.
func (m *Monitor) RunCheck(ctx context.Context) (string, bool) {
	report := m.CheckAndPostInsights(ctx)
	return report.Summary(), report.Succeeded()
}

// CheckAndPostInsights fetches the three sources concurrently, analyzes what
// arrived and publishes new insights when auto-posting is on. Failures are
// isolated and logged; the cycle always completes. Overlapping calls are
// skipped.
func (m *Monitor) CheckAndPostInsights(ctx context.Context) (report Report) {
	report.StartedAt = m.clock.Now()
	if !m.busy.CompareAndSwap(false, true) {
		metrics.Cycles.WithLabelValues("skipped").Inc()
		m.logger.Warn().Msg("previous insight cycle still running, skipping")
		return Report{StartedAt: report.StartedAt, Skipped: true, SkipReason: "a previous check is still running"}
	}
	defer m.busy.Store(false)

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("insight cycle panicked, returning partial report")
			if report.SourceErrors == nil {
				report.SourceErrors = map[string]string{}
			}
			report.SourceErrors["cycle"] = fmt.Sprint(r)
		}
		report.Duration = m.clock.Since(report.StartedAt)
	}()

	unlock, proceed := m.acquireLock(ctx)
	if !proceed {
		metrics.Cycles.WithLabelValues("skipped").Inc()
		report.Skipped = true
		report.SkipReason = "another instance holds the cycle lock"
		return report
	}
	if unlock != nil {
		defer unlock()
	}

	timer := metricsTimer(m.clock)
	before := m.degradedReads()
	batch, errs := m.fetch(ctx)
	report.SourceErrors = errs
	report.DegradedReads = int(m.degradedReads() - before)

	report.Insights = m.deps.Analyzer.Analyze(batch)
	m.record(ctx, report.Insights)
	if m.opts.AutoPost {
		m.publish(ctx, &report)
	}

	status := "complete"
	if len(errs) > 0 {
		status = "partial"
	}
	metrics.Cycles.WithLabelValues(status).Inc()
	timer()

	m.logger.Info().
		Int("insights", len(report.Insights)).
		Int("failed_sources", len(errs)).
		Int("degraded_reads", report.DegradedReads).
		Int("published", report.Published).
		Int("duplicates", report.Duplicates).
		Msg("insight cycle finished")
	return report
}

func (m *Monitor) degradedReads() uint64 {
	if r, ok := m.deps.Source.(degradationReporter); ok {
		return r.Stats().Degraded
	}
	return 0
}

func metricsTimer(clock clockwork.Clock) func() {
	start := clock.Now()
	return func() {
		metrics.CycleDuration.Observe(clock.Since(start).Seconds())
	}
}

func (m *Monitor) acquireLock(ctx context.Context) (func(), bool) {
	if m.opts.AdvisoryLockKey == 0 || m.deps.Locker == nil {
		return nil, true
	}
	unlock, acquired, err := m.deps.Locker.TryAdvisoryLock(ctx, m.opts.AdvisoryLockKey)
	if err != nil {
		// 锁不可用时继续执行, 单实例部署不应因数据库抖动停摆
		m.logger.Warn().Err(err).Msg("advisory lock unavailable, running cycle unguarded")
		return nil, true
	}
	if !acquired {
		m.logger.Debug().Msg("skip cycle because advisory lock held elsewhere")
		return nil, false
	}
	return unlock, true
}

// fetch runs each source in its own goroutine. A source that errors or
// panics contributes an empty result and an entry in the returned map.
func (m *Monitor) fetch(ctx context.Context) (insight.Batch, map[string]string) {
	batch := insight.Batch{ObservedAt: m.clock.Now().UTC()}
	errs := make(map[string]string)
	if m.deps.Source == nil {
		for _, name := range allSources {
			errs[name] = "no chain source configured"
		}
		return batch, errs
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	fail := func(name string, err error) {
		mu.Lock()
		errs[name] = err.Error()
		mu.Unlock()
		metrics.SourceFailures.WithLabelValues(name).Inc()
		m.logger.Error().Err(err).Str("source", name).Msg("source fetch failed, continuing with remaining sources")
	}
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					fail(name, fmt.Errorf("panic: %v", r))
				}
			}()
			if err := fn(ctx); err != nil {
				fail(name, err)
			}
		}()
	}

	run(SourceLargeTransactions, func(ctx context.Context) error {
		txs, err := m.deps.Source.LargeTransactions(ctx, m.opts.LargeTxThreshold)
		if err != nil {
			return err
		}
		batch.LargeTransactions = txs
		return nil
	})
	run(SourceNewContracts, func(ctx context.Context) error {
		deployments, err := m.deps.Source.NewContracts(ctx)
		if err != nil {
			return err
		}
		batch.NewContracts = deployments
		return nil
	})
	run(SourceTokenTransfers, func(ctx context.Context) error {
		events, err := m.deps.Source.TokenTransfers(ctx)
		if err != nil {
			return err
		}
		batch.TokenTransfers = events
		return nil
	})

	wg.Wait()
	return batch, errs
}

// record persists observed insights when a store is configured.
func (m *Monitor) record(ctx context.Context, insights []insight.Insight) {
	if m.deps.Insights == nil {
		for _, in := range insights {
			m.logger.Info().Str("type", string(in.Type)).Str("severity", string(in.Severity)).Str("key", in.Key).Msg(in.Title)
		}
		return
	}
	for _, in := range insights {
		rec, err := storage.FromInsight(in)
		if err != nil {
			m.logger.Error().Err(err).Str("key", in.Key).Msg("failed to encode insight")
			continue
		}
		if _, err := m.deps.Insights.InsertInsight(ctx, rec); err != nil {
			m.logger.Error().Err(err).Str("key", in.Key).Msg("failed to persist insight")
		}
	}
}

func (m *Monitor) publish(ctx context.Context, report *Report) {
	for _, in := range report.Insights {
		if ctx.Err() != nil {
			return
		}

		seen, err := m.deps.Ledger.Seen(in.Key)
		if err != nil {
			m.logger.Warn().Err(err).Str("key", in.Key).Msg("dedup lookup failed, publishing anyway")
		}
		if seen {
			report.Duplicates++
			metrics.Posts.WithLabelValues("duplicate").Inc()
			continue
		}

		text := m.deps.Writer.Write(ctx, in, true)
		pubErr := m.safePublish(ctx, text)

		post := storage.PostRecord{InsightKey: in.Key, Channel: m.opts.Channel, Text: text, Status: storage.PostStatusPublished}
		if pubErr != nil {
			msg := pubErr.Error()
			post.Status = storage.PostStatusFailed
			post.Error = &msg
			report.PublishFailures++
			metrics.Posts.WithLabelValues("error").Inc()
			m.logger.Error().Err(pubErr).Str("key", in.Key).Msg("failed to publish insight")
		} else {
			report.Published++
			metrics.Posts.WithLabelValues("ok").Inc()
			if err := m.deps.Ledger.Mark(in.Key, m.clock.Now()); err != nil {
				m.logger.Warn().Err(err).Str("key", in.Key).Msg("failed to record published insight")
			}
		}

		if m.deps.Posts != nil {
			if _, err := m.deps.Posts.InsertPost(ctx, post); err != nil {
				m.logger.Error().Err(err).Str("key", in.Key).Msg("failed to persist post record")
			}
		}
	}
}

func (m *Monitor) safePublish(ctx context.Context, text string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("publisher panic: %v", r)
		}
	}()
	return m.deps.Publisher.Publish(ctx, text)
}

// Run initializes the monitor, then drives the health loop and, when
// enabled, the poll loop on independent tickers until ctx is cancelled or
// Stop is called.
func (m *Monitor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.Initialize(ctx)
	m.setPhase(PhasePolling)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.loop(ctx, "health", m.opts.HealthInterval, func(ctx context.Context) {
			m.CheckHealth(ctx)
		})
	}()

	if m.opts.PollEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.loop(ctx, "poll", m.opts.PollInterval, func(ctx context.Context) {
				summary, ok := m.RunCheck(ctx)
				m.logger.Debug().Bool("ok", ok).Str("summary", summary).Msg("scheduled insight check")
			})
		}()
	} else {
		m.logger.Info().Msg("insight polling disabled; health checks only")
	}

	m.logger.Info().
		Dur("health_interval", m.opts.HealthInterval).
		Dur("poll_interval", m.opts.PollInterval).
		Bool("auto_post", m.opts.AutoPost).
		Msg("monitor started")

	<-ctx.Done()
	wg.Wait()
	m.setPhase(PhaseStopped)
	m.logger.Info().Msg("monitor stopped")
	return ctx.Err()
}

func (m *Monitor) loop(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) {
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.logger.Debug().Str("loop", name).Msg("tick")
			tick(ctx)
		}
	}
}

// Stop cancels Run's timers and in-flight requests. It is safe to call
// before Run or more than once.
func (m *Monitor) Stop() {
	m.mu.RLock()
	cancel := m.cancel
	m.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}
