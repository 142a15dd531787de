// Package service wires the tailer, parser, dispatcher and rate-limit
// controller into one sequential reporting pipeline.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fwsentry/ufw-abuse-reporter/internal/abuseipdb"
	"github.com/fwsentry/ufw-abuse-reporter/internal/archive"
	"github.com/fwsentry/ufw-abuse-reporter/internal/buffer"
	"github.com/fwsentry/ufw-abuse-reporter/internal/cache"
	"github.com/fwsentry/ufw-abuse-reporter/internal/categories"
	"github.com/fwsentry/ufw-abuse-reporter/internal/config"
	"github.com/fwsentry/ufw-abuse-reporter/internal/dispatch"
	"github.com/fwsentry/ufw-abuse-reporter/internal/hostaddr"
	"github.com/fwsentry/ufw-abuse-reporter/internal/notify"
	"github.com/fwsentry/ufw-abuse-reporter/internal/ratelimit"
	"github.com/fwsentry/ufw-abuse-reporter/internal/ufw"
)

// statusLogInterval is how often the controller emits a status line while
// the rate limit is active.
const statusLogInterval = 5 * time.Minute

// ReporterService owns the reporting pipeline and its lifecycle. A single
// worker goroutine drains the line queue and drives both dispatch and the
// rate-limit controller, so the cache and buffer never see concurrent
// mutations.
type ReporterService struct {
	cfg *config.Config

	reportCache *cache.ReportCache
	bulkBuffer  *buffer.Store
	controller  *ratelimit.Controller
	dispatcher  *dispatch.Dispatcher
	tailer      *ufw.Tailer
	hostAddrs   *hostaddr.Provider
	notifier    *notify.Notifier
	archiver    *archive.Writer // nil when archiving is disabled

	lineCh chan string
	doneCh chan struct{}

	wasLimited bool
}

// NewReporterService builds the pipeline from configuration
func NewReporterService(cfg *config.Config) (*ReporterService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	reportCache := cache.New(cfg.CacheFile, cfg.CooldownWindow)
	if err := reportCache.Load(); err != nil {
		// Degrade to an empty cache rather than refusing to start.
		log.Error().Err(err).Msg("Failed to load report cache, starting empty")
	}

	bulkBuffer, err := buffer.Open(cfg.BufferFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open bulk buffer: %w", err)
	}

	table := categories.BuiltIn()
	if cfg.CategoryMap != "" {
		table, err = categories.Load(cfg.CategoryMap)
		if err != nil {
			bulkBuffer.Close()
			return nil, fmt.Errorf("failed to load category table: %w", err)
		}
	}

	client := abuseipdb.NewClient(cfg.APIBaseURL, cfg.APIKey)
	provider := hostaddr.NewProvider(cfg.IPLookupURL, cfg.IPRefreshInterval)
	notifier := notify.New(cfg.WebhookURL, cfg.ServerID)

	var archiver *archive.Writer
	if cfg.ArchiveEnabled {
		archiver, err = archive.NewWriter(cfg.ClickHouseHost, cfg.ClickHousePort, cfg.ClickHouseDB, archive.DefaultBatchConfig())
		if err != nil {
			bulkBuffer.Close()
			return nil, fmt.Errorf("failed to connect archive: %w", err)
		}
	}

	s := &ReporterService{
		cfg:         cfg,
		reportCache: reportCache,
		bulkBuffer:  bulkBuffer,
		hostAddrs:   provider,
		notifier:    notifier,
		archiver:    archiver,
		tailer:      ufw.NewTailer(cfg.UFWLogFile, cfg.PollInterval),
		lineCh:      make(chan string, 1024),
		doneCh:      make(chan struct{}),
	}

	s.dispatcher = dispatch.New(client, reportCache, bulkBuffer, nil, table, provider.Snapshot, cfg.ServerID)
	s.controller = ratelimit.New(s.dispatcher.FlushPending, s.dispatcher.PendingCount, statusLogInterval)
	s.dispatcher.SetController(s.controller)

	return s, nil
}

// Start runs the pipeline until the context is cancelled
func (s *ReporterService) Start(ctx context.Context) error {
	log.Info().Str("file", s.cfg.UFWLogFile).Msg("Reporter service starting")

	if err := s.hostAddrs.Refresh(ctx); err != nil {
		return fmt.Errorf("initial host address discovery failed: %w", err)
	}

	// A previous process may have exited mid-quota-exhaustion; if the quota
	// has since reset the buffered reports go out before any new lines.
	if n := s.dispatcher.PendingCount(); n > 0 && !s.controller.Limited() {
		log.Info().Int("buffered", n).Msg("Reconciling persisted buffer from previous run")
		if err := s.dispatcher.FlushPending(ctx); err != nil {
			log.Error().Err(err).Msg("Startup reconciliation flush failed, entries remain buffered")
		}
	}

	go s.hostAddrs.Start(ctx)
	go s.runWorker(ctx)

	s.notifier.Send(ctx, fmt.Sprintf("UFW abuse reporter started, monitoring %s.", s.cfg.UFWLogFile))

	// Start blocks; the tailer pushes lines into the worker queue.
	err := s.tailer.Start(ctx, func(line string) {
		select {
		case s.lineCh <- line:
		case <-ctx.Done():
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("tailer stopped: %w", err)
	}
	return nil
}

// runWorker is the single consumer of the line queue. Controller ticks share
// the same loop, so state transitions and dispatches never interleave.
func (s *ReporterService) runWorker(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drainQueue()
			return
		case line, ok := <-s.lineCh:
			if !ok {
				return
			}
			s.processLine(ctx, line)
		case <-ticker.C:
			s.controller.Tick(ctx)
			s.notifyOnTransition(ctx)
		}
	}
}

// drainQueue processes lines already queued at shutdown. The tailer has
// stopped by now, so the queue only shrinks.
func (s *ReporterService) drainQueue() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for {
		select {
		case line := <-s.lineCh:
			s.processLine(ctx, line)
		default:
			return
		}
	}
}

// processLine runs one raw line through parse, archive and dispatch
func (s *ReporterService) processLine(ctx context.Context, line string) {
	event, err := ufw.Parse(line)
	if err != nil {
		if errors.Is(err, ufw.ErrNotBlockLine) {
			log.Debug().Str("line", line).Msg("Ignoring non-block line")
		} else {
			log.Warn().Err(err).Str("line", line).Msg("Failed to parse block line")
		}
		return
	}

	if s.archiver != nil {
		if err := s.archiver.Write(ctx, event); err != nil {
			log.Error().Err(err).Msg("Failed to archive block event")
		}
	}

	s.dispatcher.Dispatch(ctx, event)
}

// notifyOnTransition sends a webhook notice when the quota state flips
func (s *ReporterService) notifyOnTransition(ctx context.Context) {
	limited := s.controller.Limited()
	if limited == s.wasLimited {
		return
	}
	s.wasLimited = limited

	if limited {
		s.notifier.Send(ctx, fmt.Sprintf(
			"Daily report quota exhausted; buffering reports until %s.",
			s.controller.ResetAt().Format(time.RFC3339),
		))
	} else {
		s.notifier.Send(ctx, "Daily report quota reset; buffered reports flushed.")
	}
}

// Stop shuts the pipeline down, persisting the cache and buffer
func (s *ReporterService) Stop() error {
	log.Info().Msg("Reporter service stopping")

	s.tailer.Stop()
	s.hostAddrs.Stop()

	// Wait briefly for the worker to drain in-flight lines.
	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Worker did not drain in time")
	}

	stats := s.dispatcher.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.notifier.SendSummary(ctx, stats.Sent, stats.Queued, stats.Skipped, stats.Failed)

	if err := s.reportCache.Save(); err != nil {
		log.Error().Err(err).Msg("Failed to persist report cache on shutdown")
	}

	if s.archiver != nil {
		if err := s.archiver.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close archive")
		}
	}

	if err := s.bulkBuffer.Close(); err != nil {
		return fmt.Errorf("failed to close bulk buffer: %w", err)
	}

	log.Info().
		Int64("sent", stats.Sent).
		Int64("queued", stats.Queued).
		Int64("skipped", stats.Skipped).
		Int64("failed", stats.Failed).
		Msg("Reporter service stopped")

	return nil
}
