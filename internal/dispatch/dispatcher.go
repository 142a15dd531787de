// Package dispatch orchestrates the reporting decision for each block event:
// filter, cooldown cache, rate-limit controller, remote call, cache update.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fwsentry/ufw-abuse-reporter/internal/abuseipdb"
	"github.com/fwsentry/ufw-abuse-reporter/internal/buffer"
	"github.com/fwsentry/ufw-abuse-reporter/internal/cache"
	"github.com/fwsentry/ufw-abuse-reporter/internal/categories"
	"github.com/fwsentry/ufw-abuse-reporter/internal/domain"
	"github.com/fwsentry/ufw-abuse-reporter/internal/filter"
)

// Outcome classifies the result of a dispatch
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeQueued  Outcome = "queued"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Result carries the dispatch outcome with its supporting detail
type Result struct {
	Outcome Outcome
	Reason  string
	Score   int // abuse confidence score, only meaningful for OutcomeSent
}

// ReportClient is the remote reporting surface the dispatcher needs
type ReportClient interface {
	Report(ctx context.Context, ip, categories, comment string) (int, error)
	BulkReport(ctx context.Context, reports []domain.PendingReport) (*abuseipdb.BulkResult, error)
}

// QuotaController is the slice of the rate-limit controller the dispatcher
// consults on each dispatch.
type QuotaController interface {
	Buffering() bool
	EnterLimited()
}

// HostAddrFunc returns a point-in-time snapshot of the host's own addresses
type HostAddrFunc func() map[string]struct{}

// Stats counts dispatch outcomes over the process lifetime
type Stats struct {
	Sent    int64
	Queued  int64
	Skipped int64
	Failed  int64
}

// Dispatcher routes reportable events to the remote service or the bulk
// buffer. All calls into Dispatch and FlushPending come from the single
// pipeline worker; the stats mutex only guards snapshot reads from the
// status/summary paths.
type Dispatcher struct {
	client     ReportClient
	cache      *cache.ReportCache
	buffer     *buffer.Store
	controller QuotaController
	table      *categories.Table
	hostAddrs  HostAddrFunc
	serverID   string

	statsMu sync.Mutex
	stats   Stats

	now func() time.Time
}

// New creates a dispatcher
func New(
	client ReportClient,
	reportCache *cache.ReportCache,
	bulkBuffer *buffer.Store,
	controller QuotaController,
	table *categories.Table,
	hostAddrs HostAddrFunc,
	serverID string,
) *Dispatcher {
	return &Dispatcher{
		client:     client,
		cache:      reportCache,
		buffer:     bulkBuffer,
		controller: controller,
		table:      table,
		hostAddrs:  hostAddrs,
		serverID:   serverID,
		now:        time.Now,
	}
}

// SetController attaches the quota controller. The controller's flush hooks
// point back at this dispatcher, so the two are wired after construction.
func (d *Dispatcher) SetController(controller QuotaController) {
	d.controller = controller
}

// Dispatch runs the full decision chain for one event
func (d *Dispatcher) Dispatch(ctx context.Context, event *domain.BlockEvent) Result {
	tracer := otel.Tracer("dispatch")
	ctx, span := tracer.Start(ctx, "dispatch.report")
	defer span.End()

	reportID := uuid.NewString()
	span.SetAttributes(
		attribute.String("report.id", reportID),
		attribute.String("report.src_ip", event.SrcIP),
	)

	result := d.dispatch(ctx, reportID, event)

	d.statsMu.Lock()
	switch result.Outcome {
	case OutcomeSent:
		d.stats.Sent++
	case OutcomeQueued:
		d.stats.Queued++
	case OutcomeSkipped:
		d.stats.Skipped++
	case OutcomeFailed:
		d.stats.Failed++
	}
	d.statsMu.Unlock()

	span.SetAttributes(attribute.String("report.outcome", string(result.Outcome)))
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, reportID string, event *domain.BlockEvent) Result {
	verdict := filter.Evaluate(event, d.hostAddrs())
	if !verdict.Reportable {
		switch verdict.Reason {
		case filter.ReasonMissingSource:
			log.Warn().
				Str("report_id", reportID).
				Str("line", event.RawLine).
				Msg("Event has no usable source address")
			return Result{Outcome: OutcomeFailed, Reason: string(verdict.Reason)}
		case filter.ReasonSelfAddress:
			log.Debug().
				Str("report_id", reportID).
				Str("ip", event.SrcIP).
				Msg("Ignoring own address")
		case filter.ReasonSpecialPurpose:
			log.Debug().
				Str("report_id", reportID).
				Str("ip", event.SrcIP).
				Msg("Ignoring special-purpose address")
		case filter.ReasonUnsupportedProto:
			log.Debug().
				Str("report_id", reportID).
				Str("ip", event.SrcIP).
				Str("proto", event.Proto).
				Msg("Skipping spoofable protocol")
		}
		return Result{Outcome: OutcomeSkipped, Reason: string(verdict.Reason)}
	}

	if d.cache.IsRecentlyReported(event.SrcIP) {
		reason := "recently reported"
		if last, ok := d.cache.LastReportedAt(event.SrcIP); ok {
			elapsed := formatElapsed(d.now().Sub(last))
			reason = fmt.Sprintf("recently reported, %s ago", elapsed)
			log.Info().
				Str("report_id", reportID).
				Str("ip", event.SrcIP).
				Str("elapsed", elapsed).
				Msg("Address within cooldown window, skipping")
		}
		return Result{Outcome: OutcomeSkipped, Reason: reason}
	}

	codes := d.table.Lookup(event.Proto, event.DstPortOrZero())
	comment := BuildComment(event, d.serverID)

	if d.controller.Buffering() {
		return d.enqueue(reportID, event, codes, comment, "rate limit active")
	}

	score, err := d.client.Report(ctx, event.SrcIP, codes, comment)
	if err != nil {
		if errors.Is(err, abuseipdb.ErrDailyQuota) {
			d.controller.EnterLimited()
			return d.enqueue(reportID, event, codes, comment, "daily quota exhausted")
		}

		log.Error().
			Str("report_id", reportID).
			Str("ip", event.SrcIP).
			Err(err).
			Msg("Report failed")
		// No cooldown was set, so the address stays eligible for retry on
		// its next occurrence in the log.
		return Result{Outcome: OutcomeFailed, Reason: err.Error()}
	}

	d.cache.MarkReported(event.SrcIP)

	log.Info().
		Str("report_id", reportID).
		Str("ip", event.SrcIP).
		Str("categories", codes).
		Int("abuse_score", score).
		Msg("Reported address")

	return Result{Outcome: OutcomeSent, Score: score}
}

func (d *Dispatcher) enqueue(reportID string, event *domain.BlockEvent, codes, comment, why string) Result {
	report := domain.PendingReport{
		IP:         event.SrcIP,
		Categories: codes,
		Timestamp:  d.now(),
		Comment:    comment,
	}
	if !event.Timestamp.IsZero() {
		report.Timestamp = event.Timestamp
	}

	stored, err := d.buffer.Enqueue(report)
	if err != nil {
		log.Error().
			Str("report_id", reportID).
			Str("ip", event.SrcIP).
			Err(err).
			Msg("Failed to buffer pending report")
		return Result{Outcome: OutcomeFailed, Reason: err.Error()}
	}

	if stored {
		log.Info().
			Str("report_id", reportID).
			Str("ip", event.SrcIP).
			Str("why", why).
			Msg("Report buffered for bulk submission")
	}

	return Result{Outcome: OutcomeQueued, Reason: why}
}

// FlushPending submits all buffered reports as one bulk upload. On success
// the flushed addresses enter the cooldown cache and the buffer is cleared;
// on failure everything stays buffered for the next opportunity.
func (d *Dispatcher) FlushPending(ctx context.Context) error {
	tracer := otel.Tracer("dispatch")
	ctx, span := tracer.Start(ctx, "dispatch.bulk_flush")
	defer span.End()

	reports, err := d.buffer.All()
	if err != nil {
		return fmt.Errorf("failed to read pending reports: %w", err)
	}
	if len(reports) == 0 {
		return nil
	}

	span.SetAttributes(attribute.Int("flush.count", len(reports)))

	result, err := d.client.BulkReport(ctx, reports)
	if err != nil {
		return fmt.Errorf("bulk report failed: %w", err)
	}

	for _, r := range reports {
		d.cache.MarkReported(r.IP)
	}

	if err := d.buffer.Clear(); err != nil {
		return fmt.Errorf("failed to clear buffer after flush: %w", err)
	}

	log.Info().
		Int("submitted", len(reports)).
		Int("saved", result.Saved).
		Int("invalid", result.Invalid).
		Msg("Bulk flush complete")

	return nil
}

// PendingCount returns the number of buffered reports, 0 on read failure
func (d *Dispatcher) PendingCount() int {
	n, err := d.buffer.Len()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read buffer size")
		return 0
	}
	return n
}

// Snapshot returns the lifetime outcome counters
func (d *Dispatcher) Snapshot() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}
