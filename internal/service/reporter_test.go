package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fwsentry/ufw-abuse-reporter/internal/abuseipdb"
	"github.com/fwsentry/ufw-abuse-reporter/internal/buffer"
	"github.com/fwsentry/ufw-abuse-reporter/internal/cache"
	"github.com/fwsentry/ufw-abuse-reporter/internal/categories"
	"github.com/fwsentry/ufw-abuse-reporter/internal/dispatch"
	"github.com/fwsentry/ufw-abuse-reporter/internal/domain"
	"github.com/fwsentry/ufw-abuse-reporter/internal/notify"
	"github.com/fwsentry/ufw-abuse-reporter/internal/ratelimit"
)

type fakeClient struct {
	reports []string
	bulks   int
}

func (f *fakeClient) Report(ctx context.Context, ip, categories, comment string) (int, error) {
	f.reports = append(f.reports, ip)
	return 100, nil
}

func (f *fakeClient) BulkReport(ctx context.Context, reports []domain.PendingReport) (*abuseipdb.BulkResult, error) {
	f.bulks++
	return &abuseipdb.BulkResult{Saved: len(reports)}, nil
}

func newTestService(t *testing.T) (*ReporterService, *fakeClient) {
	t.Helper()

	dir := t.TempDir()

	reportCache := cache.New(filepath.Join(dir, "reported.cache"), 12*time.Hour)
	if err := reportCache.Load(); err != nil {
		t.Fatalf("cache load: %v", err)
	}

	store, err := buffer.Open(filepath.Join(dir, "pending.db"))
	if err != nil {
		t.Fatalf("buffer open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	client := &fakeClient{}
	hostAddrs := func() map[string]struct{} {
		return map[string]struct{}{"198.51.100.1": {}}
	}

	s := &ReporterService{
		reportCache: reportCache,
		bulkBuffer:  store,
		notifier:    notify.New("", ""),
		lineCh:      make(chan string, 16),
		doneCh:      make(chan struct{}),
	}
	s.dispatcher = dispatch.New(client, reportCache, store, nil, categories.BuiltIn(), hostAddrs, "test-host")
	s.controller = ratelimit.New(s.dispatcher.FlushPending, s.dispatcher.PendingCount, time.Minute)
	s.dispatcher.SetController(s.controller)

	return s, client
}

func TestProcessLineReportsBlockEvent(t *testing.T) {
	s, client := newTestService(t)

	line := "Jan 15 10:20:30 host kernel: [12345.6] [UFW BLOCK] IN=eth0 OUT= SRC=203.0.113.5 DST=198.51.100.1 PROTO=TCP SPT=55123 DPT=22 TTL=52 LEN=60"
	s.processLine(context.Background(), line)

	if len(client.reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(client.reports))
	}
	if client.reports[0] != "203.0.113.5" {
		t.Errorf("reported IP = %q, want 203.0.113.5", client.reports[0])
	}
	if !s.reportCache.IsRecentlyReported("203.0.113.5") {
		t.Error("expected address marked in cooldown cache")
	}
}

func TestProcessLineIgnoresNonBlockLines(t *testing.T) {
	s, client := newTestService(t)

	s.processLine(context.Background(), "Jan 15 10:20:30 host sshd[123]: Accepted publickey for root")
	s.processLine(context.Background(), "Jan 15 10:20:30 host kernel: [UFW AUDIT] SRC=203.0.113.9")

	if len(client.reports) != 0 {
		t.Fatalf("expected no reports, got %d", len(client.reports))
	}
}

func TestProcessLineSkipsExcludedSource(t *testing.T) {
	s, client := newTestService(t)

	line := "Jan 15 10:20:30 host kernel: [UFW BLOCK] IN=eth0 OUT= SRC=192.168.1.10 DST=198.51.100.1 PROTO=TCP SPT=55123 DPT=22"
	s.processLine(context.Background(), line)

	if len(client.reports) != 0 {
		t.Fatalf("expected no reports for private source, got %d", len(client.reports))
	}
}

func TestNotifyOnTransitionTracksQuotaState(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	s.notifyOnTransition(ctx)
	if s.wasLimited {
		t.Fatal("expected normal state before any limit")
	}

	s.controller.EnterLimited()
	s.notifyOnTransition(ctx)
	if !s.wasLimited {
		t.Fatal("expected limited state recorded after quota exhaustion")
	}

	// Repeat ticks in the same state must not flap.
	s.notifyOnTransition(ctx)
	if !s.wasLimited {
		t.Fatal("state flapped without a controller transition")
	}
}

func TestWorkerDrainsQueuedLines(t *testing.T) {
	s, client := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	go s.runWorker(ctx)

	s.lineCh <- "Jan 15 10:20:30 host kernel: [UFW BLOCK] IN=eth0 OUT= SRC=203.0.113.5 DST=198.51.100.1 PROTO=TCP SPT=1 DPT=80"

	deadline := time.After(2 * time.Second)
	for len(client.reports) == 0 {
		select {
		case <-deadline:
			t.Fatal("worker did not process queued line in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-s.doneCh:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit on context cancel")
	}

	if client.reports[0] != "203.0.113.5" {
		t.Errorf("reported IP = %q, want 203.0.113.5", client.reports[0])
	}
}

func TestProcessLineDeduplicatesWithinCooldown(t *testing.T) {
	s, client := newTestService(t)

	lines := []string{
		"Jan 15 10:20:30 host kernel: [UFW BLOCK] IN=eth0 OUT= SRC=203.0.113.5 DST=198.51.100.1 PROTO=TCP SPT=1 DPT=22",
		"Jan 15 10:20:31 host kernel: [UFW BLOCK] IN=eth0 OUT= SRC=203.0.113.5 DST=198.51.100.1 PROTO=TCP SPT=2 DPT=22",
	}
	for _, line := range lines {
		s.processLine(context.Background(), line)
	}

	// Second sighting falls inside the cooldown window.
	if len(client.reports) != 1 {
		t.Fatalf("expected 1 report across repeat sightings, got %d", len(client.reports))
	}
}
