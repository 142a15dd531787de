package abuseipdb

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fwsentry/ufw-abuse-reporter/internal/domain"
)

func TestReportSuccess(t *testing.T) {
	var gotKey, gotIP, gotCategories string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/report" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotKey = r.Header.Get("Key")
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}
		gotIP = r.PostForm.Get("ip")
		gotCategories = r.PostForm.Get("categories")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"ipAddress":"203.0.113.5","abuseConfidenceScore":87}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key")
	score, err := client.Report(context.Background(), "203.0.113.5", "14,22,18", "Blocked by UFW [22/tcp]")
	if err != nil {
		t.Fatalf("Report() error = %v", err)
	}

	if score != 87 {
		t.Errorf("score = %d, want 87", score)
	}
	if gotKey != "test-key" {
		t.Errorf("Key header = %q, want test-key", gotKey)
	}
	if gotIP != "203.0.113.5" {
		t.Errorf("ip = %q", gotIP)
	}
	if gotCategories != "14,22,18" {
		t.Errorf("categories = %q", gotCategories)
	}
}

func TestReportDailyQuota(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"errors":[{"detail":"Daily rate limit of 1000 reports reached. Upgrade your plan.","status":429}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key")
	_, err := client.Report(context.Background(), "203.0.113.5", "14", "comment")

	if !errors.Is(err, ErrDailyQuota) {
		t.Errorf("expected ErrDailyQuota, got %v", err)
	}
}

func TestReportTransient429IsNotQuota(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"errors":[{"detail":"Too many requests this second.","status":429}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key")
	_, err := client.Report(context.Background(), "203.0.113.5", "14", "comment")

	if err == nil {
		t.Fatal("expected an error")
	}
	if errors.Is(err, ErrDailyQuota) {
		t.Error("a per-second 429 must not classify as the daily quota")
	}
}

func TestReportOtherFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"unprocessable", 422, `{"errors":[{"detail":"The ip must be a valid IPv4 or IPv6 address.","status":422}]}`},
		{"server error", 500, "internal error"},
		{"unauthorized", 401, `{"errors":[{"detail":"Authentication failed.","status":401}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClient(server.URL, "test-key")
			_, err := client.Report(context.Background(), "203.0.113.5", "14", "comment")

			if err == nil {
				t.Fatal("expected an error")
			}
			if errors.Is(err, ErrDailyQuota) {
				t.Errorf("status %d must not classify as daily quota", tt.status)
			}
		})
	}
}

func TestBulkReport(t *testing.T) {
	var gotCSV string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bulk-report" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		file, _, err := r.FormFile("csv")
		if err != nil {
			t.Fatalf("missing csv part: %v", err)
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			t.Fatalf("failed to read csv: %v", err)
		}
		gotCSV = string(data)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"savedReports":2,"invalidReports":[]}}`))
	}))
	defer server.Close()

	reports := []domain.PendingReport{
		{IP: "203.0.113.5", Categories: "14,22,18", Timestamp: time.Date(2026, 1, 14, 8, 45, 31, 0, time.UTC), Comment: "Blocked by UFW [22/tcp]"},
		{IP: "198.51.100.9", Categories: "14,21", Timestamp: time.Date(2026, 1, 14, 9, 0, 0, 0, time.UTC), Comment: "Blocked by UFW [443/tcp]"},
	}

	client := NewClient(server.URL, "test-key")
	result, err := client.BulkReport(context.Background(), reports)
	if err != nil {
		t.Fatalf("BulkReport() error = %v", err)
	}

	if result.Saved != 2 || result.Invalid != 0 {
		t.Errorf("result = %+v, want 2 saved", result)
	}

	lines := strings.Split(strings.TrimSpace(gotCSV), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d lines", len(lines))
	}
	if lines[0] != "IP,Categories,ReportDate,Comment" {
		t.Errorf("unexpected header: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "203.0.113.5,") {
		t.Errorf("unexpected first row: %q", lines[1])
	}
	if !strings.Contains(lines[1], "2026-01-14T08:45:31Z") {
		t.Errorf("expected RFC3339 report date, got %q", lines[1])
	}
}

func TestBulkReportEmptyIsNoop(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "test-key") // would fail if contacted
	result, err := client.BulkReport(context.Background(), nil)
	if err != nil {
		t.Fatalf("BulkReport() error = %v", err)
	}
	if result.Saved != 0 {
		t.Errorf("expected empty result, got %+v", result)
	}
}
