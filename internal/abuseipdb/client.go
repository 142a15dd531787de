// Package abuseipdb is a client for the AbuseIPDB v2 report endpoints.
package abuseipdb

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fwsentry/ufw-abuse-reporter/internal/domain"
)

const userAgent = "Mozilla/5.0 (compatible; ufw-abuse-reporter/1.0; +https://github.com/fwsentry/ufw-abuse-reporter)"

// ErrDailyQuota marks a 429 response whose body identifies the daily report
// limit. Other 429 causes (per-second throttling) are ordinary failures and
// do not carry this sentinel.
var ErrDailyQuota = errors.New("daily report quota exhausted")

// Client talks to the AbuseIPDB API v2
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client for the given API base URL (".../api/v2")
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError mirrors the error envelope returned by the API
type apiError struct {
	Errors []struct {
		Detail string `json:"detail"`
		Status int    `json:"status"`
	} `json:"errors"`
}

// Report submits a single report and returns the remote abuse confidence
// score. A daily-quota 429 returns ErrDailyQuota.
func (c *Client) Report(ctx context.Context, ip, categories, comment string) (int, error) {
	form := url.Values{}
	form.Set("ip", ip)
	form.Set("categories", categories)
	form.Set("comment", comment)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/report", strings.NewReader(form.Encode()))
	if err != nil {
		return 0, fmt.Errorf("failed to build report request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("report request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("failed to read report response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return 0, c.classifyFailure(resp.StatusCode, body)
	}

	var result struct {
		Data struct {
			AbuseConfidenceScore int `json:"abuseConfidenceScore"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, fmt.Errorf("malformed report response: %w", err)
	}

	return result.Data.AbuseConfidenceScore, nil
}

// BulkResult summarizes a bulk-report upload
type BulkResult struct {
	Saved   int
	Invalid int
}

// BulkReport submits buffered reports as a single CSV upload to the
// bulk-report endpoint.
func (c *Client) BulkReport(ctx context.Context, reports []domain.PendingReport) (*BulkResult, error) {
	if len(reports) == 0 {
		return &BulkResult{}, nil
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("csv", "reports.csv")
	if err != nil {
		return nil, fmt.Errorf("failed to create csv part: %w", err)
	}

	cw := csv.NewWriter(part)
	if err := cw.Write([]string{"IP", "Categories", "ReportDate", "Comment"}); err != nil {
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, r := range reports {
		record := []string{r.IP, r.Categories, r.Timestamp.UTC().Format(time.RFC3339), r.Comment}
		if err := cw.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write csv record: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush csv: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bulk-report", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to build bulk-report request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bulk-report request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read bulk-report response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyFailure(resp.StatusCode, body)
	}

	var result struct {
		Data struct {
			SavedReports   int `json:"savedReports"`
			InvalidReports []struct {
				Error    string `json:"error"`
				Input    string `json:"input"`
				RowIndex int    `json:"rowNumber"`
			} `json:"invalidReports"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("malformed bulk-report response: %w", err)
	}

	for _, invalid := range result.Data.InvalidReports {
		log.Warn().
			Str("input", invalid.Input).
			Str("error", invalid.Error).
			Int("row", invalid.RowIndex).
			Msg("Bulk report row rejected")
	}

	return &BulkResult{
		Saved:   result.Data.SavedReports,
		Invalid: len(result.Data.InvalidReports),
	}, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
}

// classifyFailure turns a non-200 response into an error, tagging daily-quota
// 429s with ErrDailyQuota. The body text is what distinguishes the daily
// limit from other 429 causes.
func (c *Client) classifyFailure(status int, body []byte) error {
	detail := errorDetail(body)

	if status == http.StatusTooManyRequests && strings.Contains(strings.ToLower(detail), "daily") {
		return fmt.Errorf("%w: %s", ErrDailyQuota, detail)
	}

	if detail != "" {
		return fmt.Errorf("api returned status %d: %s", status, detail)
	}
	return fmt.Errorf("api returned status %d", status)
}

func errorDetail(body []byte) string {
	var envelope apiError
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Errors) == 0 {
		return strings.TrimSpace(string(body))
	}
	details := make([]string, 0, len(envelope.Errors))
	for _, e := range envelope.Errors {
		details = append(details, e.Detail)
	}
	return strings.Join(details, "; ")
}
