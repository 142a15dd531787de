// Package cache tracks which addresses were successfully reported and when,
// so the same address is never reported twice within the cooldown window.
package cache

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ReportCache is an in-memory address -> last-reported-at map backed by a
// flat file with one "address epochSeconds" record per line. Timestamps only
// move forward, and only after a report was confirmed successful.
type ReportCache struct {
	path     string
	cooldown time.Duration
	reported map[string]int64

	now func() time.Time // overridable in tests
}

// New creates a report cache backed by the given file
func New(path string, cooldown time.Duration) *ReportCache {
	return &ReportCache{
		path:     path,
		cooldown: cooldown,
		reported: make(map[string]int64),
		now:      time.Now,
	}
}

// Load reads the backing file into memory. A missing file is an empty cache,
// not an error. Malformed records are skipped without aborting the load.
func (c *ReportCache) Load() error {
	file, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("file", c.path).Msg("Report cache file does not exist, starting empty")
			return nil
		}
		return fmt.Errorf("failed to open report cache: %w", err)
	}
	defer file.Close()

	skipped := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			skipped++
			continue
		}

		ts, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			skipped++
			continue
		}

		c.reported[fields[0]] = ts
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read report cache: %w", err)
	}

	log.Info().
		Str("file", c.path).
		Int("addresses", len(c.reported)).
		Int("skipped", skipped).
		Msg("Loaded report cache")

	return nil
}

// IsRecentlyReported reports whether the address was successfully reported
// within the cooldown window.
func (c *ReportCache) IsRecentlyReported(address string) bool {
	ts, ok := c.reported[address]
	if !ok {
		return false
	}
	return c.now().Unix()-ts < int64(c.cooldown.Seconds())
}

// LastReportedAt returns when the address was last reported and whether it
// has ever been reported. Used for "reported N ago" log lines.
func (c *ReportCache) LastReportedAt(address string) (time.Time, bool) {
	ts, ok := c.reported[address]
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(ts, 0), true
}

// MarkReported records a successful report for the address at the current
// time, extending any existing window, and persists the cache synchronously.
// A persistence failure is logged but does not roll back the in-memory state.
func (c *ReportCache) MarkReported(address string) {
	c.reported[address] = c.now().Unix()

	if err := c.Save(); err != nil {
		log.Error().Err(err).Str("file", c.path).Msg("Failed to persist report cache")
	}
}

// Save writes the cache to disk, writing a new file and renaming it over the
// old one so a crash mid-write cannot corrupt existing records.
func (c *ReportCache) Save() error {
	tmp := c.path + ".tmp"

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create cache temp file: %w", err)
	}

	addresses := make([]string, 0, len(c.reported))
	for addr := range c.reported {
		addresses = append(addresses, addr)
	}
	sort.Strings(addresses)

	w := bufio.NewWriter(file)
	for _, addr := range addresses {
		fmt.Fprintf(w, "%s %d\n", addr, c.reported[addr])
	}
	if err := w.Flush(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write cache: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close cache temp file: %w", err)
	}

	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace cache file: %w", err)
	}

	return nil
}

// Size returns the number of cached addresses
func (c *ReportCache) Size() int {
	return len(c.reported)
}
