package ufw

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// LineHandler receives one complete, newline-terminated line at a time,
// in file order. The tailer never calls it concurrently.
type LineHandler func(line string)

// Tailer tails a single log file by polling its size. It owns the byte
// offset and the carried-over partial line; both are in-memory only. At
// startup the offset is set to the current file size, so history present
// before the process started is never replayed.
type Tailer struct {
	path         string
	pollInterval time.Duration

	offsetBytes uint64
	partialLine string

	stopCh chan struct{}
}

// NewTailer creates a tailer for the given file path
func NewTailer(path string, pollInterval time.Duration) *Tailer {
	return &Tailer{
		path:         path,
		pollInterval: pollInterval,
		stopCh:       make(chan struct{}),
	}
}

// Start begins tailing and blocks until the context is cancelled or Stop is
// called. The monitored file must exist when Start is called. Each poll cycle
// reads appended bytes and dispatches complete lines to the handler before
// the next cycle begins, so line order and offset bookkeeping never race.
func (t *Tailer) Start(ctx context.Context, handler LineHandler) error {
	stat, err := os.Stat(t.path)
	if err != nil {
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	t.offsetBytes = uint64(stat.Size())

	log.Info().
		Str("file", t.path).
		Uint64("offset", t.offsetBytes).
		Msg("Tailing log file from current end")

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.stopCh:
			return nil
		case <-ticker.C:
			if err := t.poll(handler); err != nil {
				log.Warn().Err(err).Str("file", t.path).Msg("Error reading log file, will retry")
			}
		}
	}
}

// Stop stops the tailer
func (t *Tailer) Stop() {
	close(t.stopCh)
}

// poll checks the file size and processes any appended bytes. The offset only
// advances after a successful read, so a failed read is retried next cycle.
func (t *Tailer) poll(handler LineHandler) error {
	stat, err := os.Stat(t.path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	size := uint64(stat.Size())

	if size < t.offsetBytes {
		log.Warn().
			Str("file", t.path).
			Uint64("old_offset", t.offsetBytes).
			Uint64("new_size", size).
			Msg("File truncated or rotated, resetting offset")
		t.offsetBytes = 0
		t.partialLine = ""
	}

	if size == t.offsetBytes {
		return nil
	}

	chunk, err := t.readChunk(t.offsetBytes, size-t.offsetBytes)
	if err != nil {
		return err
	}

	data := t.partialLine + string(chunk)
	lines := strings.Split(data, "\n")

	// The final element is either empty (chunk ended on a newline) or an
	// unterminated fragment carried to the next poll.
	t.partialLine = lines[len(lines)-1]
	t.offsetBytes = size

	for _, line := range lines[:len(lines)-1] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		handler(line)
	}

	return nil
}

// readChunk reads exactly n bytes starting at the given offset
func (t *Tailer) readChunk(offset, n uint64) ([]byte, error) {
	file, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to offset: %w", err)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(file, buf); err != nil {
		return nil, fmt.Errorf("failed to read chunk: %w", err)
	}

	return buf, nil
}
