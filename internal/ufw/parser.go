package ufw

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/fwsentry/ufw-abuse-reporter/internal/domain"
)

// BlockMarker identifies a UFW block entry within a syslog line.
const BlockMarker = "[UFW BLOCK]"

var (
	// ErrNotBlockLine signals a line without the block marker. Not an error
	// condition for the pipeline; such lines are ignored.
	ErrNotBlockLine = errors.New("line does not contain UFW block marker")

	// ErrMissingSource signals a block line without a SRC= token. The source
	// address is the only mandatory field.
	ErrMissingSource = errors.New("block line has no source address")
)

// Parse parses a raw log line into a BlockEvent.
// Lines without the block marker return ErrNotBlockLine. Within a candidate
// line every field except SRC is optional: tokens are key=value pairs in any
// order, malformed numeric values resolve to absent rather than zero, and the
// bare tokens ACK and SYN set the corresponding flags.
func Parse(line string) (*domain.BlockEvent, error) {
	markerIdx := strings.Index(line, BlockMarker)
	if markerIdx == -1 {
		return nil, ErrNotBlockLine
	}

	event := &domain.BlockEvent{
		RawLine:   line,
		Timestamp: parseSyslogTimestamp(line),
	}

	for _, token := range strings.Fields(line[markerIdx+len(BlockMarker):]) {
		eq := strings.IndexByte(token, '=')
		if eq == -1 {
			switch token {
			case "ACK":
				event.ACK = true
			case "SYN":
				event.SYN = true
			}
			continue
		}

		key, value := token[:eq], token[eq+1:]
		if value == "" {
			continue
		}

		switch key {
		case "SRC":
			event.SrcIP = value
		case "DST":
			event.DstIP = value
		case "PROTO":
			event.Proto = value
		case "SPT":
			event.SrcPort = parseUint16(value)
		case "DPT":
			event.DstPort = parseUint16(value)
		case "TTL":
			event.TTL = parseUint16(value)
		case "LEN":
			event.PacketLength = parseUint32(value)
		case "TOS":
			event.TOS = value
		case "ID":
			event.PacketID = parseUint32(value)
		case "MAC":
			event.MAC = value
		case "WINDOW":
			event.WindowSize = parseUint32(value)
		case "URGP":
			event.UrgentPtr = parseUint32(value)
		case "IN":
			event.InInterface = value
		case "OUT":
			event.OutInterface = value
		}
	}

	if event.SrcIP == "" {
		return nil, ErrMissingSource
	}

	return event, nil
}

// parseSyslogTimestamp extracts the classic syslog "Jan _2 15:04:05" prefix.
// The year is taken from the current clock since syslog omits it. Returns the
// zero time when the prefix is not present or not parseable.
func parseSyslogTimestamp(line string) time.Time {
	if len(line) < len(time.Stamp) {
		return time.Time{}
	}
	ts, err := time.Parse(time.Stamp, line[:len(time.Stamp)])
	if err != nil {
		return time.Time{}
	}
	now := time.Now()
	ts = ts.AddDate(now.Year(), 0, 0)
	// A December entry read in January belongs to the previous year.
	if ts.After(now.AddDate(0, 0, 1)) {
		ts = ts.AddDate(-1, 0, 0)
	}
	return ts
}

func parseUint16(s string) *uint16 {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return nil
	}
	u := uint16(v)
	return &u
}

func parseUint32(s string) *uint32 {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return nil
	}
	u := uint32(v)
	return &u
}
