package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/fwsentry/ufw-abuse-reporter/internal/domain"
)

// BuildComment renders the free-text report comment for an event. Absent
// fields render as N/A; the server ID is included only when configured.
func BuildComment(event *domain.BlockEvent, serverID string) string {
	onServer := ""
	if serverID != "" {
		onServer = "on " + serverID + " "
	}

	return fmt.Sprintf(
		"Blocked by UFW %s[%s/%s]\nSource port: %s\nTTL: %s\nPacket length: %s\nTOS: %s",
		onServer,
		orNA16(event.DstPort),
		protoOrNA(event.Proto),
		orNA16(event.SrcPort),
		orNA16(event.TTL),
		orNA32(event.PacketLength),
		orNAString(event.TOS),
	)
}

func protoOrNA(proto string) string {
	if proto == "" {
		return "N/A"
	}
	return strings.ToLower(proto)
}

func orNAString(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func orNA16(v *uint16) string {
	if v == nil {
		return "N/A"
	}
	return fmt.Sprintf("%d", *v)
}

func orNA32(v *uint32) string {
	if v == nil {
		return "N/A"
	}
	return fmt.Sprintf("%d", *v)
}

// formatElapsed renders a duration as "1d 2h 3m 4s", dropping leading zero
// units. Durations under a second render as "0s".
func formatElapsed(d time.Duration) string {
	total := int64(d.Seconds())
	if total < 0 {
		total = 0
	}

	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}

	return strings.Join(parts, " ")
}
