// Package filter decides whether a block event is eligible for abuse
// reporting, given a snapshot of the host's own addresses.
package filter

import (
	"net/netip"

	"github.com/fwsentry/ufw-abuse-reporter/internal/domain"
)

// Reason explains why an event was excluded from reporting
type Reason string

const (
	ReasonMissingSource    Reason = "missing_source"
	ReasonSelfAddress      Reason = "self_address"
	ReasonSpecialPurpose   Reason = "special_purpose_address"
	ReasonUnsupportedProto Reason = "unsupported_protocol"
)

// Verdict is the outcome of filtering a single event
type Verdict struct {
	Reportable bool
	Reason     Reason
}

var reportable = Verdict{Reportable: true}

// specialPurpose covers reserved ranges that are either unroutable or
// trivially spoofable: loopback, private, link-local, CGN, benchmarking,
// multicast, the unspecified address and the class E reserved block.
// RFC 5737/3849 documentation ranges are deliberately not listed: they never
// appear as genuine traffic sources, and excluding them would make the
// reporter untestable against the documentation-safe addresses used in
// fixtures and drills.
var specialPurpose = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("ff00::/8"),
}

// Evaluate applies the exclusion chain to a single event. Checks run in a
// fixed order and short-circuit on the first match; the order only affects
// which reason gets logged, since the predicates are independent.
func Evaluate(event *domain.BlockEvent, hostAddrs map[string]struct{}) Verdict {
	if event.SrcIP == "" {
		return Verdict{Reason: ReasonMissingSource}
	}

	if _, ok := hostAddrs[event.SrcIP]; ok {
		return Verdict{Reason: ReasonSelfAddress}
	}

	addr, err := netip.ParseAddr(event.SrcIP)
	if err != nil {
		// An unparseable SRC token is the same anomaly class as a missing one.
		return Verdict{Reason: ReasonMissingSource}
	}
	if isSpecialPurpose(addr) {
		return Verdict{Reason: ReasonSpecialPurpose}
	}

	// UDP sources are trivially spoofable, so the reporting policy never
	// submits them. See https://www.abuseipdb.com/reporting-policy
	if event.Proto == "UDP" {
		return Verdict{Reason: ReasonUnsupportedProto}
	}

	return reportable
}

func isSpecialPurpose(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range specialPurpose {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
