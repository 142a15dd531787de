package domain

import "time"

// BlockEvent represents a single UFW BLOCK entry from the firewall log.
// Created by the parser, never mutated afterwards. Every field except SrcIP
// is optional: a nil pointer or empty string means the token was absent from
// the line, which is distinct from zero.
type BlockEvent struct {
	Timestamp time.Time // syslog timestamp; zero when not parseable
	RawLine   string

	SrcIP string
	DstIP string
	Proto string

	SrcPort *uint16
	DstPort *uint16

	TTL          *uint16
	PacketLength *uint32
	TOS          string
	PacketID     *uint32
	MAC          string
	WindowSize   *uint32
	UrgentPtr    *uint32

	ACK bool
	SYN bool

	InInterface  string
	OutInterface string
}

// DstPortOrZero returns the destination port, or 0 when the token was absent.
// The category lookup treats 0 as "no specific mapping".
func (e *BlockEvent) DstPortOrZero() uint16 {
	if e.DstPort == nil {
		return 0
	}
	return *e.DstPort
}

// PendingReport is a buffered report payload awaiting the bulk flush.
// At most one pending report exists per address; the first-seen payload wins.
type PendingReport struct {
	IP         string    `json:"ip"`
	Categories string    `json:"categories"`
	Timestamp  time.Time `json:"timestamp"`
	Comment    string    `json:"comment"`
}
