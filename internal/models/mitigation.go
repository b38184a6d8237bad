package models

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// ErrInvalidAddress is returned for text that does not parse as an IP address
var ErrInvalidAddress = errors.New("invalid address")

// CanonicalIP returns the canonical text form of ip. IPv4-mapped IPv6
// addresses are unmapped and IPv6 is lower-cased and compressed, so every
// spelling of one address keys the same block and whitelist entry.
func CanonicalIP(ip string) (string, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, ip)
	}
	return addr.Unmap().WithZone("").String(), nil
}

// Actors that can create a block
const (
	ActorModel = "model"
	ActorAdmin = "admin"
)

// BlockEntry is one active mitigation. There is at most one per IP.
type BlockEntry struct {
	ID          string    `json:"id"`
	IP          string    `json:"ip"`
	BlockedAt   time.Time `json:"blocked_at"`
	UnblockAt   time.Time `json:"unblock_at"`
	DurationSec int       `json:"duration_sec"`
	Reason      string    `json:"reason"`
	Actor       string    `json:"actor"`
	Note        string    `json:"note,omitempty"`
}

// Duration returns the configured block length
func (b BlockEntry) Duration() time.Duration {
	return time.Duration(b.DurationSec) * time.Second
}

// BlockHistoryEntry is the append-only audit record written for every block
type BlockHistoryEntry struct {
	ID          string    `json:"id"`
	BlockID     string    `json:"block_id"`
	IP          string    `json:"ip"`
	BlockedAt   time.Time `json:"blocked_at"`
	UnblockAt   time.Time `json:"unblock_at"`
	DurationSec int       `json:"duration_sec"`
	Reason      string    `json:"reason"`
	Actor       string    `json:"actor"`
	Note        string    `json:"note,omitempty"`
}

// HistoryFor builds the audit record for a block
func HistoryFor(id string, b BlockEntry) BlockHistoryEntry {
	return BlockHistoryEntry{
		ID:          id,
		BlockID:     b.ID,
		IP:          b.IP,
		BlockedAt:   b.BlockedAt,
		UnblockAt:   b.UnblockAt,
		DurationSec: b.DurationSec,
		Reason:      b.Reason,
		Actor:       b.Actor,
		Note:        b.Note,
	}
}

// PolicyConfig is the runtime detection policy
type PolicyConfig struct {
	Threshold        float64   `json:"threshold"`
	BlockDurationSec int       `json:"block_duration_sec"`
	BlockingEnabled  bool      `json:"blocking_enabled"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// WhitelistEntry exempts an address from mitigation
type WhitelistEntry struct {
	IP        string    `json:"ip" binding:"required"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}
