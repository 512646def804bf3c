// Package agent maintains the registry of known agents, their liveness, and
// their per-agent inboxes.
package agent

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
	"unicode"
)

// State is the lifecycle state of an agent.
type State string

const (
	StateRegistered   State = "registered"
	StateWorking      State = "working"
	StateIdle         State = "idle"
	StateStale        State = "stale"
	StateUnregistered State = "unregistered"
)

// Agent describes one registered agent.
type Agent struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Capabilities         []string  `json:"capabilities"`
	CodebaseID           string    `json:"codebase_id,omitempty"`
	CrossCodebaseCapable bool      `json:"cross_codebase_capable"`
	State                State     `json:"state"`
	LastHeartbeat        time.Time `json:"last_heartbeat"`
	RegisteredAt         time.Time `json:"registered_at"`
}

// HasCapabilities reports whether the agent's capability set is a superset
// of required. Matching is subset-based, not equality.
func (a *Agent) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

// newAgentID derives a stable-looking id from the human name plus a short
// random suffix, e.g. "CoderBlueKoala" -> "coder-blue-koala-a1b2c3".
func newAgentID(name string) string {
	suffix := make([]byte, 3)
	_, _ = rand.Read(suffix)
	return slugify(name) + "-" + hex.EncodeToString(suffix)
}

// slugify lowercases a human name and inserts dashes on case and word
// boundaries.
func slugify(name string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range name {
		switch {
		case unicode.IsUpper(r):
			if prevLower {
				b.WriteByte('-')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			prevLower = true
		default:
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "-") {
				b.WriteByte('-')
			}
			prevLower = false
		}
	}
	return strings.Trim(b.String(), "-")
}
