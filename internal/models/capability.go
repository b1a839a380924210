package models

import (
	"fmt"
	"strings"
	"time"
)

// Capability is a distinguishable kind of request, derived from the endpoint.
type Capability string

const (
	CapabilityChat      Capability = "chat"
	CapabilityAnalyze   Capability = "analyze"
	CapabilitySummarize Capability = "summarize"
	CapabilityCode      Capability = "code"
	CapabilityStream    Capability = "stream"
	CapabilityImage     Capability = "image"
	CapabilityVideo     Capability = "video"
)

// AllCapabilities lists every capability in a stable order.
var AllCapabilities = []Capability{
	CapabilityChat,
	CapabilityAnalyze,
	CapabilitySummarize,
	CapabilityCode,
	CapabilityStream,
	CapabilityImage,
	CapabilityVideo,
}

// ParseCapability validates a capability name.
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllCapabilities {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown capability %q", s)
}

// Turn is one user/assistant exchange kept in conversation context.
type Turn struct {
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	Timestamp time.Time `json:"timestamp"`
}
