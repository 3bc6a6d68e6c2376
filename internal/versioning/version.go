package versioning

import (
	"fmt"
	"regexp"
	"strconv"
)

// ProtocolVersion is the semantic version of the relay wire protocol.
type ProtocolVersion struct {
	Major      int    `json:"major"`
	Minor      int    `json:"minor"`
	Patch      int    `json:"patch"`
	Prerelease string `json:"prerelease,omitempty"`
}

// String returns the version as "1.2.3" or "1.2.3-beta".
func (v ProtocolVersion) String() string {
	version := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		version += "-" + v.Prerelease
	}
	return version
}

// Compare returns -1, 0 or 1. A release sorts after its prereleases.
func (v ProtocolVersion) Compare(other ProtocolVersion) int {
	for _, d := range [3][2]int{{v.Major, other.Major}, {v.Minor, other.Minor}, {v.Patch, other.Patch}} {
		if d[0] < d[1] {
			return -1
		}
		if d[0] > d[1] {
			return 1
		}
	}

	switch {
	case v.Prerelease == other.Prerelease:
		return 0
	case v.Prerelease == "":
		return 1
	case other.Prerelease == "":
		return -1
	case v.Prerelease < other.Prerelease:
		return -1
	default:
		return 1
	}
}

// Supports reports whether v includes a capability introduced in since.
func (v ProtocolVersion) Supports(since ProtocolVersion) bool {
	return v.Compare(since) >= 0
}

var (
	V1_0_0 = ProtocolVersion{Major: 1}
	V1_1_0 = ProtocolVersion{Major: 1, Minor: 1}
)

var (
	CurrentVersion          = V1_1_0
	MinimumSupportedVersion = V1_0_0
)

var versionPattern = regexp.MustCompile(`^(\d+)(?:\.(\d+))?(?:\.(\d+))?(?:-([a-zA-Z0-9\-\.]+))?$`)

// ParseVersion accepts "1", "1.1", "1.1.0" and an optional prerelease
// suffix. A leading "v" is ignored.
func ParseVersion(s string) (ProtocolVersion, error) {
	m := versionPattern.FindStringSubmatch(trimV(s))
	if m == nil {
		return ProtocolVersion{}, fmt.Errorf("invalid version format: %s", s)
	}

	parts := [3]int{}
	for i := 0; i < 3; i++ {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return ProtocolVersion{}, fmt.Errorf("invalid version component %q: %w", m[i+1], err)
		}
		parts[i] = n
	}

	return ProtocolVersion{Major: parts[0], Minor: parts[1], Patch: parts[2], Prerelease: m[4]}, nil
}

func trimV(s string) string {
	if len(s) > 1 && (s[0] == 'v' || s[0] == 'V') {
		return s[1:]
	}
	return s
}

// Capability is a relay feature gated by protocol version.
type Capability struct {
	Name         string          `json:"name"`
	IntroducedIn ProtocolVersion `json:"introduced_in"`
	Description  string          `json:"description"`
}

const (
	CapabilitySignalPoll   = "signal_poll"
	CapabilityHeartbeat    = "session_heartbeat"
	CapabilitySignalStream = "signal_stream"
	CapabilityTokenRefresh = "token_refresh"
)

var Capabilities = []Capability{
	{Name: CapabilitySignalPoll, IntroducedIn: V1_0_0, Description: "Destructive FIFO polling of call signals"},
	{Name: CapabilityHeartbeat, IntroducedIn: V1_0_0, Description: "Call session liveness heartbeats"},
	{Name: CapabilitySignalStream, IntroducedIn: V1_1_0, Description: "Websocket push delivery of call signals"},
	{Name: CapabilityTokenRefresh, IntroducedIn: V1_1_0, Description: "Credential refresh before expiry"},
}

// GetCapability looks up a capability by name.
func GetCapability(name string) (Capability, bool) {
	for _, c := range Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return Capability{}, false
}

// SupportedCapabilities lists the capability names available at v.
func SupportedCapabilities(v ProtocolVersion) []string {
	var names []string
	for _, c := range Capabilities {
		if v.Supports(c.IntroducedIn) {
			names = append(names, c.Name)
		}
	}
	return names
}

// Compatibility is the outcome of negotiating a requested version.
type Compatibility struct {
	Requested    ProtocolVersion `json:"requested_version"`
	Current      ProtocolVersion `json:"current_version"`
	Compatible   bool            `json:"compatible"`
	TooOld       bool            `json:"too_old,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

// CheckCompatibility negotiates a requested version against the range this
// server speaks.
func CheckCompatibility(requested ProtocolVersion) Compatibility {
	c := Compatibility{Requested: requested, Current: CurrentVersion}

	switch {
	case requested.Compare(MinimumSupportedVersion) < 0:
		c.TooOld = true
		c.Reason = fmt.Sprintf("version %s is no longer supported, minimum is %s", requested, MinimumSupportedVersion)
	case requested.Major > CurrentVersion.Major:
		c.Reason = fmt.Sprintf("version %s is not available, current is %s", requested, CurrentVersion)
	default:
		c.Compatible = true
		c.Capabilities = SupportedCapabilities(requested)
	}
	return c
}

// VersionRange renders the supported range, e.g. "1.0.0 - 1.1.0".
func VersionRange() string {
	return fmt.Sprintf("%s - %s", MinimumSupportedVersion, CurrentVersion)
}
