package hassclient

import (
	"strconv"
	"strings"
)

// HubVersion is the year.month part of a hub version string.
type HubVersion struct {
	Year  int
	Month int
}

// coalesceSince is the first hub release that accepts supported_features.
var coalesceSince = HubVersion{Year: 2022, Month: 9}

// ParseHubVersion reads "2022.9.1", "2022.10.0b3" or "2023.1.0.dev20221201".
// Pre-release suffixes are ignored, so a beta compares equal to its release.
func ParseHubVersion(s string) (HubVersion, bool) {
	parts := strings.SplitN(strings.TrimSpace(s), ".", 3)
	if len(parts) < 2 {
		return HubVersion{}, false
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return HubVersion{}, false
	}
	month, err := strconv.Atoi(leadingDigits(parts[1]))
	if err != nil {
		return HubVersion{}, false
	}
	return HubVersion{Year: year, Month: month}, true
}

func leadingDigits(s string) string {
	for i, r := range s {
		if r < '0' || r > '9' {
			return s[:i]
		}
	}
	return s
}

// AtLeast reports whether v is the same release as o or newer.
func (v HubVersion) AtLeast(o HubVersion) bool {
	if v.Year != o.Year {
		return v.Year > o.Year
	}
	return v.Month >= o.Month
}

// SupportsCoalescing reports whether the hub understands supported_features.
func (v HubVersion) SupportsCoalescing() bool {
	return v.AtLeast(coalesceSince)
}

func (v HubVersion) String() string {
	return strconv.Itoa(v.Year) + "." + strconv.Itoa(v.Month)
}
