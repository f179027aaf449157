package common

import (
	"fmt"
	"sort"
	"strings"
)

// NetworkProfile describes the conditions applied by
// NetworkManager.ThrottleNetwork.
type NetworkProfile struct {
	// Minimum latency from request sent to response headers received (ms).
	Latency float64

	// Maximal aggregated download throughput (bytes/sec). -1 disables download throttling.
	Download float64

	// Maximal aggregated upload throughput (bytes/sec). -1 disables upload throttling.
	Upload float64
}

// NewNetworkProfile creates a non-throttled network profile.
func NewNetworkProfile() NetworkProfile {
	return NetworkProfile{
		Latency:  0,
		Download: -1,
		Upload:   -1,
	}
}

// GetNetworkProfiles returns the predefined profiles by name.
func GetNetworkProfiles() map[string]NetworkProfile {
	return map[string]NetworkProfile{
		"No Throttling": NewNetworkProfile(),
		"Slow 3G": {
			Download: ((500 * 1000) / 8) * 0.8,
			Upload:   ((500 * 1000) / 8) * 0.8,
			Latency:  400 * 5,
		},
		"Fast 3G": {
			Download: ((1.6 * 1000 * 1000) / 8) * 0.9,
			Upload:   ((750 * 1000) / 8) * 0.9,
			Latency:  150 * 3.75,
		},
	}
}

// LookupNetworkProfile finds a predefined profile, ignoring case.
func LookupNetworkProfile(name string) (NetworkProfile, error) {
	profiles := GetNetworkProfiles()
	names := make([]string, 0, len(profiles))
	for n, p := range profiles {
		if strings.EqualFold(n, name) {
			return p, nil
		}
		names = append(names, n)
	}
	sort.Strings(names)
	return NetworkProfile{}, fmt.Errorf("unknown network profile %q, use one of %q", name, names)
}
