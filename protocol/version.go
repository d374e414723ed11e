package protocol

import (
	"fmt"
	"strings"
)

// Provider protocol revisions the gateway can talk to, newest first.
const (
	ProviderVersion20250618 = "2025-06-18"
	ProviderVersion20250326 = "2025-03-26"
	ProviderVersion20241105 = "2024-11-05"
)

// SupportedProviderVersions lists the accepted revisions in order of preference.
var SupportedProviderVersions = []string{
	ProviderVersion20250618,
	ProviderVersion20250326,
	ProviderVersion20241105,
}

// NormalizeVersion lowercases a revision string and removes a "v" prefix.
// "latest" maps to the newest supported revision.
func NormalizeVersion(version string) string {
	version = strings.ToLower(strings.TrimSpace(version))
	version = strings.TrimPrefix(version, "v")
	if version == "latest" || version == "current" {
		return SupportedProviderVersions[0]
	}
	return version
}

// CheckProviderVersion returns the supported revision matching version, or
// an error naming the supported set. An empty version is accepted as the
// revision the gateway advertised.
func CheckProviderVersion(version string) (string, error) {
	if strings.TrimSpace(version) == "" {
		return ProviderProtocolVersion, nil
	}
	normalized := NormalizeVersion(version)
	for _, supported := range SupportedProviderVersions {
		if supported == normalized {
			return supported, nil
		}
	}
	return "", fmt.Errorf("unsupported provider protocol version %q (supported: %s)",
		version, strings.Join(SupportedProviderVersions, ", "))
}
