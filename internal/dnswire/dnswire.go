// Package dnswire holds the FQDN/relative-name conversion helpers shared by
// the authoritative server, the recursor, and the AXFR client: every DNS
// name on the wire is fully qualified, every name persisted in the Store is
// not.
package dnswire

import "strings"

// EnsureFQDN appends a trailing dot if s does not already have one.
func EnsureFQDN(s string) string {
	if strings.HasSuffix(s, ".") {
		return s
	}
	return s + "."
}

// StripTrailingDot removes a single trailing dot, if present.
func StripTrailingDot(s string) string {
	if strings.HasSuffix(s, ".") {
		return s[:len(s)-1]
	}
	return s
}

// RelativeNameForZone derives the relative owner name of a fully-qualified
// wire name within zoneFQDN (also fully qualified). Returns ("", false) when
// wireName is out of zone.
//
//   - wireName == zoneFQDN            -> "@", true
//   - wireName == "foo." + zoneFQDN    -> "foo", true
//   - otherwise                        -> "", false
func RelativeNameForZone(wireName, zoneFQDN string) (string, bool) {
	wireName = strings.ToLower(wireName)
	zoneFQDN = strings.ToLower(zoneFQDN)
	if wireName == zoneFQDN {
		return "@", true
	}
	suffix := "." + zoneFQDN
	if strings.HasSuffix(wireName, suffix) {
		rel := strings.TrimSuffix(wireName, suffix)
		if rel == "" {
			return "@", true
		}
		return rel, true
	}
	return "", false
}

// WireNameForRecord reconstitutes the fully-qualified wire name of a record
// given its relative (possibly "@") name and the zone's name (not FQDN).
func WireNameForRecord(relName, zoneName string) string {
	zoneFQDN := EnsureFQDN(zoneName)
	if relName == "@" || relName == "" {
		return zoneFQDN
	}
	return EnsureFQDN(relName) + zoneFQDN
}
