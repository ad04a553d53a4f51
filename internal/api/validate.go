package api

import (
	"errors"
	"regexp"
	"strings"

	"microdns/internal/dnswire"
)

var labelPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateRecordName checks a record's relative name:
// non-empty; "@" accepted as apex; optional "*." wildcard prefix; at most
// 253 chars after trimming a trailing dot; labels of at most 63 chars
// matching [A-Za-z0-9_-]+.
func ValidateRecordName(name string) error {
	if name == "" {
		return errors.New("name must not be empty")
	}
	if name == "@" {
		return nil
	}
	name = dnswire.StripTrailingDot(name)
	name = strings.TrimPrefix(name, "*.")
	if name == "" {
		return errors.New("wildcard needs a suffix")
	}
	if len(name) > 253 {
		return errors.New("name exceeds 253 characters")
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" {
			return errors.New("name has an empty label")
		}
		if len(label) > 63 {
			return errors.New("label exceeds 63 characters")
		}
		if !labelPattern.MatchString(label) {
			return errors.New("label has invalid characters")
		}
	}
	return nil
}

// ValidateZoneName checks a zone name: same label rules, but neither apex
// shorthand nor wildcards apply.
func ValidateZoneName(name string) error {
	if name == "" || name == "@" || strings.HasPrefix(name, "*.") {
		return errors.New("invalid zone name")
	}
	return ValidateRecordName(name)
}

func normalizeZoneName(name string) string {
	return strings.ToLower(dnswire.StripTrailingDot(strings.TrimSpace(name)))
}
