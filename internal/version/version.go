// Package version validates release versions and release-train tags.
package version

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/ericreilly999/inventory-release/internal/domain"
)

const tagRefPrefix = "refs/tags/"

// Parse validates a strict MAJOR.MINOR.PATCH version. Pre-release and build
// metadata are rejected, as is a leading "v".
func Parse(raw string) (*semver.Version, error) {
	raw = strings.TrimSpace(raw)
	v, err := semver.StrictNewVersion(raw)
	if err != nil {
		return nil, domain.Wrap(err, domain.CodeValidation, fmt.Sprintf("invalid version %q", raw))
	}
	if v.Prerelease() != "" || v.Metadata() != "" {
		return nil, domain.Errorf(domain.CodeValidation, "invalid version %q: pre-release and metadata are not allowed", raw)
	}
	return v, nil
}

// Normalize returns the canonical string for raw, or a validation error.
func Normalize(raw string) (string, error) {
	v, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// FromTag extracts the version from a release tag ("v1.2.3" or
// "refs/tags/v1.2.3"). Tags of any other shape report ok=false and are
// ignored by the pipeline.
func FromTag(ref string) (string, bool) {
	name := strings.TrimPrefix(strings.TrimSpace(ref), tagRefPrefix)
	if !strings.HasPrefix(name, "v") {
		return "", false
	}
	v, err := Parse(strings.TrimPrefix(name, "v"))
	if err != nil {
		return "", false
	}
	return v.String(), true
}

// Tag renders the release tag for version.
func Tag(version string) string {
	return "v" + version
}

// TagRef renders the fully qualified git reference for version.
func TagRef(version string) string {
	return tagRefPrefix + Tag(version)
}
