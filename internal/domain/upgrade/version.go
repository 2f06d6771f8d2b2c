package upgrade

import (
	"fmt"
	"strconv"
	"strings"
)

// Supported major version range for the external upgrade engine.
// The engine publishes one image per major and migrates one major at a time.
const (
	MinSupportedMajor = 10
	MaxSupportedMajor = 18
)

// Version is a major.minor database schema version marker, e.g. "14.0".
// Only the major component participates in upgrade planning.
type Version struct {
	Major int
	Minor int
}

// ParseVersion parses a version marker as read from the database or CLI.
// Markers like "14.0.1.3" are accepted; everything past major.minor is ignored.
func ParseVersion(s string) (Version, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Version{}, fmt.Errorf("empty version marker")
	}

	parts := strings.Split(trimmed, ".")
	if len(parts) < 2 {
		return Version{}, fmt.Errorf("invalid version marker %q: expected major.minor", s)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil || major < 0 {
		return Version{}, fmt.Errorf("invalid version marker %q", s)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil || minor < 0 {
		return Version{}, fmt.Errorf("invalid version marker %q", s)
	}
	return Version{Major: major, Minor: minor}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compare returns -1, 0 or 1 ordering by major then minor.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		if v.Major < o.Major {
			return -1
		}
		return 1
	case v.Minor != o.Minor:
		if v.Minor < o.Minor {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// NextMajor returns the next major version step, always with minor 0.
func (v Version) NextMajor() Version {
	return Version{Major: v.Major + 1}
}

// Supported reports whether the major is inside the supported engine range.
func (v Version) Supported() bool {
	return v.Major >= MinSupportedMajor && v.Major <= MaxSupportedMajor
}

// SupportedVersions lists every version the engine can act as a target.
func SupportedVersions() []string {
	out := make([]string, 0, MaxSupportedMajor-MinSupportedMajor+1)
	for major := MinSupportedMajor; major <= MaxSupportedMajor; major++ {
		out = append(out, Version{Major: major}.String())
	}
	return out
}

// Plan computes the ordered increment sequence from current to target,
// strictly one major per step. The engine cannot skip majors, so the plan
// always enumerates every intermediate version. An empty plan means the
// database is already at (or past) the target.
func Plan(current, target Version) ([]Increment, error) {
	if !target.Supported() {
		return nil, fmt.Errorf("%w: target version %s is outside the supported range %d.0-%d.0",
			ErrInputInvalid, target, MinSupportedMajor, MaxSupportedMajor)
	}
	if current.Major < MinSupportedMajor {
		return nil, fmt.Errorf("%w: source version %s is below the minimum supported %d.0",
			ErrInputInvalid, current, MinSupportedMajor)
	}

	var plan []Increment
	for v := current; v.Major < target.Major; v = v.NextMajor() {
		plan = append(plan, Increment{From: v.String(), To: v.NextMajor().String()})
	}
	return plan, nil
}
