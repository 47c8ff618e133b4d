package images

import (
	"fmt"
	"time"

	"crate/pkg/errdefs"
)

// FreshnessPolicy decides when a cached mutable tag is checked against the
// registry again. References pinned by digest are never re-checked. The zero
// value never re-checks.
type FreshnessPolicy struct {
	maxAge time.Duration
	always bool
}

// FreshnessNever always uses the cached image.
func FreshnessNever() FreshnessPolicy {
	return FreshnessPolicy{}
}

// FreshnessAlways checks the registry on every resolve.
func FreshnessAlways() FreshnessPolicy {
	return FreshnessPolicy{always: true}
}

// FreshnessMaxAge checks the registry when the last check is older than d.
func FreshnessMaxAge(d time.Duration) FreshnessPolicy {
	return FreshnessPolicy{maxAge: d}
}

// ParseFreshness parses "never", "always" or a duration such as "1h".
func ParseFreshness(s string) (FreshnessPolicy, error) {
	switch s {
	case "", "never":
		return FreshnessNever(), nil
	case "always":
		return FreshnessAlways(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return FreshnessPolicy{}, fmt.Errorf("invalid freshness policy %q: %w", s, errdefs.ErrInvalidArgument)
	}
	return FreshnessMaxAge(d), nil
}

func (p FreshnessPolicy) String() string {
	switch {
	case p.always:
		return "always"
	case p.maxAge > 0:
		return p.maxAge.String()
	default:
		return "never"
	}
}

func (p FreshnessPolicy) stale(checkedAt, now time.Time) bool {
	switch {
	case p.always:
		return true
	case p.maxAge > 0:
		return now.Sub(checkedAt) >= p.maxAge
	default:
		return false
	}
}

// UnmarshalText lets the policy be used directly as a command line flag.
func (p *FreshnessPolicy) UnmarshalText(b []byte) error {
	policy, err := ParseFreshness(string(b))
	if err != nil {
		return err
	}
	*p = policy
	return nil
}
