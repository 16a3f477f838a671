// Package clock supplies the current time and the grant lifetime policy.
package clock

import "time"

// DefaultTTL is the grant lifetime used when none is configured.
const DefaultTTL = 8 * time.Hour

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Real is the wall clock in UTC.
type Real struct{}

// Now returns time.Now in UTC.
func (Real) Now() time.Time { return time.Now().UTC() }

// Func adapts a function to Clock.
type Func func() time.Time

// Now calls f.
func (f Func) Now() time.Time { return f() }

// Policy holds the single configured grant TTL.
type Policy struct {
	TTL time.Duration
}

// NewPolicy returns a Policy, falling back to DefaultTTL for non-positive ttl.
func NewPolicy(ttl time.Duration) Policy {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return Policy{TTL: ttl}
}

// Expiry returns the expiry of a grant issued at issuedAt.
func (p Policy) Expiry(issuedAt time.Time) time.Time { return issuedAt.Add(p.TTL) }

// Remaining is expiresAt - now, never negative.
func Remaining(expiresAt, now time.Time) time.Duration {
	d := expiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
