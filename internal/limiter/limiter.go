// Package limiter defines interfaces and implementations for health-ID lookup rate limiting.
package limiter

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Limiter controls failed patient lookups per doctor and temporary lockouts.
type Limiter interface {
	// Allow reports whether a lookup is currently allowed and optional retry-after.
	Allow(ctx context.Context, doctorID uuid.UUID) (bool, time.Duration, error)
	// Success resets counters after a lookup that found a patient.
	Success(ctx context.Context, doctorID uuid.UUID) error
	// Failure records a lookup miss; may place a temporary block.
	Failure(ctx context.Context, doctorID uuid.UUID) (bool, time.Duration, error)
}

// Settings configures a limiter.
type Settings struct {
	Window   time.Duration // misses older than this no longer count
	MaxFails int           // misses within Window that trigger a block
	BlockFor time.Duration
}

// DefaultSettings are used when configuration leaves the limiter unset.
var DefaultSettings = Settings{Window: 15 * time.Minute, MaxFails: 10, BlockFor: 15 * time.Minute}

func (s Settings) normalize() Settings {
	if s.Window <= 0 {
		s.Window = DefaultSettings.Window
	}
	if s.MaxFails <= 0 {
		s.MaxFails = DefaultSettings.MaxFails
	}
	if s.BlockFor <= 0 {
		s.BlockFor = DefaultSettings.BlockFor
	}
	return s
}
