// Package adapters wraps the external extraction and digest services used by
// record ingestion. Both are opaque: the coordinator only sees text or an error.
package adapters

import (
	"context"
	"errors"

	"github.com/and161185/medconsent/internal/model"
)

// Extractor turns document bytes into raw text.
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (string, error)
}

// Digester condenses extracted text into a short clinical digest.
type Digester interface {
	Digest(ctx context.Context, text string, pc model.PatientContext) (string, error)
}

// Profiler writes the baseline summary of a patient's own profile.
type Profiler interface {
	Profile(ctx context.Context, pc model.PatientContext) (string, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, data []byte, mimeType string) (string, error)

// Extract calls f.
func (f ExtractorFunc) Extract(ctx context.Context, data []byte, mimeType string) (string, error) {
	return f(ctx, data, mimeType)
}

// DigesterFunc adapts a function to Digester.
type DigesterFunc func(ctx context.Context, text string, pc model.PatientContext) (string, error)

// Digest calls f.
func (f DigesterFunc) Digest(ctx context.Context, text string, pc model.PatientContext) (string, error) {
	return f(ctx, text, pc)
}

// ProfilerFunc adapts a function to Profiler.
type ProfilerFunc func(ctx context.Context, pc model.PatientContext) (string, error)

// Profile calls f.
func (f ProfilerFunc) Profile(ctx context.Context, pc model.PatientContext) (string, error) {
	return f(ctx, pc)
}

// ErrNotConfigured is returned by the adapters from Unconfigured.
var ErrNotConfigured = errors.New("adapter not configured")

// Unconfigured returns adapters that fail every call. Image records ingested
// through them end up Failed and can be resubmitted once a model is configured.
func Unconfigured() (Extractor, Digester) {
	return ExtractorFunc(func(context.Context, []byte, string) (string, error) { return "", ErrNotConfigured }),
		DigesterFunc(func(context.Context, string, model.PatientContext) (string, error) { return "", ErrNotConfigured })
}
