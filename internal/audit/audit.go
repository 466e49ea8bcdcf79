// Package audit records access decisions.
package audit

import (
	"context"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
)

// Event is one access decision. Name is empty for unknown faces.
type Event struct {
	Name         string
	Granted      bool
	Distance     float64
	Box          types.Box
	DecidedAt    time.Time
	ArtifactPath string
}

// Sink receives every decision. Implementations must be safe for use from the
// decision loop goroutine and HTTP handlers at the same time.
type Sink interface {
	RecordEvent(ctx context.Context, e Event) error
}

// NopSink drops events; used when no audit database is configured.
type NopSink struct{}

func (NopSink) RecordEvent(context.Context, Event) error { return nil }

// EventFromVerdict stamps a verdict for recording.
func EventFromVerdict(v types.Verdict, at time.Time, artifactPath string) Event {
	return Event{
		Name:         v.Name,
		Granted:      v.Granted,
		Distance:     v.Distance,
		Box:          v.Box,
		DecidedAt:    at,
		ArtifactPath: artifactPath,
	}
}
