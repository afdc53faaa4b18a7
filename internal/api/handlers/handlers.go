// Package handlers implements the /v1 admin routes of the CrewDesk API.
// Each handler exposes RegisterRoutes and depends on narrow interfaces over
// the queues, the event bus and the repositories.
package handlers

import (
	"context"

	"crewdesk/internal/types"
)

// Emitter is the publishing half of the event bus.
type Emitter interface {
	Emit(ctx context.Context, in types.EmitInput) (string, error)
}

type eventAccepted struct {
	EventID string `json:"event_id"`
}
