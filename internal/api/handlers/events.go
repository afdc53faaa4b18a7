package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"crewdesk/internal/core"
	"crewdesk/internal/types"
)

// Replayer is implemented by *events.Bus.
type Replayer interface {
	Replay(ctx context.Context, orgID string, from time.Time, eventTypes ...types.EventType) (int, error)
}

type EventHandler struct {
	bus       Replayer
	validator *core.Validator
	logger    *slog.Logger
}

func NewEventHandler(bus Replayer, v *core.Validator, logger *slog.Logger) *EventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHandler{bus: bus, validator: v, logger: logger}
}

func (h *EventHandler) RegisterRoutes(r chi.Router) {
	r.Post("/events/replay", h.Replay)
}

type replayRequest struct {
	From  time.Time `json:"from" validate:"required"`
	Types []string  `json:"types" validate:"omitempty,dive,event_type"`
}

// Replay re-dispatches the organization's stored events since From to the
// current handlers. It runs synchronously and reports how many were
// replayed.
func (h *EventHandler) Replay(w http.ResponseWriter, r *http.Request) {
	orgID, err := core.OrgID(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	var req replayRequest
	if err := core.DecodeJSON(w, r, &req, false); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	eventTypes := make([]types.EventType, len(req.Types))
	for i, t := range req.Types {
		eventTypes[i] = types.EventType(t)
	}
	n, err := h.bus.Replay(r.Context(), orgID, req.From, eventTypes...)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "events replayed", "org_id", orgID, "from", req.From, "replayed", n)
	core.Data(w, r, http.StatusOK, map[string]int{"replayed": n})
}
