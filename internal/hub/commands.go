package hub

import (
	"encoding/json"
	"errors"
	"fmt"

	"companion/internal/models"
)

// HandleCommand applies one client message to the connection's subscription and
// replies with subscribed, unsubscribed or error. Malformed input never closes
// the connection.
func (h *Hub) HandleCommand(connID string, raw []byte) {
	h.Touch(connID)

	var cmd models.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		h.reply(connID, models.ErrorData{Message: "malformed command"})
		return
	}

	switch cmd.Type {
	case models.CommandSubscribe:
		entityID, err := cmd.EntityID()
		if err != nil || entityID == "" {
			h.reply(connID, models.ErrorData{Message: "subscribe requires payload.entityId"})
			return
		}
		if err := h.Subscribe(connID, entityID); err != nil {
			if errors.Is(err, ErrForbidden) {
				h.reply(connID, models.ErrorData{Message: fmt.Sprintf("not permitted to subscribe to entity %s", entityID)})
			}
			return
		}
		h.reply(connID, models.SubscribedData{EntityID: entityID})

	case models.CommandUnsubscribe:
		prev, err := h.Unsubscribe(connID)
		if err != nil {
			return
		}
		h.reply(connID, models.UnsubscribedData{EntityID: prev})

	default:
		h.reply(connID, models.ErrorData{Message: fmt.Sprintf("unknown command type %q", cmd.Type)})
	}
}

func (h *Hub) reply(connID string, data models.EventData) {
	if err := h.Send(connID, models.NewEvent(data)); err != nil {
		h.log.Debug().Err(err).Str("connection_id", connID).Msg("reply not delivered")
	}
}
