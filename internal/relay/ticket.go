package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/consult-voice/internal/consult"
	"github.com/loqalabs/consult-voice/internal/voice"
)

// TicketIssuer creates browser-side voice sessions.
type TicketIssuer interface {
	Issue(ctx context.Context, c consult.Consult) (voice.Ticket, error)
}

// VoiceTicket issues credentials for a browser to hold its own realtime voice
// conversation about the consult.
func (h *Handler) VoiceTicket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing consult id")
		return
	}
	if h.tickets == nil {
		writeError(w, http.StatusServiceUnavailable, "Voice tickets are not configured")
		return
	}
	log := h.log.With(slog.String("consult_id", id))

	c, err := h.lookup(r.Context(), id)
	if errors.Is(err, consult.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Consult not found")
		return
	}
	if err != nil {
		log.Error("load consult failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "Unable to create Voice Live ticket")
		return
	}

	ticket, err := h.tickets.Issue(r.Context(), c)
	if err != nil {
		log.Error("issue voice ticket failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "Unable to create Voice Live ticket")
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}
