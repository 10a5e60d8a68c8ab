package handler

import (
	"net/http"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// VenueLister describes the configured venues.
type VenueLister interface {
	Venues() []domain.Venue
}

// VenueHandler lists venues and their capabilities.
type VenueHandler struct {
	venues VenueLister
}

// NewVenueHandler creates a VenueHandler.
func NewVenueHandler(venues VenueLister) *VenueHandler {
	return &VenueHandler{venues: venues}
}

// ListVenues returns every configured venue with its capabilities and taker
// fee.
// GET /api/venues
func (h *VenueHandler) ListVenues(w http.ResponseWriter, r *http.Request) {
	venues := h.venues.Venues()
	if venues == nil {
		venues = []domain.Venue{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"venues": venues})
}
