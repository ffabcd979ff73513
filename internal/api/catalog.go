package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rpatwari/voicedesk/internal/domain"
)

// CatalogHandler serves the fixed onboarding catalogs.
type CatalogHandler struct {
	*Handler
}

// NewCatalogHandler creates a new catalog handler.
func NewCatalogHandler(base *Handler) *CatalogHandler {
	return &CatalogHandler{Handler: base}
}

// RegisterRoutes registers catalog routes.
func (h *CatalogHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/catalog", func(r chi.Router) {
		r.Get("/stages", h.Stages)
		r.Get("/payments", h.Payments)
		r.Get("/documents", h.Documents)
	})
}

// Stages returns the ordered onboarding stages for rendering the stepper.
func (h *CatalogHandler) Stages(w http.ResponseWriter, r *http.Request) {
	type stageEntry struct {
		ID    domain.Stage `json:"id"`
		Index int          `json:"index"`
		Label string       `json:"label"`
	}
	stages := make([]stageEntry, 0, len(domain.Stages))
	for _, s := range domain.Stages {
		stages = append(stages, stageEntry{ID: s, Index: s.Index(), Label: s.Label()})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"stages": stages})
}

// Payments returns the payment options shown during payment selection.
func (h *CatalogHandler) Payments(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{"payments": domain.PaymentOptions()})
}

// Documents returns the document verification checklist.
func (h *CatalogHandler) Documents(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{"documents": domain.DocumentChecklist()})
}
