package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// HistoryHandler serves an operator's completed-call audit log.
type HistoryHandler struct {
	coordinator CoordinatorService
	logger      *slog.Logger
}

func NewHistoryHandler(coordinator CoordinatorService, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{coordinator: coordinator, logger: logger}
}

func (h *HistoryHandler) RegisterRoutes(r chi.Router) {
	r.Get("/history", h.ListHistory)
}

// ListHistory returns the calling operator's entries, newest first. The
// optional q parameter narrows by substring on number or name.
func (h *HistoryHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	operator, ok := operatorOrError(w, r, h.logger)
	if !ok {
		return
	}

	offset, limit := paginationParams(r)
	filter := r.URL.Query().Get("q")

	entries, err := h.coordinator.ListHistory(ctx, operator.ID, filter, offset, limit)
	if err != nil {
		h.logger.ErrorContext(ctx, "ListHistory failed", "error", err, "operator_id", operator.ID)
		respondWithError(w, mapDomainErrorToHTTPStatus(err), "Failed to list history: "+err.Error())
		return
	}

	dtos := make([]CallHistoryEntryResponseDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toHistoryEntryDTO(e))
	}
	respondWithJSON(w, http.StatusOK, ListHistoryResponseDTO{Entries: dtos, Offset: offset, Limit: limit})
}
