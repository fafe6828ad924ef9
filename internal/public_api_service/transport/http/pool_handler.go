package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/aradsms/dialqueue/internal/dialqueue/app"
	"github.com/aradsms/dialqueue/internal/dialqueue/domain"
	"github.com/aradsms/dialqueue/internal/public_api_service/middleware"
)

// CoordinatorService is the application surface the HTTP layer drives.
// *app.Coordinator satisfies it.
type CoordinatorService interface {
	ClaimNext(ctx context.Context, operatorID uuid.UUID) (*domain.PhoneNumber, error)
	Complete(ctx context.Context, id, operatorID uuid.UUID, outcome domain.CallStatus) (*domain.CallHistoryEntry, error)
	Release(ctx context.Context, id, operatorID uuid.UUID) error
	AddNumber(ctx context.Context, phoneNumber, name string) (*domain.PhoneNumber, error)
	AddNumbers(ctx context.Context, numbers []app.NewNumber) ([]*domain.PhoneNumber, error)
	RemoveNumber(ctx context.Context, id uuid.UUID) error
	Requeue(ctx context.Context, id uuid.UUID) error
	ListPool(ctx context.Context, offset, limit int) ([]*domain.PhoneNumber, error)
	ListHistory(ctx context.Context, operatorID uuid.UUID, filter string, offset, limit int) ([]*domain.CallHistoryEntry, error)
	ReleaseExpired(ctx context.Context) (int64, error)
}

// PoolHandler handles HTTP requests for claiming and managing pool numbers.
type PoolHandler struct {
	coordinator CoordinatorService
	logger      *slog.Logger
	validate    *validator.Validate
}

func NewPoolHandler(coordinator CoordinatorService, logger *slog.Logger, validate *validator.Validate) *PoolHandler {
	return &PoolHandler{
		coordinator: coordinator,
		logger:      logger,
		validate:    validate,
	}
}

// Helper to respond with JSON.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			slog.Default().Error("Failed to write JSON response", "error", err)
		}
	}
}

// Helper to respond with an error.
func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// mapDomainErrorToHTTPStatus converts domain errors to HTTP status codes.
func mapDomainErrorToHTTPStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrClaimedByOther):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrDuplicateEntry):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func paginationParams(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return offset, limit
}

func operatorOrError(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (middleware.AuthenticatedOperator, bool) {
	operator, ok := middleware.OperatorFromContext(r.Context())
	if !ok {
		logger.ErrorContext(r.Context(), "AuthenticatedOperator not found in context. AuthMiddleware must run first.")
		respondWithError(w, http.StatusInternalServerError, "Could not retrieve authenticated operator")
	}
	return operator, ok
}

// RegisterRoutes sets up operator-facing pool routes.
func (h *PoolHandler) RegisterRoutes(r chi.Router) {
	r.Post("/numbers/claim", h.ClaimNext)
	r.Post("/numbers/{numberID}/complete", h.Complete)
	r.Post("/numbers/{numberID}/release", h.Release)
}

// RegisterAdminRoutes sets up pool management routes (admin only).
func (h *PoolHandler) RegisterAdminRoutes(r chi.Router) {
	r.Post("/numbers", h.AddNumbers)
	r.Get("/numbers", h.ListPool)
	r.Delete("/numbers/{numberID}", h.RemoveNumber)
	r.Post("/numbers/{numberID}/requeue", h.Requeue)
	r.Post("/numbers/release-expired", h.ReleaseExpired)
}

// ClaimNext claims the next eligible number for the calling operator.
// Responds 204 when the pool has no eligible number.
func (h *PoolHandler) ClaimNext(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	operator, ok := operatorOrError(w, r, h.logger)
	if !ok {
		return
	}

	pn, err := h.coordinator.ClaimNext(ctx, operator.ID)
	if err != nil {
		h.logger.ErrorContext(ctx, "ClaimNext failed", "error", err, "operator_id", operator.ID)
		respondWithError(w, mapDomainErrorToHTTPStatus(err), "Failed to claim next number: "+err.Error())
		return
	}
	if pn == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondWithJSON(w, http.StatusOK, toPhoneNumberDTO(pn))
}

// Complete records a call outcome for a number the operator holds.
func (h *PoolHandler) Complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	operator, ok := operatorOrError(w, r, h.logger)
	if !ok {
		return
	}

	numberID, err := uuid.Parse(chi.URLParam(r, "numberID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid number ID")
		return
	}

	var reqDTO CompleteRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	if err := h.validate.StructCtx(ctx, reqDTO); err != nil {
		respondWithError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	entry, err := h.coordinator.Complete(ctx, numberID, operator.ID, domain.CallStatus(reqDTO.Status))
	if err != nil {
		h.logger.ErrorContext(ctx, "Complete failed", "error", err, "phone_number_id", numberID, "operator_id", operator.ID)
		respondWithError(w, mapDomainErrorToHTTPStatus(err), "Failed to complete call: "+err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, toHistoryEntryDTO(entry))
}

// Release gives the operator's claim back without recording an outcome.
func (h *PoolHandler) Release(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	operator, ok := operatorOrError(w, r, h.logger)
	if !ok {
		return
	}

	numberID, err := uuid.Parse(chi.URLParam(r, "numberID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid number ID")
		return
	}

	if err := h.coordinator.Release(ctx, numberID, operator.ID); err != nil {
		respondWithError(w, mapDomainErrorToHTTPStatus(err), "Failed to release number: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddNumbers creates one or more pool entries. Accepts either a single entry
// payload or a batch payload.
func (h *PoolHandler) AddNumbers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	var batchDTO AddNumbersRequestDTO
	if err := json.Unmarshal(raw, &batchDTO); err == nil && len(batchDTO.Numbers) > 0 {
		if err := h.validate.StructCtx(ctx, batchDTO); err != nil {
			respondWithError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
			return
		}
		numbers := make([]app.NewNumber, 0, len(batchDTO.Numbers))
		for _, n := range batchDTO.Numbers {
			numbers = append(numbers, app.NewNumber{PhoneNumber: n.PhoneNumber, Name: n.Name})
		}
		pns, err := h.coordinator.AddNumbers(ctx, numbers)
		if err != nil {
			respondWithError(w, mapDomainErrorToHTTPStatus(err), "Failed to add numbers: "+err.Error())
			return
		}
		dtos := make([]PhoneNumberResponseDTO, 0, len(pns))
		for _, pn := range pns {
			dtos = append(dtos, toPhoneNumberDTO(pn))
		}
		respondWithJSON(w, http.StatusCreated, dtos)
		return
	}

	var reqDTO AddNumberRequestDTO
	if err := json.Unmarshal(raw, &reqDTO); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	if err := h.validate.StructCtx(ctx, reqDTO); err != nil {
		respondWithError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	pn, err := h.coordinator.AddNumber(ctx, reqDTO.PhoneNumber, reqDTO.Name)
	if err != nil {
		respondWithError(w, mapDomainErrorToHTTPStatus(err), "Failed to add number: "+err.Error())
		return
	}
	respondWithJSON(w, http.StatusCreated, toPhoneNumberDTO(pn))
}

// ListPool returns the pool in stable creation order.
func (h *PoolHandler) ListPool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	offset, limit := paginationParams(r)

	pns, err := h.coordinator.ListPool(ctx, offset, limit)
	if err != nil {
		respondWithError(w, mapDomainErrorToHTTPStatus(err), "Failed to list pool: "+err.Error())
		return
	}
	dtos := make([]PhoneNumberResponseDTO, 0, len(pns))
	for _, pn := range pns {
		dtos = append(dtos, toPhoneNumberDTO(pn))
	}
	respondWithJSON(w, http.StatusOK, ListPoolResponseDTO{Numbers: dtos, Offset: offset, Limit: limit})
}

// RemoveNumber deletes a pool entry unconditionally.
func (h *PoolHandler) RemoveNumber(w http.ResponseWriter, r *http.Request) {
	numberID, err := uuid.Parse(chi.URLParam(r, "numberID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid number ID")
		return
	}
	if err := h.coordinator.RemoveNumber(r.Context(), numberID); err != nil {
		respondWithError(w, mapDomainErrorToHTTPStatus(err), "Failed to remove number: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Requeue resets a worked number to unset.
func (h *PoolHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	numberID, err := uuid.Parse(chi.URLParam(r, "numberID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid number ID")
		return
	}
	if err := h.coordinator.Requeue(r.Context(), numberID); err != nil {
		respondWithError(w, mapDomainErrorToHTTPStatus(err), "Failed to requeue number: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReleaseExpired sweeps claims whose lease expired.
func (h *PoolHandler) ReleaseExpired(w http.ResponseWriter, r *http.Request) {
	released, err := h.coordinator.ReleaseExpired(r.Context())
	if err != nil {
		respondWithError(w, mapDomainErrorToHTTPStatus(err), "Failed to release expired claims: "+err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, ReleaseExpiredResponseDTO{Released: released})
}
