package http

import (
	"time"

	"github.com/aradsms/dialqueue/internal/dialqueue/domain"
)

// --- Pool DTOs ---

// AddNumberRequestDTO creates one pool entry.
type AddNumberRequestDTO struct {
	PhoneNumber string `json:"phone_number" validate:"required,e164"`
	Name        string `json:"name,omitempty" validate:"max=255"`
}

// AddNumbersRequestDTO creates pool entries in bulk.
type AddNumbersRequestDTO struct {
	Numbers []AddNumberRequestDTO `json:"numbers" validate:"required,min=1,max=1000,dive"`
}

// CompleteRequestDTO records a call outcome.
type CompleteRequestDTO struct {
	Status string `json:"status" validate:"required,oneof=answered no_answer rejected"`
}

// PhoneNumberResponseDTO represents a pool entry in HTTP responses.
type PhoneNumberResponseDTO struct {
	ID             string     `json:"id"`
	PhoneNumber    string     `json:"phone_number"`
	Name           string     `json:"name,omitempty"`
	Status         string     `json:"status,omitempty"`
	AssignedTo     string     `json:"assigned_to,omitempty"`
	CalledAt       *time.Time `json:"called_at,omitempty"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func toPhoneNumberDTO(pn *domain.PhoneNumber) PhoneNumberResponseDTO {
	dto := PhoneNumberResponseDTO{
		ID:             pn.ID.String(),
		PhoneNumber:    pn.PhoneNumber,
		Name:           pn.Name,
		CalledAt:       pn.CalledAt,
		ClaimExpiresAt: pn.ClaimExpiresAt,
		CreatedAt:      pn.CreatedAt,
		UpdatedAt:      pn.UpdatedAt,
	}
	if pn.Status != nil {
		dto.Status = string(*pn.Status)
	}
	if pn.AssignedTo != nil {
		dto.AssignedTo = pn.AssignedTo.String()
	}
	return dto
}

// ListPoolResponseDTO is the admin pool listing.
type ListPoolResponseDTO struct {
	Numbers []PhoneNumberResponseDTO `json:"numbers"`
	Offset  int                      `json:"offset"`
	Limit   int                      `json:"limit"`
}

// ReleaseExpiredResponseDTO reports how many stranded claims were swept.
type ReleaseExpiredResponseDTO struct {
	Released int64 `json:"released"`
}

// --- History DTOs ---

// CallHistoryEntryResponseDTO represents one completed call.
type CallHistoryEntryResponseDTO struct {
	ID            string    `json:"id"`
	PhoneNumberID string    `json:"phone_number_id"`
	PhoneNumber   string    `json:"phone_number"`
	Name          string    `json:"name,omitempty"`
	OperatorID    string    `json:"operator_id"`
	Status        string    `json:"status"`
	CalledAt      time.Time `json:"called_at"`
}

func toHistoryEntryDTO(e *domain.CallHistoryEntry) CallHistoryEntryResponseDTO {
	return CallHistoryEntryResponseDTO{
		ID:            e.ID.String(),
		PhoneNumberID: e.PhoneNumberID.String(),
		PhoneNumber:   e.PhoneNumber,
		Name:          e.Name,
		OperatorID:    e.OperatorID.String(),
		Status:        string(e.Status),
		CalledAt:      e.CalledAt,
	}
}

// ListHistoryResponseDTO is the operator history listing.
type ListHistoryResponseDTO struct {
	Entries []CallHistoryEntryResponseDTO `json:"entries"`
	Offset  int                           `json:"offset"`
	Limit   int                           `json:"limit"`
}
