package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallStatus is the terminal outcome recorded for a worked number.
type CallStatus string

const (
	CallStatusAnswered CallStatus = "answered"
	CallStatusNoAnswer CallStatus = "no_answer"
	CallStatusRejected CallStatus = "rejected"
)

// IsValid reports whether s is one of the terminal outcomes.
func (s CallStatus) IsValid() bool {
	switch s {
	case CallStatusAnswered, CallStatusNoAnswer, CallStatusRejected:
		return true
	}
	return false
}

// PhoneNumber is one row of the shared dial pool.
//
// A nil Status means the number has not been worked yet. A non-nil AssignedTo
// means exactly that operator holds the number; the claim is enforced with a
// conditional update at the store, never a read-then-write pair.
type PhoneNumber struct {
	ID          uuid.UUID   `json:"id"`
	PhoneNumber string      `json:"phone_number"`
	Name        string      `json:"name,omitempty"`
	Status      *CallStatus `json:"status,omitempty"`
	AssignedTo  *uuid.UUID  `json:"assigned_to,omitempty"`
	CalledAt    *time.Time  `json:"called_at,omitempty"`
	// ClaimExpiresAt is set when a claim lease TTL is configured; once past,
	// the claim may be taken over by another operator.
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewPhoneNumber creates an unworked, unassigned pool entry.
// ID is typically generated before calling this.
func NewPhoneNumber(id uuid.UUID, phoneNumber string, name string) *PhoneNumber {
	now := time.Now().UTC()
	return &PhoneNumber{
		ID:          id,
		PhoneNumber: phoneNumber,
		Name:        name,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsClaimed reports whether the number is currently held by an operator.
func (p *PhoneNumber) IsClaimed() bool {
	return p.AssignedTo != nil
}

// IsWorked reports whether a terminal outcome has been recorded.
func (p *PhoneNumber) IsWorked() bool {
	return p.Status != nil
}

// CallHistoryEntry is the immutable audit record of one completed call.
// PhoneNumber and Name snapshot the pool row's display info at call time, so
// the entry survives later edits or deletion of the pool row.
type CallHistoryEntry struct {
	ID            uuid.UUID  `json:"id"`
	PhoneNumberID uuid.UUID  `json:"phone_number_id"`
	PhoneNumber   string     `json:"phone_number"`
	Name          string     `json:"name,omitempty"`
	OperatorID    uuid.UUID  `json:"operator_id"`
	Status        CallStatus `json:"status"`
	CalledAt      time.Time  `json:"called_at"`
}
