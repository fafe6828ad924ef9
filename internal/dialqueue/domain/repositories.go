package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PoolRepository manages the shared PhoneNumber pool.
type PoolRepository interface {
	Create(ctx context.Context, pn *PhoneNumber) error
	// CreateBatch inserts all entries in one transaction; none are applied on failure.
	CreateBatch(ctx context.Context, pns []*PhoneNumber) error
	GetByID(ctx context.Context, id uuid.UUID) (*PhoneNumber, error)
	List(ctx context.Context, offset, limit int) ([]*PhoneNumber, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// ClaimNext atomically selects and claims one eligible number for the
	// operator: status unset, and unassigned, already the operator's own, or
	// past its claim lease. Returns (nil, nil) when the pool is exhausted.
	// leaseFor > 0 stamps a claim expiry of now+leaseFor.
	ClaimNext(ctx context.Context, operatorID uuid.UUID, leaseFor time.Duration) (*PhoneNumber, error)

	// CompleteCall records a terminal outcome in a single transaction: the
	// number's status/called_at are set and its assignment cleared, and one
	// history entry is appended. Fails with ErrNotFound if the number is gone,
	// ErrClaimedByOther if it is not held by operatorID.
	CompleteCall(ctx context.Context, id, operatorID uuid.UUID, outcome CallStatus, calledAt time.Time) (*PhoneNumber, *CallHistoryEntry, error)

	// Release clears the operator's claim without recording an outcome.
	Release(ctx context.Context, id, operatorID uuid.UUID) error

	// Requeue resets a worked number to unset so it can be claimed again.
	Requeue(ctx context.Context, id uuid.UUID) error

	// ReleaseExpired clears every claim whose lease expired before now and
	// returns how many were released.
	ReleaseExpired(ctx context.Context, now time.Time) (int64, error)
}

// HistoryRepository reads the append-only call audit log. Entries are written
// only by PoolRepository.CompleteCall and are immutable afterwards.
type HistoryRepository interface {
	// ListByOperator returns the operator's entries newest first. A non-empty
	// filter narrows by substring match on number or name.
	ListByOperator(ctx context.Context, operatorID uuid.UUID, filter string, offset, limit int) ([]*CallHistoryEntry, error)
}
