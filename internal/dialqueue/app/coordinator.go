package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aradsms/dialqueue/internal/dialqueue/domain"
	"github.com/aradsms/dialqueue/internal/dialqueue/events"
)

var (
	claimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialqueue_claims_total",
			Help: "Total claim-next attempts by result.",
		},
		[]string{"result"}, // claimed | empty | error
	)
	completionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialqueue_completions_total",
			Help: "Total completed calls by outcome.",
		},
		[]string{"status"},
	)
	claimConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dialqueue_claim_conflicts_total",
			Help: "Completions or releases rejected because another operator holds the number.",
		},
	)
)

// ChangeFeed is the slice of events.Feed the coordinator publishes through.
type ChangeFeed interface {
	PublishChange(ctx context.Context, subject, table string, op events.Op, row any) error
}

// Coordinator implements the number-assignment protocol: it claims eligible
// numbers for operators, finalizes outcomes, and manages the pool.
type Coordinator struct {
	poolRepo    domain.PoolRepository
	historyRepo domain.HistoryRepository
	feed        ChangeFeed // optional; nil disables change notifications
	claimTTL    time.Duration
	logger      *slog.Logger
}

func NewCoordinator(
	poolRepo domain.PoolRepository,
	historyRepo domain.HistoryRepository,
	feed ChangeFeed,
	claimTTL time.Duration,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		poolRepo:    poolRepo,
		historyRepo: historyRepo,
		feed:        feed,
		claimTTL:    claimTTL,
		logger:      logger.With("component", "coordinator"),
	}
}

// notifyPool publishes a pool change. Feed failures are logged, never surfaced:
// the write already committed and subscribers re-query on reconnect.
func (c *Coordinator) notifyPool(ctx context.Context, op events.Op, row any) {
	if c.feed == nil {
		return
	}
	if err := c.feed.PublishChange(ctx, events.SubjectPool, events.TablePool, op, row); err != nil {
		c.logger.ErrorContext(ctx, "Failed to publish pool change event", "error", err, "op", op)
	}
}

func (c *Coordinator) notifyHistory(ctx context.Context, entry *domain.CallHistoryEntry) {
	if c.feed == nil {
		return
	}
	subject := events.HistorySubject(entry.OperatorID)
	if err := c.feed.PublishChange(ctx, subject, events.TableHistory, events.OpInsert, entry); err != nil {
		c.logger.ErrorContext(ctx, "Failed to publish history change event", "error", err, "operator_id", entry.OperatorID)
	}
}

// ClaimNext finds and claims one eligible number for the operator.
// Returns (nil, nil) when no eligible number exists.
func (c *Coordinator) ClaimNext(ctx context.Context, operatorID uuid.UUID) (*domain.PhoneNumber, error) {
	pn, err := c.poolRepo.ClaimNext(ctx, operatorID, c.claimTTL)
	if err != nil {
		claimsTotal.WithLabelValues("error").Inc()
		c.logger.ErrorContext(ctx, "Claim failed", "error", err, "operator_id", operatorID)
		return nil, err
	}
	if pn == nil {
		claimsTotal.WithLabelValues("empty").Inc()
		return nil, nil
	}
	claimsTotal.WithLabelValues("claimed").Inc()
	c.notifyPool(ctx, events.OpUpdate, pn)
	return pn, nil
}

// Complete records a terminal outcome for a number held by the operator and
// appends the audit entry. The two writes commit together or not at all.
func (c *Coordinator) Complete(ctx context.Context, id, operatorID uuid.UUID, outcome domain.CallStatus) (*domain.CallHistoryEntry, error) {
	if !outcome.IsValid() {
		return nil, domain.ErrInvalidStatus
	}
	calledAt := time.Now().UTC()

	pn, entry, err := c.poolRepo.CompleteCall(ctx, id, operatorID, outcome, calledAt)
	if err != nil {
		if errors.Is(err, domain.ErrClaimedByOther) {
			claimConflictsTotal.Inc()
		}
		return nil, err
	}

	completionsTotal.WithLabelValues(string(outcome)).Inc()
	c.notifyPool(ctx, events.OpUpdate, pn)
	c.notifyHistory(ctx, entry)
	return entry, nil
}

// Release gives a claimed number back to the pool without an outcome.
func (c *Coordinator) Release(ctx context.Context, id, operatorID uuid.UUID) error {
	if err := c.poolRepo.Release(ctx, id, operatorID); err != nil {
		if errors.Is(err, domain.ErrClaimedByOther) {
			claimConflictsTotal.Inc()
		}
		return err
	}
	pn, err := c.poolRepo.GetByID(ctx, id)
	if err == nil {
		c.notifyPool(ctx, events.OpUpdate, pn)
	}
	return nil
}

// NewNumber is one pool entry to add.
type NewNumber struct {
	PhoneNumber string
	Name        string
}

// AddNumber creates a single pool entry with status unset and no assignee.
func (c *Coordinator) AddNumber(ctx context.Context, phoneNumber, name string) (*domain.PhoneNumber, error) {
	pn := domain.NewPhoneNumber(uuid.New(), phoneNumber, name)
	if err := c.poolRepo.Create(ctx, pn); err != nil {
		return nil, err
	}
	c.notifyPool(ctx, events.OpInsert, pn)
	return pn, nil
}

// AddNumbers creates pool entries in one transaction.
func (c *Coordinator) AddNumbers(ctx context.Context, numbers []NewNumber) ([]*domain.PhoneNumber, error) {
	pns := make([]*domain.PhoneNumber, 0, len(numbers))
	for _, n := range numbers {
		pns = append(pns, domain.NewPhoneNumber(uuid.New(), n.PhoneNumber, n.Name))
	}
	if err := c.poolRepo.CreateBatch(ctx, pns); err != nil {
		return nil, err
	}
	for _, pn := range pns {
		c.notifyPool(ctx, events.OpInsert, pn)
	}
	return pns, nil
}

// RemoveNumber deletes a pool entry unconditionally, in-flight claims included.
// A later Complete on the removed id surfaces ErrNotFound to its caller.
func (c *Coordinator) RemoveNumber(ctx context.Context, id uuid.UUID) error {
	if err := c.poolRepo.Delete(ctx, id); err != nil {
		return err
	}
	c.notifyPool(ctx, events.OpDelete, map[string]string{"id": id.String()})
	return nil
}

// Requeue resets a worked number to unset so it becomes claimable again.
func (c *Coordinator) Requeue(ctx context.Context, id uuid.UUID) error {
	if err := c.poolRepo.Requeue(ctx, id); err != nil {
		return err
	}
	pn, err := c.poolRepo.GetByID(ctx, id)
	if err == nil {
		c.notifyPool(ctx, events.OpUpdate, pn)
	}
	return nil
}

// ListPool returns the pool in stable creation order.
func (c *Coordinator) ListPool(ctx context.Context, offset, limit int) ([]*domain.PhoneNumber, error) {
	return c.poolRepo.List(ctx, offset, limit)
}

// ListHistory returns the operator's completed calls, newest first.
func (c *Coordinator) ListHistory(ctx context.Context, operatorID uuid.UUID, filter string, offset, limit int) ([]*domain.CallHistoryEntry, error) {
	return c.historyRepo.ListByOperator(ctx, operatorID, filter, offset, limit)
}

// ReleaseExpired sweeps claims whose lease has run out.
func (c *Coordinator) ReleaseExpired(ctx context.Context) (int64, error) {
	released, err := c.poolRepo.ReleaseExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if released > 0 {
		// Subscribers re-query the pool; no per-row snapshot needed here.
		c.notifyPool(ctx, events.OpUpdate, map[string]int64{"released": released})
	}
	return released, nil
}
