package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/dialqueue/internal/dialqueue/domain"
	"github.com/aradsms/dialqueue/internal/dialqueue/events"
)

// --- Mocks ---

type MockPoolRepository struct {
	mock.Mock
}

func (m *MockPoolRepository) Create(ctx context.Context, pn *domain.PhoneNumber) error {
	args := m.Called(ctx, pn)
	return args.Error(0)
}

func (m *MockPoolRepository) CreateBatch(ctx context.Context, pns []*domain.PhoneNumber) error {
	args := m.Called(ctx, pns)
	return args.Error(0)
}

func (m *MockPoolRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.PhoneNumber, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PhoneNumber), args.Error(1)
}

func (m *MockPoolRepository) List(ctx context.Context, offset, limit int) ([]*domain.PhoneNumber, error) {
	args := m.Called(ctx, offset, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.PhoneNumber), args.Error(1)
}

func (m *MockPoolRepository) Delete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockPoolRepository) ClaimNext(ctx context.Context, operatorID uuid.UUID, leaseFor time.Duration) (*domain.PhoneNumber, error) {
	args := m.Called(ctx, operatorID, leaseFor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PhoneNumber), args.Error(1)
}

func (m *MockPoolRepository) CompleteCall(ctx context.Context, id, operatorID uuid.UUID, outcome domain.CallStatus, calledAt time.Time) (*domain.PhoneNumber, *domain.CallHistoryEntry, error) {
	args := m.Called(ctx, id, operatorID, outcome, calledAt)
	var pn *domain.PhoneNumber
	var entry *domain.CallHistoryEntry
	if args.Get(0) != nil {
		pn = args.Get(0).(*domain.PhoneNumber)
	}
	if args.Get(1) != nil {
		entry = args.Get(1).(*domain.CallHistoryEntry)
	}
	return pn, entry, args.Error(2)
}

func (m *MockPoolRepository) Release(ctx context.Context, id, operatorID uuid.UUID) error {
	args := m.Called(ctx, id, operatorID)
	return args.Error(0)
}

func (m *MockPoolRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockPoolRepository) ReleaseExpired(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

type MockHistoryRepository struct {
	mock.Mock
}

func (m *MockHistoryRepository) ListByOperator(ctx context.Context, operatorID uuid.UUID, filter string, offset, limit int) ([]*domain.CallHistoryEntry, error) {
	args := m.Called(ctx, operatorID, filter, offset, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallHistoryEntry), args.Error(1)
}

type MockChangeFeed struct {
	mock.Mock
}

func (m *MockChangeFeed) PublishChange(ctx context.Context, subject, table string, op events.Op, row any) error {
	args := m.Called(ctx, subject, table, op, row)
	return args.Error(0)
}

// --- Test Setup ---

type coordinatorTestComponents struct {
	coordinator *Coordinator
	mockPool    *MockPoolRepository
	mockHistory *MockHistoryRepository
	mockFeed    *MockChangeFeed
}

func setupCoordinatorTest(t *testing.T, claimTTL time.Duration) coordinatorTestComponents {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mockPool := new(MockPoolRepository)
	mockHistory := new(MockHistoryRepository)
	mockFeed := new(MockChangeFeed)

	coordinator := NewCoordinator(mockPool, mockHistory, mockFeed, claimTTL, logger)
	return coordinatorTestComponents{
		coordinator: coordinator,
		mockPool:    mockPool,
		mockHistory: mockHistory,
		mockFeed:    mockFeed,
	}
}

// --- Tests ---

func TestCoordinator_ClaimNext(t *testing.T) {
	ctx := context.Background()
	operatorID := uuid.New()

	t.Run("ClaimsAndPublishesPoolChange", func(t *testing.T) {
		comps := setupCoordinatorTest(t, 0)
		pn := domain.NewPhoneNumber(uuid.New(), "+15551234567", "Alice")
		pn.AssignedTo = &operatorID

		comps.mockPool.On("ClaimNext", ctx, operatorID, time.Duration(0)).Return(pn, nil).Once()
		comps.mockFeed.On("PublishChange", ctx, events.SubjectPool, events.TablePool, events.OpUpdate, pn).Return(nil).Once()

		got, err := comps.coordinator.ClaimNext(ctx, operatorID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, pn.ID, got.ID)
		comps.mockPool.AssertExpectations(t)
		comps.mockFeed.AssertExpectations(t)
	})

	t.Run("PoolExhaustedReturnsNilWithoutEvent", func(t *testing.T) {
		comps := setupCoordinatorTest(t, 0)
		comps.mockPool.On("ClaimNext", ctx, operatorID, time.Duration(0)).Return(nil, nil).Once()

		got, err := comps.coordinator.ClaimNext(ctx, operatorID)
		require.NoError(t, err)
		assert.Nil(t, got)
		comps.mockPool.AssertExpectations(t)
		comps.mockFeed.AssertNotCalled(t, "PublishChange", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("PassesConfiguredLease", func(t *testing.T) {
		comps := setupCoordinatorTest(t, 10*time.Minute)
		comps.mockPool.On("ClaimNext", ctx, operatorID, 10*time.Minute).Return(nil, nil).Once()

		_, err := comps.coordinator.ClaimNext(ctx, operatorID)
		require.NoError(t, err)
		comps.mockPool.AssertExpectations(t)
	})

	t.Run("RepoError", func(t *testing.T) {
		comps := setupCoordinatorTest(t, 0)
		dbErr := errors.New("store unavailable")
		comps.mockPool.On("ClaimNext", ctx, operatorID, time.Duration(0)).Return(nil, dbErr).Once()

		got, err := comps.coordinator.ClaimNext(ctx, operatorID)
		require.ErrorIs(t, err, dbErr)
		assert.Nil(t, got)
		comps.mockPool.AssertExpectations(t)
	})
}

func TestCoordinator_Complete(t *testing.T) {
	ctx := context.Background()
	operatorID := uuid.New()
	numberID := uuid.New()

	t.Run("PublishesPoolAndHistoryEvents", func(t *testing.T) {
		comps := setupCoordinatorTest(t, 0)
		status := domain.CallStatusAnswered
		pn := domain.NewPhoneNumber(numberID, "+15551234567", "Alice")
		pn.Status = &status
		entry := &domain.CallHistoryEntry{
			ID:            uuid.New(),
			PhoneNumberID: numberID,
			PhoneNumber:   "+15551234567",
			Name:          "Alice",
			OperatorID:    operatorID,
			Status:        status,
		}

		comps.mockPool.On("CompleteCall", ctx, numberID, operatorID, status, mock.AnythingOfType("time.Time")).
			Return(pn, entry, nil).Once()
		comps.mockFeed.On("PublishChange", ctx, events.SubjectPool, events.TablePool, events.OpUpdate, pn).Return(nil).Once()
		comps.mockFeed.On("PublishChange", ctx, events.HistorySubject(operatorID), events.TableHistory, events.OpInsert, entry).Return(nil).Once()

		got, err := comps.coordinator.Complete(ctx, numberID, operatorID, status)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, entry.ID, got.ID)
		comps.mockPool.AssertExpectations(t)
		comps.mockFeed.AssertExpectations(t)
	})

	t.Run("RejectsInvalidOutcomeBeforeStore", func(t *testing.T) {
		comps := setupCoordinatorTest(t, 0)

		_, err := comps.coordinator.Complete(ctx, numberID, operatorID, domain.CallStatus("busy"))
		require.ErrorIs(t, err, domain.ErrInvalidStatus)
		comps.mockPool.AssertNotCalled(t, "CompleteCall", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("SurfacesClaimConflict", func(t *testing.T) {
		comps := setupCoordinatorTest(t, 0)
		comps.mockPool.On("CompleteCall", ctx, numberID, operatorID, domain.CallStatusRejected, mock.AnythingOfType("time.Time")).
			Return(nil, nil, domain.ErrClaimedByOther).Once()

		_, err := comps.coordinator.Complete(ctx, numberID, operatorID, domain.CallStatusRejected)
		require.ErrorIs(t, err, domain.ErrClaimedByOther)
		comps.mockPool.AssertExpectations(t)
	})

	t.Run("FeedFailureDoesNotFailCompletion", func(t *testing.T) {
		comps := setupCoordinatorTest(t, 0)
		status := domain.CallStatusNoAnswer
		pn := domain.NewPhoneNumber(numberID, "+15551234567", "Alice")
		pn.Status = &status
		entry := &domain.CallHistoryEntry{ID: uuid.New(), PhoneNumberID: numberID, OperatorID: operatorID, Status: status}

		comps.mockPool.On("CompleteCall", ctx, numberID, operatorID, status, mock.AnythingOfType("time.Time")).
			Return(pn, entry, nil).Once()
		comps.mockFeed.On("PublishChange", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(errors.New("nats down")).Twice()

		_, err := comps.coordinator.Complete(ctx, numberID, operatorID, status)
		require.NoError(t, err)
		comps.mockFeed.AssertExpectations(t)
	})
}

func TestCoordinator_PoolAdmin(t *testing.T) {
	ctx := context.Background()

	t.Run("AddNumberCreatesUnsetUnassigned", func(t *testing.T) {
		comps := setupCoordinatorTest(t, 0)
		comps.mockPool.On("Create", ctx, mock.MatchedBy(func(pn *domain.PhoneNumber) bool {
			return pn.PhoneNumber == "+15551234567" && pn.Name == "Alice" && pn.Status == nil && pn.AssignedTo == nil
		})).Return(nil).Once()
		comps.mockFeed.On("PublishChange", ctx, events.SubjectPool, events.TablePool, events.OpInsert, mock.Anything).Return(nil).Once()

		pn, err := comps.coordinator.AddNumber(ctx, "+15551234567", "Alice")
		require.NoError(t, err)
		require.NotNil(t, pn)
		assert.False(t, pn.IsWorked())
		assert.False(t, pn.IsClaimed())
		comps.mockPool.AssertExpectations(t)
	})

	t.Run("RemoveNumberPublishesDelete", func(t *testing.T) {
		comps := setupCoordinatorTest(t, 0)
		numberID := uuid.New()
		comps.mockPool.On("Delete", ctx, numberID).Return(nil).Once()
		comps.mockFeed.On("PublishChange", ctx, events.SubjectPool, events.TablePool, events.OpDelete, mock.Anything).Return(nil).Once()

		err := comps.coordinator.RemoveNumber(ctx, numberID)
		require.NoError(t, err)
		comps.mockPool.AssertExpectations(t)
		comps.mockFeed.AssertExpectations(t)
	})

	t.Run("RemoveMissingNumber", func(t *testing.T) {
		comps := setupCoordinatorTest(t, 0)
		numberID := uuid.New()
		comps.mockPool.On("Delete", ctx, numberID).Return(domain.ErrNotFound).Once()

		err := comps.coordinator.RemoveNumber(ctx, numberID)
		require.ErrorIs(t, err, domain.ErrNotFound)
		comps.mockFeed.AssertNotCalled(t, "PublishChange", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("AddNumbersBatch", func(t *testing.T) {
		comps := setupCoordinatorTest(t, 0)
		comps.mockPool.On("CreateBatch", ctx, mock.MatchedBy(func(pns []*domain.PhoneNumber) bool {
			return len(pns) == 2
		})).Return(nil).Once()
		comps.mockFeed.On("PublishChange", ctx, events.SubjectPool, events.TablePool, events.OpInsert, mock.Anything).Return(nil).Twice()

		pns, err := comps.coordinator.AddNumbers(ctx, []NewNumber{
			{PhoneNumber: "+15551234567", Name: "Alice"},
			{PhoneNumber: "+15559876543", Name: "Bob"},
		})
		require.NoError(t, err)
		assert.Len(t, pns, 2)
		comps.mockPool.AssertExpectations(t)
	})
}

func TestCoordinator_ListHistory(t *testing.T) {
	ctx := context.Background()
	operatorID := uuid.New()

	comps := setupCoordinatorTest(t, 0)
	entries := []*domain.CallHistoryEntry{
		{ID: uuid.New(), OperatorID: operatorID, Status: domain.CallStatusAnswered},
	}
	comps.mockHistory.On("ListByOperator", ctx, operatorID, "ali", 0, 50).Return(entries, nil).Once()

	got, err := comps.coordinator.ListHistory(ctx, operatorID, "ali", 0, 50)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
	comps.mockHistory.AssertExpectations(t)
}

// --- Concurrency property ---

// casPoolRepository is an in-memory PoolRepository whose ClaimNext is a true
// compare-and-set, mirroring the conditional-update contract of the postgres
// implementation. Used to exercise the double-claim race under real goroutines.
type casPoolRepository struct {
	mu      sync.Mutex
	numbers []*domain.PhoneNumber
	history []*domain.CallHistoryEntry
}

func (r *casPoolRepository) Create(ctx context.Context, pn *domain.PhoneNumber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.numbers = append(r.numbers, pn)
	return nil
}

func (r *casPoolRepository) CreateBatch(ctx context.Context, pns []*domain.PhoneNumber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.numbers = append(r.numbers, pns...)
	return nil
}

func (r *casPoolRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.PhoneNumber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pn := range r.numbers {
		if pn.ID == id {
			return pn, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *casPoolRepository) List(ctx context.Context, offset, limit int) ([]*domain.PhoneNumber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.PhoneNumber, len(r.numbers))
	copy(out, r.numbers)
	return out, nil
}

func (r *casPoolRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, pn := range r.numbers {
		if pn.ID == id {
			r.numbers = append(r.numbers[:i], r.numbers[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (r *casPoolRepository) ClaimNext(ctx context.Context, operatorID uuid.UUID, leaseFor time.Duration) (*domain.PhoneNumber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	candidates := make([]*domain.PhoneNumber, 0, len(r.numbers))
	for _, pn := range r.numbers {
		if pn.Status != nil {
			continue
		}
		if pn.AssignedTo == nil || *pn.AssignedTo == operatorID {
			candidates = append(candidates, pn)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	picked := candidates[0]
	op := operatorID
	picked.AssignedTo = &op
	if leaseFor > 0 {
		exp := time.Now().UTC().Add(leaseFor)
		picked.ClaimExpiresAt = &exp
	}
	copied := *picked
	return &copied, nil
}

func (r *casPoolRepository) CompleteCall(ctx context.Context, id, operatorID uuid.UUID, outcome domain.CallStatus, calledAt time.Time) (*domain.PhoneNumber, *domain.CallHistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pn := range r.numbers {
		if pn.ID != id {
			continue
		}
		if pn.AssignedTo == nil || *pn.AssignedTo != operatorID {
			return nil, nil, domain.ErrClaimedByOther
		}
		s := outcome
		pn.Status = &s
		pn.CalledAt = &calledAt
		pn.AssignedTo = nil
		pn.ClaimExpiresAt = nil
		entry := &domain.CallHistoryEntry{
			ID:            uuid.New(),
			PhoneNumberID: pn.ID,
			PhoneNumber:   pn.PhoneNumber,
			Name:          pn.Name,
			OperatorID:    operatorID,
			Status:        outcome,
			CalledAt:      calledAt,
		}
		r.history = append(r.history, entry)
		copied := *pn
		return &copied, entry, nil
	}
	return nil, nil, domain.ErrNotFound
}

func (r *casPoolRepository) Release(ctx context.Context, id, operatorID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pn := range r.numbers {
		if pn.ID != id {
			continue
		}
		if pn.AssignedTo == nil || *pn.AssignedTo != operatorID {
			return domain.ErrClaimedByOther
		}
		pn.AssignedTo = nil
		pn.ClaimExpiresAt = nil
		return nil
	}
	return domain.ErrNotFound
}

func (r *casPoolRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pn := range r.numbers {
		if pn.ID == id {
			pn.Status = nil
			pn.CalledAt = nil
			pn.AssignedTo = nil
			pn.ClaimExpiresAt = nil
			return nil
		}
	}
	return domain.ErrNotFound
}

func (r *casPoolRepository) ReleaseExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var released int64
	for _, pn := range r.numbers {
		if pn.ClaimExpiresAt != nil && pn.ClaimExpiresAt.Before(now) {
			pn.AssignedTo = nil
			pn.ClaimExpiresAt = nil
			released++
		}
	}
	return released, nil
}

func TestCoordinator_ConcurrentClaims_SingleNumber(t *testing.T) {
	// Two operators race for a pool holding exactly one unset, unclaimed
	// number: at most one claim may win, the other gets the empty result.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := &casPoolRepository{}
	coordinator := NewCoordinator(repo, new(MockHistoryRepository), nil, 0, logger)

	ctx := context.Background()
	only := domain.NewPhoneNumber(uuid.New(), "+15551234567", "Alice")
	require.NoError(t, repo.Create(ctx, only))

	const operators = 16
	results := make([]*domain.PhoneNumber, operators)
	errs := make([]error, operators)

	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(operators)
	for i := 0; i < operators; i++ {
		go func(i int) {
			defer done.Done()
			operatorID := uuid.New()
			start.Wait()
			results[i], errs[i] = coordinator.ClaimNext(ctx, operatorID)
		}(i)
	}
	start.Done()
	done.Wait()

	winners := 0
	for i := 0; i < operators; i++ {
		require.NoError(t, errs[i])
		if results[i] != nil {
			winners++
			assert.Equal(t, only.ID, results[i].ID)
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent claim must win the single eligible number")
}

func TestCoordinator_ClaimThenCompleteScenario(t *testing.T) {
	// End-to-end flow: opA claims the only number, opB gets
	// nothing, opA completes with an outcome, the number retires, and the
	// audit log holds exactly one entry for opA.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := &casPoolRepository{}
	coordinator := NewCoordinator(repo, new(MockHistoryRepository), nil, 0, logger)

	ctx := context.Background()
	opA := uuid.New()
	opB := uuid.New()

	pn, err := coordinator.AddNumber(ctx, "+15551234567", "Alice")
	require.NoError(t, err)

	claimedByA, err := coordinator.ClaimNext(ctx, opA)
	require.NoError(t, err)
	require.NotNil(t, claimedByA)
	assert.Equal(t, pn.ID, claimedByA.ID)
	require.NotNil(t, claimedByA.AssignedTo)
	assert.Equal(t, opA, *claimedByA.AssignedTo)

	claimedByB, err := coordinator.ClaimNext(ctx, opB)
	require.NoError(t, err)
	assert.Nil(t, claimedByB, "no other unset number exists for opB")

	// Re-claim by the same operator returns its current pick, not nothing.
	reclaimed, err := coordinator.ClaimNext(ctx, opA)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, pn.ID, reclaimed.ID)

	// opB cannot finalize a number it does not hold.
	_, err = coordinator.Complete(ctx, pn.ID, opB, domain.CallStatusAnswered)
	require.ErrorIs(t, err, domain.ErrClaimedByOther)

	entry, err := coordinator.Complete(ctx, pn.ID, opA, domain.CallStatusAnswered)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, opA, entry.OperatorID)
	assert.Equal(t, domain.CallStatusAnswered, entry.Status)

	after, err := repo.GetByID(ctx, pn.ID)
	require.NoError(t, err)
	require.NotNil(t, after.Status)
	assert.Equal(t, domain.CallStatusAnswered, *after.Status)
	assert.Nil(t, after.AssignedTo)
	assert.NotNil(t, after.CalledAt)
	require.Len(t, repo.history, 1)

	// Retired numbers are not reselected.
	again, err := coordinator.ClaimNext(ctx, opA)
	require.NoError(t, err)
	assert.Nil(t, again)

	// Completing a removed number reports not found to the caller.
	require.NoError(t, coordinator.RemoveNumber(ctx, pn.ID))
	_, err = coordinator.Complete(ctx, pn.ID, opA, domain.CallStatusAnswered)
	require.ErrorIs(t, err, domain.ErrNotFound)
}
