package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/aradsms/dialqueue/internal/dialqueue/domain"
)

// PGXPool is the subset of *pgxpool.Pool the repositories use.
// pgxmock.PgxPoolIface satisfies it in tests.
type PGXPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const pgUniqueViolation = "23505"

const phoneNumberColumns = `id, phone_number, name, status, assigned_to, called_at, claim_expires_at, created_at, updated_at`

type PgPoolRepository struct {
	db     PGXPool
	logger *slog.Logger
}

func NewPgPoolRepository(db PGXPool, logger *slog.Logger) *PgPoolRepository {
	return &PgPoolRepository{db: db, logger: logger.With("component", "pool_repository_pg")}
}

// scanPhoneNumber scans a single pool row, normalizing SQL NULLs to nil fields.
func scanPhoneNumber(row pgx.Row) (*domain.PhoneNumber, error) {
	var p domain.PhoneNumber
	var name sql.NullString
	var status sql.NullString
	var assignedTo uuid.NullUUID
	var calledAt, claimExpiresAt sql.NullTime

	err := row.Scan(
		&p.ID,
		&p.PhoneNumber,
		&name,
		&status,
		&assignedTo,
		&calledAt,
		&claimExpiresAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err // Let caller handle pgx.ErrNoRows
	}
	if name.Valid {
		p.Name = name.String
	}
	if status.Valid {
		s := domain.CallStatus(status.String)
		p.Status = &s
	}
	if assignedTo.Valid {
		op := assignedTo.UUID
		p.AssignedTo = &op
	}
	if calledAt.Valid {
		t := calledAt.Time
		p.CalledAt = &t
	}
	if claimExpiresAt.Valid {
		t := claimExpiresAt.Time
		p.ClaimExpiresAt = &t
	}
	return &p, nil
}

func (r *PgPoolRepository) Create(ctx context.Context, pn *domain.PhoneNumber) error {
	query := `
		INSERT INTO phone_numbers (id, phone_number, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.Exec(ctx, query, pn.ID, pn.PhoneNumber, pn.Name, pn.CreatedAt, pn.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			r.logger.WarnContext(ctx, "Duplicate phone number", "phone_number", pn.PhoneNumber)
			return domain.ErrDuplicateEntry
		}
		r.logger.ErrorContext(ctx, "Error creating phone number", "error", err, "phone_number_id", pn.ID)
		return err
	}
	r.logger.InfoContext(ctx, "Phone number created", "phone_number_id", pn.ID)
	return nil
}

func (r *PgPoolRepository) CreateBatch(ctx context.Context, pns []*domain.PhoneNumber) error {
	if len(pns) == 0 {
		return nil
	}
	query := `
		INSERT INTO phone_numbers (id, phone_number, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		for _, pn := range pns {
			if _, err := tx.Exec(ctx, query, pn.ID, pn.PhoneNumber, pn.Name, pn.CreatedAt, pn.UpdatedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return domain.ErrDuplicateEntry
		}
		r.logger.ErrorContext(ctx, "Error batch-creating phone numbers", "error", err, "count", len(pns))
		return err
	}
	r.logger.InfoContext(ctx, "Phone numbers created", "count", len(pns))
	return nil
}

func (r *PgPoolRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.PhoneNumber, error) {
	query := `SELECT ` + phoneNumberColumns + ` FROM phone_numbers WHERE id = $1`
	pn, err := scanPhoneNumber(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting phone number by ID", "error", err, "phone_number_id", id)
		return nil, err
	}
	return pn, nil
}

func (r *PgPoolRepository) List(ctx context.Context, offset, limit int) ([]*domain.PhoneNumber, error) {
	query := `
		SELECT ` + phoneNumberColumns + `
		FROM phone_numbers
		ORDER BY created_at, id
		LIMIT $1 OFFSET $2
	`
	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing phone numbers", "error", err)
		return nil, err
	}
	defer rows.Close()

	var pool []*domain.PhoneNumber
	for rows.Next() {
		pn, err := scanPhoneNumber(rows)
		if err != nil {
			r.logger.ErrorContext(ctx, "Error scanning phone number row", "error", err)
			return nil, err
		}
		pool = append(pool, pn)
	}
	if err := rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating phone number rows", "error", err)
		return nil, err
	}
	return pool, nil
}

func (r *PgPoolRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM phone_numbers WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error deleting phone number", "error", err, "phone_number_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	r.logger.InfoContext(ctx, "Phone number deleted", "phone_number_id", id)
	return nil
}

// claimNextQuery selects one eligible candidate and claims it in a single
// statement, so two concurrent claims can never win the same row. Eligible:
// not yet worked, and unassigned, already ours, or past its claim lease.
const claimNextQuery = `
		UPDATE phone_numbers
		SET assigned_to = $1, claim_expires_at = $2, updated_at = NOW()
		WHERE id = (
			SELECT id FROM phone_numbers
			WHERE status IS NULL
			  AND (assigned_to IS NULL OR assigned_to = $1 OR claim_expires_at < NOW())
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + phoneNumberColumns

func (r *PgPoolRepository) ClaimNext(ctx context.Context, operatorID uuid.UUID, leaseFor time.Duration) (*domain.PhoneNumber, error) {
	var expiresAt *time.Time
	if leaseFor > 0 {
		t := time.Now().UTC().Add(leaseFor)
		expiresAt = &t
	}

	pn, err := scanPhoneNumber(r.db.QueryRow(ctx, claimNextQuery, operatorID, expiresAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Pool exhausted: a valid empty result, not an error.
			return nil, nil
		}
		r.logger.ErrorContext(ctx, "Error claiming next phone number", "error", err, "operator_id", operatorID)
		return nil, err
	}
	r.logger.InfoContext(ctx, "Phone number claimed", "phone_number_id", pn.ID, "operator_id", operatorID)
	return pn, nil
}

const completeCallQuery = `
		UPDATE phone_numbers
		SET status = $1, called_at = $2, assigned_to = NULL, claim_expires_at = NULL, updated_at = $2
		WHERE id = $3 AND assigned_to = $4
		RETURNING ` + phoneNumberColumns

const insertHistoryQuery = `
		INSERT INTO call_history (id, phone_number_id, phone_number, name, operator_id, status, called_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
`

func (r *PgPoolRepository) CompleteCall(ctx context.Context, id, operatorID uuid.UUID, outcome domain.CallStatus, calledAt time.Time) (*domain.PhoneNumber, *domain.CallHistoryEntry, error) {
	if !outcome.IsValid() {
		return nil, nil, domain.ErrInvalidStatus
	}

	var pn *domain.PhoneNumber
	var entry *domain.CallHistoryEntry

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var err error
		pn, err = scanPhoneNumber(tx.QueryRow(ctx, completeCallQuery, outcome, calledAt, id, operatorID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Distinguish a vanished number from one held by someone else.
				var holder uuid.NullUUID
				selErr := tx.QueryRow(ctx, `SELECT assigned_to FROM phone_numbers WHERE id = $1`, id).Scan(&holder)
				if errors.Is(selErr, pgx.ErrNoRows) {
					return domain.ErrNotFound
				}
				if selErr != nil {
					return selErr
				}
				return domain.ErrClaimedByOther
			}
			return err
		}

		entry = &domain.CallHistoryEntry{
			ID:            uuid.New(),
			PhoneNumberID: pn.ID,
			PhoneNumber:   pn.PhoneNumber,
			Name:          pn.Name,
			OperatorID:    operatorID,
			Status:        outcome,
			CalledAt:      calledAt,
		}
		_, err = tx.Exec(ctx, insertHistoryQuery,
			entry.ID, entry.PhoneNumberID, entry.PhoneNumber, entry.Name, entry.OperatorID, entry.Status, entry.CalledAt)
		return err
	})
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrClaimedByOther) {
			r.logger.ErrorContext(ctx, "Error completing call", "error", err, "phone_number_id", id, "operator_id", operatorID)
		}
		return nil, nil, err
	}
	r.logger.InfoContext(ctx, "Call completed", "phone_number_id", id, "operator_id", operatorID, "status", outcome)
	return pn, entry, nil
}

func (r *PgPoolRepository) Release(ctx context.Context, id, operatorID uuid.UUID) error {
	query := `
		UPDATE phone_numbers
		SET assigned_to = NULL, claim_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND assigned_to = $2
	`
	tag, err := r.db.Exec(ctx, query, id, operatorID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error releasing phone number", "error", err, "phone_number_id", id, "operator_id", operatorID)
		return err
	}
	if tag.RowsAffected() == 0 {
		var holder uuid.NullUUID
		selErr := r.db.QueryRow(ctx, `SELECT assigned_to FROM phone_numbers WHERE id = $1`, id).Scan(&holder)
		if errors.Is(selErr, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if selErr != nil {
			return selErr
		}
		return domain.ErrClaimedByOther
	}
	r.logger.InfoContext(ctx, "Phone number released", "phone_number_id", id, "operator_id", operatorID)
	return nil
}

func (r *PgPoolRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE phone_numbers
		SET status = NULL, called_at = NULL, assigned_to = NULL, claim_expires_at = NULL, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error requeueing phone number", "error", err, "phone_number_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	r.logger.InfoContext(ctx, "Phone number requeued", "phone_number_id", id)
	return nil
}

func (r *PgPoolRepository) ReleaseExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE phone_numbers
		SET assigned_to = NULL, claim_expires_at = NULL, updated_at = $1
		WHERE claim_expires_at IS NOT NULL AND claim_expires_at < $1
	`
	tag, err := r.db.Exec(ctx, query, now)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error releasing expired claims", "error", err)
		return 0, err
	}
	released := tag.RowsAffected()
	if released > 0 {
		r.logger.InfoContext(ctx, "Expired claims released", "count", released)
	}
	return released, nil
}

var _ domain.PoolRepository = (*PgPoolRepository)(nil)
