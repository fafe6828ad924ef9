package postgres

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/google/uuid"

	"github.com/aradsms/dialqueue/internal/dialqueue/domain"
)

type PgHistoryRepository struct {
	db     PGXPool
	logger *slog.Logger
}

func NewPgHistoryRepository(db PGXPool, logger *slog.Logger) *PgHistoryRepository {
	return &PgHistoryRepository{db: db, logger: logger.With("component", "history_repository_pg")}
}

func (r *PgHistoryRepository) ListByOperator(ctx context.Context, operatorID uuid.UUID, filter string, offset, limit int) ([]*domain.CallHistoryEntry, error) {
	query := `
		SELECT id, phone_number_id, phone_number, name, operator_id, status, called_at
		FROM call_history
		WHERE operator_id = $1
		  AND ($2 = '' OR phone_number ILIKE '%' || $2 || '%' OR name ILIKE '%' || $2 || '%')
		ORDER BY called_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.db.Query(ctx, query, operatorID, filter, limit, offset)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing call history", "error", err, "operator_id", operatorID)
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.CallHistoryEntry
	for rows.Next() {
		var e domain.CallHistoryEntry
		var name sql.NullString
		if err := rows.Scan(&e.ID, &e.PhoneNumberID, &e.PhoneNumber, &name, &e.OperatorID, &e.Status, &e.CalledAt); err != nil {
			r.logger.ErrorContext(ctx, "Error scanning call history row", "error", err, "operator_id", operatorID)
			return nil, err
		}
		if name.Valid {
			e.Name = name.String
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating call history rows", "error", err, "operator_id", operatorID)
		return nil, err
	}
	return entries, nil
}

var _ domain.HistoryRepository = (*PgHistoryRepository)(nil)
