package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"

	"bookclub/api/internal/util"
)

const (
	sqlStateUniqueViolation      = "23505"
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

type PostgresStore struct {
	db         *sql.DB
	maxRetries uint64
	now        func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:         db,
		maxRetries: 5,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source used for createdAt/updatedAt.
func (s *PostgresStore) WithClock(now func() time.Time) *PostgresStore {
	s.now = now
	return s
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetDiscussion(ctx context.Context, discussionID string) (Discussion, error) {
	var (
		item        Discussion
		capacity    sql.NullInt64
		scheduledAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, creator_id, title, capacity, scheduled_at
		FROM discussions
		WHERE id=$1
	`, discussionID).Scan(&item.ID, &item.CreatorID, &item.Title, &capacity, &scheduledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Discussion{}, ErrNotFound
	}
	if err != nil {
		return Discussion{}, classify(fmt.Errorf("get discussion: %w", err))
	}
	if capacity.Valid {
		limit := int(capacity.Int64)
		item.Capacity = &limit
	}
	if scheduledAt.Valid {
		at := scheduledAt.Time
		item.ScheduledAt = &at
	}
	return item, nil
}

// JoinDiscussion inserts the caller's participation while holding the
// discussion row lock, so the approved count handed to decide cannot change
// before the insert commits.
func (s *PostgresStore) JoinDiscussion(ctx context.Context, discussionID, userID string, decide JoinDecision) (Participation, error) {
	var created Participation
	err := s.withDiscussionLock(ctx, discussionID, func(tx *sql.Tx) error {
		existing, err := scanParticipation(tx.QueryRowContext(ctx, selectParticipation+`
			WHERE discussion_id=$1 AND user_id=$2
		`, discussionID, userID))
		if err == nil {
			return &DuplicateError{Existing: existing}
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup participation: %w", err)
		}

		approved, err := countApproved(ctx, tx, discussionID)
		if err != nil {
			return err
		}

		now := s.now()
		created = Participation{
			ID:           util.NewID("pt"),
			DiscussionID: discussionID,
			UserID:       userID,
			RequestedBy:  userID,
			Status:       decide(approved),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO participations (id, discussion_id, user_id, requested_by, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, created.ID, created.DiscussionID, created.UserID, created.RequestedBy, string(created.Status), created.CreatedAt, created.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert participation: %w", err)
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.GetParticipation(ctx, discussionID, userID)
			if lookupErr != nil {
				return Participation{}, lookupErr
			}
			return Participation{}, &DuplicateError{Existing: existing}
		}
		return Participation{}, err
	}
	return created, nil
}

func (s *PostgresStore) TransitionParticipation(ctx context.Context, discussionID, participationID string, next Status, capacity *int) (Participation, error) {
	var updated Participation
	err := s.withDiscussionLock(ctx, discussionID, func(tx *sql.Tx) error {
		current, err := scanParticipation(tx.QueryRowContext(ctx, selectParticipation+`
			WHERE discussion_id=$1 AND id=$2
			FOR UPDATE
		`, discussionID, participationID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup participation: %w", err)
		}

		if next == StatusApproved && current.Status != StatusApproved && capacity != nil {
			approved, err := countApproved(ctx, tx, discussionID)
			if err != nil {
				return err
			}
			if approved >= *capacity {
				return ErrCapacityExceeded
			}
		}

		current.Status = next
		current.UpdatedAt = s.now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE participations SET status=$1, updated_at=$2 WHERE id=$3
		`, string(current.Status), current.UpdatedAt, current.ID); err != nil {
			return fmt.Errorf("update participation status: %w", err)
		}
		updated = current
		return nil
	})
	if err != nil {
		return Participation{}, err
	}
	return updated, nil
}

func (s *PostgresStore) DeleteParticipation(ctx context.Context, discussionID, userID string) (bool, error) {
	var deleted bool
	err := s.withDiscussionLock(ctx, discussionID, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM participations WHERE discussion_id=$1 AND user_id=$2`, discussionID, userID)
		if err != nil {
			return fmt.Errorf("delete participation: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete participation rows: %w", err)
		}
		deleted = affected > 0
		return nil
	})
	return deleted, err
}

func (s *PostgresStore) GetParticipation(ctx context.Context, discussionID, userID string) (Participation, error) {
	item, err := scanParticipation(s.db.QueryRowContext(ctx, selectParticipation+`
		WHERE discussion_id=$1 AND user_id=$2
	`, discussionID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return Participation{}, ErrNotFound
	}
	if err != nil {
		return Participation{}, classify(fmt.Errorf("get participation: %w", err))
	}
	return item, nil
}

func (s *PostgresStore) ListParticipations(ctx context.Context, discussionID string, filter ListFilter) ([]Participation, error) {
	query := selectParticipation + ` WHERE discussion_id=$1`
	args := []any{discussionID}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		query += fmt.Sprintf(" AND status=$%d", len(args))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list participations: %w", err))
	}
	defer rows.Close()

	items := make([]Participation, 0)
	for rows.Next() {
		item, err := scanParticipation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate participations: %w", err))
	}
	return items, nil
}

func (s *PostgresStore) CountApproved(ctx context.Context, discussionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM participations WHERE discussion_id=$1 AND status='APPROVED'
	`, discussionID).Scan(&count)
	if err != nil {
		return 0, classify(fmt.Errorf("count approved: %w", err))
	}
	return count, nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context, discussionID string) (StatusCounts, error) {
	var counts StatusCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status='PENDING'),
			COUNT(*) FILTER (WHERE status='APPROVED'),
			COUNT(*) FILTER (WHERE status='REJECTED'),
			COUNT(*) FILTER (WHERE status NOT IN ('PENDING', 'APPROVED', 'REJECTED'))
		FROM participations
		WHERE discussion_id=$1
	`, discussionID).Scan(&counts.Pending, &counts.Approved, &counts.Rejected, &counts.Invalid)
	if err != nil {
		return StatusCounts{}, classify(fmt.Errorf("count by status: %w", err))
	}
	return counts, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const selectParticipation = `
	SELECT id, discussion_id, user_id, requested_by, status, created_at, updated_at
	FROM participations
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipation(row rowScanner) (Participation, error) {
	var (
		item   Participation
		status string
	)
	if err := row.Scan(&item.ID, &item.DiscussionID, &item.UserID, &item.RequestedBy, &status, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Participation{}, err
	}
	item.Status = Status(status)
	return item, nil
}

func countApproved(ctx context.Context, tx *sql.Tx, discussionID string) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM participations WHERE discussion_id=$1 AND status='APPROVED'
	`, discussionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count approved: %w", err)
	}
	return count, nil
}

// withDiscussionLock runs fn in a transaction that first locks the discussion
// row. Writers for one discussion are serialized; other discussions are not
// touched. Serialization failures and deadlocks are retried with backoff.
func (s *PostgresStore) withDiscussionLock(ctx context.Context, discussionID string, fn func(tx *sql.Tx) error) error {
	attempt := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return retryOrStop(fmt.Errorf("begin tx: %w", err))
		}

		var locked string
		err = tx.QueryRowContext(ctx, `SELECT id FROM discussions WHERE id=$1 FOR NO KEY UPDATE`, discussionID).Scan(&locked)
		if errors.Is(err, sql.ErrNoRows) {
			_ = tx.Rollback()
			return backoff.Permanent(ErrNotFound)
		}
		if err != nil {
			_ = tx.Rollback()
			return retryOrStop(fmt.Errorf("lock discussion: %w", err))
		}

		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return retryOrStop(err)
		}
		if err := tx.Commit(); err != nil {
			return retryOrStop(fmt.Errorf("commit tx: %w", err))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = 2 * time.Second
	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, s.maxRetries), ctx))
	if err == nil {
		return nil
	}
	if isRetryable(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return classify(err)
}

func retryOrStop(err error) error {
	if isRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlStateUniqueViolation
}

// classify marks connection-level failures as ErrUnavailable. Domain errors
// and context errors pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
