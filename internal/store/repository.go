package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/recivo/notifyd/internal/notify"
)

// ErrNotFound is returned when no notification matches the given id.
var ErrNotFound = errors.New("notification not found")

// Repository implements the engine's Backend interface against the
// notifications table for one recipient.
type Repository struct {
	db          *DB
	recipientID string
	logger      *zap.Logger
}

// NewRepository creates a repository scoped to one recipient.
func NewRepository(db *DB, recipientID string, logger *zap.Logger) *Repository {
	return &Repository{
		db:          db,
		recipientID: recipientID,
		logger:      logger,
	}
}

const recordColumns = `
	id, recipient_id, team_id, type, priority, title, message,
	action_url, read_at, archived_at, created_at, updated_at, metadata
`

// FetchPage returns one page of the recipient's notifications, newest
// first.
func (r *Repository) FetchPage(ctx context.Context, filter notify.Filter, limit, offset int) ([]*notify.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM notifications
		WHERE recipient_id = $1
		  AND ($2 = '' OR team_id = $2)
		  AND (cardinality($3::text[]) = 0 OR type = ANY($3))
		  AND (cardinality($4::text[]) = 0 OR priority = ANY($4))
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6
	`

	priorities := make([]string, len(filter.Priorities))
	for i, p := range filter.Priorities {
		priorities[i] = string(p)
	}
	types := filter.Types
	if types == nil {
		types = []string{}
	}

	rows, err := r.db.Pool().Query(ctx, query,
		r.recipientID, filter.TeamID, types, priorities, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	defer rows.Close()

	var records []*notify.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch page rows: %w", err)
	}

	r.logger.Debug("page fetched",
		zap.Int("records", len(records)),
		zap.Int("limit", limit),
		zap.Int("offset", offset),
	)
	return records, nil
}

// GetUnreadCount returns the authoritative unread total for the
// recipient, optionally narrowed to one team.
func (r *Repository) GetUnreadCount(ctx context.Context, teamID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM notifications
		WHERE recipient_id = $1
		  AND ($2 = '' OR team_id = $2)
		  AND read_at IS NULL
		  AND archived_at IS NULL
	`

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, r.recipientID, teamID).Scan(&count); err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return count, nil
}

// MarkRead sets read_at on one notification.
func (r *Repository) MarkRead(ctx context.Context, id string) error {
	query := `
		UPDATE notifications
		SET read_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND recipient_id = $2 AND read_at IS NULL
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, r.recipientID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already read or not ours; distinguish for the caller.
		if exists, err := r.exists(ctx, id); err != nil {
			return err
		} else if !exists {
			return fmt.Errorf("mark read %s: %w", id, ErrNotFound)
		}
	}
	return nil
}

// MarkAllRead sets read_at on every unread notification, returning the
// affected count.
func (r *Repository) MarkAllRead(ctx context.Context, teamID string) (int, error) {
	query := `
		UPDATE notifications
		SET read_at = NOW(), updated_at = NOW()
		WHERE recipient_id = $1
		  AND ($2 = '' OR team_id = $2)
		  AND read_at IS NULL
		  AND archived_at IS NULL
	`

	tag, err := r.db.Pool().Exec(ctx, query, r.recipientID, teamID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}

	affected := int(tag.RowsAffected())
	r.logger.Info("marked all read", zap.Int("affected", affected))
	return affected, nil
}

// Archive sets archived_at on one notification.
func (r *Repository) Archive(ctx context.Context, id string) error {
	query := `
		UPDATE notifications
		SET archived_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND recipient_id = $2 AND archived_at IS NULL
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, r.recipientID)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if exists, err := r.exists(ctx, id); err != nil {
			return err
		} else if !exists {
			return fmt.Errorf("archive %s: %w", id, ErrNotFound)
		}
	}
	return nil
}

// Delete removes one notification.
func (r *Repository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM notifications WHERE id = $1 AND recipient_id = $2`

	tag, err := r.db.Pool().Exec(ctx, query, id, r.recipientID)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *Repository) exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT 1 FROM notifications WHERE id = $1 AND recipient_id = $2`,
		id, r.recipientID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", id, err)
	}
	return true, nil
}

func scanRecord(rows pgx.Rows) (*notify.Record, error) {
	var rec notify.Record
	var teamID, actionURL *string
	err := rows.Scan(
		&rec.ID,
		&rec.RecipientID,
		&teamID,
		&rec.Type,
		&rec.Priority,
		&rec.Title,
		&rec.Message,
		&actionURL,
		&rec.ReadAt,
		&rec.ArchivedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.Metadata,
	)
	if err != nil {
		return nil, err
	}
	if teamID != nil {
		rec.TeamID = *teamID
	}
	if actionURL != nil {
		rec.ActionURL = *actionURL
	}
	return &rec, nil
}
