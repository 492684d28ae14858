package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inboxrelay/relay/common/database"
	"github.com/inboxrelay/relay/common/models"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

const messageColumns = `id, environment_id, organization_id, subscriber_id, channel, workflow_id, step_id,
	content, seen, read, created_at, seen_at, read_at`

func (r *PostgresRepository) CreateMessage(ctx context.Context, msg *models.Message) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	content := msg.Content
	if content == nil {
		content = map[string]any{}
	}

	query := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.pool.Exec(ctx, query,
		msg.ID, msg.EnvironmentID, msg.OrganizationID, msg.SubscriberID, string(msg.Channel),
		msg.WorkflowID, msg.StepID, content, msg.Seen, msg.Read, msg.CreatedAt, msg.SeenAt, msg.ReadAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetMessage(ctx context.Context, environmentID, id string) (*models.Message, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE environment_id = $1 AND id = $2 AND deleted_at IS NULL
	`
	msg, err := scanMessage(r.pool.QueryRow(ctx, query, environmentID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

func (r *PostgresRepository) ListMessages(ctx context.Context, environmentID, subscriberID string, limit, offset int) ([]*models.Message, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE environment_id = $1 AND subscriber_id = $2 AND deleted_at IS NULL
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.pool.Query(ctx, query, environmentID, subscriberID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return out, nil
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var (
		msg     models.Message
		channel string
	)
	err := row.Scan(
		&msg.ID, &msg.EnvironmentID, &msg.OrganizationID, &msg.SubscriberID, &channel,
		&msg.WorkflowID, &msg.StepID, &msg.Content, &msg.Seen, &msg.Read,
		&msg.CreatedAt, &msg.SeenAt, &msg.ReadAt,
	)
	if err != nil {
		return nil, err
	}
	msg.Channel = models.Channel(channel)
	return &msg, nil
}

// changeStatements maps a change kind to its SET and WHERE clauses. The
// WHERE clause skips rows already in the target state so the affected count
// reflects real changes.
var changeStatements = map[models.ChangeKind]struct{ set, where string }{
	models.ChangeRead:    {set: "read = true, read_at = $3", where: "NOT read"},
	models.ChangeUnread:  {set: "read = false, read_at = NULL", where: "read"},
	models.ChangeSeen:    {set: "seen = true, seen_at = $3", where: "NOT seen"},
	models.ChangeUnseen:  {set: "seen = false, seen_at = NULL", where: "seen"},
	models.ChangeRemoved: {set: "deleted_at = $3", where: "TRUE"},
	models.ChangeReadAll: {
		set:   "read = true, read_at = COALESCE(read_at, $3), seen = true, seen_at = COALESCE(seen_at, $3)",
		where: "(NOT read OR NOT seen)",
	},
	models.ChangeSeenAll: {set: "seen = true, seen_at = $3", where: "NOT seen"},
}

func (r *PostgresRepository) ApplyChange(ctx context.Context, change StateChange) (int64, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	stmt, ok := changeStatements[change.Kind]
	if !ok {
		return 0, fmt.Errorf("unsupported change %q", change.Kind)
	}

	var (
		query string
		args  []any
	)
	if isBulk(change.Kind) {
		query = fmt.Sprintf(`
			UPDATE messages SET %s, updated_at = $3
			WHERE environment_id = $1 AND subscriber_id = $2 AND deleted_at IS NULL AND %s
		`, stmt.set, stmt.where)
		args = []any{change.EnvironmentID, change.SubscriberID, change.At}
	} else {
		query = fmt.Sprintf(`
			UPDATE messages SET %s, updated_at = $3
			WHERE environment_id = $1 AND subscriber_id = $2 AND deleted_at IS NULL AND %s AND id = $4
		`, stmt.set, stmt.where)
		args = []any{change.EnvironmentID, change.SubscriberID, change.At, change.MessageID}
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to apply %s: %w", change.Kind, err)
	}
	if tag.RowsAffected() == 0 && !isBulk(change.Kind) {
		// Distinguish "already in that state" from "no such message".
		msg, err := r.GetMessage(ctx, change.EnvironmentID, change.MessageID)
		if err != nil {
			return 0, err
		}
		if msg.SubscriberID != change.SubscriberID {
			return 0, ErrMessageNotFound
		}
	}
	return tag.RowsAffected(), nil
}

func isBulk(k models.ChangeKind) bool {
	return k == models.ChangeReadAll || k == models.ChangeSeenAll
}

func (r *PostgresRepository) CountUnseen(ctx context.Context, environmentID, subscriberID string, limit int) (int, error) {
	return r.count(ctx, "NOT seen", environmentID, subscriberID, limit)
}

func (r *PostgresRepository) CountUnread(ctx context.Context, environmentID, subscriberID string, limit int) (int, error) {
	return r.count(ctx, "NOT read", environmentID, subscriberID, limit)
}

func (r *PostgresRepository) count(ctx context.Context, cond, environmentID, subscriberID string, limit int) (int, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	query := `
		SELECT count(*) FROM (
			SELECT 1 FROM messages
			WHERE environment_id = $1 AND subscriber_id = $2 AND deleted_at IS NULL AND ` + cond + `
			LIMIT $3
		) capped
	`
	var n int
	if err := r.pool.QueryRow(ctx, query, environmentID, subscriberID, limit).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) TranslationContent(ctx context.Context, resourceID, resourceType, locale string) (map[string]any, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	query := `
		SELECT content FROM translations
		WHERE resource_id = $1 AND resource_type = $2 AND locale = $3
	`
	var content map[string]any
	err := r.pool.QueryRow(ctx, query, resourceID, resourceType, locale).Scan(&content)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get translation: %w", err)
	}
	return content, nil
}

func (r *PostgresRepository) UpsertTranslation(ctx context.Context, resourceID, resourceType, locale string, content map[string]any) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO translations (resource_id, resource_type, locale, content, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (resource_id, resource_type, locale)
		DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at
	`
	if _, err := r.pool.Exec(ctx, query, resourceID, resourceType, locale, content); err != nil {
		return fmt.Errorf("failed to upsert translation: %w", err)
	}
	return nil
}

// RecordPresence creates the subscriber on first sight and applies the
// change unless a newer one was already stored.
func (r *PostgresRepository) RecordPresence(ctx context.Context, change models.PresenceChange) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO subscribers (environment_id, subscriber_id, organization_id, is_online, last_online_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5, $5)
		ON CONFLICT (environment_id, subscriber_id) DO UPDATE
		SET is_online = EXCLUDED.is_online,
		    last_online_at = EXCLUDED.last_online_at,
		    organization_id = COALESCE(NULLIF(EXCLUDED.organization_id, ''), subscribers.organization_id),
		    updated_at = EXCLUDED.updated_at
		WHERE subscribers.updated_at <= EXCLUDED.updated_at
	`
	_, err := r.pool.Exec(ctx, query,
		change.EnvironmentID, change.SubscriberID, change.OrganizationID, change.Online, change.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record presence: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetSubscriber(ctx context.Context, environmentID, subscriberID string) (*models.Subscriber, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	query := `
		SELECT subscriber_id, environment_id, organization_id, is_online, last_online_at, created_at, updated_at
		FROM subscribers
		WHERE environment_id = $1 AND subscriber_id = $2
	`
	var s models.Subscriber
	err := r.pool.QueryRow(ctx, query, environmentID, subscriberID).Scan(
		&s.ID, &s.EnvironmentID, &s.OrganizationID, &s.Online, &s.LastOnlineAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriberNotFound
		}
		return nil, fmt.Errorf("failed to get subscriber: %w", err)
	}
	return &s, nil
}
