package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/insforge/insforge/internal/auth"
)

var ErrChannelNotFound = errors.New("realtime: channel not found")

// Channel is a realtime channel definition. Pattern may contain a SQL-LIKE
// % wildcard so one row can cover a family of channel names.
type Channel struct {
	ID          string    `json:"id"`
	Pattern     string    `json:"pattern"`
	WebhookURLs []string  `json:"webhookUrls"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Message is one realtime message row. The delivery counters are written by
// the dispatcher after fan-out.
type Message struct {
	ID          string          `json:"id"`
	ChannelID   string          `json:"channelId"`
	ChannelName string          `json:"channelName"`
	EventName   string          `json:"eventName"`
	Payload     json.RawMessage `json:"payload"`
	SenderType  string          `json:"senderType"`
	SenderID    *string         `json:"senderId,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Store wraps the realtime schema queries.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CanAccessChannel reports whether a session with the given role and user
// can see an enabled channel matching name. The check runs under SET LOCAL
// ROLE so the channels table's RLS policies decide, not this code.
func (s *Store) CanAccessChannel(ctx context.Context, role, userID, name string) (bool, error) {
	var visible bool
	err := s.withRLS(ctx, role, userID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM realtime.channels
				WHERE enabled AND $1 LIKE pattern
			)`, name)
		return row.Scan(&visible)
	})
	if err != nil {
		return false, fmt.Errorf("checking channel access: %w", err)
	}
	return visible, nil
}

// InsertMessage writes a user-published message under the caller's identity
// and returns the new message id. The insert trigger emits the NOTIFY that
// wakes the dispatcher.
func (s *Store) InsertMessage(ctx context.Context, role, userID, channel, eventName string, payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	var id string
	err := s.withRLS(ctx, role, userID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO realtime.messages (channel_id, channel_name, event_name, payload, sender_type, sender_id)
			SELECT c.id, $1, $2, $3, 'user', NULLIF($4, '')::uuid
			FROM realtime.channels c
			WHERE c.enabled AND $1 LIKE c.pattern
			ORDER BY length(c.pattern) DESC
			LIMIT 1
			RETURNING id`,
			channel, eventName, payload, userID)
		if err := row.Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrChannelNotFound
			}
			return err
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("inserting message: %w", err)
	}
	return id, nil
}

func (s *Store) withRLS(ctx context.Context, role, userID string, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := auth.SetRLSContext(ctx, tx, role, userID); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetMessage fetches a message row by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	row := s.pool.QueryRow(ctx, `
		SELECT id, channel_id, channel_name, event_name, payload, sender_type, sender_id, created_at
		FROM realtime.messages WHERE id = $1`, id)
	err := row.Scan(&m.ID, &m.ChannelID, &m.ChannelName, &m.EventName, &m.Payload, &m.SenderType, &m.SenderID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching message: %w", err)
	}
	return &m, nil
}

// GetChannel fetches a channel by id.
func (s *Store) GetChannel(ctx context.Context, id string) (*Channel, error) {
	var c Channel
	row := s.pool.QueryRow(ctx, `
		SELECT id, pattern, COALESCE(webhook_urls, '{}'), enabled, created_at, updated_at
		FROM realtime.channels WHERE id = $1`, id)
	err := row.Scan(&c.ID, &c.Pattern, &c.WebhookURLs, &c.Enabled, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching channel: %w", err)
	}
	return &c, nil
}

// UpdateDeliveryCounts records the fan-out outcome on the message row.
func (s *Store) UpdateDeliveryCounts(ctx context.Context, id string, wsAudience, whAudience, whDelivered int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE realtime.messages
		SET ws_audience_count = $2, wh_audience_count = $3, wh_delivered_count = $4
		WHERE id = $1`,
		id, wsAudience, whAudience, whDelivered)
	if err != nil {
		return fmt.Errorf("updating delivery counts: %w", err)
	}
	return nil
}

// --- channel administration ---

func (s *Store) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, pattern, COALESCE(webhook_urls, '{}'), enabled, created_at, updated_at
		FROM realtime.channels ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.ID, &c.Pattern, &c.WebhookURLs, &c.Enabled, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning channel: %w", err)
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

func (s *Store) CreateChannel(ctx context.Context, pattern string, webhookURLs []string, enabled bool) (*Channel, error) {
	var c Channel
	row := s.pool.QueryRow(ctx, `
		INSERT INTO realtime.channels (pattern, webhook_urls, enabled)
		VALUES ($1, $2, $3)
		RETURNING id, pattern, COALESCE(webhook_urls, '{}'), enabled, created_at, updated_at`,
		pattern, webhookURLs, enabled)
	if err := row.Scan(&c.ID, &c.Pattern, &c.WebhookURLs, &c.Enabled, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, fmt.Errorf("creating channel: %w", err)
	}
	return &c, nil
}

func (s *Store) UpdateChannel(ctx context.Context, id, pattern string, webhookURLs []string, enabled bool) (*Channel, error) {
	var c Channel
	row := s.pool.QueryRow(ctx, `
		UPDATE realtime.channels
		SET pattern = $2, webhook_urls = $3, enabled = $4, updated_at = now()
		WHERE id = $1
		RETURNING id, pattern, COALESCE(webhook_urls, '{}'), enabled, created_at, updated_at`,
		id, pattern, webhookURLs, enabled)
	if err := row.Scan(&c.ID, &c.Pattern, &c.WebhookURLs, &c.Enabled, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChannelNotFound
		}
		return nil, fmt.Errorf("updating channel: %w", err)
	}
	return &c, nil
}

func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM realtime.channels WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChannelNotFound
	}
	return nil
}
