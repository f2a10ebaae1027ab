package store

import (
	"context"
	"time"
)

// Subscriber is one MQTT session against a broker. KeepAlive is in
// seconds. SessionExpiry only applies to protocol 5 and is the broker-side
// session lifetime for persistent sessions.
type Subscriber struct {
	ID                      int64      `json:"id"`
	IsEnabled               bool       `json:"is_enabled"`
	KeepAlive               int        `json:"keep_alive"`
	UsePersistentSession    bool       `json:"use_persistent_session"`
	SessionExpiry           int        `json:"session_expiry"`
	Username                *string    `json:"username,omitempty"`
	Password                *string    `json:"-"`
	BrokerID                int64      `json:"broker_id"`
	IsConnected             bool       `json:"is_connected"`
	TimestampLastConnection *time.Time `json:"timestamp_last_connection,omitempty"`
}

const subscriberColumns = `id, is_enabled, keep_alive, use_persistent_session, session_expiry, username, password, broker_id, is_connected, timestamp_last_connection`

func scanSubscriber(row interface{ Scan(...any) error }) (Subscriber, error) {
	var sub Subscriber
	err := row.Scan(&sub.ID, &sub.IsEnabled, &sub.KeepAlive, &sub.UsePersistentSession,
		&sub.SessionExpiry, &sub.Username, &sub.Password, &sub.BrokerID,
		&sub.IsConnected, &sub.TimestampLastConnection)
	return sub, err
}

func (s *Store) CreateSubscriber(ctx context.Context, sub Subscriber) (Subscriber, error) {
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO subscribers (is_enabled, keep_alive, use_persistent_session, session_expiry, username, password, broker_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, sub.IsEnabled, sub.KeepAlive, sub.UsePersistentSession, sub.SessionExpiry,
		sub.Username, sub.Password, sub.BrokerID).Scan(&sub.ID)
	if err != nil {
		return Subscriber{}, mapError(err)
	}
	return sub, nil
}

func (s *Store) GetSubscriber(ctx context.Context, id int64) (Subscriber, error) {
	sub, err := scanSubscriber(s.Pool.QueryRow(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE id = $1`, id))
	if err != nil {
		return Subscriber{}, mapError(err)
	}
	return sub, nil
}

func (s *Store) ListSubscribers(ctx context.Context, enabledOnly bool) ([]Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM subscribers`
	if enabledOnly {
		query += ` WHERE is_enabled`
	}
	query += ` ORDER BY id`

	rows, err := s.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSubscriber(ctx context.Context, sub Subscriber) (Subscriber, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE subscribers
		SET is_enabled = $2, keep_alive = $3, use_persistent_session = $4,
		    session_expiry = $5, username = $6, password = $7, broker_id = $8
		WHERE id = $1
	`, sub.ID, sub.IsEnabled, sub.KeepAlive, sub.UsePersistentSession,
		sub.SessionExpiry, sub.Username, sub.Password, sub.BrokerID)
	if err != nil {
		return Subscriber{}, mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return Subscriber{}, ErrNotFound
	}
	return sub, nil
}

func (s *Store) DeleteSubscriber(ctx context.Context, id int64) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM subscribers WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSubscriberConnection persists the observed session state. Connecting
// also stamps timestamp_last_connection.
func (s *Store) SetSubscriberConnection(ctx context.Context, id int64, connected bool) error {
	var err error
	if connected {
		_, err = s.Pool.Exec(ctx, `
			UPDATE subscribers
			SET is_connected = TRUE, timestamp_last_connection = now()
			WHERE id = $1
		`, id)
	} else {
		_, err = s.Pool.Exec(ctx, `UPDATE subscribers SET is_connected = FALSE WHERE id = $1`, id)
	}
	return mapError(err)
}
