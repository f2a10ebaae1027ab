package store

import (
	"context"
	"time"
)

// Topic is an MQTT subject the engine listens on, bound to exactly one
// payload decoder.
type Topic struct {
	ID                     int64      `json:"id"`
	Name                   string     `json:"name"`
	QoS                    int        `json:"qos"`
	Description            string     `json:"description,omitempty"`
	PayloadDecoderID       int64      `json:"payload_decoder_id"`
	IsEnabled              bool       `json:"is_enabled"`
	TimestampLastReception *time.Time `json:"timestamp_last_reception,omitempty"`
}

// TopicLink routes one decoder output field of a topic into a timeseries.
// Min and Max mirror the target timeseries bounds for range checks on the
// write path.
type TopicLink struct {
	TopicID        int64    `json:"topic_id"`
	PayloadFieldID int64    `json:"payload_field_id"`
	FieldName      string   `json:"field_name"`
	TimeseriesID   int64    `json:"timeseries_id"`
	Min            *float64 `json:"-"`
	Max            *float64 `json:"-"`
}

const topicColumns = `id, name, qos, description, payload_decoder_id, is_enabled, timestamp_last_reception`

func scanTopic(row interface{ Scan(...any) error }) (Topic, error) {
	var t Topic
	err := row.Scan(&t.ID, &t.Name, &t.QoS, &t.Description, &t.PayloadDecoderID,
		&t.IsEnabled, &t.TimestampLastReception)
	return t, err
}

func (s *Store) CreateTopic(ctx context.Context, t Topic) (Topic, error) {
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO topics (name, qos, description, payload_decoder_id, is_enabled)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, t.Name, t.QoS, t.Description, t.PayloadDecoderID, t.IsEnabled).Scan(&t.ID)
	if err != nil {
		return Topic{}, mapError(err)
	}
	return t, nil
}

func (s *Store) GetTopic(ctx context.Context, id int64) (Topic, error) {
	t, err := scanTopic(s.Pool.QueryRow(ctx,
		`SELECT `+topicColumns+` FROM topics WHERE id = $1`, id))
	if err != nil {
		return Topic{}, mapError(err)
	}
	return t, nil
}

func (s *Store) ListTopics(ctx context.Context) ([]Topic, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+topicColumns+` FROM topics ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Topic
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTopic(ctx context.Context, t Topic) (Topic, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE topics
		SET name = $2, qos = $3, description = $4, payload_decoder_id = $5, is_enabled = $6
		WHERE id = $1
	`, t.ID, t.Name, t.QoS, t.Description, t.PayloadDecoderID, t.IsEnabled)
	if err != nil {
		return Topic{}, mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return Topic{}, ErrNotFound
	}
	return t, nil
}

func (s *Store) DeleteTopic(ctx context.Context, id int64) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM topics WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchTopicReception stamps timestamp_last_reception. Called once per
// delivered message before decoding.
func (s *Store) TouchTopicReception(ctx context.Context, id int64) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE topics SET timestamp_last_reception = now() WHERE id = $1`, id)
	return mapError(err)
}

// LinkTopicField routes a decoder field of the topic into a timeseries.
// Each field and each timeseries may appear at most once per topic.
func (s *Store) LinkTopicField(ctx context.Context, topicID, payloadFieldID, timeseriesID int64) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO topic_links (topic_id, payload_field_id, timeseries_id)
		VALUES ($1, $2, $3)
	`, topicID, payloadFieldID, timeseriesID)
	return mapError(err)
}

func (s *Store) UnlinkTopicField(ctx context.Context, topicID, payloadFieldID int64) error {
	tag, err := s.Pool.Exec(ctx, `
		DELETE FROM topic_links WHERE topic_id = $1 AND payload_field_id = $2
	`, topicID, payloadFieldID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TopicLinks returns the routing table of one topic with field names and
// timeseries bounds resolved.
func (s *Store) TopicLinks(ctx context.Context, topicID int64) ([]TopicLink, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT tl.topic_id, tl.payload_field_id, pf.name, tl.timeseries_id, ts.min, ts.max
		FROM topic_links tl
		JOIN payload_fields pf ON pf.id = tl.payload_field_id
		JOIN timeseries ts ON ts.id = tl.timeseries_id
		WHERE tl.topic_id = $1
		ORDER BY tl.payload_field_id
	`, topicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TopicLink
	for rows.Next() {
		var l TopicLink
		if err := rows.Scan(&l.TopicID, &l.PayloadFieldID, &l.FieldName, &l.TimeseriesID, &l.Min, &l.Max); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// AttachTopicToBroker advertises a topic on a broker.
func (s *Store) AttachTopicToBroker(ctx context.Context, topicID, brokerID int64) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO topic_by_brokers (topic_id, broker_id)
		VALUES ($1, $2)
		ON CONFLICT (topic_id, broker_id) DO UPDATE SET is_enabled = TRUE
	`, topicID, brokerID)
	return mapError(err)
}

// AttachTopicToSubscriber makes a subscriber listen on a topic.
func (s *Store) AttachTopicToSubscriber(ctx context.Context, topicID, subscriberID int64) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO topic_by_subscribers (topic_id, subscriber_id)
		VALUES ($1, $2)
		ON CONFLICT (topic_id, subscriber_id) DO UPDATE SET is_enabled = TRUE
	`, topicID, subscriberID)
	return mapError(err)
}

// SetTopicSubscription persists the observed subscription state of one
// (topic, subscriber) pair. Subscribing stamps timestamp_last_subscription.
func (s *Store) SetTopicSubscription(ctx context.Context, topicID, subscriberID int64, subscribed bool) error {
	var err error
	if subscribed {
		_, err = s.Pool.Exec(ctx, `
			UPDATE topic_by_subscribers
			SET is_subscribed = TRUE, timestamp_last_subscription = now()
			WHERE topic_id = $1 AND subscriber_id = $2
		`, topicID, subscriberID)
	} else {
		_, err = s.Pool.Exec(ctx, `
			UPDATE topic_by_subscribers
			SET is_subscribed = FALSE
			WHERE topic_id = $1 AND subscriber_id = $2
		`, topicID, subscriberID)
	}
	return mapError(err)
}

// ClearSubscriberSubscriptions drops is_subscribed for every topic of the
// subscriber. Used on disconnect.
func (s *Store) ClearSubscriberSubscriptions(ctx context.Context, subscriberID int64) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE topic_by_subscribers SET is_subscribed = FALSE WHERE subscriber_id = $1
	`, subscriberID)
	return mapError(err)
}

// SubscriberTopicState is one row of the subscription read model.
type SubscriberTopicState struct {
	Topic                     Topic      `json:"topic"`
	DecoderName               string     `json:"decoder_name"`
	IsSubscribed              bool       `json:"is_subscribed"`
	TimestampLastSubscription *time.Time `json:"timestamp_last_subscription,omitempty"`
}

// SubscriberTopics returns the enabled topics a subscriber should listen
// on, with the decoder name resolved. Disabled topics and disabled
// attachments are excluded.
func (s *Store) SubscriberTopics(ctx context.Context, subscriberID int64) ([]SubscriberTopicState, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT t.id, t.name, t.qos, t.description, t.payload_decoder_id, t.is_enabled, t.timestamp_last_reception,
		       pd.name, tbs.is_subscribed, tbs.timestamp_last_subscription
		FROM topic_by_subscribers tbs
		JOIN topics t ON t.id = tbs.topic_id
		JOIN payload_decoders pd ON pd.id = t.payload_decoder_id
		WHERE tbs.subscriber_id = $1 AND tbs.is_enabled AND t.is_enabled
		ORDER BY t.id
	`, subscriberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SubscriberTopicState
	for rows.Next() {
		var st SubscriberTopicState
		t := &st.Topic
		if err := rows.Scan(&t.ID, &t.Name, &t.QoS, &t.Description, &t.PayloadDecoderID,
			&t.IsEnabled, &t.TimestampLastReception,
			&st.DecoderName, &st.IsSubscribed, &st.TimestampLastSubscription); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
