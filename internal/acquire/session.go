package acquire

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openbem/bem-engine/internal/decode"
	"github.com/openbem/bem-engine/internal/events"
	"github.com/openbem/bem-engine/internal/store"
)

// Session owns one subscriber's broker connection, topic routing, and
// writer goroutine.
type Session struct {
	sub    store.Subscriber
	broker store.Broker
	topics []*boundTopic

	st     *store.Store
	track  *tracker
	writer *writer
	conn   connection
	log    zerolog.Logger
}

// NewSession resolves the subscriber's broker, enabled topics, decoders,
// and links, and builds the client for the broker's protocol version. The
// session is not connected yet. certDir receives the materialized broker
// certificate when the broker uses TLS.
func NewSession(ctx context.Context, st *store.Store, registry *decode.Registry, sub store.Subscriber, clientID, certDir string, log zerolog.Logger) (*Session, error) {
	if sub.UsePersistentSession && clientID == "" {
		return nil, fmt.Errorf("subscriber %d: persistent session requires a client id", sub.ID)
	}

	broker, err := st.GetBroker(ctx, sub.BrokerID)
	if err != nil {
		return nil, fmt.Errorf("load broker %d: %w", sub.BrokerID, err)
	}

	states, err := st.SubscriberTopics(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("load topics for subscriber %d: %w", sub.ID, err)
	}

	s := &Session{
		sub:    sub,
		broker: broker,
		st:     st,
		track:  newTracker(st, log),
		log:    log,
	}

	for _, state := range states {
		dec, err := registry.Get(state.DecoderName)
		if err != nil {
			return nil, fmt.Errorf("topic %s: %w", state.Topic.Name, err)
		}
		links, err := st.TopicLinks(ctx, state.Topic.ID)
		if err != nil {
			return nil, fmt.Errorf("load links for topic %s: %w", state.Topic.Name, err)
		}
		s.topics = append(s.topics, &boundTopic{topic: state.Topic, decoder: dec, links: links})
	}

	certFile := ""
	if broker.UseTLS {
		certFile, err = MaterializeCert(certDir, broker)
		if err != nil {
			return nil, err
		}
	}

	s.writer = newWriter(st, s.track, log)

	opts := connOptions{
		broker:        broker,
		clientID:      clientID,
		keepAlive:     time.Duration(sub.KeepAlive) * time.Second,
		cleanSession:  !sub.UsePersistentSession,
		sessionExpiry: uint32(sub.SessionExpiry),
		certFile:      certFile,
		onLost:        s.onConnectionLost,
		onReconnect:   s.onReconnect,
		log:           log,
	}
	if broker.IsAuthRequired {
		if sub.Username != nil {
			opts.username = *sub.Username
		}
		if sub.Password != nil {
			opts.password = *sub.Password
		}
	}
	for _, bt := range s.topics {
		bt := bt
		opts.routes = append(opts.routes, route{
			filter: bt.topic.Name,
			qos:    byte(bt.topic.QoS),
			handler: func(m Message) {
				s.writer.enqueue(bt, m.Payload)
			},
		})
	}

	conn, err := newConnection(opts)
	if err != nil {
		s.writer.close()
		return nil, fmt.Errorf("subscriber %d: %w", sub.ID, err)
	}
	s.conn = conn
	return s, nil
}

// Connect dials the broker, persists the connection state, and subscribes
// every enabled topic. Routes are installed before the dial, so messages a
// resumed session replays are dispatched from the first packet.
func (s *Session) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectWait)
	defer cancel()

	sessionPresent, err := s.conn.Connect(ctx)
	if err != nil {
		return fmt.Errorf("subscriber %d: connect %s: %w", s.sub.ID, brokerURL(s.broker), err)
	}
	s.log.Info().
		Str("broker", brokerURL(s.broker)).
		Bool("session_present", sessionPresent).
		Int("topics", len(s.topics)).
		Msg("mqtt connected")

	if err := s.st.SetSubscriberConnection(ctx, s.sub.ID, true); err != nil {
		return fmt.Errorf("persist connection state: %w", err)
	}
	s.subscribeAll(ctx)
	return nil
}

// Disconnect clears the persisted subscription state, closes the
// connection, and drains the writer. The broker-side subscriptions are
// left registered so a persistent session keeps queueing while offline.
func (s *Session) Disconnect(ctx context.Context) error {
	if err := s.st.ClearSubscriberSubscriptions(ctx, s.sub.ID); err != nil {
		s.log.Error().Err(err).Msg("clear subscription state failed")
	}

	err := s.conn.Disconnect(ctx)
	if perr := s.st.SetSubscriberConnection(ctx, s.sub.ID, false); perr != nil && err == nil {
		err = perr
	}
	s.writer.close()
	s.log.Info().Str("broker", brokerURL(s.broker)).Msg("mqtt disconnected")
	return err
}

// Subscribe issues the protocol subscription for one of the session's
// topics and persists the subscribed state.
func (s *Session) Subscribe(ctx context.Context, topicName string) error {
	bt := s.topicByName(topicName)
	if bt == nil {
		return fmt.Errorf("subscriber %d: unknown topic %q", s.sub.ID, topicName)
	}
	return s.subscribe(ctx, bt)
}

// Unsubscribe removes the protocol subscription and clears the persisted
// subscribed state.
func (s *Session) Unsubscribe(ctx context.Context, topicName string) error {
	bt := s.topicByName(topicName)
	if bt == nil {
		return fmt.Errorf("subscriber %d: unknown topic %q", s.sub.ID, topicName)
	}
	if err := s.conn.Unsubscribe(ctx, bt.topic.Name); err != nil {
		return err
	}
	return s.st.SetTopicSubscription(ctx, bt.topic.ID, s.sub.ID, false)
}

// Connected reports the live connection state.
func (s *Session) Connected() bool {
	return s.conn.Connected()
}

// SessionStatus is a point-in-time view of one session.
type SessionStatus struct {
	SubscriberID int64  `json:"subscriber_id"`
	Broker       string `json:"broker"`
	Connected    bool   `json:"connected"`
	Topics       int    `json:"topics"`
	Received     int64  `json:"messages_received"`
	Stored       int64  `json:"points_stored"`
	Dropped      int64  `json:"messages_dropped"`
	Queued       int    `json:"messages_queued"`
}

func (s *Session) Status() SessionStatus {
	return SessionStatus{
		SubscriberID: s.sub.ID,
		Broker:       brokerURL(s.broker),
		Connected:    s.conn.Connected(),
		Topics:       len(s.topics),
		Received:     s.writer.received.Load(),
		Stored:       s.writer.stored.Load(),
		Dropped:      s.writer.dropped.Load(),
		Queued:       s.writer.queued(),
	}
}

func (s *Session) subscribeAll(ctx context.Context) {
	for _, bt := range s.topics {
		if err := s.subscribe(ctx, bt); err != nil {
			s.log.Error().Err(err).Str("topic", bt.topic.Name).Msg("subscribe failed")
		}
	}
}

func (s *Session) subscribe(ctx context.Context, bt *boundTopic) error {
	if err := s.conn.Subscribe(ctx, bt.topic.Name, byte(bt.topic.QoS)); err != nil {
		return err
	}
	if err := s.st.SetTopicSubscription(ctx, bt.topic.ID, s.sub.ID, true); err != nil {
		return fmt.Errorf("persist subscription state: %w", err)
	}
	return nil
}

func (s *Session) topicByName(name string) *boundTopic {
	for _, bt := range s.topics {
		if bt.topic.Name == name {
			return bt
		}
	}
	return nil
}

// onConnectionLost runs on the client's callback goroutine when an
// established connection drops. Reception-gap events are opened against
// every timeseries this session feeds.
func (s *Session) onConnectionLost(err error) {
	s.log.Warn().Err(err).Msg("mqtt connection lost")

	ctx, cancel := context.WithTimeout(context.Background(), persistWait)
	defer cancel()

	if err := s.st.SetSubscriberConnection(ctx, s.sub.ID, false); err != nil {
		s.log.Error().Err(err).Msg("persist connection state failed")
	}
	for _, id := range s.linkedTimeseries() {
		s.track.flag(ctx, events.CategoryReceptionIntervalTooLarge, s.source(),
			events.TargetTimeseries, id, "mqtt connection lost")
	}
}

// onReconnect re-registers the subscriptions (a clean session lost them
// with the connection) and closes the reception-gap events.
func (s *Session) onReconnect() {
	s.log.Info().Str("broker", brokerURL(s.broker)).Msg("mqtt reconnected")

	ctx, cancel := context.WithTimeout(context.Background(), connectWait)
	defer cancel()

	if err := s.st.SetSubscriberConnection(ctx, s.sub.ID, true); err != nil {
		s.log.Error().Err(err).Msg("persist connection state failed")
	}
	s.subscribeAll(ctx)
	for _, id := range s.linkedTimeseries() {
		s.track.clear(ctx, events.CategoryReceptionIntervalTooLarge, s.source(),
			events.TargetTimeseries, id)
	}
}

func (s *Session) source() string {
	return fmt.Sprintf("subscriber/%d", s.sub.ID)
}

func (s *Session) linkedTimeseries() []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, bt := range s.topics {
		for _, link := range bt.links {
			if !seen[link.TimeseriesID] {
				seen[link.TimeseriesID] = true
				ids = append(ids, link.TimeseriesID)
			}
		}
	}
	return ids
}
