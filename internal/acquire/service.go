package acquire

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openbem/bem-engine/internal/decode"
	"github.com/openbem/bem-engine/internal/store"
)

// ServiceError reports an acquisition service bootstrap or control failure.
type ServiceError struct {
	Reason string
	Err    error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("acquisition service: %s: %v", e.Reason, e.Err)
	}
	return "acquisition service: " + e.Reason
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Config carries the service-level settings.
type Config struct {
	// ClientID is the base MQTT client id; each subscriber connects as
	// "<ClientID>-<subscriber id>". It must stay stable across restarts
	// for persistent sessions to resume.
	ClientID string
	// WorkingDir receives materialized broker certificates.
	WorkingDir string
	// StopGrace bounds how long Stop waits per session before dropping it.
	StopGrace time.Duration
}

// Service runs one acquisition session per enabled subscriber.
type Service struct {
	st       *store.Store
	registry *decode.Registry
	cfg      Config
	log      zerolog.Logger

	mu       sync.Mutex
	running  bool
	sessions map[int64]*Session
}

func NewService(st *store.Store, registry *decode.Registry, cfg Config, log zerolog.Logger) *Service {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	return &Service{
		st:       st,
		registry: registry,
		cfg:      cfg,
		log:      log.With().Str("component", "acquire").Logger(),
		sessions: map[int64]*Session{},
	}
}

// Run persists the registered decoders, then connects one session per
// enabled subscriber. Any failure tears down the sessions already started
// and fails the run; nothing is left half-up.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return &ServiceError{Reason: "already running"}
	}

	if err := checkWorkingDir(s.cfg.WorkingDir); err != nil {
		return &ServiceError{Reason: "working directory", Err: err}
	}

	for _, d := range s.registry.All() {
		if _, err := s.st.EnsureDecoder(ctx, d.Name(), d.Description(), d.Fields()); err != nil {
			return &ServiceError{Reason: fmt.Sprintf("persist decoder %s", d.Name()), Err: err}
		}
	}

	subs, err := s.st.ListSubscribers(ctx, true)
	if err != nil {
		return &ServiceError{Reason: "load subscribers", Err: err}
	}
	if len(subs) == 0 {
		return &ServiceError{Reason: "no enabled subscribers"}
	}

	started := make(map[int64]*Session, len(subs))
	for _, sub := range subs {
		sess, err := NewSession(ctx, s.st, s.registry, sub,
			s.subscriberClientID(sub), s.cfg.WorkingDir,
			s.log.With().Int64("subscriber_id", sub.ID).Logger())
		if err != nil {
			s.teardown(ctx, started)
			return &ServiceError{Reason: fmt.Sprintf("subscriber %d", sub.ID), Err: err}
		}
		if err := sess.Connect(ctx); err != nil {
			if derr := sess.Disconnect(ctx); derr != nil {
				s.log.Debug().Err(derr).Msg("session cleanup")
			}
			s.teardown(ctx, started)
			return &ServiceError{Reason: fmt.Sprintf("subscriber %d", sub.ID), Err: err}
		}
		started[sub.ID] = sess
	}

	s.sessions = started
	s.running = true
	s.log.Info().Int("sessions", len(started)).Msg("acquisition service running")
	return nil
}

// Stop disconnects every session. A session that does not confirm within
// the grace period is dropped from the running set anyway so shutdown
// stays bounded even against an unresponsive broker.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}

	var firstErr error
	for id, sess := range s.sessions {
		done := make(chan error, 1)
		go func(sess *Session) { done <- sess.Disconnect(ctx) }(sess)

		select {
		case err := <-done:
			if err != nil && firstErr == nil {
				firstErr = err
			}
		case <-time.After(s.cfg.StopGrace):
			s.log.Warn().
				Int64("subscriber_id", id).
				Dur("grace", s.cfg.StopGrace).
				Msg("session dropped after grace period")
		}
		delete(s.sessions, id)
	}

	s.running = false
	s.log.Info().Msg("acquisition service stopped")
	return firstErr
}

// Status is a point-in-time view of the service.
type Status struct {
	Running  bool            `json:"running"`
	Sessions []SessionStatus `json:"sessions"`
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Running: s.running, Sessions: []SessionStatus{}}
	for _, sess := range s.sessions {
		st.Sessions = append(st.Sessions, sess.Status())
	}
	sort.Slice(st.Sessions, func(i, j int) bool {
		return st.Sessions[i].SubscriberID < st.Sessions[j].SubscriberID
	})
	return st
}

// Running reports whether the service is up.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ConnectedSessions implements metrics.AcquisitionStats.
func (s *Service) ConnectedSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.Connected() {
			n++
		}
	}
	return n
}

// QueuedMessages implements metrics.AcquisitionStats.
func (s *Service) QueuedMessages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		n += sess.writer.queued()
	}
	return n
}

// subscriberClientID derives a stable per-subscriber client id. Stability
// across restarts is what lets a persistent session resume; the suffix
// keeps two subscribers on one broker from kicking each other off.
func (s *Service) subscriberClientID(sub store.Subscriber) string {
	if s.cfg.ClientID == "" {
		return ""
	}
	return fmt.Sprintf("%s-%d", s.cfg.ClientID, sub.ID)
}

func (s *Service) teardown(ctx context.Context, sessions map[int64]*Session) {
	for _, sess := range sessions {
		if err := sess.Disconnect(ctx); err != nil {
			s.log.Error().Err(err).Msg("session teardown failed")
		}
	}
}

// checkWorkingDir verifies the certificate directory exists and is
// writable before any session needs it.
func checkWorkingDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("not configured")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}
