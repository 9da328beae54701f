package heartbeat

import (
	"context"
	"sync"
	"time"

	"sinklisten/internal/core/domain"
	"sinklisten/internal/core/ports"

	"go.uber.org/zap"
)

// Config controls session keep-alives.
type Config struct {
	Enabled         bool
	Interval        time.Duration
	MissedThreshold int
}

// Manager keeps WHEP sessions alive and detects silent session death: a
// peer connection can look open while the server has already dropped the
// session. Shared across sinks, keyed by sink/listener.
type Manager struct {
	client ports.WHEPClient
	config Config
	logger *zap.SugaredLogger

	onMissed    func(session *domain.Session, missed int)
	onFailure   func(session *domain.Session)
	onRecovered func(session *domain.Session)

	mu      sync.Mutex
	records map[string]*record
}

type record struct {
	session *domain.Session
	missed  int
	stop    chan struct{}
	done    chan struct{}
}

// NewManager creates a heartbeat manager.
func NewManager(client ports.WHEPClient, config Config, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		client:  client,
		config:  config,
		logger:  logger,
		records: make(map[string]*record),
	}
}

// OnMissed registers the callback fired on every missed heartbeat with the
// consecutive-miss count so far. Useful for metrics.
func (m *Manager) OnMissed(fn func(session *domain.Session, missed int)) {
	m.onMissed = fn
}

// OnFailure registers the callback fired once when a session reaches the
// missed-heartbeat threshold. Escalation (teardown, reconnect) is the
// callback owner's job; the heartbeat for that session is already stopped
// when it fires.
func (m *Manager) OnFailure(fn func(session *domain.Session)) {
	m.onFailure = fn
}

// OnRecovered registers the callback fired when a session's heartbeat
// succeeds again after one or more misses.
func (m *Manager) OnRecovered(fn func(session *domain.Session)) {
	m.onRecovered = fn
}

// Start begins the keep-alive loop for session, replacing any prior loop for
// the same sink/listener key. No-op when heartbeats are disabled.
func (m *Manager) Start(ctx context.Context, session *domain.Session) {
	if !m.config.Enabled {
		return
	}

	m.Stop(session)

	rec := &record{
		session: session,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	m.records[session.Key()] = rec
	m.mu.Unlock()

	m.logger.Debugw("heartbeat started",
		"sink_id", session.SinkID,
		"listener_id", session.ListenerID,
		"interval", m.config.Interval,
	)
	go m.run(ctx, rec)
}

func (m *Manager) run(ctx context.Context, rec *record) {
	defer close(rec.done)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-rec.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		alive, err := m.client.SendHeartbeat(ctx, rec.session)
		if alive && err == nil {
			m.recordSuccess(rec)
			continue
		}

		if m.recordMiss(rec, err) {
			// Threshold reached: remove ourselves, then escalate once.
			m.remove(rec)
			if m.onFailure != nil {
				m.onFailure(rec.session)
			}
			return
		}
	}
}

func (m *Manager) recordSuccess(rec *record) {
	m.mu.Lock()
	hadMisses := rec.missed > 0
	rec.missed = 0
	m.mu.Unlock()

	if hadMisses {
		m.logger.Infow("heartbeat recovered",
			"sink_id", rec.session.SinkID,
			"listener_id", rec.session.ListenerID,
		)
		if m.onRecovered != nil {
			m.onRecovered(rec.session)
		}
	}
}

// recordMiss increments the consecutive-miss counter and reports whether the
// threshold has been reached.
func (m *Manager) recordMiss(rec *record, err error) bool {
	m.mu.Lock()
	rec.missed++
	missed := rec.missed
	m.mu.Unlock()

	m.logger.Warnw("heartbeat missed",
		"sink_id", rec.session.SinkID,
		"listener_id", rec.session.ListenerID,
		"missed", missed,
		"threshold", m.config.MissedThreshold,
		"error", err,
	)
	if m.onMissed != nil {
		m.onMissed(rec.session, missed)
	}
	return missed >= m.config.MissedThreshold
}

// remove deletes rec from the map if it is still the registered loop for
// its key (it may have been replaced by a newer Start).
func (m *Manager) remove(rec *record) {
	m.mu.Lock()
	if current, ok := m.records[rec.session.Key()]; ok && current == rec {
		delete(m.records, rec.session.Key())
	}
	m.mu.Unlock()
}

// Stop cancels the heartbeat for session, waiting until no further tick can
// fire. Idempotent.
func (m *Manager) Stop(session *domain.Session) {
	m.mu.Lock()
	rec, ok := m.records[session.Key()]
	if ok {
		delete(m.records, session.Key())
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	close(rec.stop)
	<-rec.done
}

// StopAll cancels every active heartbeat.
func (m *Manager) StopAll() {
	m.mu.Lock()
	recs := make([]*record, 0, len(m.records))
	for key, rec := range m.records {
		recs = append(recs, rec)
		delete(m.records, key)
	}
	m.mu.Unlock()

	for _, rec := range recs {
		close(rec.stop)
		<-rec.done
	}
}

// ActiveCount returns the number of sessions with a running heartbeat.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// MissedCount returns the consecutive-miss counter for session, zero when
// no heartbeat is active.
func (m *Manager) MissedCount(session *domain.Session) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[session.Key()]; ok {
		return rec.missed
	}
	return 0
}

// IsActive reports whether session has a running heartbeat.
func (m *Manager) IsActive(session *domain.Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[session.Key()]
	return ok
}
