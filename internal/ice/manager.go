package ice

import (
	"context"
	"sync"
	"time"

	"sinklisten/internal/core/domain"
	"sinklisten/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PeerConn is the part of *webrtc.PeerConnection the manager needs; tests
// substitute a fake.
type PeerConn interface {
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	ICEConnectionState() webrtc.ICEConnectionState
}

// Config controls the server-candidate poll loop.
type Config struct {
	PollInterval    time.Duration
	MaxPollDuration time.Duration
}

// Manager reconciles trickle ICE with the WHEP HTTP contract for one
// connection attempt: local candidates generated before the listener
// identifier exists are queued and flushed in order once it is known, and
// server candidates are pulled on an interval because there is no push
// channel. At most one poll loop runs per manager.
type Manager struct {
	client ports.WHEPClient
	config Config
	logger *zap.SugaredLogger

	mu      sync.Mutex
	session *domain.Session
	queue   []domain.Candidate
	stop    chan struct{}
	done    chan struct{}
}

// NewManager creates a candidate manager for a single connection attempt.
func NewManager(client ports.WHEPClient, config Config, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		client: client,
		config: config,
		logger: logger,
	}
}

// QueueOrSend forwards a locally generated candidate immediately when the
// session's listener identifier is already known, and queues it otherwise.
func (m *Manager) QueueOrSend(ctx context.Context, candidate domain.Candidate) {
	m.mu.Lock()
	session := m.session
	if session == nil {
		m.queue = append(m.queue, candidate)
		queued := len(m.queue)
		m.mu.Unlock()
		m.logger.Debugw("queued local candidate", "queued", queued)
		return
	}
	m.mu.Unlock()

	m.send(ctx, session, candidate)
}

// ProcessQueued records the now-known session and drains the queue in FIFO
// order.
func (m *Manager) ProcessQueued(ctx context.Context, session *domain.Session) {
	m.mu.Lock()
	m.session = session
	pending := m.queue
	m.queue = nil
	m.mu.Unlock()

	if len(pending) > 0 {
		m.logger.Debugw("flushing queued candidates",
			"sink_id", session.SinkID,
			"count", len(pending),
		)
	}
	for _, candidate := range pending {
		m.send(ctx, session, candidate)
	}
}

func (m *Manager) send(ctx context.Context, session *domain.Session, candidate domain.Candidate) {
	if err := m.client.SendCandidate(ctx, session, candidate); err != nil {
		// Best-effort: a lost candidate only narrows the path choices.
		m.logger.Warnw("failed to send local candidate",
			"sink_id", session.SinkID,
			"error", err,
		)
	}
}

// StartPolling begins pulling server candidates and feeding them into pc.
// Any prior loop is stopped first. The loop ends on its own once the ICE
// state reaches connected/completed or MaxPollDuration elapses; both checks
// run at the top of every tick, before a request is issued.
func (m *Manager) StartPolling(ctx context.Context, session *domain.Session, pc PeerConn) {
	m.StopPolling()

	stop := make(chan struct{})
	done := make(chan struct{})

	m.mu.Lock()
	m.stop = stop
	m.done = done
	m.mu.Unlock()

	go m.pollLoop(ctx, session, pc, stop, done)
}

func (m *Manager) pollLoop(ctx context.Context, session *domain.Session, pc PeerConn, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	deadline := time.Now().Add(m.config.MaxPollDuration)

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			m.logger.Debugw("candidate polling reached max duration", "sink_id", session.SinkID)
			return
		}
		if state := pc.ICEConnectionState(); state == webrtc.ICEConnectionStateConnected ||
			state == webrtc.ICEConnectionStateCompleted {
			m.logger.Debugw("candidate polling stopped, ICE established",
				"sink_id", session.SinkID,
				"ice_state", state.String(),
			)
			return
		}

		candidates, err := m.client.PollCandidates(ctx, session)
		if err != nil {
			m.logger.Warnw("candidate poll failed",
				"sink_id", session.SinkID,
				"error", err,
			)
			continue
		}

		for _, candidate := range candidates {
			m.addRemote(pc, session, candidate)
		}
	}
}

// addRemote applies one server candidate. The appliance negotiates a single
// audio m-line, so sdpMLineIndex is always 0. One bad candidate must not
// abort the loop.
func (m *Manager) addRemote(pc PeerConn, session *domain.Session, candidate domain.Candidate) {
	mid := candidate.SDPMid
	var mLineIndex uint16 // audio-only: always m-line 0

	init := webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &mLineIndex,
	}
	if err := pc.AddICECandidate(init); err != nil {
		m.logger.Warnw("failed to add server candidate",
			"sink_id", session.SinkID,
			"error", err,
		)
		return
	}
	m.logger.Debugw("added server candidate", "sink_id", session.SinkID)
}

// StopPolling cancels the active poll loop, if any, and does not return
// until it can no longer issue a request. Idempotent.
func (m *Manager) StopPolling() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
