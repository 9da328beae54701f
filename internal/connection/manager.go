package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sinklisten/internal/core/domain"
	"sinklisten/internal/core/ports"
	"sinklisten/internal/heartbeat"
	"sinklisten/internal/ice"
	"sinklisten/pkg/backoff"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PeerConnection is the part of *webrtc.PeerConnection the manager drives;
// tests substitute a fake.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	ICEConnectionState() webrtc.ICEConnectionState
	GetStats() webrtc.StatsReport
	Close() error
}

// PeerConnectionFactory builds the underlying peer connection.
type PeerConnectionFactory func(config webrtc.Configuration) (PeerConnection, error)

func defaultPeerConnectionFactory(config webrtc.Configuration) (PeerConnection, error) {
	return webrtc.NewPeerConnection(config)
}

// Config holds the connection manager's fixed configuration.
type Config struct {
	ICEServers           []webrtc.ICEServer
	ConnectTimeout       time.Duration
	ReconnectEnabled     bool
	ReconnectBaseDelay   time.Duration
	MaxReconnectDelay    time.Duration // 0 means uncapped
	MaxReconnectAttempts int
	Candidates           ice.Config
}

// Manager owns the peer connections, one per sink, and drives the full
// connect/disconnect lifecycle: offer creation, WHEP session setup, candidate
// exchange, heartbeat startup, connection timeout and reconnection with
// exponential backoff.
type Manager struct {
	config     Config
	client     ports.WHEPClient
	heartbeats *heartbeat.Manager
	newPeer    PeerConnectionFactory
	logger     *zap.SugaredLogger

	onState func(sinkID domain.SinkID, state domain.ConnectionState)
	onTrack func(sinkID domain.SinkID, track *webrtc.TrackRemote)
	onError func(sinkID domain.SinkID, err error)

	mu    sync.Mutex
	conns map[domain.SinkID]*activeConnection
}

// activeConnection is the mutable per-sink state. Exactly one exists per
// sink at a time; the record survives reconnect attempts, the peer
// connection and session inside it do not.
type activeConnection struct {
	sinkID     domain.SinkID
	attemptID  string
	pc         PeerConnection
	session    *domain.Session
	state      domain.ConnectionState
	track      *webrtc.TrackRemote
	receiver   *webrtc.RTPReceiver
	candidates *ice.Manager

	reconnectAttempts int
	reconnectTimer    *time.Timer
	timeoutTimer      *time.Timer

	trackCh chan *webrtc.TrackRemote
	failCh  chan error
}

// NewManager creates a connection manager. Heartbeat-threshold exhaustion is
// funneled into the same failure handler as ICE failures, so the reconnect
// budget has a single owner.
func NewManager(client ports.WHEPClient, heartbeats *heartbeat.Manager, config Config, logger *zap.SugaredLogger) *Manager {
	m := &Manager{
		config:     config,
		client:     client,
		heartbeats: heartbeats,
		newPeer:    defaultPeerConnectionFactory,
		logger:     logger,
		conns:      make(map[domain.SinkID]*activeConnection),
	}

	heartbeats.OnFailure(func(session *domain.Session) {
		m.mu.Lock()
		conn := m.conns[session.SinkID]
		match := conn != nil && conn.session != nil && conn.session.ListenerID == session.ListenerID
		m.mu.Unlock()
		if match {
			m.handleConnectionFailure(conn, fmt.Errorf("heartbeat threshold reached for listener %s", session.ListenerID))
		}
	})

	return m
}

// SetPeerConnectionFactory overrides peer connection creation (tests).
func (m *Manager) SetPeerConnectionFactory(factory PeerConnectionFactory) {
	m.newPeer = factory
}

// OnStateChange registers the connection-state callback.
func (m *Manager) OnStateChange(fn func(domain.SinkID, domain.ConnectionState)) {
	m.onState = fn
}

// OnTrackChange registers the media-track callback; nil is delivered on
// disconnect.
func (m *Manager) OnTrackChange(fn func(domain.SinkID, *webrtc.TrackRemote)) {
	m.onTrack = fn
}

// OnError registers the raw-error callback. Classification is the caller's
// concern.
func (m *Manager) OnError(fn func(domain.SinkID, error)) {
	m.onError = fn
}

// Connect establishes a listening session to sinkID and blocks until a media
// track arrives, the attempt fails, or ctx is cancelled. An existing
// connection for the sink is fully torn down first.
func (m *Manager) Connect(ctx context.Context, sinkID domain.SinkID) (*webrtc.TrackRemote, error) {
	m.Disconnect(ctx, sinkID)

	conn := &activeConnection{
		sinkID:    sinkID,
		attemptID: uuid.NewString(),
		state:     domain.StateConnecting,
		trackCh:   make(chan *webrtc.TrackRemote, 1),
		failCh:    make(chan error, 1),
	}

	m.mu.Lock()
	m.conns[sinkID] = conn
	m.mu.Unlock()
	m.notifyState(sinkID, domain.StateConnecting)

	if err := m.establish(ctx, conn); err != nil {
		m.handleConnectionFailure(conn, err)
		return nil, err
	}

	select {
	case track := <-conn.trackCh:
		return track, nil
	case err := <-conn.failCh:
		return nil, err
	case <-ctx.Done():
		m.Disconnect(context.Background(), sinkID)
		return nil, ctx.Err()
	}
}

// establish runs one negotiation attempt for conn: peer connection, offer,
// WHEP session, remote answer, candidate exchange, heartbeat and timeout.
// The sequence is strictly ordered; after every suspension point it checks
// that conn has not been superseded by a newer attempt.
func (m *Manager) establish(ctx context.Context, conn *activeConnection) error {
	pc, err := m.newPeer(webrtc.Configuration{ICEServers: m.config.ICEServers})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	candidates := ice.NewManager(m.client, m.config.Candidates, m.logger)

	m.mu.Lock()
	if m.conns[conn.sinkID] != conn {
		m.mu.Unlock()
		pc.Close()
		return domain.ErrConnectionSuperseded
	}
	conn.pc = pc
	conn.candidates = candidates
	m.mu.Unlock()

	m.registerHandlers(conn, pc, candidates)

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return fmt.Errorf("add audio transceiver: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	offer.SDP = preferStereo(offer.SDP)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	session, answerSDP, err := m.client.CreateSession(ctx, conn.sinkID, offer.SDP)
	if err != nil {
		return fmt.Errorf("create whep session: %w", err)
	}

	m.mu.Lock()
	if m.conns[conn.sinkID] != conn {
		m.mu.Unlock()
		// orphaned: a newer attempt owns the sink now
		if delErr := m.client.DeleteSession(context.Background(), session); delErr != nil {
			m.logger.Warnw("failed to delete orphaned session", "sink_id", conn.sinkID, "error", delErr)
		}
		return domain.ErrConnectionSuperseded
	}
	conn.session = session
	m.mu.Unlock()

	candidates.ProcessQueued(context.Background(), session)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	// Hold the lock while starting polling and heartbeats so a concurrent
	// Disconnect either lands before (we bail here) or after (it stops
	// them). Teardown of the removed record already deleted the session.
	m.mu.Lock()
	if m.conns[conn.sinkID] != conn {
		m.mu.Unlock()
		return domain.ErrConnectionSuperseded
	}
	candidates.StartPolling(context.Background(), session, pc)
	m.heartbeats.Start(context.Background(), session)
	m.mu.Unlock()

	m.armConnectTimeout(conn)

	m.logger.Infow("whep session negotiated",
		"sink_id", conn.sinkID,
		"listener_id", session.ListenerID,
		"attempt_id", conn.attemptID,
	)
	return nil
}

func (m *Manager) registerHandlers(conn *activeConnection, pc PeerConnection, candidates *ice.Manager) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		init := c.ToJSON()
		mid := ""
		if init.SDPMid != nil {
			mid = *init.SDPMid
		}

		m.mu.Lock()
		stale := m.conns[conn.sinkID] != conn || conn.pc != pc
		m.mu.Unlock()
		if stale {
			return
		}
		candidates.QueueOrSend(context.Background(), domain.Candidate{
			Candidate: init.Candidate,
			SDPMid:    mid,
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		m.mu.Lock()
		if m.conns[conn.sinkID] != conn || conn.pc != pc {
			m.mu.Unlock()
			return
		}
		conn.track = track
		conn.receiver = receiver
		m.mu.Unlock()

		m.logger.Infow("received audio track",
			"sink_id", conn.sinkID,
			"attempt_id", conn.attemptID,
		)
		select {
		case conn.trackCh <- track:
		default:
		}
		m.notifyTrack(conn.sinkID, track)
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		m.logger.Debugw("ice connection state changed",
			"sink_id", conn.sinkID,
			"ice_state", state.String(),
		)
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			m.markConnected(conn, pc)
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected:
			go m.handleConnectionFailure(conn, fmt.Errorf("ice connection %s", state.String()))
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed {
			go m.handleConnectionFailure(conn, errors.New("peer connection failed"))
		}
	})
}

func (m *Manager) markConnected(conn *activeConnection, pc PeerConnection) {
	m.mu.Lock()
	if m.conns[conn.sinkID] != conn || conn.pc != pc || conn.state == domain.StateConnected {
		m.mu.Unlock()
		return
	}
	conn.state = domain.StateConnected
	conn.reconnectAttempts = 0
	if conn.timeoutTimer != nil {
		conn.timeoutTimer.Stop()
		conn.timeoutTimer = nil
	}
	m.mu.Unlock()

	m.logger.Infow("sink connected", "sink_id", conn.sinkID, "attempt_id", conn.attemptID)
	m.notifyState(conn.sinkID, domain.StateConnected)
}

func (m *Manager) armConnectTimeout(conn *activeConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[conn.sinkID] != conn {
		return
	}
	if conn.timeoutTimer != nil {
		conn.timeoutTimer.Stop()
	}
	conn.timeoutTimer = time.AfterFunc(m.config.ConnectTimeout, func() {
		m.mu.Lock()
		stillConnecting := m.conns[conn.sinkID] == conn && conn.state == domain.StateConnecting
		m.mu.Unlock()
		if stillConnecting {
			m.handleConnectionFailure(conn, domain.ErrConnectionTimeout)
		}
	})
}

// handleConnectionFailure is the single failure path. Every failure source
// (session-create error, ICE failure, peer-connection failure, connection
// timeout, heartbeat exhaustion) lands here; it either schedules a reconnect
// within the backoff budget or settles the sink into failed.
func (m *Manager) handleConnectionFailure(conn *activeConnection, cause error) {
	m.mu.Lock()
	if m.conns[conn.sinkID] != conn {
		m.mu.Unlock()
		return
	}
	if conn.state != domain.StateConnecting && conn.state != domain.StateConnected {
		// already on the failure path
		m.mu.Unlock()
		return
	}
	if conn.timeoutTimer != nil {
		conn.timeoutTimer.Stop()
		conn.timeoutTimer = nil
	}

	boCfg := backoff.Config{
		BaseDelay:   m.config.ReconnectBaseDelay,
		MaxDelay:    m.config.MaxReconnectDelay,
		MaxAttempts: m.config.MaxReconnectAttempts,
	}
	retry := m.config.ReconnectEnabled && !backoff.Exhausted(boCfg, conn.reconnectAttempts)
	var delay time.Duration
	if retry {
		// counter moves before the delay is computed: attempt k waits base*2^(k-1)
		conn.reconnectAttempts++
		delay = backoff.Delay(boCfg, conn.reconnectAttempts)
		conn.state = domain.StateReconnecting
	} else {
		conn.state = domain.StateFailed
	}
	attempt := conn.reconnectAttempts
	pc := conn.pc
	session := conn.session
	hadTrack := conn.track != nil
	m.mu.Unlock()

	m.logger.Warnw("connection failure",
		"sink_id", conn.sinkID,
		"attempt_id", conn.attemptID,
		"error", cause,
		"reconnect", retry,
		"attempt", attempt,
	)
	m.notifyError(conn.sinkID, cause)
	select {
	case conn.failCh <- cause:
	default:
	}

	if !retry {
		m.notifyState(conn.sinkID, domain.StateFailed)
		m.Disconnect(context.Background(), conn.sinkID)
		return
	}

	m.notifyState(conn.sinkID, domain.StateReconnecting)
	m.teardownAttempt(conn, pc, session, hadTrack)

	m.mu.Lock()
	if m.conns[conn.sinkID] != conn {
		m.mu.Unlock()
		return
	}
	conn.reconnectTimer = time.AfterFunc(delay, func() { m.retry(conn) })
	m.mu.Unlock()

	m.logger.Infow("reconnect scheduled",
		"sink_id", conn.sinkID,
		"attempt", attempt,
		"delay", delay,
	)
}

// teardownAttempt releases one attempt's resources while keeping the record
// (and its reconnect counter) alive for the next attempt.
func (m *Manager) teardownAttempt(conn *activeConnection, pc PeerConnection, session *domain.Session, hadTrack bool) {
	m.mu.Lock()
	candidates := conn.candidates
	m.mu.Unlock()

	if candidates != nil {
		candidates.StopPolling()
	}
	if session != nil {
		m.heartbeats.Stop(session)
	}
	if pc != nil {
		_ = pc.Close()
	}
	if session != nil {
		if err := m.client.DeleteSession(context.Background(), session); err != nil {
			m.logger.Warnw("failed to delete remote session",
				"sink_id", conn.sinkID,
				"error", err,
			)
		}
	}

	m.mu.Lock()
	if m.conns[conn.sinkID] == conn {
		conn.pc = nil
		conn.session = nil
		conn.track = nil
		conn.receiver = nil
	}
	m.mu.Unlock()

	if hadTrack {
		m.notifyTrack(conn.sinkID, nil)
	}
}

func (m *Manager) retry(conn *activeConnection) {
	m.mu.Lock()
	if m.conns[conn.sinkID] != conn {
		m.mu.Unlock()
		return
	}
	conn.reconnectTimer = nil
	conn.state = domain.StateConnecting
	attempt := conn.reconnectAttempts
	m.mu.Unlock()

	m.notifyState(conn.sinkID, domain.StateConnecting)
	m.logger.Infow("reconnecting", "sink_id", conn.sinkID, "attempt", attempt)

	if err := m.establish(context.Background(), conn); err != nil {
		m.handleConnectionFailure(conn, err)
	}
}

// Disconnect tears down the sink's connection: timers, heartbeat, polling,
// peer connection and the remote session (best effort). Safe to call when no
// connection exists.
func (m *Manager) Disconnect(ctx context.Context, sinkID domain.SinkID) {
	m.mu.Lock()
	conn, ok := m.conns[sinkID]
	if ok {
		delete(m.conns, sinkID)
		if conn.reconnectTimer != nil {
			conn.reconnectTimer.Stop()
			conn.reconnectTimer = nil
		}
		if conn.timeoutTimer != nil {
			conn.timeoutTimer.Stop()
			conn.timeoutTimer = nil
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	if conn.candidates != nil {
		conn.candidates.StopPolling()
	}
	if conn.session != nil {
		m.heartbeats.Stop(conn.session)
	}
	if conn.pc != nil {
		_ = conn.pc.Close()
	}
	if conn.session != nil {
		if err := m.client.DeleteSession(ctx, conn.session); err != nil {
			m.logger.Warnw("failed to delete remote session",
				"sink_id", sinkID,
				"error", err,
			)
		}
	}

	select {
	case conn.failCh <- domain.ErrConnectionClosed:
	default:
	}

	m.notifyState(sinkID, domain.StateDisconnected)
	m.notifyTrack(sinkID, nil)
	m.logger.Infow("disconnected from sink", "sink_id", sinkID)
}

// State returns the sink's current connection state.
func (m *Manager) State(sinkID domain.SinkID) domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[sinkID]; ok {
		return conn.state
	}
	return domain.StateDisconnected
}

// Track returns the sink's received media track, nil when none.
func (m *Manager) Track(sinkID domain.SinkID) *webrtc.TrackRemote {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[sinkID]; ok {
		return conn.track
	}
	return nil
}

// Receiver returns the RTP receiver paired with the sink's track.
func (m *Manager) Receiver(sinkID domain.SinkID) *webrtc.RTPReceiver {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[sinkID]; ok {
		return conn.receiver
	}
	return nil
}

// Session returns the sink's active WHEP session, nil while negotiating.
func (m *Manager) Session(sinkID domain.SinkID) *domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[sinkID]; ok {
		return conn.session
	}
	return nil
}

// Stats pulls and parses the peer connection's stats report on demand.
func (m *Manager) Stats(ctx context.Context, sinkID domain.SinkID) (*domain.AudioStats, error) {
	m.mu.Lock()
	conn, ok := m.conns[sinkID]
	var pc PeerConnection
	var state domain.ConnectionState
	if ok {
		pc = conn.pc
		state = conn.state
	}
	m.mu.Unlock()

	if !ok || pc == nil {
		return nil, domain.ErrNoActiveConnection
	}
	return parseStatsReport(sinkID, state, pc.GetStats()), nil
}

// Close disconnects every sink.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	sinks := make([]domain.SinkID, 0, len(m.conns))
	for sinkID := range m.conns {
		sinks = append(sinks, sinkID)
	}
	m.mu.Unlock()

	for _, sinkID := range sinks {
		m.Disconnect(ctx, sinkID)
	}
}

func (m *Manager) notifyState(sinkID domain.SinkID, state domain.ConnectionState) {
	if m.onState != nil {
		m.onState(sinkID, state)
	}
}

func (m *Manager) notifyTrack(sinkID domain.SinkID, track *webrtc.TrackRemote) {
	if m.onTrack != nil {
		m.onTrack(sinkID, track)
	}
}

func (m *Manager) notifyError(sinkID domain.SinkID, err error) {
	if m.onError != nil {
		m.onError(sinkID, err)
	}
}
