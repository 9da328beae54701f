package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"sinklisten/internal/core/domain"
	"sinklisten/internal/heartbeat"
	"sinklisten/internal/ice"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const offerSDP = "v=0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\na=fmtp:111 minptime=10;useinbandfec=1\r\n"

type fakeWHEPClient struct {
	mu        sync.Mutex
	createErr error
	failFirst int
	created   int
	sessions  []*domain.Session
	deleted   []*domain.Session
	sent      []domain.Candidate
	alive     bool
}

func newFakeWHEPClient() *fakeWHEPClient {
	return &fakeWHEPClient{alive: true}
}

func (c *fakeWHEPClient) CreateSession(ctx context.Context, sinkID domain.SinkID, offer string) (*domain.Session, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created++
	if c.createErr != nil && (c.failFirst == 0 || c.created <= c.failFirst) {
		return nil, "", c.createErr
	}
	session := &domain.Session{
		SinkID:     sinkID,
		ListenerID: domain.ListenerID(fmt.Sprintf("listener-%d", c.created)),
	}
	c.sessions = append(c.sessions, session)
	return session, "v=0\r\nanswer\r\n", nil
}

func (c *fakeWHEPClient) SendCandidate(ctx context.Context, session *domain.Session, cand domain.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, cand)
	return nil
}

func (c *fakeWHEPClient) PollCandidates(ctx context.Context, session *domain.Session) ([]domain.Candidate, error) {
	return nil, nil
}

func (c *fakeWHEPClient) SendHeartbeat(ctx context.Context, session *domain.Session) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive, nil
}

func (c *fakeWHEPClient) DeleteSession(ctx context.Context, session *domain.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, session)
	return nil
}

func (c *fakeWHEPClient) createdCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created
}

func (c *fakeWHEPClient) deletedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deleted)
}

type fakePeer struct {
	mu            sync.Mutex
	onCandidate   func(*webrtc.ICECandidate)
	onTrack       func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onICEState    func(webrtc.ICEConnectionState)
	onConnState   func(webrtc.PeerConnectionState)
	iceState      webrtc.ICEConnectionState
	remoteSDP     string
	closed        bool
	remoteEntered chan struct{}
	remoteGate    chan struct{}
}

func (p *fakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}, nil
}

func (p *fakePeer) SetLocalDescription(webrtc.SessionDescription) error { return nil }

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	entered := p.remoteEntered
	gate := p.remoteGate
	p.remoteEntered = nil
	p.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if gate != nil {
		<-gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteSDP = desc.SDP
	return nil
}

func (p *fakePeer) AddTransceiverFromKind(webrtc.RTPCodecType, ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error) {
	return nil, nil
}

func (p *fakePeer) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = f
}

func (p *fakePeer) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = f
}

func (p *fakePeer) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICEState = f
}

func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnState = f
}

func (p *fakePeer) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (p *fakePeer) ICEConnectionState() webrtc.ICEConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.iceState
}

func (p *fakePeer) GetStats() webrtc.StatsReport {
	return webrtc.StatsReport{
		"inbound": webrtc.InboundRTPStreamStats{Kind: "audio", PacketsReceived: 50},
	}
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) negotiated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSDP != ""
}

func (p *fakePeer) fireTrack(track *webrtc.TrackRemote) {
	p.mu.Lock()
	handler := p.onTrack
	p.mu.Unlock()
	if handler != nil {
		handler(track, &webrtc.RTPReceiver{})
	}
}

func (p *fakePeer) fireICEState(state webrtc.ICEConnectionState) {
	p.mu.Lock()
	p.iceState = state
	handler := p.onICEState
	p.mu.Unlock()
	if handler != nil {
		handler(state)
	}
}

type peerFactory struct {
	mu    sync.Mutex
	peers []*fakePeer

	// applied to the next created peer, then cleared
	remoteEntered chan struct{}
	remoteGate    chan struct{}
}

func (f *peerFactory) create(webrtc.Configuration) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	peer := &fakePeer{
		iceState:      webrtc.ICEConnectionStateNew,
		remoteEntered: f.remoteEntered,
		remoteGate:    f.remoteGate,
	}
	f.remoteEntered = nil
	f.remoteGate = nil
	f.peers = append(f.peers, peer)
	return peer, nil
}

func (f *peerFactory) peer(i int) *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.peers) {
		return nil
	}
	return f.peers[i]
}

func (f *peerFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

type stateRecorder struct {
	mu     sync.Mutex
	states []domain.ConnectionState
}

func (r *stateRecorder) record(_ domain.SinkID, state domain.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) has(state domain.ConnectionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == state {
			return true
		}
	}
	return false
}

func newTestManager(client *fakeWHEPClient, cfg Config, hbCfg heartbeat.Config) (*Manager, *peerFactory) {
	logger := zap.NewNop().Sugar()
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.Candidates == (ice.Config{}) {
		cfg.Candidates = ice.Config{PollInterval: time.Hour, MaxPollDuration: time.Hour}
	}
	heartbeats := heartbeat.NewManager(client, hbCfg, logger)
	mgr := NewManager(client, heartbeats, cfg, logger)
	factory := &peerFactory{}
	mgr.SetPeerConnectionFactory(factory.create)
	return mgr, factory
}

type connectResult struct {
	track *webrtc.TrackRemote
	err   error
}

func connectAsync(mgr *Manager, sinkID domain.SinkID) chan connectResult {
	ch := make(chan connectResult, 1)
	go func() {
		track, err := mgr.Connect(context.Background(), sinkID)
		ch <- connectResult{track: track, err: err}
	}()
	return ch
}

func awaitConnect(t *testing.T, ch chan connectResult) connectResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("connect did not finish")
		return connectResult{}
	}
}

func TestConnectDeliversTrackAndConnectedState(t *testing.T) {
	client := newFakeWHEPClient()
	mgr, factory := newTestManager(client, Config{}, heartbeat.Config{})
	recorder := &stateRecorder{}
	mgr.OnStateChange(recorder.record)

	ch := connectAsync(mgr, "kitchen")

	require.Eventually(t, func() bool {
		peer := factory.peer(0)
		return peer != nil && peer.negotiated()
	}, 2*time.Second, 5*time.Millisecond)

	track := &webrtc.TrackRemote{}
	factory.peer(0).fireTrack(track)

	res := awaitConnect(t, ch)
	require.NoError(t, res.err)
	assert.Same(t, track, res.track)
	assert.Same(t, track, mgr.Track("kitchen"))

	factory.peer(0).fireICEState(webrtc.ICEConnectionStateConnected)

	require.Eventually(t, func() bool {
		return mgr.State("kitchen") == domain.StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, recorder.has(domain.StateConnecting))
	assert.True(t, recorder.has(domain.StateConnected))
	assert.Equal(t, 1, client.createdCount())
}

func TestConnectSessionFailureWithoutReconnectRemovesConnection(t *testing.T) {
	client := newFakeWHEPClient()
	client.createErr = errors.New("whep session create failed: status 500")
	mgr, _ := newTestManager(client, Config{ReconnectEnabled: false}, heartbeat.Config{})
	recorder := &stateRecorder{}
	mgr.OnStateChange(recorder.record)

	var gotErr error
	mgr.OnError(func(_ domain.SinkID, err error) { gotErr = err })

	_, err := mgr.Connect(context.Background(), "kitchen")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "create whep session")
	assert.Error(t, gotErr)
	assert.True(t, recorder.has(domain.StateFailed))
	assert.Equal(t, domain.StateDisconnected, mgr.State("kitchen"))
	assert.Nil(t, mgr.Track("kitchen"))
}

func TestConnectTimeout(t *testing.T) {
	client := newFakeWHEPClient()
	mgr, factory := newTestManager(client, Config{ConnectTimeout: 50 * time.Millisecond}, heartbeat.Config{})

	ch := connectAsync(mgr, "kitchen")

	res := awaitConnect(t, ch)
	require.Error(t, res.err)
	assert.ErrorIs(t, res.err, domain.ErrConnectionTimeout)
	require.Eventually(t, func() bool {
		return mgr.State("kitchen") == domain.StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, factory.peer(0).isClosed())
	assert.Equal(t, 1, client.deletedCount())
}

func TestReconnectBudgetExhaustedEndsFailed(t *testing.T) {
	client := newFakeWHEPClient()
	client.createErr = errors.New("connection refused")
	mgr, _ := newTestManager(client, Config{
		ReconnectEnabled:     true,
		ReconnectBaseDelay:   5 * time.Millisecond,
		MaxReconnectAttempts: 2,
	}, heartbeat.Config{})
	recorder := &stateRecorder{}
	mgr.OnStateChange(recorder.record)

	_, err := mgr.Connect(context.Background(), "kitchen")
	require.Error(t, err)

	// initial attempt plus two retries, then the budget is spent
	require.Eventually(t, func() bool {
		return client.createdCount() == 3 && mgr.State("kitchen") == domain.StateDisconnected
	}, 3*time.Second, 5*time.Millisecond)

	assert.True(t, recorder.has(domain.StateReconnecting))
	assert.True(t, recorder.has(domain.StateFailed))
}

func TestReconnectRecoversAfterTransientFailure(t *testing.T) {
	client := newFakeWHEPClient()
	client.createErr = errors.New("connection refused")
	client.failFirst = 1
	mgr, factory := newTestManager(client, Config{
		ReconnectEnabled:     true,
		ReconnectBaseDelay:   5 * time.Millisecond,
		MaxReconnectAttempts: 5,
	}, heartbeat.Config{})
	recorder := &stateRecorder{}
	mgr.OnStateChange(recorder.record)

	_, err := mgr.Connect(context.Background(), "kitchen")
	require.Error(t, err)

	require.Eventually(t, func() bool {
		peer := factory.peer(1)
		return peer != nil && peer.negotiated()
	}, 3*time.Second, 5*time.Millisecond)

	factory.peer(1).fireICEState(webrtc.ICEConnectionStateConnected)

	require.Eventually(t, func() bool {
		return mgr.State("kitchen") == domain.StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, recorder.has(domain.StateReconnecting))
	assert.Equal(t, 2, client.createdCount())
}

func TestICEFailureTriggersReconnect(t *testing.T) {
	client := newFakeWHEPClient()
	mgr, factory := newTestManager(client, Config{
		ReconnectEnabled:     true,
		ReconnectBaseDelay:   5 * time.Millisecond,
		MaxReconnectAttempts: 5,
	}, heartbeat.Config{})

	ch := connectAsync(mgr, "kitchen")
	require.Eventually(t, func() bool {
		peer := factory.peer(0)
		return peer != nil && peer.negotiated()
	}, 2*time.Second, 5*time.Millisecond)

	factory.peer(0).fireTrack(&webrtc.TrackRemote{})
	res := awaitConnect(t, ch)
	require.NoError(t, res.err)
	factory.peer(0).fireICEState(webrtc.ICEConnectionStateConnected)
	require.Eventually(t, func() bool {
		return mgr.State("kitchen") == domain.StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	factory.peer(0).fireICEState(webrtc.ICEConnectionStateFailed)

	require.Eventually(t, func() bool {
		peer := factory.peer(1)
		return peer != nil && peer.negotiated()
	}, 3*time.Second, 5*time.Millisecond)
	assert.True(t, factory.peer(0).isClosed())
	assert.Equal(t, 2, client.createdCount())
}

func TestSecondConnectSupersedesFirst(t *testing.T) {
	client := newFakeWHEPClient()
	mgr, factory := newTestManager(client, Config{}, heartbeat.Config{})

	ch1 := connectAsync(mgr, "kitchen")
	require.Eventually(t, func() bool {
		peer := factory.peer(0)
		return peer != nil && peer.negotiated()
	}, 2*time.Second, 5*time.Millisecond)
	factory.peer(0).fireTrack(&webrtc.TrackRemote{})
	require.NoError(t, awaitConnect(t, ch1).err)

	ch2 := connectAsync(mgr, "kitchen")
	require.Eventually(t, func() bool {
		peer := factory.peer(1)
		return peer != nil && peer.negotiated()
	}, 2*time.Second, 5*time.Millisecond)
	factory.peer(1).fireTrack(&webrtc.TrackRemote{})
	require.NoError(t, awaitConnect(t, ch2).err)

	assert.True(t, factory.peer(0).isClosed())
	assert.False(t, factory.peer(1).isClosed())
	assert.Equal(t, 1, client.deletedCount())
	assert.Equal(t, 2, client.createdCount())
}

func TestDisconnectDuringNegotiationStartsNoKeepalive(t *testing.T) {
	client := newFakeWHEPClient()
	mgr, factory := newTestManager(client, Config{}, heartbeat.Config{
		Enabled:         true,
		Interval:        10 * time.Millisecond,
		MissedThreshold: 3,
	})

	entered := make(chan struct{})
	gate := make(chan struct{})
	factory.remoteEntered = entered
	factory.remoteGate = gate

	ch := connectAsync(mgr, "kitchen")

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("negotiation never reached the remote answer")
	}

	// The session exists remotely but negotiation has not finished;
	// tearing down now must leave nothing running once it resumes.
	mgr.Disconnect(context.Background(), "kitchen")
	assert.Equal(t, domain.StateDisconnected, mgr.State("kitchen"))

	close(gate)

	res := awaitConnect(t, ch)
	require.ErrorIs(t, res.err, domain.ErrConnectionSuperseded)

	assert.Equal(t, 0, mgr.heartbeats.ActiveCount())
	assert.True(t, factory.peer(0).isClosed())
	assert.Equal(t, 1, client.deletedCount())
}

func TestReconnectDelayHonorsCap(t *testing.T) {
	client := newFakeWHEPClient()
	client.createErr = errors.New("connection refused")
	client.failFirst = 1
	mgr, factory := newTestManager(client, Config{
		ReconnectEnabled:     true,
		ReconnectBaseDelay:   time.Hour,
		MaxReconnectDelay:    5 * time.Millisecond,
		MaxReconnectAttempts: 2,
	}, heartbeat.Config{})

	_, err := mgr.Connect(context.Background(), "kitchen")
	require.Error(t, err)

	// without the cap the retry would wait an hour
	require.Eventually(t, func() bool {
		peer := factory.peer(1)
		return peer != nil && peer.negotiated()
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, client.createdCount())
}

func TestDisconnectIdempotent(t *testing.T) {
	client := newFakeWHEPClient()
	mgr, factory := newTestManager(client, Config{}, heartbeat.Config{})

	var trackEvents []*webrtc.TrackRemote
	var trackMu sync.Mutex
	mgr.OnTrackChange(func(_ domain.SinkID, track *webrtc.TrackRemote) {
		trackMu.Lock()
		trackEvents = append(trackEvents, track)
		trackMu.Unlock()
	})

	mgr.Disconnect(context.Background(), "nobody")

	ch := connectAsync(mgr, "kitchen")
	require.Eventually(t, func() bool {
		peer := factory.peer(0)
		return peer != nil && peer.negotiated()
	}, 2*time.Second, 5*time.Millisecond)
	factory.peer(0).fireTrack(&webrtc.TrackRemote{})
	require.NoError(t, awaitConnect(t, ch).err)

	mgr.Disconnect(context.Background(), "kitchen")
	mgr.Disconnect(context.Background(), "kitchen")

	assert.True(t, factory.peer(0).isClosed())
	assert.Equal(t, 1, client.deletedCount())
	assert.Equal(t, domain.StateDisconnected, mgr.State("kitchen"))

	trackMu.Lock()
	defer trackMu.Unlock()
	require.NotEmpty(t, trackEvents)
	assert.Nil(t, trackEvents[len(trackEvents)-1])
}

func TestHeartbeatExhaustionTriggersReconnect(t *testing.T) {
	client := newFakeWHEPClient()
	client.alive = false
	mgr, factory := newTestManager(client, Config{
		ReconnectEnabled:     true,
		ReconnectBaseDelay:   5 * time.Millisecond,
		MaxReconnectAttempts: 1,
	}, heartbeat.Config{
		Enabled:         true,
		Interval:        10 * time.Millisecond,
		MissedThreshold: 2,
	})
	recorder := &stateRecorder{}
	mgr.OnStateChange(recorder.record)

	var errMu sync.Mutex
	var gotErr error
	mgr.OnError(func(_ domain.SinkID, err error) {
		errMu.Lock()
		if gotErr == nil {
			gotErr = err
		}
		errMu.Unlock()
	})

	ch := connectAsync(mgr, "kitchen")
	require.Eventually(t, func() bool {
		peer := factory.peer(0)
		return peer != nil && peer.negotiated()
	}, 2*time.Second, 5*time.Millisecond)
	factory.peer(0).fireTrack(&webrtc.TrackRemote{})
	require.NoError(t, awaitConnect(t, ch).err)
	factory.peer(0).fireICEState(webrtc.ICEConnectionStateConnected)

	require.Eventually(t, func() bool {
		return recorder.has(domain.StateReconnecting)
	}, 3*time.Second, 5*time.Millisecond)

	errMu.Lock()
	defer errMu.Unlock()
	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "heartbeat threshold")
}

func TestStatsWithoutConnection(t *testing.T) {
	client := newFakeWHEPClient()
	mgr, _ := newTestManager(client, Config{}, heartbeat.Config{})

	_, err := mgr.Stats(context.Background(), "kitchen")

	assert.ErrorIs(t, err, domain.ErrNoActiveConnection)
}

func TestStatsReadsPeerReport(t *testing.T) {
	client := newFakeWHEPClient()
	mgr, factory := newTestManager(client, Config{}, heartbeat.Config{})

	ch := connectAsync(mgr, "kitchen")
	require.Eventually(t, func() bool {
		peer := factory.peer(0)
		return peer != nil && peer.negotiated()
	}, 2*time.Second, 5*time.Millisecond)
	factory.peer(0).fireTrack(&webrtc.TrackRemote{})
	require.NoError(t, awaitConnect(t, ch).err)

	stats, err := mgr.Stats(context.Background(), "kitchen")

	require.NoError(t, err)
	assert.Equal(t, uint32(50), stats.PacketsReceived)
	assert.Equal(t, domain.SinkID("kitchen"), stats.SinkID)
}

func TestCloseDisconnectsAllSinks(t *testing.T) {
	client := newFakeWHEPClient()
	mgr, factory := newTestManager(client, Config{}, heartbeat.Config{})

	for i, sink := range []domain.SinkID{"kitchen", "attic"} {
		ch := connectAsync(mgr, sink)
		idx := i
		require.Eventually(t, func() bool {
			peer := factory.peer(idx)
			return peer != nil && peer.negotiated()
		}, 2*time.Second, 5*time.Millisecond)
		factory.peer(idx).fireTrack(&webrtc.TrackRemote{})
		require.NoError(t, awaitConnect(t, ch).err)
	}

	mgr.Close(context.Background())

	assert.Equal(t, domain.StateDisconnected, mgr.State("kitchen"))
	assert.Equal(t, domain.StateDisconnected, mgr.State("attic"))
	assert.True(t, factory.peer(0).isClosed())
	assert.True(t, factory.peer(1).isClosed())
	assert.Equal(t, 2, client.deletedCount())
}
