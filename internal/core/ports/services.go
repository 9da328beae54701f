package ports

import (
	"context"

	"sinklisten/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// WHEPClient maps the WHEP control plane onto HTTP. Stateless: callers own
// retry policy and error classification.
type WHEPClient interface {
	CreateSession(ctx context.Context, sinkID domain.SinkID, offerSDP string) (*domain.Session, string, error)
	SendCandidate(ctx context.Context, session *domain.Session, candidate domain.Candidate) error
	PollCandidates(ctx context.Context, session *domain.Session) ([]domain.Candidate, error)
	SendHeartbeat(ctx context.Context, session *domain.Session) (bool, error)
	DeleteSession(ctx context.Context, session *domain.Session) error
}

// ConnectionService owns peer connections keyed by sink and drives the
// connect/disconnect lifecycle, including reconnection with backoff.
type ConnectionService interface {
	Connect(ctx context.Context, sinkID domain.SinkID) (*webrtc.TrackRemote, error)
	Disconnect(ctx context.Context, sinkID domain.SinkID)
	State(sinkID domain.SinkID) domain.ConnectionState
	Track(sinkID domain.SinkID) *webrtc.TrackRemote
	Stats(ctx context.Context, sinkID domain.SinkID) (*domain.AudioStats, error)
	Close(ctx context.Context)
}

// ListenerService is the public facade the daemon (and any embedding
// application) talks to.
type ListenerService interface {
	StartListening(ctx context.Context, sinkID domain.SinkID) error
	StopListening(ctx context.Context, sinkID domain.SinkID)
	StopAllListening(ctx context.Context)
	ToggleListening(ctx context.Context, sinkID domain.SinkID) (bool, error)
	IsListening(sinkID domain.SinkID) bool
	ConnectionState(sinkID domain.SinkID) domain.ConnectionState
	Track(sinkID domain.SinkID) *webrtc.TrackRemote
	Stats(ctx context.Context, sinkID domain.SinkID) (*domain.AudioStats, error)
	Cleanup(ctx context.Context)
}
