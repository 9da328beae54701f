package domain

// SinkID identifies an audio sink on the appliance.
type SinkID string

// ListenerID is the server-assigned identifier of one WHEP session,
// extracted from the Location header on session creation.
type ListenerID string

// Session identifies one WHEP negotiation. Exactly one Session exists per
// active sink connection; a reconnect always creates a fresh Session.
type Session struct {
	SinkID     SinkID
	ListenerID ListenerID
}

// Key returns the composite key used by per-session maps.
func (s Session) Key() string {
	return string(s.SinkID) + "/" + string(s.ListenerID)
}

// ConnectionState is the connection manager's per-sink state machine value.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

// Candidate is one trickled ICE candidate as carried on the wire.
// The appliance negotiates a single audio m-line, so sdpMLineIndex is
// implicitly 0 in both directions.
type Candidate struct {
	Candidate string `json:"candidate"`
	SDPMid    string `json:"sdpMid"`
}
