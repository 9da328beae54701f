package connection

import (
	"time"

	"sinklisten/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// parseStatsReport maps the peer connection's loosely-typed stats report to
// an AudioStats snapshot. The report shape is a vendor interface keyed by
// record type; all knowledge of it stays in this one function.
func parseStatsReport(sinkID domain.SinkID, state domain.ConnectionState, report webrtc.StatsReport) *domain.AudioStats {
	out := &domain.AudioStats{
		SinkID:    sinkID,
		State:     state,
		Timestamp: time.Now(),
	}

	for _, entry := range report {
		switch s := entry.(type) {
		case webrtc.InboundRTPStreamStats:
			if s.Kind != "audio" {
				continue
			}
			out.PacketsReceived = s.PacketsReceived
			out.PacketsLost = s.PacketsLost
			out.BytesReceived = s.BytesReceived
			out.Jitter = s.Jitter
		case webrtc.ICECandidatePairStats:
			if s.State == webrtc.StatsICECandidatePairStateSucceeded {
				out.RoundTripTime = s.CurrentRoundTripTime
			}
		case webrtc.AudioReceiverStats:
			out.AudioLevel = s.AudioLevel
		}
	}
	return out
}
