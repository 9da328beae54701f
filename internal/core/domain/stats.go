package domain

import "time"

// AudioStats is a point-in-time snapshot parsed from the peer connection's
// raw stats report. Recomputed on every poll, never cached.
type AudioStats struct {
	SinkID          SinkID          `json:"sink_id"`
	PacketsReceived uint32          `json:"packets_received"`
	PacketsLost     int32           `json:"packets_lost"`
	BytesReceived   uint64          `json:"bytes_received"`
	Jitter          float64         `json:"jitter"`           // seconds
	RoundTripTime   float64         `json:"round_trip_time"`  // seconds
	AudioLevel      float64         `json:"audio_level"`      // 0..1
	State           ConnectionState `json:"connection_state"`
	Timestamp       time.Time       `json:"timestamp"`
}
