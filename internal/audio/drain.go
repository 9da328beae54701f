package audio

import (
	"sync"
	"time"

	"sinklisten/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Counters is a snapshot of what the drain has consumed so far.
type Counters struct {
	Packets       uint64
	Bytes         uint64
	LastSequence  uint16
	LastTimestamp uint32
	LastArrival   time.Time
	SenderPackets uint32
	SenderOctets  uint64
}

// Drain consumes a remote audio track so RTP keeps flowing and receiver
// reports keep going out. Without a reader pion buffers the track and the
// sender eventually backs off. The drain also keeps lightweight receive
// counters for diagnostics.
type Drain struct {
	sinkID   domain.SinkID
	logger   *zap.SugaredLogger
	onPacket func(*rtp.Packet)

	mu       sync.Mutex
	counters Counters
	done     chan struct{}
}

func NewDrain(sinkID domain.SinkID, logger *zap.SugaredLogger) *Drain {
	return &Drain{
		sinkID: sinkID,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// OnPacket registers an optional per-packet hook. Register before Start.
func (d *Drain) OnPacket(fn func(*rtp.Packet)) {
	d.onPacket = fn
}

// Start begins reading the track and, when a receiver is given, its RTCP
// stream. Both loops end on their own once the peer connection closes.
func (d *Drain) Start(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	go d.readTrack(track)
	if receiver != nil {
		go d.readRTCP(receiver)
	}
}

// Done is closed once the track read loop has finished.
func (d *Drain) Done() <-chan struct{} {
	return d.done
}

// Counters returns a copy of the current receive counters.
func (d *Drain) Counters() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counters
}

func (d *Drain) readTrack(track *webrtc.TrackRemote) {
	defer close(d.done)

	buffer := make([]byte, 1500) // MTU size
	for {
		n, _, err := track.Read(buffer)
		if err != nil {
			d.logger.Debugw("track read ended",
				"sink_id", d.sinkID,
				"error", err,
			)
			return
		}
		if err := d.consume(buffer[:n]); err != nil {
			d.logger.Warnw("error unmarshaling RTP packet",
				"sink_id", d.sinkID,
				"error", err,
			)
		}
	}
}

func (d *Drain) consume(raw []byte) error {
	packet := &rtp.Packet{}
	if err := packet.Unmarshal(raw); err != nil {
		return err
	}

	d.mu.Lock()
	d.counters.Packets++
	d.counters.Bytes += uint64(len(raw))
	d.counters.LastSequence = packet.SequenceNumber
	d.counters.LastTimestamp = packet.Timestamp
	d.counters.LastArrival = time.Now()
	d.mu.Unlock()

	if d.onPacket != nil {
		d.onPacket(packet)
	}
	return nil
}

func (d *Drain) readRTCP(receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			d.logger.Debugw("rtcp read ended",
				"sink_id", d.sinkID,
				"error", err,
			)
			return
		}
		d.processRTCP(packets)
	}
}

func (d *Drain) processRTCP(packets []rtcp.Packet) {
	for _, packet := range packets {
		sr, ok := packet.(*rtcp.SenderReport)
		if !ok {
			continue
		}
		d.mu.Lock()
		d.counters.SenderPackets = sr.PacketCount
		d.counters.SenderOctets = uint64(sr.OctetCount)
		d.mu.Unlock()
		d.logger.Debugw("received sender report",
			"sink_id", d.sinkID,
			"packet_count", sr.PacketCount,
			"octet_count", sr.OctetCount,
		)
	}
}
