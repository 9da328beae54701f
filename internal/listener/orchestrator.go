package listener

import (
	"context"
	"sync"
	"time"

	"sinklisten/internal/core/domain"
	"sinklisten/internal/core/ports"
	"sinklisten/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ConnectionManager is what the orchestrator needs from the connection
// layer: the lifecycle operations plus event registration.
type ConnectionManager interface {
	ports.ConnectionService
	OnStateChange(fn func(domain.SinkID, domain.ConnectionState))
	OnTrackChange(fn func(domain.SinkID, *webrtc.TrackRemote))
	OnError(fn func(domain.SinkID, error))
}

// Config holds the orchestrator's statistics polling settings.
type Config struct {
	StatsEnabled  bool
	StatsInterval time.Duration
}

// Orchestrator is the top-level facade keyed by sink. It coordinates the
// connection layer, classifies raw errors for external consumers, polls
// per-sink statistics while connected and persists snapshots.
type Orchestrator struct {
	conns  ConnectionManager
	stats  ports.StatsRepository
	config Config
	logger *zap.SugaredLogger

	onState func(sinkID domain.SinkID, state domain.ConnectionState)
	onTrack func(sinkID domain.SinkID, track *webrtc.TrackRemote)
	onError func(sinkID domain.SinkID, classified *domain.ClassifiedError)
	onStats func(sinkID domain.SinkID, stats *domain.AudioStats)

	mu       sync.Mutex
	watchers map[domain.SinkID]*statsWatcher
}

type statsWatcher struct {
	stop chan struct{}
	done chan struct{}
}

// NewOrchestrator wires the orchestrator into the connection manager's
// event surface. Register callbacks before starting any sink.
func NewOrchestrator(conns ConnectionManager, stats ports.StatsRepository, config Config, logger *zap.SugaredLogger) *Orchestrator {
	o := &Orchestrator{
		conns:    conns,
		stats:    stats,
		config:   config,
		logger:   logger,
		watchers: make(map[domain.SinkID]*statsWatcher),
	}

	conns.OnStateChange(o.handleStateChange)
	conns.OnTrackChange(func(sinkID domain.SinkID, track *webrtc.TrackRemote) {
		if o.onTrack != nil {
			o.onTrack(sinkID, track)
		}
	})
	conns.OnError(func(sinkID domain.SinkID, err error) {
		classified := Classify(err)
		o.logger.Warnw("sink error",
			"sink_id", sinkID,
			"category", classified.Category,
			"recoverable", classified.Recoverable,
			"error", err,
		)
		if o.onError != nil {
			o.onError(sinkID, classified)
		}
	})

	return o
}

// OnStateChange registers the connection-state callback.
func (o *Orchestrator) OnStateChange(fn func(domain.SinkID, domain.ConnectionState)) {
	o.onState = fn
}

// OnTrackChange registers the media-track callback.
func (o *Orchestrator) OnTrackChange(fn func(domain.SinkID, *webrtc.TrackRemote)) {
	o.onTrack = fn
}

// OnError registers the classified-error callback.
func (o *Orchestrator) OnError(fn func(domain.SinkID, *domain.ClassifiedError)) {
	o.onError = fn
}

// OnStats registers the statistics-snapshot callback.
func (o *Orchestrator) OnStats(fn func(domain.SinkID, *domain.AudioStats)) {
	o.onStats = fn
}

// StartListening connects to the sink and blocks until media arrives or the
// attempt fails. Failures come back classified.
func (o *Orchestrator) StartListening(ctx context.Context, sinkID domain.SinkID) error {
	ctx, span := tracing.TraceConnection(ctx, "start_listening", string(sinkID))
	defer span.End()

	if _, err := o.conns.Connect(ctx, sinkID); err != nil {
		classified := Classify(err)
		o.logger.Warnw("failed to start listening",
			"sink_id", sinkID,
			"category", classified.Category,
			"error", err,
		)
		return classified
	}

	o.logger.Infow("listening started", "sink_id", sinkID)
	return nil
}

// StopListening disconnects the sink. No-op when not listening.
func (o *Orchestrator) StopListening(ctx context.Context, sinkID domain.SinkID) {
	ctx, span := tracing.TraceConnection(ctx, "stop_listening", string(sinkID))
	defer span.End()

	o.conns.Disconnect(ctx, sinkID)
}

// StopAllListening disconnects every sink.
func (o *Orchestrator) StopAllListening(ctx context.Context) {
	o.conns.Close(ctx)
}

// ToggleListening flips the sink's listening state and reports the new one:
// true when it started listening, false when it stopped or failed to start.
func (o *Orchestrator) ToggleListening(ctx context.Context, sinkID domain.SinkID) (bool, error) {
	if o.IsListening(sinkID) {
		o.StopListening(ctx, sinkID)
		return false, nil
	}
	if err := o.StartListening(ctx, sinkID); err != nil {
		return false, err
	}
	return true, nil
}

// IsListening reports whether the sink has a live or in-progress connection.
func (o *Orchestrator) IsListening(sinkID domain.SinkID) bool {
	switch o.conns.State(sinkID) {
	case domain.StateConnecting, domain.StateConnected, domain.StateReconnecting:
		return true
	}
	return false
}

// ConnectionState returns the sink's current state.
func (o *Orchestrator) ConnectionState(sinkID domain.SinkID) domain.ConnectionState {
	return o.conns.State(sinkID)
}

// Track returns the sink's received media track, nil when none.
func (o *Orchestrator) Track(sinkID domain.SinkID) *webrtc.TrackRemote {
	return o.conns.Track(sinkID)
}

// Stats returns a live statistics snapshot for a connected sink, falling
// back to the last persisted snapshot when the connection is gone.
func (o *Orchestrator) Stats(ctx context.Context, sinkID domain.SinkID) (*domain.AudioStats, error) {
	stats, err := o.conns.Stats(ctx, sinkID)
	if err == nil {
		return stats, nil
	}
	if saved, repoErr := o.stats.Get(ctx, sinkID); repoErr == nil && saved != nil {
		return saved, nil
	}
	return nil, err
}

// ConfigUpdate carries optional overrides for UpdateConfig. Nil fields keep
// their current value.
type ConfigUpdate struct {
	StatsEnabled  *bool
	StatsInterval *time.Duration
}

// UpdateConfig applies the partial update. Running stats watchers restart so
// a new interval takes effect immediately; enabling stats from a disabled
// state takes effect when a sink next reaches the connected state.
func (o *Orchestrator) UpdateConfig(update ConfigUpdate) {
	o.mu.Lock()
	if update.StatsEnabled != nil {
		o.config.StatsEnabled = *update.StatsEnabled
	}
	if update.StatsInterval != nil {
		o.config.StatsInterval = *update.StatsInterval
	}
	sinks := make([]domain.SinkID, 0, len(o.watchers))
	for sinkID := range o.watchers {
		sinks = append(sinks, sinkID)
	}
	o.mu.Unlock()

	for _, sinkID := range sinks {
		o.startStatsWatcher(sinkID)
	}
}

// Cleanup stops all statistics watchers and disconnects every sink.
func (o *Orchestrator) Cleanup(ctx context.Context) {
	o.mu.Lock()
	watchers := o.watchers
	o.watchers = make(map[domain.SinkID]*statsWatcher)
	o.mu.Unlock()

	for _, w := range watchers {
		close(w.stop)
		<-w.done
	}
	o.conns.Close(ctx)
	o.logger.Infow("listener cleanup complete")
}

func (o *Orchestrator) handleStateChange(sinkID domain.SinkID, state domain.ConnectionState) {
	if state == domain.StateConnected {
		o.startStatsWatcher(sinkID)
	} else {
		o.stopStatsWatcher(sinkID)
	}
	if o.onState != nil {
		o.onState(sinkID, state)
	}
}

func (o *Orchestrator) startStatsWatcher(sinkID domain.SinkID) {
	o.stopStatsWatcher(sinkID)

	o.mu.Lock()
	if !o.config.StatsEnabled || o.config.StatsInterval <= 0 {
		o.mu.Unlock()
		return
	}
	interval := o.config.StatsInterval
	w := &statsWatcher{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	o.watchers[sinkID] = w
	o.mu.Unlock()

	go o.watchStats(sinkID, interval, w)
}

func (o *Orchestrator) stopStatsWatcher(sinkID domain.SinkID) {
	o.mu.Lock()
	w, ok := o.watchers[sinkID]
	if ok {
		delete(o.watchers, sinkID)
	}
	o.mu.Unlock()

	if ok {
		close(w.stop)
		<-w.done
	}
}

func (o *Orchestrator) watchStats(sinkID domain.SinkID, interval time.Duration, w *statsWatcher) {
	defer close(w.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			snapshot, err := o.conns.Stats(context.Background(), sinkID)
			if err != nil {
				continue
			}
			if err := o.stats.Save(context.Background(), snapshot); err != nil {
				o.logger.Warnw("failed to persist stats snapshot",
					"sink_id", sinkID,
					"error", err,
				)
			}
			if o.onStats != nil {
				o.onStats(sinkID, snapshot)
			}
		}
	}
}
