package memory

import (
	"context"
	"sync"

	"sinklisten/internal/core/domain"
	"sinklisten/internal/core/ports"
)

type MemoryStatsRepository struct {
	stats map[domain.SinkID]*domain.AudioStats
	mu    sync.RWMutex
}

func NewMemoryStatsRepository() ports.StatsRepository {
	return &MemoryStatsRepository{
		stats: make(map[domain.SinkID]*domain.AudioStats),
	}
}

func (r *MemoryStatsRepository) Save(ctx context.Context, stats *domain.AudioStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats[stats.SinkID] = stats
	return nil
}

func (r *MemoryStatsRepository) Get(ctx context.Context, sinkID domain.SinkID) (*domain.AudioStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats, exists := r.stats[sinkID]
	if !exists {
		return nil, domain.ErrStatsNotFound
	}

	return stats, nil
}

func (r *MemoryStatsRepository) List(ctx context.Context) ([]*domain.AudioStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*domain.AudioStats, 0, len(r.stats))
	for _, stats := range r.stats {
		all = append(all, stats)
	}

	return all, nil
}

func (r *MemoryStatsRepository) Delete(ctx context.Context, sinkID domain.SinkID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.stats, sinkID)
	return nil
}
