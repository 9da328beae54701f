package ports

import (
	"context"

	"sinklisten/internal/core/domain"
)

// StatsRepository stores the latest stats snapshot per sink for the
// control API to serve.
type StatsRepository interface {
	Save(ctx context.Context, stats *domain.AudioStats) error
	Get(ctx context.Context, sinkID domain.SinkID) (*domain.AudioStats, error)
	List(ctx context.Context) ([]*domain.AudioStats, error)
	Delete(ctx context.Context, sinkID domain.SinkID) error
}
